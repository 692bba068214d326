package postgres

import (
	"context"
	"fmt"

	"github.com/daybook-hq/daybook/internal/domain/digest"
)

var _ digest.DeliveryLogRepo = (*DeliveryLogRepo)(nil)

type DeliveryLogRepo struct{ db *DB }

func NewDeliveryLogRepo(db *DB) *DeliveryLogRepo { return &DeliveryLogRepo{db: db} }

const qDeliveryLogInsert = `
INSERT INTO delivery_log (recipient_id, cadence, status, provider_message_id, detail, event_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))
RETURNING id, created_at;`

func (r *DeliveryLogRepo) Create(ctx context.Context, l *digest.DeliveryLog) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if err := r.db.Pool.QueryRow(ctx, qDeliveryLogInsert,
		l.RecipientID,
		string(l.Cadence),
		string(l.Status),
		l.ProviderMessageID,
		l.Detail,
		l.EventCount,
		nullTime(l.CreatedAt),
	).Scan(&l.ID, &l.CreatedAt); err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}
	return nil
}
