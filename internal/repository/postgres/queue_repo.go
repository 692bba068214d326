package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/daybook-hq/daybook/internal/domain/digest"
)

var _ digest.QueueRepo = (*QueueRepo)(nil)

type QueueRepo struct{ db *DB }

func NewQueueRepo(db *DB) *QueueRepo { return &QueueRepo{db: db} }

const (
	qQueuePending = `
SELECT id, recipient_id, event_id, cadence, scheduled_for, processed, processed_at
FROM digest_queue
WHERE cadence = $1 AND processed = FALSE AND scheduled_for <= $2
ORDER BY recipient_id, id;`

	qQueueMarkProcessed = `
UPDATE digest_queue
SET processed = TRUE, processed_at = $2
WHERE id = ANY($1) AND processed = FALSE;`
)

func (r *QueueRepo) CollectPending(ctx context.Context, cadence digest.Cadence, asOf time.Time) ([]*digest.QueueEntry, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, qQueuePending, string(cadence), asOf)
	if err != nil {
		return nil, fmt.Errorf("query pending queue: %w", err)
	}
	defer rows.Close()

	var out []*digest.QueueEntry
	for rows.Next() {
		var e digest.QueueEntry
		var cad string
		if err := rows.Scan(&e.ID, &e.RecipientID, &e.EventID, &cad, &e.ScheduledFor, &e.Processed, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.Cadence = digest.Cadence(cad)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (r *QueueRepo) MarkProcessed(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if _, err := r.db.Pool.Exec(ctx, qQueueMarkProcessed, ids, at); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}
