package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/daybook-hq/daybook/internal/domain/digest"
)

var _ digest.RecipientRepo = (*RecipientRepo)(nil)

type RecipientRepo struct{ db *DB }

func NewRecipientRepo(db *DB) *RecipientRepo { return &RecipientRepo{db: db} }

const qRecipientByID = `
SELECT id, email, name
FROM users
WHERE id = $1;`

func (r *RecipientRepo) GetByID(ctx context.Context, id int64) (*digest.Recipient, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var rec digest.Recipient
	if err := r.db.Pool.QueryRow(ctx, qRecipientByID, id).Scan(&rec.ID, &rec.Email, &rec.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}
