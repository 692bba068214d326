package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/daybook-hq/daybook/internal/domain/digest"
)

var _ digest.PreferenceRepo = (*PreferenceRepo)(nil)

type PreferenceRepo struct{ db *DB }

func NewPreferenceRepo(db *DB) *PreferenceRepo { return &PreferenceRepo{db: db} }

const (
	qPrefGet = `
SELECT cadence
FROM digest_preferences
WHERE recipient_id = $1;`

	qPrefSet = `
INSERT INTO digest_preferences (recipient_id, cadence, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (recipient_id) DO UPDATE SET cadence = $2, updated_at = NOW();`
)

// Get reads the recipient's current cadence preference. A recipient who
// never chose one gets no digests.
func (r *PreferenceRepo) Get(ctx context.Context, recipientID int64) (digest.Cadence, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var cad string
	if err := r.db.Pool.QueryRow(ctx, qPrefGet, recipientID).Scan(&cad); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return digest.CadenceNever, nil
		}
		return "", fmt.Errorf("get preference: %w", err)
	}
	return digest.Cadence(cad), nil
}

// Set upserts the recipient's preference. Used by the unsubscribe
// gateway to switch a recipient to "never".
func (r *PreferenceRepo) Set(ctx context.Context, recipientID int64, cadence digest.Cadence) error {
	if !cadence.Valid() {
		return fmt.Errorf("set preference: invalid cadence %q", cadence)
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if _, err := r.db.Pool.Exec(ctx, qPrefSet, recipientID, string(cadence)); err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}
