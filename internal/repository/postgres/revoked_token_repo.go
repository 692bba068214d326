package postgres

import (
	"context"
	"fmt"
	"time"

	domain "github.com/daybook-hq/daybook/internal/domain/token"
)

var _ domain.RevocationRepo = (*RevokedTokenRepo)(nil)

type RevokedTokenRepo struct{ db *DB }

func NewRevokedTokenRepo(db *DB) *RevokedTokenRepo { return &RevokedTokenRepo{db: db} }

const (
	// insert-if-absent keeps concurrent revocations of one jti safe
	qRevokedInsert = `
INSERT INTO revoked_tokens (jti, subject_id, purpose, expires_at, reason, revoked_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (jti) DO NOTHING;`

	qRevokedExists = `
SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = $1);`

	qRevokedPurge = `
DELETE FROM revoked_tokens WHERE expires_at < $1;`
)

func (r *RevokedTokenRepo) Insert(ctx context.Context, rev *domain.Revocation) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if _, err := r.db.Pool.Exec(ctx, qRevokedInsert,
		rev.JTI,
		rev.SubjectID,
		string(rev.Purpose),
		rev.ExpiresAt,
		rev.Reason,
		rev.RevokedAt,
	); err != nil {
		return fmt.Errorf("insert revocation: %w", err)
	}
	return nil
}

func (r *RevokedTokenRepo) IsRevoked(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var exists bool
	if err := r.db.Pool.QueryRow(ctx, qRevokedExists, jti).Scan(&exists); err != nil {
		return false, fmt.Errorf("revocation exists: %w", err)
	}
	return exists, nil
}

func (r *RevokedTokenRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	cmd, err := r.db.Pool.Exec(ctx, qRevokedPurge, now)
	if err != nil {
		return 0, fmt.Errorf("purge revocations: %w", err)
	}
	return cmd.RowsAffected(), nil
}
