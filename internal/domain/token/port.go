package token

import (
	"context"
	"time"
)

// RevocationRepo is the append-only revocation store. Insert must be
// idempotent (insert-if-absent) so concurrent revocations of the same
// jti are safe.
type RevocationRepo interface {
	Insert(ctx context.Context, r *Revocation) error
	IsRevoked(ctx context.Context, jti string) (bool, error)

	// PurgeExpired removes records whose token expiry is before now.
	// A revocation must outlive its token, never the other way around.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
