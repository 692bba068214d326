package token

import (
	"errors"
	"time"
)

// Purpose scopes a token to exactly one unauthenticated action. The set
// is closed: a token issued for one purpose can never be redeemed for
// another.
type Purpose string

const (
	PurposeUnsubscribe   Purpose = "unsubscribe"
	PurposePasswordReset Purpose = "password_reset"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposeUnsubscribe, PurposePasswordReset:
		return true
	}
	return false
}

// Verification failures are distinct because they drive different user
// recovery actions (request a new link vs. nothing to do).
var (
	ErrMalformed       = errors.New("token malformed")
	ErrBadSignature    = errors.New("token signature invalid")
	ErrExpired         = errors.New("token expired")
	ErrPurposeMismatch = errors.New("token purpose mismatch")
	ErrRevoked         = errors.New("token revoked")
)

// Claims is the fixed payload shape carried by every issued token.
type Claims struct {
	Sub     int64   `json:"sub"`
	Purpose Purpose `json:"purpose"`
	JTI     string  `json:"jti"`
	Iat     int64   `json:"iat"`
	Exp     int64   `json:"exp"`
	Iss     string  `json:"iss"`
	Aud     string  `json:"aud"`
}

// ExpiresAt returns Exp as a time.
func (c *Claims) ExpiresAt() time.Time { return time.Unix(c.Exp, 0).UTC() }

// Revocation is the durable record that invalidates one issued token,
// keyed by jti. Kept at least until the token's own expiry passes.
type Revocation struct {
	JTI       string
	SubjectID int64
	Purpose   Purpose
	ExpiresAt time.Time
	Reason    string
	RevokedAt time.Time
}
