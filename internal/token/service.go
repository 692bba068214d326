// Package token issues, verifies, and revokes the signed tokens that
// back unauthenticated actions such as unsubscribe links.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/daybook-hq/daybook/internal/domain/token"
)

const header = `{"alg":"HS256","typ":"JWT"}`

// Service signs and validates compact HS256 tokens and keeps the
// revocation list consulted on every verification.
type Service struct {
	secret   []byte
	issuer   string
	audience string
	revoked  domain.RevocationRepo
	now      func() time.Time
}

func NewService(secret []byte, issuer, audience string, revoked domain.RevocationRepo) (*Service, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: signing secret is empty")
	}
	return &Service{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		revoked:  revoked,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock replaces the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	cp := *s
	cp.now = now
	return &cp
}

// Issue creates a signed token for subject and purpose with the given
// ttl. The jti uniquely identifies this token for later revocation.
func (s *Service) Issue(subjectID int64, purpose domain.Purpose, ttl time.Duration) (tok string, jti string, expiresAt time.Time, err error) {
	if !purpose.Valid() {
		return "", "", time.Time{}, fmt.Errorf("token: unknown purpose %q", purpose)
	}
	if ttl <= 0 {
		return "", "", time.Time{}, fmt.Errorf("token: non-positive ttl %s", ttl)
	}

	now := s.now()
	expiresAt = now.Add(ttl)
	c := domain.Claims{
		Sub:     subjectID,
		Purpose: purpose,
		JTI:     uuid.NewString(),
		Iat:     now.Unix(),
		Exp:     expiresAt.Unix(),
		Iss:     s.issuer,
		Aud:     s.audience,
	}

	payloadJSON, err := json.Marshal(c)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("marshal claims: %w", err)
	}
	signingInput := b64([]byte(header)) + "." + b64(payloadJSON)
	sig := hmacSHA256(s.secret, []byte(signingInput))

	return signingInput + "." + b64(sig), c.JTI, expiresAt, nil
}

// Verify validates signature, issuer/audience binding, expiry, purpose,
// and finally the revocation list. A structurally valid, unexpired but
// revoked token is invalid.
func (s *Service) Verify(ctx context.Context, tok string, expected domain.Purpose) (*domain.Claims, error) {
	c, err := s.parse(tok)
	if err != nil {
		return nil, err
	}

	now := s.now().Unix()
	if c.Exp < now {
		return nil, domain.ErrExpired
	}
	if expected != "" && c.Purpose != expected {
		return nil, domain.ErrPurposeMismatch
	}

	rev, err := s.revoked.IsRevoked(ctx, c.JTI)
	if err != nil {
		return nil, fmt.Errorf("revocation lookup: %w", err)
	}
	if rev {
		return nil, domain.ErrRevoked
	}
	return c, nil
}

// Revoke durably records the token's jti so it can never verify again.
// The token's signature must check out (we trust its claims), but an
// expired or already-revoked token revokes without error.
func (s *Service) Revoke(ctx context.Context, tok, reason string) error {
	c, err := s.parse(tok)
	if err != nil {
		return err
	}

	return s.revoked.Insert(ctx, &domain.Revocation{
		JTI:       c.JTI,
		SubjectID: c.Sub,
		Purpose:   c.Purpose,
		ExpiresAt: c.ExpiresAt(),
		Reason:    reason,
		RevokedAt: s.now(),
	})
}

// parse checks structure, signature, purpose shape, and issuer/audience
// binding. Expiry and revocation are the caller's concern.
func (s *Service) parse(tok string) (*domain.Claims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, domain.ErrMalformed
	}

	signingInput := parts[0] + "." + parts[1]
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, domain.ErrMalformed
	}
	if !hmac.Equal(sig, hmacSHA256(s.secret, []byte(signingInput))) {
		return nil, domain.ErrBadSignature
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, domain.ErrMalformed
	}
	var c domain.Claims
	if err := json.Unmarshal(payloadJSON, &c); err != nil {
		return nil, domain.ErrMalformed
	}
	if c.JTI == "" || !c.Purpose.Valid() {
		return nil, domain.ErrMalformed
	}
	if c.Iss != s.issuer || c.Aud != s.audience {
		return nil, domain.ErrBadSignature
	}
	return &c, nil
}

func b64(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func hmacSHA256(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return mac.Sum(nil)
}
