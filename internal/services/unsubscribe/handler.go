// Package unsubscribe serves the unauthenticated endpoint behind the
// unsubscribe links embedded in digest emails.
package unsubscribe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/daybook-hq/daybook/internal/domain/digest"
	tokendomain "github.com/daybook-hq/daybook/internal/domain/token"
	"github.com/daybook-hq/daybook/internal/token"
)

// PreferenceWriter switches a recipient's digest cadence.
type PreferenceWriter interface {
	Set(ctx context.Context, recipientID int64, cadence digest.Cadence) error
}

// Service verifies unsubscribe tokens and flips the preference to
// "never". Tokens are single-use: a successful redemption revokes the
// token so a forwarded or replayed link cannot act again.
type Service struct {
	log    *zap.Logger
	tokens *token.Service
	prefs  PreferenceWriter
}

func New(log *zap.Logger, tokens *token.Service, prefs PreferenceWriter) *Service {
	return &Service{
		log:    log.With(zap.String("component", "unsubscribe")),
		tokens: tokens,
		prefs:  prefs,
	}
}

// Handler returns the HTTP handler for the gateway.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/unsubscribe", s.handleUnsubscribe)
	return mux
}

func (s *Service) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tok := r.URL.Query().Get("token")
	if tok == "" {
		writePage(w, http.StatusBadRequest, "This unsubscribe link is invalid.")
		return
	}

	claims, err := s.tokens.Verify(r.Context(), tok, tokendomain.PurposeUnsubscribe)
	if err != nil {
		s.writeVerifyError(w, err)
		return
	}

	if err := s.prefs.Set(r.Context(), claims.Sub, digest.CadenceNever); err != nil {
		s.log.Error("preference update failed",
			zap.Int64("recipient_id", claims.Sub), zap.Error(err))
		writePage(w, http.StatusInternalServerError, "Something went wrong on our side. Please try the link again later.")
		return
	}

	// single-use: a revoke failure leaves the link redeemable, which is
	// harmless (unsubscribing twice is a no-op), so log and move on
	if err := s.tokens.Revoke(r.Context(), tok, "redeemed"); err != nil {
		s.log.Warn("token revoke after redemption failed",
			zap.Int64("recipient_id", claims.Sub), zap.Error(err))
	}

	s.log.Info("recipient unsubscribed", zap.Int64("recipient_id", claims.Sub))
	writePage(w, http.StatusOK, "You have been unsubscribed from digest emails.")
}

// The three failure kinds drive different user recovery actions, so
// each gets its own message.
func (s *Service) writeVerifyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tokendomain.ErrExpired):
		writePage(w, http.StatusGone, "This unsubscribe link has expired. You can change your notification settings in Daybook instead.")
	case errors.Is(err, tokendomain.ErrRevoked):
		writePage(w, http.StatusGone, "This unsubscribe link has already been used.")
	case errors.Is(err, tokendomain.ErrMalformed),
		errors.Is(err, tokendomain.ErrBadSignature),
		errors.Is(err, tokendomain.ErrPurposeMismatch):
		writePage(w, http.StatusBadRequest, "This unsubscribe link is invalid.")
	default:
		s.log.Error("token verification failed", zap.Error(err))
		writePage(w, http.StatusInternalServerError, "Something went wrong on our side. Please try the link again later.")
	}
}

func writePage(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintf(w, "<html><body><p>%s</p></body></html>\n", msg)
}
