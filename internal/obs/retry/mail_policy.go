package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultMailPolicy bounds retries of one chunk-level transport call.
// Attempts are few and short: a chunk that keeps failing is skipped and
// its queue entries are retried wholesale on the next run.
func DefaultMailPolicy(log *zap.Logger) Policy {
	return Policy{
		Name:     "mail_chunk",
		Attempts: 3,
		Backoff:  ExpoJitter{Base: 500 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2},
		Retryable: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		},
		OnAttempt: func(i int, err error) {
			if log != nil {
				log.Warn("chunk send retry", zap.Int("attempt", i+1), zap.Error(err))
			}
		},
		OnExhaust: func(err error) {
			if log != nil && !errors.Is(err, context.Canceled) {
				log.Error("chunk send retries exhausted", zap.Error(err))
			}
		},
	}
}
