// Package ratelimit bounds how many messages may be sent to one subject
// within a rolling window. The window starts at the first consumption
// and is replaced, not extended, once its reset time passes.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Usage is a read-only snapshot of one subject's live window. Zero value
// means no window is live.
type Usage struct {
	Count   int
	ResetAt time.Time
}

// Limiter decides whether an outbound message may be sent now.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// TryConsume takes one unit of quota. bypass=true (critical
	// message class) always allows without consuming.
	TryConsume(ctx context.Context, subjectID int64, bypass bool) (bool, error)

	// Usage reports the subject's current window without consuming.
	Usage(ctx context.Context, subjectID int64) (Usage, error)
}

type window struct {
	count   int
	resetAt time.Time
}

// Memory is the single-worker in-process backing. Deployments with more
// than one concurrent worker need the shared Redis backing instead.
type Memory struct {
	mu       sync.Mutex
	limit    int
	duration time.Duration
	now      func() time.Time
	windows  map[int64]*window
}

var _ Limiter = (*Memory)(nil)

func NewMemory(limit int, duration time.Duration) *Memory {
	return &Memory{
		limit:    limit,
		duration: duration,
		now:      func() time.Time { return time.Now().UTC() },
		windows:  make(map[int64]*window),
	}
}

// WithClock replaces the time source. Tests only.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) TryConsume(_ context.Context, subjectID int64, bypass bool) (bool, error) {
	if bypass {
		return true, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[subjectID]
	if !ok || !now.Before(w.resetAt) {
		m.windows[subjectID] = &window{count: 1, resetAt: now.Add(m.duration)}
		return true, nil
	}
	if w.count >= m.limit {
		return false, nil
	}
	w.count++
	return true, nil
}

func (m *Memory) Usage(_ context.Context, subjectID int64) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[subjectID]
	if !ok || !m.now().Before(w.resetAt) {
		return Usage{}, nil
	}
	return Usage{Count: w.count, ResetAt: w.resetAt}, nil
}
