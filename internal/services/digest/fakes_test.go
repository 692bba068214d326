package digestsvc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/daybook-hq/daybook/internal/domain/digest"
	tokendomain "github.com/daybook-hq/daybook/internal/domain/token"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

var errNotFound = errors.New("not found")

type memQueue struct {
	mu           sync.Mutex
	entries      []*digest.QueueEntry
	markCalls    [][]int64
	failMark     error
	failCollect  map[digest.Cadence]error
	collectCalls int
}

func (q *memQueue) CollectPending(_ context.Context, cadence digest.Cadence, asOf time.Time) ([]*digest.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.collectCalls++
	if err, ok := q.failCollect[cadence]; ok {
		return nil, err
	}
	var out []*digest.QueueEntry
	for _, e := range q.entries {
		if e.Cadence == cadence && !e.Processed && !e.ScheduledFor.After(asOf) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (q *memQueue) MarkProcessed(_ context.Context, ids []int64, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failMark != nil {
		return q.failMark
	}
	if len(ids) == 0 {
		return nil
	}
	q.markCalls = append(q.markCalls, append([]int64(nil), ids...))
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	for _, e := range q.entries {
		if _, ok := set[e.ID]; ok && !e.Processed {
			e.Processed = true
			t := at
			e.ProcessedAt = &t
		}
	}
	return nil
}

func (q *memQueue) processedIDs() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []int64
	for _, e := range q.entries {
		if e.Processed {
			out = append(out, e.ID)
		}
	}
	return out
}

type memEvents struct{ events map[int64]*digest.Event }

func (m *memEvents) GetByIDs(_ context.Context, ids []int64) (map[int64]*digest.Event, error) {
	out := make(map[int64]*digest.Event)
	for _, id := range ids {
		if ev, ok := m.events[id]; ok {
			out[id] = ev
		}
	}
	return out, nil
}

type memPrefs struct {
	mu    sync.Mutex
	prefs map[int64]digest.Cadence
	gets  int
}

func (m *memPrefs) Get(_ context.Context, recipientID int64) (digest.Cadence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if c, ok := m.prefs[recipientID]; ok {
		return c, nil
	}
	return digest.CadenceNever, nil
}

type memRecipients struct{ recs map[int64]*digest.Recipient }

func (m *memRecipients) GetByID(_ context.Context, id int64) (*digest.Recipient, error) {
	if r, ok := m.recs[id]; ok {
		return r, nil
	}
	return nil, errNotFound
}

type memProjects struct{ names map[int64]string }

func (m *memProjects) GetNames(_ context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string)
	for _, id := range ids {
		if n, ok := m.names[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

type memDeliveryLog struct {
	mu   sync.Mutex
	rows []*digest.DeliveryLog
}

func (m *memDeliveryLog) Create(_ context.Context, l *digest.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memDeliveryLog) byStatus(s digest.DeliveryStatus) []*digest.DeliveryLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*digest.DeliveryLog
	for _, r := range m.rows {
		if r.Status == s {
			out = append(out, r)
		}
	}
	return out
}

type memRevocations struct {
	mu   sync.Mutex
	rows map[string]*tokendomain.Revocation
}

func newMemRevocations() *memRevocations {
	return &memRevocations{rows: map[string]*tokendomain.Revocation{}}
}

func (m *memRevocations) Insert(_ context.Context, r *tokendomain.Revocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[r.JTI]; !ok {
		m.rows[r.JTI] = r
	}
	return nil
}

func (m *memRevocations) IsRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[jti]
	return ok, nil
}

func (m *memRevocations) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for jti, r := range m.rows {
		if r.ExpiresAt.Before(now) {
			delete(m.rows, jti)
			n++
		}
	}
	return n, nil
}

// scriptedSender accepts everything unless told otherwise: failCalls
// makes a whole SendBatch call error (keyed by call index), reject
// rejects individual recipients by email.
type scriptedSender struct {
	mu        sync.Mutex
	calls     [][]*digest.RenderedMessage
	failCalls map[int]error
	reject    map[string]string
}

func (s *scriptedSender) SendBatch(_ context.Context, msgs []*digest.RenderedMessage) ([]digest.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.calls)
	s.calls = append(s.calls, msgs)
	if err, ok := s.failCalls[idx]; ok {
		return nil, err
	}
	out := make([]digest.SendResult, len(msgs))
	for i, m := range msgs {
		if reason, ok := s.reject[m.To]; ok {
			out[i] = digest.SendResult{Accepted: false, Reason: reason}
			continue
		}
		out[i] = digest.SendResult{Accepted: true, ProviderMessageID: fmt.Sprintf("pm-%d-%d", idx, i)}
	}
	return out, nil
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
