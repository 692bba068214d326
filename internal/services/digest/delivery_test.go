package digestsvc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daybook-hq/daybook/internal/domain/digest"
	"github.com/daybook-hq/daybook/internal/obs/retry"
	"github.com/daybook-hq/daybook/internal/ratelimit"
	"github.com/daybook-hq/daybook/internal/token"
)

func testTokenService(t *testing.T) *token.Service {
	t.Helper()
	svc, err := token.NewService([]byte("test-secret"), "daybook", "daybook-mail", newMemRevocations())
	require.NoError(t, err)
	return svc
}

func testEngine(t *testing.T, cfg EngineConfig, limiter ratelimit.Limiter, sender digest.BatchSender, queue *memQueue, dlog *memDeliveryLog, now time.Time) *Engine {
	t.Helper()
	renderer, err := NewTemplateRenderer()
	require.NoError(t, err)
	if cfg.UnsubscribeTTL == 0 {
		cfg.UnsubscribeTTL = 90 * 24 * time.Hour
	}
	if cfg.UnsubscribeBaseURL == "" {
		cfg.UnsubscribeBaseURL = "https://daybook.test"
	}
	e := NewEngine(zap.NewNop(), cfg, renderer, testTokenService(t), limiter, sender, queue, dlog, &fixedClock{t: now})
	return e.WithRetryPolicy(retry.Policy{Attempts: 1})
}

func prepared(recipientID int64, entryIDs []int64, evs ...*digest.Event) *digest.Prepared {
	groups := map[int64]*digest.ProjectGroup{}
	var order []int64
	for _, ev := range evs {
		g, ok := groups[ev.ProjectID]
		if !ok {
			g = &digest.ProjectGroup{ProjectID: ev.ProjectID, ProjectName: fmt.Sprintf("Project %d", ev.ProjectID)}
			groups[ev.ProjectID] = g
			order = append(order, ev.ProjectID)
		}
		g.Events = append(g.Events, ev)
	}
	out := &digest.Prepared{
		Recipient:   &digest.Recipient{ID: recipientID, Email: fmt.Sprintf("r%d@example.com", recipientID), Name: "R"},
		Cadence:     digest.CadenceDaily,
		EntryIDs:    entryIDs,
		GeneratedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	for _, pid := range order {
		out.Groups = append(out.Groups, *groups[pid])
	}
	return out
}

func TestPrepareAttachesUnsubscribeTokenAndMetadata(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	e := testEngine(t, EngineConfig{}, ratelimit.NewMemory(10, time.Hour), &scriptedSender{}, &memQueue{}, &memDeliveryLog{}, now)

	d := prepared(7, []int64{1, 2}, event(10, 100, "task_assigned", "hello", now))
	msg, err := e.Prepare(context.Background(), d)
	require.NoError(t, err)

	require.Equal(t, "r7@example.com", msg.Rendered.To)
	require.Contains(t, msg.Rendered.Subject, "daily digest")
	require.Equal(t, []int64{1, 2}, msg.EntryIDs)
	require.Equal(t, "daily", msg.Rendered.Headers["X-Daybook-Cadence"])
	require.Equal(t, "2026-03-02", msg.Rendered.Headers["X-Daybook-Digest-Date"])

	unsub := msg.Rendered.Headers["List-Unsubscribe"]
	require.True(t, strings.HasPrefix(unsub, "<https://daybook.test/unsubscribe?token="), unsub)
	require.Contains(t, msg.Rendered.Text, d.UnsubscribeURL)
	require.Contains(t, msg.Rendered.HTML, "hello")
}

func TestSendAllMarksEveryEntryOfAcceptedMessages(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	queue := &memQueue{entries: []*digest.QueueEntry{
		entry(1, 7, 10, digest.CadenceDaily, now),
		entry(2, 7, 11, digest.CadenceDaily, now),
		entry(3, 7, 12, digest.CadenceDaily, now),
	}}
	dlog := &memDeliveryLog{}
	sender := &scriptedSender{}
	e := testEngine(t, EngineConfig{}, ratelimit.NewMemory(10, time.Hour), sender, queue, dlog, now)

	msg, err := e.Prepare(context.Background(), prepared(7, []int64{1, 2, 3},
		event(10, 100, "task_assigned", "a", now),
		event(11, 100, "comment_added", "b", now),
		event(12, 200, "task_closed", "c", now)))
	require.NoError(t, err)

	stats := e.SendAll(context.Background(), []*OutboundMessage{msg})
	require.Equal(t, Stats{Sent: 1}, stats)

	// the full entry set is marked, not just the first id
	require.ElementsMatch(t, []int64{1, 2, 3}, queue.processedIDs())

	sent := dlog.byStatus(digest.DeliverySent)
	require.Len(t, sent, 1)
	require.NotEmpty(t, sent[0].ProviderMessageID)
	require.Equal(t, 3, sent[0].EventCount)
}

func TestSendAllChunksBySize(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sender := &scriptedSender{}
	e := testEngine(t, EngineConfig{ChunkSize: 2}, ratelimit.NewMemory(100, time.Hour), sender, &memQueue{}, &memDeliveryLog{}, now)

	var msgs []*OutboundMessage
	for i := int64(1); i <= 5; i++ {
		m, err := e.Prepare(context.Background(), prepared(i, []int64{i}, event(i, 100, "task_assigned", "x", now)))
		require.NoError(t, err)
		msgs = append(msgs, m)
	}

	stats := e.SendAll(context.Background(), msgs)
	require.Equal(t, 5, stats.Sent)
	require.Equal(t, 3, sender.callCount(), "5 messages at chunk size 2 -> 3 transport calls")
}

func TestSendAllPartialChunkFailureContainment(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var entries []*digest.QueueEntry
	for i := int64(1); i <= 6; i++ {
		entries = append(entries, entry(i, i, 100+i, digest.CadenceDaily, now))
	}
	queue := &memQueue{entries: entries}
	dlog := &memDeliveryLog{}
	sender := &scriptedSender{failCalls: map[int]error{1: errors.New("provider 500")}}
	e := testEngine(t, EngineConfig{ChunkSize: 2}, ratelimit.NewMemory(100, time.Hour), sender, queue, dlog, now)

	var msgs []*OutboundMessage
	for i := int64(1); i <= 6; i++ {
		m, err := e.Prepare(context.Background(), prepared(i, []int64{i}, event(100+i, 100, "task_assigned", "x", now)))
		require.NoError(t, err)
		msgs = append(msgs, m)
	}

	stats := e.SendAll(context.Background(), msgs)
	require.Equal(t, 4, stats.Sent)
	require.Equal(t, 2, stats.Failed)

	// chunks 1 and 3 processed; chunk 2 (entries 3,4) left for next run
	require.ElementsMatch(t, []int64{1, 2, 5, 6}, queue.processedIDs())
	require.Len(t, dlog.byStatus(digest.DeliveryFailed), 2)
}

func TestSendAllPerMessageRejectionWithinChunk(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	queue := &memQueue{entries: []*digest.QueueEntry{
		entry(1, 1, 10, digest.CadenceDaily, now),
		entry(2, 2, 11, digest.CadenceDaily, now),
	}}
	dlog := &memDeliveryLog{}
	sender := &scriptedSender{reject: map[string]string{"r2@example.com": "mailbox full"}}
	e := testEngine(t, EngineConfig{}, ratelimit.NewMemory(100, time.Hour), sender, queue, dlog, now)

	m1, err := e.Prepare(context.Background(), prepared(1, []int64{1}, event(10, 100, "task_assigned", "x", now)))
	require.NoError(t, err)
	m2, err := e.Prepare(context.Background(), prepared(2, []int64{2}, event(11, 100, "task_assigned", "y", now)))
	require.NoError(t, err)

	stats := e.SendAll(context.Background(), []*OutboundMessage{m1, m2})
	require.Equal(t, Stats{Sent: 1, Failed: 1}, stats)
	require.ElementsMatch(t, []int64{1}, queue.processedIDs())

	failed := dlog.byStatus(digest.DeliveryFailed)
	require.Len(t, failed, 1)
	require.Equal(t, "mailbox full", failed[0].Detail)
}

func TestSendAllDefersRateLimitedMessages(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	queue := &memQueue{entries: []*digest.QueueEntry{
		entry(1, 7, 10, digest.CadenceDaily, now),
		entry(2, 7, 11, digest.CadenceDaily, now),
	}}
	dlog := &memDeliveryLog{}
	sender := &scriptedSender{}
	limiter := ratelimit.NewMemory(1, time.Hour)
	e := testEngine(t, EngineConfig{}, limiter, sender, queue, dlog, now)

	m1, err := e.Prepare(context.Background(), prepared(7, []int64{1}, event(10, 100, "task_assigned", "x", now)))
	require.NoError(t, err)
	m2, err := e.Prepare(context.Background(), prepared(7, []int64{2}, event(11, 100, "task_assigned", "y", now)))
	require.NoError(t, err)

	stats := e.SendAll(context.Background(), []*OutboundMessage{m1, m2})
	require.Equal(t, Stats{Sent: 1, Deferred: 1}, stats)

	// deferred entries remain unprocessed for the next run
	require.ElementsMatch(t, []int64{1}, queue.processedIDs())
	require.Len(t, dlog.byStatus(digest.DeliveryDeferred), 1)
}

func TestSendAllCriticalBypassesRateLimit(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	queue := &memQueue{entries: []*digest.QueueEntry{
		entry(1, 7, 10, digest.CadenceDaily, now),
		entry(2, 7, 11, digest.CadenceDaily, now),
	}}
	sender := &scriptedSender{}
	limiter := ratelimit.NewMemory(1, time.Hour)
	e := testEngine(t, EngineConfig{CriticalTypes: []string{"deadline_missed"}}, limiter, sender, queue, &memDeliveryLog{}, now)

	normal, err := e.Prepare(context.Background(), prepared(7, []int64{1}, event(10, 100, "task_assigned", "x", now)))
	require.NoError(t, err)
	require.False(t, normal.Critical)
	critical, err := e.Prepare(context.Background(), prepared(7, []int64{2}, event(11, 100, "deadline_missed", "y", now)))
	require.NoError(t, err)
	require.True(t, critical.Critical)

	stats := e.SendAll(context.Background(), []*OutboundMessage{normal, critical})
	require.Equal(t, Stats{Sent: 2}, stats, "critical message must not be deferred")
}

func TestSendAllIdempotentRerun(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	queue := &memQueue{entries: []*digest.QueueEntry{
		entry(1, 7, 10, digest.CadenceDaily, now),
	}}
	sender := &scriptedSender{}
	e := testEngine(t, EngineConfig{}, ratelimit.NewMemory(100, time.Hour), sender, queue, &memDeliveryLog{}, now)

	m, err := e.Prepare(context.Background(), prepared(7, []int64{1}, event(10, 100, "task_assigned", "x", now)))
	require.NoError(t, err)
	e.SendAll(context.Background(), []*OutboundMessage{m})
	require.ElementsMatch(t, []int64{1}, queue.processedIDs())

	// a re-run collects nothing: entry 1 is already processed
	pending, err := queue.CollectPending(context.Background(), digest.CadenceDaily, now)
	require.NoError(t, err)
	require.Empty(t, pending)

	// and marking again would not double-count
	require.Len(t, queue.markCalls, 1)
}
