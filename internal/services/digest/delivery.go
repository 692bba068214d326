package digestsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/daybook-hq/daybook/internal/domain/digest"
	tokendomain "github.com/daybook-hq/daybook/internal/domain/token"
	"github.com/daybook-hq/daybook/internal/obs"
	"github.com/daybook-hq/daybook/internal/obs/retry"
	"github.com/daybook-hq/daybook/internal/ratelimit"
	"github.com/daybook-hq/daybook/internal/token"
)

var (
	mChunksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "digest_chunks_dispatched_total", Help: "Transport chunk calls attempted.",
	})
	mChunkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "digest_chunk_errors_total", Help: "Chunk calls that failed wholesale after retries.",
	})
	mMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "digest_messages_sent_total", Help: "Messages accepted by the transport.",
	})
	mMessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "digest_messages_failed_total", Help: "Messages rejected by the transport.",
	})
	mMessagesDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "digest_messages_deferred_total", Help: "Messages deferred by the rate limiter.",
	})
)

// OutboundMessage is a rendered digest waiting for dispatch, carrying
// the queue entry ids to mark once the transport accepts it.
type OutboundMessage struct {
	Digest   *digest.Prepared
	Rendered *digest.RenderedMessage
	EntryIDs []int64
	Critical bool
}

// Stats summarizes one SendAll invocation.
type Stats struct {
	Sent     int
	Failed   int
	Deferred int
}

func (s *Stats) add(o Stats) {
	s.Sent += o.Sent
	s.Failed += o.Failed
	s.Deferred += o.Deferred
}

// EngineConfig carries transport constraints and message policy.
type EngineConfig struct {
	ChunkSize          int
	UnsubscribeTTL     time.Duration
	UnsubscribeBaseURL string
	CriticalTypes      []string
}

// Engine chunks prepared messages, enforces the rate limit, dispatches
// through the transport, and commits idempotent processed marks.
type Engine struct {
	log      *zap.Logger
	renderer digest.Renderer
	tokens   *token.Service
	limiter  ratelimit.Limiter
	sender   digest.BatchSender
	queue    digest.QueueRepo
	dlog     digest.DeliveryLogRepo
	clock    digest.Clock
	pol      retry.Policy

	chunkSize     int
	unsubTTL      time.Duration
	unsubBaseURL  string
	criticalTypes map[string]struct{}
}

func NewEngine(
	log *zap.Logger,
	cfg EngineConfig,
	renderer digest.Renderer,
	tokens *token.Service,
	limiter ratelimit.Limiter,
	sender digest.BatchSender,
	queue digest.QueueRepo,
	dlog digest.DeliveryLogRepo,
	clock digest.Clock,
) *Engine {
	critical := make(map[string]struct{}, len(cfg.CriticalTypes))
	for _, t := range cfg.CriticalTypes {
		critical[t] = struct{}{}
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = 100
	}
	return &Engine{
		log:           log.With(zap.String("component", "digest.delivery")),
		renderer:      renderer,
		tokens:        tokens,
		limiter:       limiter,
		sender:        sender,
		queue:         queue,
		dlog:          dlog,
		clock:         clock,
		pol:           retry.DefaultMailPolicy(log),
		chunkSize:     chunk,
		unsubTTL:      cfg.UnsubscribeTTL,
		unsubBaseURL:  cfg.UnsubscribeBaseURL,
		criticalTypes: critical,
	}
}

// WithRetryPolicy overrides the chunk retry policy.
func (e *Engine) WithRetryPolicy(p retry.Policy) *Engine {
	e.pol = p
	return e
}

// Prepare renders the digest and attaches a freshly issued unsubscribe
// token plus cadence/date metadata for downstream auditing.
func (e *Engine) Prepare(ctx context.Context, d *digest.Prepared) (*OutboundMessage, error) {
	tok, _, _, err := e.tokens.Issue(d.Recipient.ID, tokendomain.PurposeUnsubscribe, e.unsubTTL)
	if err != nil {
		return nil, fmt.Errorf("issue unsubscribe token: %w", err)
	}
	d.UnsubscribeURL = fmt.Sprintf("%s/unsubscribe?token=%s", e.unsubBaseURL, tok)

	subject, html, text, err := e.renderer.Render(d)
	if err != nil {
		return nil, fmt.Errorf("render digest for recipient %d: %w", d.Recipient.ID, err)
	}

	return &OutboundMessage{
		Digest: d,
		Rendered: &digest.RenderedMessage{
			To:      d.Recipient.Email,
			Subject: subject,
			HTML:    html,
			Text:    text,
			Headers: map[string]string{
				"List-Unsubscribe":      "<" + d.UnsubscribeURL + ">",
				"X-Daybook-Cadence":     string(d.Cadence),
				"X-Daybook-Digest-Date": d.GeneratedAt.Format("2006-01-02"),
			},
		},
		EntryIDs: d.EntryIDs,
		Critical: e.isCritical(d),
	}, nil
}

func (e *Engine) isCritical(d *digest.Prepared) bool {
	for _, g := range d.Groups {
		for _, ev := range g.Events {
			if _, ok := e.criticalTypes[ev.Type]; ok {
				return true
			}
		}
	}
	return false
}

// SendAll dispatches messages in provider-sized chunks. Per message the
// rate limiter is consulted (bypass for the critical class); denied
// messages are deferred, not failed. A chunk-level transport error is
// contained: its entries stay unprocessed and the run moves on.
//
// SendAll is idempotent under re-invocation: processed marks are scoped
// to transport-accepted messages only, so a re-run after a partial
// failure re-sends exactly the entries still unprocessed.
func (e *Engine) SendAll(ctx context.Context, msgs []*OutboundMessage) Stats {
	var stats Stats

	allowed := make([]*OutboundMessage, 0, len(msgs))
	for _, m := range msgs {
		ok, err := e.limiter.TryConsume(ctx, m.Digest.Recipient.ID, m.Critical)
		if err != nil {
			e.log.Warn("rate limiter unavailable, deferring message",
				zap.Int64("recipient_id", m.Digest.Recipient.ID), zap.Error(err))
			ok = false
		}
		if !ok {
			stats.Deferred++
			mMessagesDeferred.Inc()
			e.logDelivery(ctx, m, digest.DeliveryDeferred, "", "rate limit reached")
			continue
		}
		allowed = append(allowed, m)
	}

	tr := otel.Tracer("digest.delivery")
	for start := 0; start < len(allowed); start += e.chunkSize {
		end := start + e.chunkSize
		if end > len(allowed) {
			end = len(allowed)
		}
		stats.add(e.sendChunk(ctx, tr, allowed[start:end]))
	}
	return stats
}

func (e *Engine) sendChunk(ctx context.Context, tr trace.Tracer, chunk []*OutboundMessage) Stats {
	var stats Stats

	ctx, span := tr.Start(ctx, "digest.chunk",
		trace.WithAttributes(attribute.Int("chunk.size", len(chunk))),
	)
	defer span.End()

	rendered := make([]*digest.RenderedMessage, len(chunk))
	for i, m := range chunk {
		rendered[i] = m.Rendered
	}

	mChunksSent.Inc()
	var results []digest.SendResult
	err := retry.Do(ctx, func() error {
		var sendErr error
		results, sendErr = e.sender.SendBatch(ctx, rendered)
		return sendErr
	}, e.pol)
	if err != nil {
		// whole-chunk failure: entries stay unprocessed, next chunk
		// proceeds, next run retries
		span.RecordError(err)
		mChunkErrors.Inc()
		obs.WithTrace(ctx, e.log).Error("chunk transport failure",
			zap.Int("chunk_size", len(chunk)), zap.Error(err))
		for _, m := range chunk {
			stats.Failed++
			mMessagesFailed.Inc()
			e.logDelivery(ctx, m, digest.DeliveryFailed, "", "chunk transport failure: "+err.Error())
		}
		return stats
	}
	if len(results) != len(chunk) {
		span.RecordError(fmt.Errorf("short result set"))
		obs.WithTrace(ctx, e.log).Error("transport returned short result set, leaving chunk unprocessed",
			zap.Int("want", len(chunk)), zap.Int("got", len(results)))
		stats.Failed += len(chunk)
		return stats
	}

	now := e.clock.Now()
	var acceptedIDs []int64
	for i, res := range results {
		m := chunk[i]
		if !res.Accepted {
			stats.Failed++
			mMessagesFailed.Inc()
			e.logDelivery(ctx, m, digest.DeliveryFailed, "", res.Reason)
			continue
		}
		stats.Sent++
		mMessagesSent.Inc()
		acceptedIDs = append(acceptedIDs, m.EntryIDs...)
		e.logDelivery(ctx, m, digest.DeliverySent, res.ProviderMessageID, "")
	}

	// marking is scoped to this chunk's accepted messages only
	if err := e.queue.MarkProcessed(ctx, acceptedIDs, now); err != nil {
		span.RecordError(err)
		obs.WithTrace(ctx, e.log).Error("mark processed failed, entries will be re-sent next run",
			zap.Int("entries", len(acceptedIDs)), zap.Error(err))
	}
	return stats
}

func (e *Engine) logDelivery(ctx context.Context, m *OutboundMessage, status digest.DeliveryStatus, providerID, detail string) {
	l := &digest.DeliveryLog{
		RecipientID:       m.Digest.Recipient.ID,
		Cadence:           m.Digest.Cadence,
		Status:            status,
		ProviderMessageID: providerID,
		Detail:            detail,
		EventCount:        m.Digest.EventCount(),
	}
	if err := e.dlog.Create(ctx, l); err != nil {
		e.log.Warn("delivery log write failed",
			zap.Int64("recipient_id", l.RecipientID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
