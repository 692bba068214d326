package digestsvc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/daybook-hq/daybook/internal/domain/digest"
	tokendomain "github.com/daybook-hq/daybook/internal/domain/token"
)

var (
	mEntriesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "digest_entries_collected_total", Help: "Pending queue entries collected.",
	}, []string{"cadence"})
	mDigestsBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "digest_digests_built_total", Help: "Prepared digests built.",
	}, []string{"cadence"})
	mRecipientsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "digest_recipients_skipped_total", Help: "Recipients skipped during preparation.",
	}, []string{"cadence"})
	mRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "digest_run_duration_seconds", Help: "Full run duration.",
		Buckets: prometheus.DefBuckets,
	})
)

// Selection picks which cadences one invocation processes.
type Selection string

const (
	SelectDaily  Selection = "daily"
	SelectWeekly Selection = "weekly"
	SelectAll    Selection = "all"
)

func ParseSelection(s string) (Selection, error) {
	switch Selection(s) {
	case SelectDaily, SelectWeekly, SelectAll:
		return Selection(s), nil
	}
	return "", fmt.Errorf("unknown cadence selector %q (want daily, weekly, or all)", s)
}

// Summary is what one run reports. Sent is the user-visible count; the
// rest is operational detail.
type Summary struct {
	Sent     int
	Deferred int
	Failed   int
	Skipped  int
}

// Runner sequences aggregation and delivery per cadence. One cadence's
// failure never prevents the other from running.
type Runner struct {
	log         *zap.Logger
	agg         *Aggregator
	engine      *Engine
	revocations tokendomain.RevocationRepo
	weeklyDay   time.Weekday
	clock       digest.Clock
}

func NewRunner(
	log *zap.Logger,
	agg *Aggregator,
	engine *Engine,
	revocations tokendomain.RevocationRepo,
	weeklyDay time.Weekday,
	clock digest.Clock,
) *Runner {
	return &Runner{
		log:         log.With(zap.String("component", "digest.runner")),
		agg:         agg,
		engine:      engine,
		revocations: revocations,
		weeklyDay:   weeklyDay,
		clock:       clock,
	}
}

// RunDigests processes the selected cadences and reports a summary.
// Per-recipient and per-chunk failures are contained below this call;
// the returned error carries only cadence-level store failures.
func (r *Runner) RunDigests(ctx context.Context, sel Selection) (Summary, error) {
	start := r.clock.Now()
	defer func() { mRunDuration.Observe(time.Since(start).Seconds()) }()

	var cadences []digest.Cadence
	switch sel {
	case SelectDaily:
		cadences = []digest.Cadence{digest.CadenceDaily}
	case SelectWeekly:
		cadences = []digest.Cadence{digest.CadenceWeekly}
	case SelectAll:
		cadences = []digest.Cadence{digest.CadenceDaily, digest.CadenceWeekly}
	default:
		return Summary{}, fmt.Errorf("unknown selection %q", sel)
	}

	var (
		summary Summary
		errs    []error
	)
	for _, cadence := range cadences {
		if cadence == digest.CadenceWeekly && start.Weekday() != r.weeklyDay {
			// cheap short-circuit: no queries on non-trigger days
			r.log.Info("weekly digest not due today",
				zap.String("today", start.Weekday().String()),
				zap.String("trigger_day", r.weeklyDay.String()))
			continue
		}
		s, err := r.runCadence(ctx, cadence)
		summary.Sent += s.Sent
		summary.Deferred += s.Deferred
		summary.Failed += s.Failed
		summary.Skipped += s.Skipped
		if err != nil {
			r.log.Error("cadence run failed", zap.String("cadence", string(cadence)), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", cadence, err))
		}
	}

	r.sweepRevocations(ctx)

	return summary, errors.Join(errs...)
}

func (r *Runner) runCadence(ctx context.Context, cadence digest.Cadence) (Summary, error) {
	tr := otel.Tracer("digest.runner")
	ctx, span := tr.Start(ctx, "digest.run_cadence",
		trace.WithAttributes(attribute.String("cadence", string(cadence))),
	)
	defer span.End()

	var summary Summary
	now := r.clock.Now()

	entries, err := r.agg.CollectPending(ctx, cadence, now)
	if err != nil {
		span.RecordError(err)
		return summary, err
	}
	mEntriesCollected.WithLabelValues(string(cadence)).Add(float64(len(entries)))
	if len(entries) == 0 {
		r.log.Info("nothing pending", zap.String("cadence", string(cadence)))
		return summary, nil
	}

	byRecipient := GroupByRecipient(entries)
	recipientIDs := make([]int64, 0, len(byRecipient))
	for id := range byRecipient {
		recipientIDs = append(recipientIDs, id)
	}
	sort.Slice(recipientIDs, func(i, j int) bool { return recipientIDs[i] < recipientIDs[j] })

	msgs := make([]*OutboundMessage, 0, len(recipientIDs))
	for _, id := range recipientIDs {
		d, err := r.agg.BuildDigest(ctx, id, byRecipient[id])
		if err != nil {
			// one bad recipient never cancels the run
			r.log.Warn("digest build failed, skipping recipient",
				zap.Int64("recipient_id", id), zap.Error(err))
			summary.Skipped++
			mRecipientsSkipped.WithLabelValues(string(cadence)).Inc()
			continue
		}
		if d == nil {
			// all referenced events gone; never send an empty email
			summary.Skipped++
			continue
		}
		mDigestsBuilt.WithLabelValues(string(cadence)).Inc()

		msg, err := r.engine.Prepare(ctx, d)
		if err != nil {
			r.log.Warn("message preparation failed, skipping recipient",
				zap.Int64("recipient_id", id), zap.Error(err))
			summary.Skipped++
			mRecipientsSkipped.WithLabelValues(string(cadence)).Inc()
			continue
		}
		msgs = append(msgs, msg)
	}

	stats := r.engine.SendAll(ctx, msgs)
	summary.Sent += stats.Sent
	summary.Deferred += stats.Deferred
	summary.Failed += stats.Failed

	r.log.Info("cadence run complete",
		zap.String("cadence", string(cadence)),
		zap.Int("entries", len(entries)),
		zap.Int("recipients", len(recipientIDs)),
		zap.Int("sent", stats.Sent),
		zap.Int("deferred", stats.Deferred),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// sweepRevocations garbage-collects revocation records whose tokens
// have expired on their own. Best effort.
func (r *Runner) sweepRevocations(ctx context.Context) {
	n, err := r.revocations.PurgeExpired(ctx, r.clock.Now())
	if err != nil {
		r.log.Warn("revocation sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.log.Info("revocation records purged", zap.Int64("count", n))
	}
}
