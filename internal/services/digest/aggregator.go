package digestsvc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/daybook-hq/daybook/internal/domain/digest"
)

// DeletedProjectLabel stands in for sub-groups whose project has been
// removed since the events were generated.
const DeletedProjectLabel = "(deleted project)"

// Aggregator turns pending queue entries into prepared digests, one per
// recipient per run.
type Aggregator struct {
	log        *zap.Logger
	queue      digest.QueueRepo
	events     digest.EventRepo
	prefs      digest.PreferenceRepo
	recipients digest.RecipientRepo
	projects   digest.ProjectRepo
	clock      digest.Clock
}

func NewAggregator(
	log *zap.Logger,
	queue digest.QueueRepo,
	events digest.EventRepo,
	prefs digest.PreferenceRepo,
	recipients digest.RecipientRepo,
	projects digest.ProjectRepo,
	clock digest.Clock,
) *Aggregator {
	return &Aggregator{
		log:        log.With(zap.String("component", "digest.aggregator")),
		queue:      queue,
		events:     events,
		prefs:      prefs,
		recipients: recipients,
		projects:   projects,
		clock:      clock,
	}
}

// CollectPending returns unprocessed entries due at asOf whose
// recipient's *current* preference still matches the cadence. A
// preference changed after enqueue wins at send time.
func (a *Aggregator) CollectPending(ctx context.Context, cadence digest.Cadence, asOf time.Time) ([]*digest.QueueEntry, error) {
	entries, err := a.queue.CollectPending(ctx, cadence, asOf)
	if err != nil {
		return nil, fmt.Errorf("collect pending: %w", err)
	}

	prefCache := make(map[int64]digest.Cadence)
	out := entries[:0]
	for _, e := range entries {
		pref, ok := prefCache[e.RecipientID]
		if !ok {
			pref, err = a.prefs.Get(ctx, e.RecipientID)
			if err != nil {
				a.log.Warn("preference lookup failed, skipping recipient",
					zap.Int64("recipient_id", e.RecipientID), zap.Error(err))
				pref = digest.CadenceNever
			}
			prefCache[e.RecipientID] = pref
		}
		if pref == cadence {
			out = append(out, e)
		}
	}
	return out, nil
}

// GroupByRecipient partitions entries per recipient, preserving entry
// order within each slice.
func GroupByRecipient(entries []*digest.QueueEntry) map[int64][]*digest.QueueEntry {
	out := make(map[int64][]*digest.QueueEntry)
	for _, e := range entries {
		out[e.RecipientID] = append(out[e.RecipientID], e)
	}
	return out
}

// BuildDigest resolves the entries' events and groups them by project,
// events in creation order within each group. Returns (nil, nil) when
// nothing resolved: a recipient never gets an empty email.
func (a *Aggregator) BuildDigest(ctx context.Context, recipientID int64, entries []*digest.QueueEntry) (*digest.Prepared, error) {
	rec, err := a.recipients.GetByID(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("resolve recipient %d: %w", recipientID, err)
	}

	eventIDs := make([]int64, 0, len(entries))
	for _, e := range entries {
		eventIDs = append(eventIDs, e.EventID)
	}
	events, err := a.events.GetByIDs(ctx, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve events: %w", err)
	}

	var (
		order    []int64
		byProj   = make(map[int64][]*digest.Event)
		entryIDs []int64
		cadence  digest.Cadence
	)
	for _, e := range entries {
		ev, ok := events[e.EventID]
		if !ok {
			// event deleted since enqueue; drop silently
			continue
		}
		if _, seen := byProj[ev.ProjectID]; !seen {
			order = append(order, ev.ProjectID)
		}
		byProj[ev.ProjectID] = append(byProj[ev.ProjectID], ev)
		entryIDs = append(entryIDs, e.ID)
		cadence = e.Cadence
	}
	if len(entryIDs) == 0 {
		return nil, nil
	}

	names, err := a.projects.GetNames(ctx, order)
	if err != nil {
		a.log.Warn("project name lookup failed, using placeholders", zap.Error(err))
		names = map[int64]string{}
	}

	groups := make([]digest.ProjectGroup, 0, len(order))
	for _, pid := range order {
		evs := byProj[pid]
		sort.SliceStable(evs, func(i, j int) bool {
			if evs[i].CreatedAt.Equal(evs[j].CreatedAt) {
				return evs[i].ID < evs[j].ID
			}
			return evs[i].CreatedAt.Before(evs[j].CreatedAt)
		})
		name, ok := names[pid]
		if !ok {
			name = DeletedProjectLabel
		}
		groups = append(groups, digest.ProjectGroup{
			ProjectID:   pid,
			ProjectName: name,
			Events:      evs,
		})
	}

	return &digest.Prepared{
		Recipient:   rec,
		Cadence:     cadence,
		Groups:      groups,
		EntryIDs:    entryIDs,
		GeneratedAt: a.clock.Now(),
	}, nil
}
