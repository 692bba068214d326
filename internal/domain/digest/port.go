package digest

import (
	"context"
	"time"
)

// QueueRepo reads pending digest obligations and commits processed marks.
type QueueRepo interface {
	// CollectPending returns unprocessed entries of the given cadence
	// whose scheduled_for is at or before asOf, oldest first.
	CollectPending(ctx context.Context, cadence Cadence, asOf time.Time) ([]*QueueEntry, error)

	// MarkProcessed flips processed=true with the given timestamp for
	// every id in the set. Already-processed ids are left untouched.
	MarkProcessed(ctx context.Context, ids []int64, at time.Time) error
}

// EventRepo resolves notification events by id set.
type EventRepo interface {
	GetByIDs(ctx context.Context, ids []int64) (map[int64]*Event, error)
}

// PreferenceRepo reads a recipient's current cadence preference.
// A missing row reports CadenceNever.
type PreferenceRepo interface {
	Get(ctx context.Context, recipientID int64) (Cadence, error)
}

// RecipientRepo resolves recipients for addressing.
type RecipientRepo interface {
	GetByID(ctx context.Context, id int64) (*Recipient, error)
}

// ProjectRepo resolves project display names by id set. Ids absent from
// the result refer to deleted projects.
type ProjectRepo interface {
	GetNames(ctx context.Context, ids []int64) (map[int64]string, error)
}

// DeliveryLogRepo appends per-message audit rows.
type DeliveryLogRepo interface {
	Create(ctx context.Context, l *DeliveryLog) error
}

// BatchSender dispatches one provider-sized chunk of rendered messages.
// The result slice is positional: result i describes message i. An error
// means the whole call failed and no per-message outcome is known.
type BatchSender interface {
	SendBatch(ctx context.Context, msgs []*RenderedMessage) ([]SendResult, error)
}

// Renderer turns a prepared digest into subject and bodies. Pure; no
// side effects assumed.
type Renderer interface {
	Render(d *Prepared) (subject, html, text string, err error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}
