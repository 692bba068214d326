package digest

import "time"

// Cadence is the digest frequency class a recipient can subscribe to.
type Cadence string

const (
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
	CadenceNever  Cadence = "never"
)

func (c Cadence) Valid() bool {
	switch c {
	case CadenceDaily, CadenceWeekly, CadenceNever:
		return true
	}
	return false
}

// Event is an immutable record of something that happened in a project.
// Created by upstream business logic; read-only here.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	EntityRef string    `json:"entity_ref"`
	ProjectID int64     `json:"project_id"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueEntry is a pending obligation to include one Event in one
// recipient's digest. Mutated only by the delivery engine (processed
// flag + timestamp); never deleted by this pipeline.
type QueueEntry struct {
	ID           int64      `json:"id"`
	RecipientID  int64      `json:"recipient_id"`
	EventID      int64      `json:"event_id"`
	Cadence      Cadence    `json:"cadence"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Processed    bool       `json:"processed"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// Recipient is the subset of a user the pipeline needs to address mail.
type Recipient struct {
	ID    int64
	Email string
	Name  string
}

// ProjectGroup is one project's slice of a prepared digest, events in
// creation order.
type ProjectGroup struct {
	ProjectID   int64
	ProjectName string
	Events      []*Event
}

// Prepared is one recipient's aggregated digest for one run. Transient;
// built fresh each run and never persisted. EntryIDs is the full set of
// queue entries whose events made it into the digest: marking any of
// them processed is legal only after this digest's message is accepted.
type Prepared struct {
	Recipient   *Recipient
	Cadence     Cadence
	Groups      []ProjectGroup
	EntryIDs    []int64
	GeneratedAt time.Time

	// UnsubscribeURL is set by the delivery engine once a token has
	// been issued, before rendering.
	UnsubscribeURL string
}

// EventCount returns the total number of events across all groups.
func (p *Prepared) EventCount() int {
	n := 0
	for _, g := range p.Groups {
		n += len(g.Events)
	}
	return n
}

// DeliveryStatus classifies the outcome of one outbound message.
type DeliveryStatus string

const (
	DeliverySent     DeliveryStatus = "sent"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryDeferred DeliveryStatus = "deferred"
)

// DeliveryLog is one audit row per outbound message.
type DeliveryLog struct {
	ID                int64
	RecipientID       int64
	Cadence           Cadence
	Status            DeliveryStatus
	ProviderMessageID string
	Detail            string
	EventCount        int
	CreatedAt         time.Time
}

// RenderedMessage is what actually goes to the mail transport.
type RenderedMessage struct {
	To      string
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

// SendResult is the typed per-message outcome at the transport
// boundary. Provider response shapes never flow past it.
type SendResult struct {
	Accepted          bool
	ProviderMessageID string
	Reason            string
}
