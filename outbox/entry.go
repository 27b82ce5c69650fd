package outbox

import (
	"time"

	"github.com/google/uuid"

	"github.com/harborline/lib-outbox/event"
)

// Entry is an event record staged in the outbox table for reliable delivery.
// The event fields are written once by the unit of work; all other fields are
// mutated only by the relay through conditional status updates.
type Entry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	SchemaVersion int
	Payload       []byte
	OccurredAt    time.Time
	CorrelationID uuid.UUID
	CausationID   uuid.UUID

	// Position is the monotonic insertion order assigned by the store.
	// Per-aggregate dispatch order follows it.
	Position int64

	Status         Status
	Attempts       int
	LastError      string
	NextRetryAt    *time.Time
	LeaseExpiresAt *time.Time
	DispatchedAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewEntry stages a validated event as a pending outbox entry. The event
// constructor already enforced payload shape; this only re-checks what the
// store depends on.
func NewEntry(evt event.Event) (*Entry, error) {
	if evt.ID == uuid.Nil {
		return nil, ErrEntryRequired
	}

	if len(evt.Payload) == 0 {
		return nil, ErrEntryPayloadRequired
	}

	if evt.EventType == "" {
		return nil, ErrEventTypeRequired
	}

	now := time.Now().UTC()

	occurredAt := evt.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	return &Entry{
		ID:            evt.ID,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		SchemaVersion: evt.SchemaVersion,
		Payload:       append([]byte(nil), evt.Payload...),
		OccurredAt:    occurredAt,
		CorrelationID: evt.CorrelationID,
		CausationID:   evt.CausationID,
		Status:        StatusPending,
		Attempts:      0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
