// Package aggregate provides the base type business entities embed to buffer
// domain events and carry the optimistic-concurrency version stamp.
package aggregate

import (
	"errors"

	"github.com/google/uuid"

	"github.com/harborline/lib-outbox/event"
)

var (
	ErrEventAggregateMismatch = errors.New("event does not belong to this aggregate")
	ErrAggregateIDRequired    = errors.New("aggregate id is required")
)

// Aggregate is the contract the unit of work needs from a business entity:
// identity, a version stamp for conditional writes, and access to the
// pending-event buffer harvested at commit time.
type Aggregate interface {
	AggregateID() uuid.UUID
	AggregateType() string
	Version() int64
	PendingEvents() []event.Event
	ClearPendingEvents()
	AdvanceVersion()
}

// Root is the embeddable aggregate base. The pending buffer is private and
// in-memory only; it is never persisted and never shared across transactions.
//
// Every public mutation on an embedding aggregate that represents a
// meaningful business transition must Record exactly one event before
// returning. A failed validation records nothing.
type Root struct {
	id      uuid.UUID
	version int64
	pending []event.Event
}

// NewRoot creates an aggregate base for a brand-new entity at version 0.
func NewRoot(id uuid.UUID) (Root, error) {
	if id == uuid.Nil {
		return Root{}, ErrAggregateIDRequired
	}

	return Root{id: id}, nil
}

// HydrateRoot creates an aggregate base for an entity loaded from storage.
func HydrateRoot(id uuid.UUID, version int64) (Root, error) {
	if id == uuid.Nil {
		return Root{}, ErrAggregateIDRequired
	}

	if version < 0 {
		version = 0
	}

	return Root{id: id, version: version}, nil
}

// AggregateID returns the entity identity.
func (root *Root) AggregateID() uuid.UUID {
	return root.id
}

// Version returns the current version stamp. The unit of work uses it as the
// expected version for the conditional persist write.
func (root *Root) Version() int64 {
	return root.version
}

// AdvanceVersion increments the in-memory version stamp. Called by the unit
// of work after the conditional write succeeded, never by aggregate code.
func (root *Root) AdvanceVersion() {
	root.version++
}

// Record appends one event to the pending buffer. The event's aggregate id
// must match the root's identity.
func (root *Root) Record(evt event.Event) error {
	if evt.AggregateID != root.id {
		return ErrEventAggregateMismatch
	}

	root.pending = append(root.pending, evt)

	return nil
}

// PendingEvents returns a copy of the buffered events in append order.
// Reading is non-destructive; only ClearPendingEvents empties the buffer.
func (root *Root) PendingEvents() []event.Event {
	if len(root.pending) == 0 {
		return nil
	}

	return append([]event.Event(nil), root.pending...)
}

// ClearPendingEvents empties the buffer. Invoked by the unit of work after a
// successful flush; a rollback leaves the buffer intact.
func (root *Root) ClearPendingEvents() {
	root.pending = nil
}
