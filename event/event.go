// Package event defines the immutable domain-event record emitted by
// aggregates and flushed into the outbox at commit time.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds serialized payloads stored as JSONB.
const DefaultMaxPayloadBytes = 1 << 20

var (
	ErrAggregateTypeRequired = errors.New("aggregate type is required")
	ErrAggregateIDRequired   = errors.New("aggregate id is required")
	ErrEventTypeRequired     = errors.New("event type is required")
	ErrPayloadRequired       = errors.New("event payload is required")
	ErrPayloadTooLarge       = errors.New("event payload exceeds maximum allowed size")
	ErrPayloadNotJSON        = errors.New("event payload must be valid JSON")
	ErrSchemaVersionInvalid  = errors.New("schema version must be greater than zero")
)

// Event is an immutable record of something that happened inside an
// aggregate. The payload is schema-versioned and deserializable without
// access to the aggregate that produced it.
//
// Treat values as read-only once constructed; the outbox stores them
// verbatim and handlers receive copies.
type Event struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	SchemaVersion int
	Payload       json.RawMessage
	OccurredAt    time.Time
	CorrelationID uuid.UUID
	CausationID   uuid.UUID
}

// Option customizes optional event attributes at construction.
type Option func(*Event)

// WithCorrelation stamps causation/correlation identifiers for tracing a
// causal chain across events. Either may be uuid.Nil.
func WithCorrelation(correlationID, causationID uuid.UUID) Option {
	return func(e *Event) {
		e.CorrelationID = correlationID
		e.CausationID = causationID
	}
}

// WithOccurredAt overrides the occurrence timestamp. Used by tests and by
// replays that must preserve original event times.
func WithOccurredAt(occurredAt time.Time) Option {
	return func(e *Event) {
		if !occurredAt.IsZero() {
			e.OccurredAt = occurredAt.UTC()
		}
	}
}

// New creates a validated event. The payload is marshaled to JSON; pass a
// json.RawMessage to store pre-serialized bytes unchanged.
func New(
	aggregateType string,
	aggregateID uuid.UUID,
	eventType string,
	schemaVersion int,
	payload any,
	opts ...Option,
) (Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, err
	}

	aggregateType = strings.TrimSpace(aggregateType)
	if aggregateType == "" {
		return Event{}, ErrAggregateTypeRequired
	}

	if aggregateID == uuid.Nil {
		return Event{}, ErrAggregateIDRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return Event{}, ErrEventTypeRequired
	}

	if schemaVersion <= 0 {
		return Event{}, ErrSchemaVersionInvalid
	}

	if len(raw) == 0 {
		return Event{}, ErrPayloadRequired
	}

	if len(raw) > DefaultMaxPayloadBytes {
		return Event{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(raw))
	}

	if !json.Valid(raw) {
		return Event{}, ErrPayloadNotJSON
	}

	evt := Event{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		SchemaVersion: schemaVersion,
		Payload:       raw,
		OccurredAt:    time.Now().UTC(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&evt)
		}
	}

	return evt, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch typed := payload.(type) {
	case nil:
		return nil, ErrPayloadRequired
	case json.RawMessage:
		return typed, nil
	case []byte:
		return json.RawMessage(typed), nil
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}

		return raw, nil
	}
}
