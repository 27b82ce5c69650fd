//go:build unit

package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/harborline/lib-outbox/outbox"
)

type fakeWriter struct {
	writeErr error
	messages []kafkago.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.writeErr != nil {
		return w.writeErr
	}

	w.messages = append(w.messages, msgs...)

	return nil
}

func publishableEntry(t *testing.T) *outbox.Entry {
	t.Helper()

	return &outbox.Entry{
		ID:            uuid.New(),
		AggregateType: "order",
		AggregateID:   uuid.New(),
		EventType:     "order.placed",
		SchemaVersion: 2,
		Payload:       []byte(`{"orderId":"o-1"}`),
		OccurredAt:    time.Now().UTC(),
	}
}

func TestNewPublisherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPublisher(nil, "orders.events")
	require.ErrorIs(t, err, ErrWriterRequired)

	var typedNil *fakeWriter

	_, err = NewPublisher(typedNil, "orders.events")
	require.ErrorIs(t, err, ErrWriterRequired)

	_, err = NewPublisher(&fakeWriter{}, "")
	require.ErrorIs(t, err, ErrTopicRequired)
}

func TestPublishWritesKeyedMessage(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}

	pub, err := NewPublisher(writer, "orders.events")
	require.NoError(t, err)

	entry := publishableEntry(t)

	require.NoError(t, pub.Publish(context.Background(), entry))
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	require.Equal(t, "orders.events", msg.Topic)
	require.Equal(t, []byte(entry.AggregateID.String()), msg.Key)
	require.Equal(t, entry.Payload, msg.Value)
	require.Equal(t, entry.OccurredAt, msg.Time)

	headers := map[string]string{}
	for _, header := range msg.Headers {
		headers[header.Key] = string(header.Value)
	}

	require.Equal(t, entry.ID.String(), headers["event_id"])
	require.Equal(t, "order.placed", headers["event_type"])
	require.Equal(t, "order", headers["aggregate_type"])
	require.Equal(t, "2", headers["schema_version"])
}

func TestPublishSameAggregateSharesKey(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}

	pub, err := NewPublisher(writer, "orders.events")
	require.NoError(t, err)

	first := publishableEntry(t)
	second := publishableEntry(t)
	second.AggregateID = first.AggregateID

	require.NoError(t, pub.Publish(context.Background(), first))
	require.NoError(t, pub.Publish(context.Background(), second))
	require.Len(t, writer.messages, 2)
	require.Equal(t, writer.messages[0].Key, writer.messages[1].Key)
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()

	pub, err := NewPublisher(&fakeWriter{}, "orders.events")
	require.NoError(t, err)

	require.ErrorIs(t, pub.Publish(context.Background(), nil), outbox.ErrEntryRequired)

	var nilPub *Publisher

	require.ErrorIs(t, nilPub.Publish(context.Background(), publishableEntry(t)), ErrPublisherRequired)
}

func TestPublishPropagatesWriteError(t *testing.T) {
	t.Parallel()

	writeErr := errors.New("broker unavailable")
	writer := &fakeWriter{writeErr: writeErr}

	pub, err := NewPublisher(writer, "orders.events")
	require.NoError(t, err)

	err = pub.Publish(context.Background(), publishableEntry(t))
	require.ErrorIs(t, err, writeErr)
	require.Contains(t, err.Error(), "order.placed")
}

func TestHandlerPublishes(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}

	pub, err := NewPublisher(writer, "orders.events")
	require.NoError(t, err)

	require.NoError(t, pub.Handler()(context.Background(), publishableEntry(t)))
	require.Len(t, writer.messages, 1)
}
