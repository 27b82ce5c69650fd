// Package kafka provides a topic sink for dispatched outbox entries.
//
// Messages are keyed by aggregate id, so a hash balancer keeps each
// aggregate's events on one partition and the per-aggregate ordering
// guarantee survives the broker hop.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/harborline/lib-outbox/internal/nilcheck"
	liblog "github.com/harborline/lib-outbox/log"
	"github.com/harborline/lib-outbox/outbox"
	"github.com/harborline/lib-outbox/telemetry"
)

var (
	ErrWriterRequired    = errors.New("kafka writer is required")
	ErrTopicRequired     = errors.New("topic is required")
	ErrPublisherRequired = errors.New("publisher is required")
)

// Writer is the kafka-go writer subset the publisher needs. *kafkago.Writer
// satisfies it. The writer must be created without a fixed Topic; the
// publisher sets it per message.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

type Option func(*Publisher)

func WithLogger(logger liblog.Logger) Option {
	return func(pub *Publisher) {
		if nilcheck.Interface(logger) {
			return
		}

		pub.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(pub *Publisher) {
		if nilcheck.Interface(tracer) {
			return
		}

		pub.tracer = tracer
	}
}

// Publisher writes outbox entries to a Kafka topic.
type Publisher struct {
	writer Writer
	topic  string
	logger liblog.Logger
	tracer trace.Tracer
}

// NewPublisher creates a Kafka publisher for the given topic.
func NewPublisher(writer Writer, topic string, opts ...Option) (*Publisher, error) {
	if nilcheck.Interface(writer) {
		return nil, ErrWriterRequired
	}

	if topic == "" {
		return nil, ErrTopicRequired
	}

	pub := &Publisher{
		writer: writer,
		topic:  topic,
		logger: liblog.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("outbox.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	return pub, nil
}

// Handler returns an event handler publishing each entry to the topic.
func (pub *Publisher) Handler() outbox.EventHandler {
	return func(ctx context.Context, entry *outbox.Entry) error {
		return pub.Publish(ctx, entry)
	}
}

// Publish writes one entry to the topic, keyed by aggregate id.
func (pub *Publisher) Publish(ctx context.Context, entry *outbox.Entry) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if entry == nil {
		return outbox.ErrEntryRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := pub.tracer.Start(ctx, "kafka.publish")
	defer span.End()

	if err := pub.writer.WriteMessages(ctx, pub.buildMessage(ctx, entry)); err != nil {
		telemetry.HandleSpanError(span, "failed to write outbox entry to kafka", err)
		pub.logger.Log(ctx, liblog.LevelWarn, "kafka write failed",
			liblog.String("event_type", entry.EventType),
			liblog.String("entry_id", entry.ID.String()),
			liblog.Err(err))

		return fmt.Errorf("writing %s: %w", entry.EventType, err)
	}

	return nil
}

func (pub *Publisher) buildMessage(ctx context.Context, entry *outbox.Entry) kafkago.Message {
	headers := []kafkago.Header{
		{Key: "event_id", Value: []byte(entry.ID.String())},
		{Key: "event_type", Value: []byte(entry.EventType)},
		{Key: "aggregate_type", Value: []byte(entry.AggregateType)},
		{Key: "schema_version", Value: []byte(strconv.Itoa(entry.SchemaVersion))},
	}

	for key, value := range telemetry.InjectBrokerTraceContext(ctx) {
		headers = append(headers, kafkago.Header{Key: key, Value: []byte(value)})
	}

	return kafkago.Message{
		Topic:   pub.topic,
		Key:     []byte(entry.AggregateID.String()),
		Value:   entry.Payload,
		Time:    entry.OccurredAt,
		Headers: headers,
	}
}
