// Package rabbitmq provides a broker sink for dispatched outbox entries.
//
// The publisher runs with publisher confirms enabled and waits synchronously
// for the broker ack, so a handler failure always means the message did not
// land on the exchange. A circuit breaker sheds publishes while the broker is
// down instead of burning dispatch attempts on every entry.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/harborline/lib-outbox/internal/nilcheck"
	liblog "github.com/harborline/lib-outbox/log"
	"github.com/harborline/lib-outbox/outbox"
	"github.com/harborline/lib-outbox/telemetry"
)

const (
	// DefaultConfirmTimeout bounds the wait for a broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer must cover the max unconfirmed messages so the
	// broker never blocks on the notify channel.
	confirmChannelBuffer = 256

	breakerName            = "rabbitmq.publisher"
	breakerOpenTimeout     = 30 * time.Second
	breakerTripConsecutive = 5
)

var (
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrExchangeRequired       = errors.New("exchange name is required")
	ErrPublisherRequired      = errors.New("publisher is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
)

// Channel is the AMQP channel subset the publisher needs. *amqp.Channel
// satisfies it.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
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

func WithConfirmTimeout(timeout time.Duration) Option {
	return func(pub *Publisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// WithBreakerSettings replaces the default circuit breaker settings.
func WithBreakerSettings(settings gobreaker.Settings) Option {
	return func(pub *Publisher) {
		pub.breakerSettings = &settings
	}
}

// Publisher publishes outbox entries to an exchange with confirms.
type Publisher struct {
	ch              Channel
	confirms        chan amqp.Confirmation
	exchange        string
	confirmTimeout  time.Duration
	logger          liblog.Logger
	tracer          trace.Tracer
	breaker         *gobreaker.CircuitBreaker
	breakerSettings *gobreaker.Settings

	// Publishes are serialized to keep the confirm stream aligned with
	// the message stream without delivery-tag correlation state.
	publishMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPublisher creates a confirm-mode publisher for the given exchange.
func NewPublisher(ch Channel, exchange string, opts ...Option) (*Publisher, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	if exchange == "" {
		return nil, ErrExchangeRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	pub := &Publisher{
		ch:             ch,
		confirms:       ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer)),
		exchange:       exchange,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         liblog.NewNop(),
		tracer:         noop.NewTracerProvider().Tracer("outbox.noop"),
		closed:         make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	settings := gobreaker.Settings{
		Name:    breakerName,
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripConsecutive
		},
	}
	if pub.breakerSettings != nil {
		settings = *pub.breakerSettings
	}

	pub.breaker = gobreaker.NewCircuitBreaker(settings)

	return pub, nil
}

// Handler returns an event handler publishing each entry to the exchange,
// routed by event type.
func (pub *Publisher) Handler() outbox.EventHandler {
	return func(ctx context.Context, entry *outbox.Entry) error {
		return pub.Publish(ctx, entry)
	}
}

// Publish sends one entry and waits for the broker confirmation.
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

	ctx, span := pub.tracer.Start(ctx, "rabbitmq.publish")
	defer span.End()

	msg := pub.buildMessage(ctx, entry)

	_, err := pub.breaker.Execute(func() (any, error) {
		return nil, pub.publishAndWaitConfirm(ctx, entry.EventType, msg)
	})
	if err != nil {
		telemetry.HandleSpanError(span, "failed to publish outbox entry", err)
		pub.logger.Log(ctx, liblog.LevelWarn, "broker publish failed",
			liblog.String("event_type", entry.EventType),
			liblog.String("entry_id", entry.ID.String()),
			liblog.Err(err))

		return fmt.Errorf("publishing %s: %w", entry.EventType, err)
	}

	return nil
}

func (pub *Publisher) buildMessage(ctx context.Context, entry *outbox.Entry) amqp.Publishing {
	headers := amqp.Table{
		"x-aggregate-type": entry.AggregateType,
		"x-aggregate-id":   entry.AggregateID.String(),
		"x-schema-version": int32(entry.SchemaVersion),
	}

	for key, value := range telemetry.InjectBrokerTraceContext(ctx) {
		headers[key] = value
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    entry.ID.String(),
		Type:         entry.EventType,
		Timestamp:    entry.OccurredAt,
		Headers:      headers,
		Body:         entry.Payload,
	}

	if entry.CorrelationID != uuid.Nil {
		msg.CorrelationId = entry.CorrelationID.String()
	}

	return msg
}

func (pub *Publisher) publishAndWaitConfirm(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	select {
	case <-pub.closed:
		return ErrPublisherClosed
	default:
	}

	if err := pub.ch.PublishWithContext(ctx, pub.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return pub.waitForConfirm(ctx)
}

func (pub *Publisher) waitForConfirm(ctx context.Context) error {
	timeout := time.NewTimer(pub.confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-pub.confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-pub.closed:
		return ErrPublisherClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close permanently closes the publisher and its channel.
func (pub *Publisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	var closeErr error

	pub.closeOnce.Do(func() {
		close(pub.closed)
		closeErr = pub.ch.Close()
	})

	return closeErr
}
