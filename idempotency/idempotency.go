// Package idempotency provides a Redis-backed processed-event guard.
//
// Outbox delivery is at-least-once, so handlers with external side effects
// need deduplication. The guard claims a marker key per entry with SETNX
// before running the wrapped handler; a redelivered entry whose marker is
// still present is skipped. Redis unavailability fails open: running a
// duplicate is acceptable under the at-least-once contract, losing a
// delivery is not.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/harborline/lib-outbox/internal/nilcheck"
	liblog "github.com/harborline/lib-outbox/log"
	"github.com/harborline/lib-outbox/outbox"
)

const (
	defaultKeyPrefix = "outbox:processed"
	defaultTTL       = 24 * time.Hour
)

var (
	ErrClientRequired  = errors.New("redis client is required")
	ErrHandlerRequired = errors.New("handler is required")
	ErrGuardRequired   = errors.New("idempotency guard is required")
)

type Option func(*Guard)

func WithKeyPrefix(prefix string) Option {
	return func(guard *Guard) {
		if prefix != "" {
			guard.keyPrefix = prefix
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(guard *Guard) {
		if ttl > 0 {
			guard.ttl = ttl
		}
	}
}

func WithLogger(logger liblog.Logger) Option {
	return func(guard *Guard) {
		if nilcheck.Interface(logger) {
			return
		}

		guard.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(guard *Guard) {
		if nilcheck.Interface(tracer) {
			return
		}

		guard.tracer = tracer
	}
}

// Guard deduplicates entry deliveries through marker keys in Redis.
type Guard struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	logger    liblog.Logger
	tracer    trace.Tracer
}

// NewGuard creates a processed-event guard using the given Redis client.
func NewGuard(client redis.UniversalClient, opts ...Option) (*Guard, error) {
	if nilcheck.Interface(client) {
		return nil, ErrClientRequired
	}

	guard := &Guard{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		ttl:       defaultTTL,
		logger:    liblog.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("outbox.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(guard)
		}
	}

	return guard, nil
}

// Wrap returns a handler that runs the wrapped handler at most once per entry
// while the marker key lives. The marker is claimed before the handler runs
// and released again when the handler fails, so a scheduled retry is not
// blocked by its own failed attempt.
func (guard *Guard) Wrap(handler outbox.EventHandler) (outbox.EventHandler, error) {
	if guard == nil {
		return nil, ErrGuardRequired
	}

	if handler == nil {
		return nil, ErrHandlerRequired
	}

	return func(ctx context.Context, entry *outbox.Entry) error {
		if entry == nil {
			return outbox.ErrEntryRequired
		}

		if ctx == nil {
			ctx = context.Background()
		}

		ctx, span := guard.tracer.Start(ctx, "idempotency.guard")
		defer span.End()

		key := guard.markerKey(entry)

		claimed, err := guard.client.SetNX(ctx, key, entry.Attempts, guard.ttl).Result()
		if err != nil {
			// Fail open: a duplicate run beats a lost delivery.
			guard.logger.Log(ctx, liblog.LevelWarn, "idempotency marker claim failed, running handler anyway",
				liblog.String("key", key), liblog.Err(err))

			return handler(ctx, entry)
		}

		if !claimed {
			guard.logger.Log(ctx, liblog.LevelDebug, "entry already processed, skipping",
				liblog.String("entry_id", entry.ID.String()),
				liblog.String("event_type", entry.EventType))

			return nil
		}

		if err := handler(ctx, entry); err != nil {
			if releaseErr := guard.client.Del(ctx, key).Err(); releaseErr != nil {
				guard.logger.Log(ctx, liblog.LevelWarn, "failed to release idempotency marker",
					liblog.String("key", key), liblog.Err(releaseErr))
			}

			return err
		}

		return nil
	}, nil
}

// WrapRegistry registers the guarded handler for an event type.
func (guard *Guard) WrapRegistry(registry *outbox.HandlerRegistry, eventType string, handler outbox.EventHandler) error {
	if registry == nil {
		return outbox.ErrHandlerRegistryRequired
	}

	guarded, err := guard.Wrap(handler)
	if err != nil {
		return err
	}

	return registry.Register(eventType, guarded)
}

func (guard *Guard) markerKey(entry *outbox.Entry) string {
	return fmt.Sprintf("%s:%s", guard.keyPrefix, entry.ID)
}
