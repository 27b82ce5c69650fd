package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/harborline/lib-outbox/backoff"
	"github.com/harborline/lib-outbox/internal/nilcheck"
	liblog "github.com/harborline/lib-outbox/log"
	"github.com/harborline/lib-outbox/telemetry"
)

// Dispatcher is the relay: it claims dispatchable outbox entries and feeds
// them through registered handlers, honoring per-aggregate order.
type Dispatcher struct {
	repo            Repository
	handlers        *HandlerRegistry
	retryClassifier RetryClassifier
	logger          liblog.Logger
	tracer          trace.Tracer
	cfg             DispatcherConfig

	stop       chan struct{}
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

// TickResult captures one dispatch cycle outcome.
type TickResult struct {
	Claimed      int
	Dispatched   int
	Failed       int
	DeadLettered int
	Released     int
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(
	repo Repository,
	handlers *HandlerRegistry,
	logger liblog.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if handlers == nil {
		return nil, ErrHandlerRegistryRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("outbox.noop")
	}

	if nilcheck.Interface(logger) {
		logger = liblog.NewNop()
	}

	dispatcher := &Dispatcher{
		repo:     repo,
		handlers: handlers,
		logger:   logger,
		tracer:   tracer,
		cfg:      DefaultDispatcherConfig(),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run starts the dispatcher loop until Stop is called or ctx is cancelled.
func (dispatcher *Dispatcher) Run(parentCtx context.Context) error {
	if dispatcher == nil {
		return ErrDispatcherRequired
	}

	if dispatcher.repo == nil || dispatcher.handlers == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	dispatcher.logger.Log(ctx, liblog.LevelInfo, "outbox dispatcher started",
		liblog.Duration("poll_interval", dispatcher.cfg.PollInterval),
		liblog.Int("batch_size", dispatcher.cfg.BatchSize),
	)
	defer dispatcher.logger.Log(context.Background(), liblog.LevelInfo, "outbox dispatcher stopped")

	ticker := time.NewTicker(dispatcher.cfg.PollInterval)
	defer ticker.Stop()

	dispatcher.runTick(ctx, "outbox.dispatcher.initial_tick")

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.runTick(ctx, "outbox.dispatcher.tick")
		}
	}
}

func (dispatcher *Dispatcher) runTick(ctx context.Context, spanName string) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	tickCtx, span := dispatcher.tracer.Start(ctx, spanName)
	defer span.End()

	defer func() {
		if recovered := recover(); recovered != nil {
			dispatcher.logger.Log(tickCtx, liblog.LevelError, "outbox dispatch cycle panicked",
				liblog.Any("panic", recovered),
			)
		}
	}()

	result := dispatcher.Tick(tickCtx)
	span.SetAttributes(
		attribute.Int("outbox.tick.claimed", result.Claimed),
		attribute.Int("outbox.tick.dispatched", result.Dispatched),
		attribute.Int("outbox.tick.failed", result.Failed),
		attribute.Int("outbox.tick.dead_lettered", result.DeadLettered),
		attribute.Int("outbox.tick.released", result.Released),
	)
}

// Stop signals the dispatcher loop to stop. Idempotent, and safe against a
// concurrent re-Run: the stop channel is only closed under runStateMu, the
// same lock registerRun holds while swapping in a fresh channel.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.runStateMu.Lock()

	if dispatcher.stop == nil {
		dispatcher.stop = make(chan struct{})
	}

	cancel := dispatcher.cancelFunc

	if !isClosedSignal(dispatcher.stop) {
		close(dispatcher.stop)
	}

	dispatcher.runStateMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Shutdown stops the loop and waits for the in-flight dispatch cycle.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	go func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// Tick processes one dispatch cycle: claim a batch, run handlers, persist
// outcomes. Safe to call directly for on-demand draining or from tests.
func (dispatcher *Dispatcher) Tick(ctx context.Context) TickResult {
	if dispatcher == nil {
		return TickResult{}
	}

	if dispatcher.repo == nil || dispatcher.handlers == nil {
		return TickResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := dispatcher.logger
	if nilcheck.Interface(logger) {
		logger = liblog.NewNop()
	}

	tracer := dispatcher.tracer
	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("outbox.noop")
	}

	ctx, span := tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	now := time.Now().UTC()

	entries, err := dispatcher.repo.ClaimBatch(ctx, dispatcher.cfg.BatchSize, now, dispatcher.cfg.LeaseDuration)
	if err != nil {
		telemetry.HandleSpanError(span, "failed to claim outbox batch", err)
		logger.Log(ctx, liblog.LevelError, "failed to claim outbox batch", liblog.Err(err))

		return TickResult{}
	}

	dispatcher.recordBatchDepth(ctx, int64(len(entries)))

	result := TickResult{Claimed: len(entries)}

	// Entries arrive in (aggregate, position) order. When one entry of an
	// aggregate fails, its later siblings in the same batch must not be
	// attempted, or per-aggregate order would be violated. They go back to
	// Pending without consuming an attempt.
	blocked := make(map[uuid.UUID]bool)

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		if entry == nil {
			continue
		}

		if blocked[entry.AggregateID] {
			dispatcher.releaseEntry(ctx, logger, entry)
			result.Released++

			continue
		}

		outcome, handlerFailed := dispatcher.dispatchEntry(ctx, logger, entry, now)

		switch outcome {
		case StatusDispatched:
			result.Dispatched++
		case StatusFailed:
			result.Failed++
		case StatusDeadLettered:
			result.DeadLettered++
		}

		// Blocking keys off the handler outcome, not the persisted status: a
		// failure that could not even be recorded (the entry stays Processing)
		// still means the aggregate's earlier event was not delivered.
		if handlerFailed {
			blocked[entry.AggregateID] = true
		}
	}

	return result
}

// dispatchEntry runs handlers for one claimed entry and persists the outcome.
// Delivery is at-least-once: handlers run before MarkDispatched, so a state
// persistence failure after a successful handler run leads to redelivery.
// The second return value reports whether the handler failed, independent of
// whether that outcome could be persisted.
func (dispatcher *Dispatcher) dispatchEntry(
	ctx context.Context,
	logger liblog.Logger,
	entry *Entry,
	now time.Time,
) (Status, bool) {
	start := time.Now()

	handlerErr := dispatcher.handleWithTimeout(ctx, entry)

	dispatcher.recordDispatchLatency(ctx, entry.EventType, time.Since(start).Seconds())

	if handlerErr == nil {
		if err := dispatcher.repo.MarkDispatched(ctx, entry.ID, time.Now().UTC()); err != nil {
			logger.Log(ctx, liblog.LevelError,
				"outbox entry handled but failed to persist DISPATCHED state; entry will be redelivered",
				liblog.String("entry_id", entry.ID.String()),
				liblog.String("event_type", entry.EventType),
				liblog.String("error", sanitizeErrorForStorage(err)),
			)
			dispatcher.addStateUpdateFailure(ctx, entry.EventType, 1)

			return StatusProcessing, false
		}

		dispatcher.addDispatchedEntries(ctx, entry.EventType, 1)

		return StatusDispatched, false
	}

	if dispatcher.isNonRetryableError(handlerErr) {
		if err := dispatcher.repo.MarkDeadLettered(ctx, entry.ID, sanitizeErrorForStorage(handlerErr)); err != nil {
			logger.Log(ctx, liblog.LevelError, "failed to dead letter outbox entry",
				liblog.String("entry_id", entry.ID.String()),
				liblog.String("error", sanitizeErrorForStorage(err)),
			)

			return StatusProcessing, true
		}

		logger.Log(ctx, liblog.LevelWarn, "outbox entry dead lettered on non-retryable failure",
			liblog.String("entry_id", entry.ID.String()),
			liblog.String("event_type", entry.EventType),
			liblog.String("error", sanitizeErrorForStorage(handlerErr)),
		)
		dispatcher.addDeadLetteredEntries(ctx, entry.EventType, 1)

		return StatusDeadLettered, true
	}

	nextRetryAt := backoff.NextRetryAt(
		now,
		dispatcher.cfg.RetryBackoffBase,
		dispatcher.cfg.RetryBackoffCeiling,
		entry.Attempts,
	)

	status, err := dispatcher.repo.MarkFailed(
		ctx,
		entry.ID,
		sanitizeErrorForStorage(handlerErr),
		nextRetryAt,
		dispatcher.cfg.MaxDispatchAttempts,
	)
	if err != nil {
		logger.Log(ctx, liblog.LevelError, "failed to mark outbox entry failed",
			liblog.String("entry_id", entry.ID.String()),
			liblog.String("error", sanitizeErrorForStorage(err)),
		)

		return StatusProcessing, true
	}

	if status == StatusDeadLettered {
		logger.Log(ctx, liblog.LevelWarn, "outbox entry dead lettered after exhausting attempts",
			liblog.String("entry_id", entry.ID.String()),
			liblog.String("event_type", entry.EventType),
			liblog.Int("attempts", entry.Attempts+1),
			liblog.String("error", sanitizeErrorForStorage(handlerErr)),
		)
		dispatcher.addDeadLetteredEntries(ctx, entry.EventType, 1)

		return StatusDeadLettered, true
	}

	dispatcher.addFailedEntries(ctx, entry.EventType, 1)

	return StatusFailed, true
}

func (dispatcher *Dispatcher) handleWithTimeout(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return ErrEntryRequired
	}

	if len(entry.Payload) == 0 {
		return ErrEntryPayloadRequired
	}

	handlerCtx, cancel := context.WithTimeout(ctx, dispatcher.cfg.HandlerTimeout)
	defer cancel()

	return dispatcher.handlers.Handle(handlerCtx, entry)
}

func (dispatcher *Dispatcher) releaseEntry(ctx context.Context, logger liblog.Logger, entry *Entry) {
	if err := dispatcher.repo.Release(ctx, entry.ID); err != nil {
		// The lease expires on its own; release is a latency optimization.
		logger.Log(ctx, liblog.LevelWarn, "failed to release order-blocked outbox entry",
			liblog.String("entry_id", entry.ID.String()),
			liblog.String("error", sanitizeErrorForStorage(err)),
		)
	}
}

func (dispatcher *Dispatcher) isNonRetryableError(err error) bool {
	if err == nil || nilcheck.Interface(dispatcher.retryClassifier) {
		return false
	}

	return dispatcher.retryClassifier.IsNonRetryable(err)
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func (dispatcher *Dispatcher) recordBatchDepth(ctx context.Context, depth int64) {
	if dispatcher.metrics.batchDepth == nil {
		return
	}

	dispatcher.metrics.batchDepth.Record(ctx, depth)
}

func (dispatcher *Dispatcher) addDispatchedEntries(ctx context.Context, eventType string, count int64) {
	if dispatcher.metrics.entriesDispatched == nil || count <= 0 {
		return
	}

	dispatcher.metrics.entriesDispatched.Add(ctx, count, eventTypeAddOption(eventType))
}

func (dispatcher *Dispatcher) addFailedEntries(ctx context.Context, eventType string, count int64) {
	if dispatcher.metrics.entriesFailed == nil || count <= 0 {
		return
	}

	dispatcher.metrics.entriesFailed.Add(ctx, count, eventTypeAddOption(eventType))
}

func (dispatcher *Dispatcher) addDeadLetteredEntries(ctx context.Context, eventType string, count int64) {
	if dispatcher.metrics.entriesDeadLettered == nil || count <= 0 {
		return
	}

	dispatcher.metrics.entriesDeadLettered.Add(ctx, count, eventTypeAddOption(eventType))
}

func (dispatcher *Dispatcher) addStateUpdateFailure(ctx context.Context, eventType string, count int64) {
	if dispatcher.metrics.entriesStateFailed == nil || count <= 0 {
		return
	}

	dispatcher.metrics.entriesStateFailed.Add(ctx, count, eventTypeAddOption(eventType))
}

func (dispatcher *Dispatcher) recordDispatchLatency(ctx context.Context, eventType string, latencySeconds float64) {
	if dispatcher.metrics.dispatchLatency == nil {
		return
	}

	dispatcher.metrics.dispatchLatency.Record(ctx, latencySeconds,
		metric.WithAttributes(attribute.String("event_type", eventType)))
}

func eventTypeAddOption(eventType string) metric.AddOption {
	return metric.WithAttributes(attribute.String("event_type", eventType))
}
