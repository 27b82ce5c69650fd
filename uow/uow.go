// Package uow coordinates the single atomic transaction that writes business
// state and outbox entries together. Commit persists every attached aggregate
// with an optimistic-concurrency write, drains its pending-event buffer into
// the outbox, and commits; any failure rolls the whole transaction back, so
// the relay never sees an event whose business write did not land.
package uow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/harborline/lib-outbox/aggregate"
	"github.com/harborline/lib-outbox/internal/nilcheck"
	liblog "github.com/harborline/lib-outbox/log"
	"github.com/harborline/lib-outbox/outbox"
)

var (
	ErrBeginnerRequired         = errors.New("transaction beginner is required")
	ErrAggregateStoreRequired   = errors.New("aggregate store is required")
	ErrOutboxRepositoryRequired = errors.New("outbox repository is required")
	ErrAggregateRequired        = errors.New("aggregate is required")
	ErrTransactionAlreadyActive = errors.New("transaction already active")
	ErrNoActiveTransaction      = errors.New("no active transaction")
	ErrConcurrencyConflict      = errors.New("aggregate concurrency conflict")
	ErrUnitOfWorkRequired       = errors.New("unit of work is required")
)

// TxBeginner opens database transactions. *sql.DB satisfies it.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// AggregateStore persists aggregate state inside the unit of work's
// transaction. Persist must be a conditional write keyed on the aggregate's
// current version and must return an error wrapping ErrConcurrencyConflict
// when zero rows are affected.
type AggregateStore interface {
	Persist(ctx context.Context, tx *sql.Tx, agg aggregate.Aggregate) error
}

// ConflictError carries the identity of the aggregate that lost the
// optimistic-concurrency race. It matches ErrConcurrencyConflict under
// errors.Is.
type ConflictError struct {
	AggregateType   string
	AggregateID     uuid.UUID
	ExpectedVersion int64
}

func (conflict *ConflictError) Error() string {
	return fmt.Sprintf("aggregate concurrency conflict: %s/%s at version %d",
		conflict.AggregateType, conflict.AggregateID, conflict.ExpectedVersion)
}

func (conflict *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

type unitOfWorkMetrics struct {
	conflicts       metric.Int64Counter
	eventsPersisted metric.Int64Counter
}

func newUnitOfWorkMetrics(provider metric.MeterProvider) (unitOfWorkMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("outbox.uow")

	var (
		metrics unitOfWorkMetrics
		err     error
	)

	metrics.conflicts, err = meter.Int64Counter(
		"outbox.uow.concurrency_conflicts",
		metric.WithDescription("Number of commits aborted by an optimistic concurrency conflict"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return unitOfWorkMetrics{}, fmt.Errorf("create outbox.uow.concurrency_conflicts counter: %w", err)
	}

	metrics.eventsPersisted, err = meter.Int64Counter(
		"outbox.uow.events_persisted",
		metric.WithDescription("Number of domain events staged as outbox entries by committed transactions"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return unitOfWorkMetrics{}, fmt.Errorf("create outbox.uow.events_persisted counter: %w", err)
	}

	return metrics, nil
}

type Option func(*UnitOfWork)

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(unit *UnitOfWork) {
		if nilcheck.Interface(provider) {
			return
		}

		unit.meterProvider = provider
	}
}

// UnitOfWork tracks the aggregates touched by one logical operation and
// flushes them, with their buffered events, in a single transaction.
//
// A UnitOfWork is scoped to one operation and is not safe for concurrent use
// across operations; the internal mutex only guards against misuse, not for
// sharing.
type UnitOfWork struct {
	beginner      TxBeginner
	store         AggregateStore
	repo          outbox.Repository
	logger        liblog.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	metrics       unitOfWorkMetrics

	mu       sync.Mutex
	tx       *sql.Tx
	attached []aggregate.Aggregate
}

// New creates a unit of work over the given transaction beginner, aggregate
// store, and outbox repository.
func New(
	beginner TxBeginner,
	store AggregateStore,
	repo outbox.Repository,
	logger liblog.Logger,
	tracer trace.Tracer,
	opts ...Option,
) (*UnitOfWork, error) {
	if nilcheck.Interface(beginner) {
		return nil, ErrBeginnerRequired
	}

	if nilcheck.Interface(store) {
		return nil, ErrAggregateStoreRequired
	}

	if nilcheck.Interface(repo) {
		return nil, ErrOutboxRepositoryRequired
	}

	if nilcheck.Interface(logger) {
		logger = liblog.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("outbox.noop")
	}

	unit := &UnitOfWork{
		beginner: beginner,
		store:    store,
		repo:     repo,
		logger:   logger,
		tracer:   tracer,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(unit)
		}
	}

	metrics, err := newUnitOfWorkMetrics(unit.meterProvider)
	if err != nil {
		return nil, err
	}

	unit.metrics = metrics

	return unit, nil
}

// Begin opens the transaction for this unit of work.
func (unit *UnitOfWork) Begin(ctx context.Context) error {
	if unit == nil {
		return ErrUnitOfWorkRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	unit.mu.Lock()
	defer unit.mu.Unlock()

	if unit.tx != nil {
		return ErrTransactionAlreadyActive
	}

	tx, err := unit.beginner.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	unit.tx = tx

	return nil
}

// Attach registers an aggregate as dirty within the current transaction
// scope. Attaching the same aggregate instance twice is a no-op.
func (unit *UnitOfWork) Attach(agg aggregate.Aggregate) error {
	if unit == nil {
		return ErrUnitOfWorkRequired
	}

	if nilcheck.Interface(agg) {
		return ErrAggregateRequired
	}

	unit.mu.Lock()
	defer unit.mu.Unlock()

	if unit.tx == nil {
		return ErrNoActiveTransaction
	}

	for _, existing := range unit.attached {
		if existing == agg {
			return nil
		}
	}

	unit.attached = append(unit.attached, agg)

	return nil
}

// Commit persists every attached aggregate, stages its pending events as
// outbox entries in the same transaction, and commits. On success the
// aggregates' versions are advanced, their buffers cleared, and the number of
// persisted events returned. On any failure the transaction is rolled back
// and buffers are left intact.
func (unit *UnitOfWork) Commit(ctx context.Context) (int, error) {
	if unit == nil {
		return 0, ErrUnitOfWorkRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	unit.mu.Lock()
	defer unit.mu.Unlock()

	if unit.tx == nil {
		return 0, ErrNoActiveTransaction
	}

	ctx, span := unit.tracer.Start(ctx, "uow.commit")
	defer span.End()

	persisted, err := unit.flushLocked(ctx)
	if err != nil {
		unit.rollbackLocked()

		return 0, err
	}

	if err := unit.tx.Commit(); err != nil {
		unit.rollbackLocked()

		return 0, fmt.Errorf("committing transaction: %w", err)
	}

	for _, agg := range unit.attached {
		agg.AdvanceVersion()
		agg.ClearPendingEvents()
	}

	unit.metrics.eventsPersisted.Add(ctx, int64(persisted))
	unit.logger.Log(ctx, liblog.LevelDebug, "unit of work committed",
		liblog.Int("aggregates", len(unit.attached)),
		liblog.Int("events_persisted", persisted))

	unit.tx = nil
	unit.attached = nil

	return persisted, nil
}

// Rollback discards the transaction. Pending-event buffers on attached
// aggregates are left intact so the caller can retry the same in-memory
// aggregates or reload.
func (unit *UnitOfWork) Rollback(ctx context.Context) error {
	if unit == nil {
		return ErrUnitOfWorkRequired
	}

	unit.mu.Lock()
	defer unit.mu.Unlock()

	if unit.tx == nil {
		return ErrNoActiveTransaction
	}

	unit.rollbackLocked()

	if ctx == nil {
		ctx = context.Background()
	}

	unit.logger.Log(ctx, liblog.LevelDebug, "unit of work rolled back")

	return nil
}

func (unit *UnitOfWork) flushLocked(ctx context.Context) (int, error) {
	persisted := 0

	for _, agg := range unit.attached {
		if err := unit.store.Persist(ctx, unit.tx, agg); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				unit.metrics.conflicts.Add(ctx, 1, metric.WithAttributes(
					attribute.String("aggregate_type", agg.AggregateType())))
				unit.logger.Log(ctx, liblog.LevelWarn, "commit aborted by concurrency conflict",
					liblog.String("aggregate_type", agg.AggregateType()),
					liblog.String("aggregate_id", agg.AggregateID().String()),
					liblog.Int64("expected_version", agg.Version()))

				return 0, &ConflictError{
					AggregateType:   agg.AggregateType(),
					AggregateID:     agg.AggregateID(),
					ExpectedVersion: agg.Version(),
				}
			}

			return 0, fmt.Errorf("persisting aggregate %s/%s: %w",
				agg.AggregateType(), agg.AggregateID(), err)
		}

		for _, evt := range agg.PendingEvents() {
			entry, err := outbox.NewEntry(evt)
			if err != nil {
				return 0, fmt.Errorf("staging event %s: %w", evt.EventType, err)
			}

			if _, err := unit.repo.CreateWithTx(ctx, unit.tx, entry); err != nil {
				return 0, fmt.Errorf("staging event %s: %w", evt.EventType, err)
			}

			persisted++
		}
	}

	return persisted, nil
}

func (unit *UnitOfWork) rollbackLocked() {
	if unit.tx == nil {
		return
	}

	if err := unit.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		unit.logger.Log(context.Background(), liblog.LevelWarn, "transaction rollback failed",
			liblog.Err(err))
	}

	// The registration list is scoped to the transaction; the aggregates'
	// pending buffers stay untouched.
	unit.tx = nil
	unit.attached = nil
}
