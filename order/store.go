package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harborline/lib-outbox/aggregate"
	"github.com/harborline/lib-outbox/uow"
)

var (
	ErrUnsupportedAggregate = errors.New("store only persists order aggregates")
	ErrTransactionRequired  = errors.New("store requires an open transaction")
)

// Store persists order aggregates inside the unit of work's transaction.
// It implements uow.AggregateStore with an optimistic-concurrency write:
// version 0 inserts, any later version is a conditional update, and zero
// affected rows surfaces as a concurrency conflict.
type Store struct {
	tableName string
}

var _ uow.AggregateStore = (*Store)(nil)

// NewStore creates an order store writing to the orders table.
func NewStore() *Store {
	return &Store{tableName: "orders"}
}

func (store *Store) Persist(ctx context.Context, tx *sql.Tx, agg aggregate.Aggregate) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if tx == nil {
		return ErrTransactionRequired
	}

	ord, ok := agg.(*Order)
	if !ok {
		return ErrUnsupportedAggregate
	}

	now := time.Now().UTC()

	if ord.Version() == 0 {
		return store.insert(ctx, tx, ord, now)
	}

	return store.update(ctx, tx, ord, now)
}

func (store *Store) insert(ctx context.Context, tx *sql.Tx, ord *Order, now time.Time) error {
	query := "INSERT INTO " + store.tableName +
		" (id, customer_id, total, currency, status, version, created_at, updated_at) " +
		"VALUES ($1, $2, $3, $4, $5, 1, $6, $6) " +
		"ON CONFLICT (id) DO NOTHING"

	result, err := tx.ExecContext(ctx, query,
		ord.AggregateID(), ord.CustomerID(), ord.Total(), ord.Currency(), string(ord.Status()), now)
	if err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}

	return store.ensureWritten(result, ord)
}

func (store *Store) update(ctx context.Context, tx *sql.Tx, ord *Order, now time.Time) error {
	query := "UPDATE " + store.tableName +
		" SET customer_id = $1, total = $2, currency = $3, status = $4, " +
		"version = version + 1, updated_at = $5 " +
		"WHERE id = $6 AND version = $7"

	result, err := tx.ExecContext(ctx, query,
		ord.CustomerID(), ord.Total(), ord.Currency(), string(ord.Status()), now,
		ord.AggregateID(), ord.Version())
	if err != nil {
		return fmt.Errorf("updating order: %w", err)
	}

	return store.ensureWritten(result, ord)
}

func (store *Store) ensureWritten(result sql.Result, ord *Order) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("order %s at version %d: %w",
			ord.AggregateID(), ord.Version(), uow.ErrConcurrencyConflict)
	}

	return nil
}
