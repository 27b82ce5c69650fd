//go:build unit

package order

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/harborline/lib-outbox/aggregate"
	"github.com/harborline/lib-outbox/uow"
)

type execCall struct {
	query string
	args  []driver.NamedValue
}

type execDriver struct{}

func (execDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("use the connector")
}

type execConnector struct {
	conn *execConn
}

func (connector *execConnector) Connect(context.Context) (driver.Conn, error) {
	return connector.conn, nil
}

func (connector *execConnector) Driver() driver.Driver {
	return execDriver{}
}

type execConn struct {
	mu      sync.Mutex
	rows    int64
	execErr error
	execs   []execCall
}

func (conn *execConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("not implemented")
}

func (conn *execConn) Close() error {
	return nil
}

func (conn *execConn) Begin() (driver.Tx, error) {
	return conn, nil
}

func (conn *execConn) Commit() error {
	return nil
}

func (conn *execConn) Rollback() error {
	return nil
}

func (conn *execConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.execErr != nil {
		return nil, conn.execErr
	}

	conn.execs = append(conn.execs, execCall{query: query, args: args})

	return driver.RowsAffected(conn.rows), nil
}

func (conn *execConn) calls() []execCall {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return append([]execCall(nil), conn.execs...)
}

func beginFakeTx(t *testing.T, conn *execConn) *sql.Tx {
	t.Helper()

	db := sql.OpenDB(&execConnector{conn: conn})
	t.Cleanup(func() {
		_ = db.Close()
	})

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.Errorf("cleanup: tx rollback: %v", err)
		}
	})

	return tx
}

type otherAggregate struct {
	aggregate.Root
}

func (*otherAggregate) AggregateType() string {
	return "other"
}

func TestPersistValidation(t *testing.T) {
	t.Parallel()

	store := NewStore()
	conn := &execConn{rows: 1}
	tx := beginFakeTx(t, conn)

	err := store.Persist(context.Background(), nil, placedOrder(t))
	require.ErrorIs(t, err, ErrTransactionRequired)

	root, err := aggregate.NewRoot(uuid.New())
	require.NoError(t, err)

	err = store.Persist(context.Background(), tx, &otherAggregate{Root: root})
	require.ErrorIs(t, err, ErrUnsupportedAggregate)
}

func TestPersistInsertsFreshAggregate(t *testing.T) {
	t.Parallel()

	store := NewStore()
	conn := &execConn{rows: 1}
	tx := beginFakeTx(t, conn)

	ord := placedOrder(t)
	require.NoError(t, store.Persist(context.Background(), tx, ord))

	calls := conn.calls()
	require.Len(t, calls, 1)
	require.Contains(t, calls[0].query, "INSERT INTO orders")
	require.Contains(t, calls[0].query, "ON CONFLICT (id) DO NOTHING")
}

func TestPersistUpdatesHydratedAggregateConditionally(t *testing.T) {
	t.Parallel()

	store := NewStore()
	conn := &execConn{rows: 1}
	tx := beginFakeTx(t, conn)

	ord, err := Hydrate(uuid.New(), 2, uuid.New(), decimal.NewFromInt(50), "USD", StatusPlaced)
	require.NoError(t, err)
	require.NoError(t, ord.Pay("pay-123"))

	require.NoError(t, store.Persist(context.Background(), tx, ord))

	calls := conn.calls()
	require.Len(t, calls, 1)
	require.Contains(t, calls[0].query, "UPDATE orders")
	require.Contains(t, calls[0].query, "version = version + 1")
	require.True(t, strings.Contains(calls[0].query, "AND version ="))

	expectedVersion := calls[0].args[len(calls[0].args)-1].Value
	require.EqualValues(t, int64(2), expectedVersion)
}

func TestPersistZeroRowsIsConcurrencyConflict(t *testing.T) {
	t.Parallel()

	store := NewStore()
	conn := &execConn{rows: 0}
	tx := beginFakeTx(t, conn)

	err := store.Persist(context.Background(), tx, placedOrder(t))
	require.ErrorIs(t, err, uow.ErrConcurrencyConflict)

	ord, hydrateErr := Hydrate(uuid.New(), 4, uuid.New(), decimal.NewFromInt(50), "USD", StatusPlaced)
	require.NoError(t, hydrateErr)

	err = store.Persist(context.Background(), tx, ord)
	require.ErrorIs(t, err, uow.ErrConcurrencyConflict)
}

func TestPersistPropagatesExecError(t *testing.T) {
	t.Parallel()

	store := NewStore()
	conn := &execConn{execErr: errors.New("write refused")}
	tx := beginFakeTx(t, conn)

	err := store.Persist(context.Background(), tx, placedOrder(t))
	require.ErrorContains(t, err, "write refused")
}
