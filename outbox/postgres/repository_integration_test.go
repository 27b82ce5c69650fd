//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/harborline/lib-outbox/event"
	"github.com/harborline/lib-outbox/outbox"
	libPostgres "github.com/harborline/lib-outbox/postgres"
)

type integrationRepoFixture struct {
	ctx       context.Context
	primaryDB *sql.DB
	repo      *Repository
	tableName string
}

func newIntegrationRepoFixture(t *testing.T) *integrationRepoFixture {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("OUTBOX_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("OUTBOX_POSTGRES_DSN not set")
	}

	ctx := context.Background()

	primaryDB, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, primaryDB.PingContext(ctx))
	t.Cleanup(func() {
		if err := primaryDB.Close(); err != nil {
			t.Errorf("cleanup: db close: %v", err)
		}
	})

	tableName := "outbox_it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]

	_, err = primaryDB.ExecContext(ctx, `
DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'outbox_entry_status') THEN
		CREATE TYPE outbox_entry_status AS ENUM ('PENDING','PROCESSING','DISPATCHED','FAILED','DEAD_LETTERED');
	END IF;
END
$$;
`)
	require.NoError(t, err)

	_, err = primaryDB.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE %s (
	id UUID PRIMARY KEY,
	aggregate_type VARCHAR(255) NOT NULL DEFAULT '',
	aggregate_id UUID NOT NULL,
	event_type VARCHAR(255) NOT NULL,
	schema_version INT NOT NULL DEFAULT 1,
	payload JSONB NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	correlation_id UUID,
	causation_id UUID,
	position BIGINT GENERATED ALWAYS AS IDENTITY,
	status outbox_entry_status NOT NULL DEFAULT 'PENDING',
	attempts INT NOT NULL DEFAULT 0,
	last_error VARCHAR(512),
	next_retry_at TIMESTAMPTZ,
	lease_expires_at TIMESTAMPTZ,
	dispatched_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`, quoteIdentifier(tableName)))
	require.NoError(t, err)
	t.Cleanup(func() {
		if _, err := primaryDB.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(tableName))); err != nil {
			t.Errorf("cleanup: drop table %s: %v", tableName, err)
		}
	})

	repo, err := NewRepository(&libPostgres.Connection{}, WithTableName(tableName))
	require.NoError(t, err)

	repo.primaryDBLookup = func(context.Context) (*sql.DB, error) {
		return primaryDB, nil
	}

	return &integrationRepoFixture{
		ctx:       ctx,
		primaryDB: primaryDB,
		repo:      repo,
		tableName: tableName,
	}
}

func createFixtureEntry(t *testing.T, fx *integrationRepoFixture, aggregateID uuid.UUID, eventType string) *outbox.Entry {
	t.Helper()

	evt, err := event.New("order", aggregateID, eventType, 1, map[string]bool{"ok": true})
	require.NoError(t, err)

	entry, err := outbox.NewEntry(evt)
	require.NoError(t, err)

	tx, err := fx.primaryDB.BeginTx(fx.ctx, nil)
	require.NoError(t, err)

	created, err := fx.repo.CreateWithTx(fx.ctx, tx, entry)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	return created
}

func claimSingle(t *testing.T, fx *integrationRepoFixture, id uuid.UUID) *outbox.Entry {
	t.Helper()

	claimed, err := fx.repo.ClaimBatch(fx.ctx, 100, time.Now().UTC(), time.Minute)
	require.NoError(t, err)

	for _, entry := range claimed {
		if entry.ID == id {
			return entry
		}
	}

	t.Fatalf("entry %s not claimed", id)

	return nil
}

func TestRepository_IntegrationCreateAssignsMonotonicPositions(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	first := createFixtureEntry(t, fx, uuid.New(), "order.placed")
	second := createFixtureEntry(t, fx, uuid.New(), "order.paid")

	require.Equal(t, outbox.StatusPending, first.Status)
	require.Zero(t, first.Attempts)
	require.Greater(t, second.Position, first.Position)
}

func TestRepository_IntegrationCreateWithTxRollbackDiscardsEntry(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	evt, err := event.New("order", uuid.New(), "order.placed", 1, map[string]bool{"ok": true})
	require.NoError(t, err)

	entry, err := outbox.NewEntry(evt)
	require.NoError(t, err)

	tx, err := fx.primaryDB.BeginTx(fx.ctx, nil)
	require.NoError(t, err)

	created, err := fx.repo.CreateWithTx(fx.ctx, tx, entry)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, err = fx.repo.GetByID(fx.ctx, created.ID)
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRepository_IntegrationClaimBatchLeasesPendingEntries(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	created := createFixtureEntry(t, fx, uuid.New(), "order.placed")

	claimed := claimSingle(t, fx, created.ID)
	require.Equal(t, outbox.StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.LeaseExpiresAt)

	// A second claim must skip entries under an active lease.
	reclaimed, err := fx.repo.ClaimBatch(fx.ctx, 100, time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	require.Empty(t, reclaimed)
}

func TestRepository_IntegrationClaimBatchPreservesAggregateOrder(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	aggregateID := uuid.New()
	first := createFixtureEntry(t, fx, aggregateID, "order.placed")
	second := createFixtureEntry(t, fx, aggregateID, "order.paid")
	unrelated := createFixtureEntry(t, fx, uuid.New(), "order.cancelled")

	claimed, err := fx.repo.ClaimBatch(fx.ctx, 100, time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	claimedIDs := []uuid.UUID{claimed[0].ID, claimed[1].ID}
	require.Contains(t, claimedIDs, first.ID)
	require.Contains(t, claimedIDs, unrelated.ID)
	require.NotContains(t, claimedIDs, second.ID)

	// Once the head entry is dispatched, its successor becomes claimable.
	require.NoError(t, fx.repo.MarkDispatched(fx.ctx, first.ID, time.Now().UTC()))

	next, err := fx.repo.ClaimBatch(fx.ctx, 100, time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	require.Len(t, next, 1)
	require.Equal(t, second.ID, next[0].ID)
}

func TestRepository_IntegrationExpiredLeaseIsReclaimable(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	created := createFixtureEntry(t, fx, uuid.New(), "order.placed")

	claimed, err := fx.repo.ClaimBatch(fx.ctx, 100, time.Now().UTC(), time.Millisecond)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	reclaimed, err := fx.repo.ClaimBatch(fx.ctx, 100, time.Now().UTC().Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, created.ID, reclaimed[0].ID)
}

func TestRepository_IntegrationMarkDispatched(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	created := createFixtureEntry(t, fx, uuid.New(), "order.placed")
	claimSingle(t, fx, created.ID)

	dispatchedAt := time.Now().UTC()
	require.NoError(t, fx.repo.MarkDispatched(fx.ctx, created.ID, dispatchedAt))

	stored, err := fx.repo.GetByID(fx.ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDispatched, stored.Status)
	require.NotNil(t, stored.DispatchedAt)
	require.Nil(t, stored.LeaseExpiresAt)
}

func TestRepository_IntegrationMarkDispatchedRequiresProcessingState(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	created := createFixtureEntry(t, fx, uuid.New(), "order.placed")

	err := fx.repo.MarkDispatched(fx.ctx, created.ID, time.Now().UTC())
	require.ErrorIs(t, err, ErrStateTransitionConflict)
}

func TestRepository_IntegrationMarkFailedSchedulesRetryAndRedacts(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	created := createFixtureEntry(t, fx, uuid.New(), "order.placed")
	claimSingle(t, fx, created.ID)

	nextRetryAt := time.Now().UTC().Add(time.Minute)
	status, err := fx.repo.MarkFailed(fx.ctx, created.ID, "password=abc123", nextRetryAt, 5)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusFailed, status)

	stored, err := fx.repo.GetByID(fx.ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusFailed, stored.Status)
	require.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.NextRetryAt)
	require.Nil(t, stored.LeaseExpiresAt)
	require.NotContains(t, stored.LastError, "abc123")

	// Not claimable until the retry delay elapses.
	early, err := fx.repo.ClaimBatch(fx.ctx, 100, time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	require.Empty(t, early)

	due, err := fx.repo.ClaimBatch(fx.ctx, 100, nextRetryAt.Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, created.ID, due[0].ID)
}

func TestRepository_IntegrationMarkFailedDeadLettersOnExhaustedAttempts(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	created := createFixtureEntry(t, fx, uuid.New(), "order.placed")
	claimSingle(t, fx, created.ID)

	status, err := fx.repo.MarkFailed(fx.ctx, created.ID, "handler failed", time.Now().UTC().Add(time.Minute), 1)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDeadLettered, status)

	stored, err := fx.repo.GetByID(fx.ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDeadLettered, stored.Status)
	require.Nil(t, stored.NextRetryAt)
}

func TestRepository_IntegrationMarkDeadLetteredAndRequeue(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	created := createFixtureEntry(t, fx, uuid.New(), "order.placed")
	claimSingle(t, fx, created.ID)

	require.NoError(t, fx.repo.MarkDeadLettered(fx.ctx, created.ID, "token=super-secret"))

	dead, err := fx.repo.ListDeadLettered(fx.ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, created.ID, dead[0].ID)
	require.NotContains(t, dead[0].LastError, "super-secret")

	require.NoError(t, fx.repo.Requeue(fx.ctx, created.ID))

	requeued, err := fx.repo.GetByID(fx.ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusPending, requeued.Status)
	require.Zero(t, requeued.Attempts)
	require.Empty(t, requeued.LastError)

	// Requeue only applies to dead-lettered entries.
	err = fx.repo.Requeue(fx.ctx, created.ID)
	require.ErrorIs(t, err, ErrStateTransitionConflict)
}

func TestRepository_IntegrationReleaseReturnsEntryWithoutAttempt(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	created := createFixtureEntry(t, fx, uuid.New(), "order.placed")
	claimSingle(t, fx, created.ID)

	require.NoError(t, fx.repo.Release(fx.ctx, created.ID))

	released, err := fx.repo.GetByID(fx.ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusPending, released.Status)
	require.Zero(t, released.Attempts)
	require.Nil(t, released.LeaseExpiresAt)

	err = fx.repo.Release(fx.ctx, created.ID)
	require.ErrorIs(t, err, ErrStateTransitionConflict)
}

func TestRepository_IntegrationCountByStatusAndPrune(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	dispatched := createFixtureEntry(t, fx, uuid.New(), "order.placed")

	claimSingle(t, fx, dispatched.ID)
	require.NoError(t, fx.repo.MarkDispatched(fx.ctx, dispatched.ID, time.Now().UTC().Add(-time.Hour)))

	_ = createFixtureEntry(t, fx, uuid.New(), "order.paid")

	counts, err := fx.repo.CountByStatus(fx.ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[outbox.StatusDispatched])
	require.Equal(t, int64(1), counts[outbox.StatusPending])

	stats := outbox.StatsFromCounts(counts)
	require.Equal(t, int64(1), stats.Dispatched)
	require.Equal(t, int64(1), stats.Pending)

	pruned, err := fx.repo.PruneDispatched(fx.ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	_, err = fx.repo.GetByID(fx.ctx, dispatched.ID)
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRepository_IntegrationPersistsCorrelationChain(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	correlationID := uuid.New()
	causationID := uuid.New()

	evt, err := event.New("order", uuid.New(), "order.placed", 1,
		map[string]bool{"ok": true},
		event.WithCorrelation(correlationID, causationID),
	)
	require.NoError(t, err)

	entry, err := outbox.NewEntry(evt)
	require.NoError(t, err)

	tx, err := fx.primaryDB.BeginTx(fx.ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.Errorf("cleanup: tx rollback: %v", err)
		}
	})

	created, err := fx.repo.CreateWithTx(fx.ctx, tx, entry)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	stored, err := fx.repo.GetByID(fx.ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, correlationID, stored.CorrelationID)
	require.Equal(t, causationID, stored.CausationID)

	// Entries without a correlation chain store NULLs and read back zero IDs.
	plain := createFixtureEntry(t, fx, uuid.New(), "order.paid")
	storedPlain, err := fx.repo.GetByID(fx.ctx, plain.ID)
	require.NoError(t, err)
	require.Equal(t, uuid.Nil, storedPlain.CorrelationID)
	require.Equal(t, uuid.Nil, storedPlain.CausationID)
}
