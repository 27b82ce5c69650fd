package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/harborline/lib-outbox/event"
	"github.com/harborline/lib-outbox/internal/nilcheck"
	liblog "github.com/harborline/lib-outbox/log"
	"github.com/harborline/lib-outbox/outbox"
	libPostgres "github.com/harborline/lib-outbox/postgres"
	"github.com/harborline/lib-outbox/telemetry"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired        = errors.New("postgres connection is required")
	ErrTransactionRequired       = errors.New("postgres transaction is required")
	ErrStateTransitionConflict   = errors.New("outbox entry state transition conflict")
	ErrRepositoryNotInitialized  = errors.New("outbox repository not initialized")
	ErrLimitMustBePositive       = errors.New("limit must be greater than zero")
	ErrLeaseMustBePositive       = errors.New("lease duration must be greater than zero")
	ErrMaxAttemptsMustBePositive = errors.New("maxAttempts must be greater than zero")
	ErrIDRequired                = errors.New("id is required")
	ErrAggregateIDRequired       = errors.New("aggregate id is required")
	ErrEventTypeRequired         = errors.New("event type is required")
	ErrInvalidIdentifier         = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second

	entryColumns = "id, aggregate_type, aggregate_id, event_type, schema_version, payload, " +
		"occurred_at, correlation_id, causation_id, position, status, attempts, last_error, " +
		"next_retry_at, lease_expires_at, dispatched_at, created_at, updated_at"
)

type Option func(*Repository)

func WithLogger(logger liblog.Logger) Option {
	return func(repo *Repository) {
		if nilcheck.Interface(logger) {
			return
		}

		repo.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(repo *Repository) {
		if nilcheck.Interface(tracer) {
			return
		}

		repo.tracer = tracer
	}
}

func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(repo *Repository) {
		if timeout > 0 {
			repo.transactionTimeout = timeout
		}
	}
}

// Repository persists outbox entries in PostgreSQL.
type Repository struct {
	conn               *libPostgres.Connection
	primaryDBLookup    func(context.Context) (*sql.DB, error)
	logger             liblog.Logger
	tracer             trace.Tracer
	tableName          string
	transactionTimeout time.Duration
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(conn *libPostgres.Connection, opts ...Option) (*Repository, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		conn:               conn,
		logger:             liblog.NewNop(),
		tracer:             noop.NewTracerProvider().Tracer("outbox.noop"),
		tableName:          "outbox_entries",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	if nilcheck.Interface(repo.logger) {
		repo.logger = liblog.NewNop()
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "outbox_entries"
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// CreateWithTx stages a pending entry inside the caller's open transaction.
// The insert shares the business transaction, which is what makes the write
// and its event atomic.
func (repo *Repository) CreateWithTx(ctx context.Context, tx outbox.Tx, entry *outbox.Entry) (*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if tx == nil {
		return nil, ErrTransactionRequired
	}

	if err := validateCreateEntry(entry); err != nil {
		return nil, err
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.create_outbox_entry")
	defer span.End()

	values := normalizedCreateValues(entry, time.Now().UTC())
	table := quoteIdentifierPath(repo.tableName)
	query := "INSERT INTO " + table +
		" (id, aggregate_type, aggregate_id, event_type, schema_version, payload, occurred_at, " +
		"correlation_id, causation_id, status, attempts, created_at, updated_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::outbox_entry_status, $11, $12, $13) " +
		"RETURNING " + entryColumns

	row := tx.QueryRowContext(ctx, query,
		values.id,
		values.aggregateType,
		values.aggregateID,
		values.eventType,
		values.schemaVersion,
		values.payload,
		values.occurredAt,
		nullableUUID(values.correlationID),
		nullableUUID(values.causationID),
		values.status,
		values.attempts,
		values.createdAt,
		values.updatedAt,
	)

	created, err := scanEntry(row)
	if err != nil {
		telemetry.HandleSpanError(span, "failed to create outbox entry", err)
		repo.logSanitizedError(ctx, "failed to create outbox entry", err)

		return nil, fmt.Errorf("creating outbox entry: %w", err)
	}

	return created, nil
}

// ClaimBatch atomically selects and leases up to limit dispatchable entries.
//
// An entry is dispatchable when it is Pending, Failed with an elapsed retry
// delay, or Processing with an expired lease, and no earlier entry of the
// same aggregate is still in a non-terminal state. The head-of-line predicate
// is what preserves per-aggregate order across competing workers: only the
// oldest undelivered entry of each aggregate can ever be claimed.
func (repo *Repository) ClaimBatch(
	ctx context.Context,
	limit int,
	now time.Time,
	leaseFor time.Duration,
) ([]*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if leaseFor <= 0 {
		return nil, ErrLeaseMustBePositive
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.claim_outbox_batch")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*outbox.Entry, error) {
		entries, err := repo.selectClaimableRows(ctx, tx, limit, now)
		if err != nil {
			return nil, err
		}

		if len(entries) == 0 {
			return entries, nil
		}

		ids := collectEntryIDs(entries)
		if len(ids) == 0 {
			return entries, nil
		}

		leaseExpiresAt := now.Add(leaseFor)

		if err := repo.markEntriesProcessing(ctx, tx, now, leaseExpiresAt, ids); err != nil {
			return nil, err
		}

		applyClaimedState(entries, now, leaseExpiresAt)

		return entries, nil
	})
	if err != nil {
		telemetry.HandleSpanError(span, "failed to claim outbox batch", err)
		repo.logSanitizedError(ctx, "failed to claim outbox batch", err)

		return nil, fmt.Errorf("claiming outbox batch: %w", err)
	}

	return result, nil
}

func (repo *Repository) selectClaimableRows(
	ctx context.Context,
	tx *sql.Tx,
	limit int,
	now time.Time,
) ([]*outbox.Entry, error) {
	table := quoteIdentifierPath(repo.tableName)
	query := "SELECT " + entryColumns + " FROM " + table + " o WHERE (" +
		"o.status = $1::outbox_entry_status " +
		"OR (o.status = $2::outbox_entry_status AND o.next_retry_at <= $3) " +
		"OR (o.status = $4::outbox_entry_status AND o.lease_expires_at <= $3)" +
		") AND NOT EXISTS (" +
		"SELECT 1 FROM " + table + " prior " +
		"WHERE prior.aggregate_id = o.aggregate_id " +
		"AND prior.position < o.position " +
		"AND prior.status NOT IN ($5::outbox_entry_status, $6::outbox_entry_status)" +
		") ORDER BY o.position ASC LIMIT $7 FOR UPDATE SKIP LOCKED"

	args := []any{
		outbox.StatusPending,
		outbox.StatusFailed,
		now,
		outbox.StatusProcessing,
		outbox.StatusDispatched,
		outbox.StatusDeadLettered,
		limit,
	}

	return queryEntries(ctx, tx, query, args, limit, "selecting claimable entries")
}

func (repo *Repository) markEntriesProcessing(
	ctx context.Context,
	tx *sql.Tx,
	now time.Time,
	leaseExpiresAt time.Time,
	ids []uuid.UUID,
) error {
	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table +
		" SET status = $1::outbox_entry_status, lease_expires_at = $2, updated_at = $3 " +
		"WHERE id = ANY($4::uuid[])"

	result, err := tx.ExecContext(ctx, query, outbox.StatusProcessing, leaseExpiresAt, now, ids)
	if err != nil {
		return fmt.Errorf("updating claimed entries to processing: %w", err)
	}

	if err := ensureRowsAffectedExact(result, int64(len(ids))); err != nil {
		return fmt.Errorf("updating claimed entries to processing: %w", err)
	}

	return nil
}

// MarkDispatched finishes a claimed entry. The status predicate means a
// worker that lost its lease gets a conflict instead of overwriting a
// reclaim.
func (repo *Repository) MarkDispatched(ctx context.Context, id uuid.UUID, dispatchedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if err := outbox.ValidateTransition(outbox.StatusProcessingRaw, outbox.StatusDispatchedRaw); err != nil {
		return fmt.Errorf("mark dispatched transition: %w", err)
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.mark_outbox_dispatched")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table +
			" SET status = $1::outbox_entry_status, dispatched_at = $2, lease_expires_at = NULL, updated_at = $3 " +
			"WHERE id = $4 AND status = $5::outbox_entry_status"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.StatusDispatched, dispatchedAt, time.Now().UTC(), id, outbox.StatusProcessing)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		telemetry.HandleSpanError(span, "failed to mark outbox dispatched", err)
		repo.logSanitizedError(ctx, "failed to mark outbox dispatched", err)

		return fmt.Errorf("marking dispatched: %w", err)
	}

	return nil
}

// MarkFailed records a failed attempt, scheduling the retry at nextRetryAt or
// dead-lettering the entry when the attempt budget is exhausted. Returns the
// resulting status.
func (repo *Repository) MarkFailed(
	ctx context.Context,
	id uuid.UUID,
	errMsg string,
	nextRetryAt time.Time,
	maxAttempts int,
) (outbox.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return "", ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return "", ErrIDRequired
	}

	if maxAttempts <= 0 {
		return "", ErrMaxAttemptsMustBePositive
	}

	if err := outbox.ValidateTransition(outbox.StatusProcessingRaw, outbox.StatusFailedRaw); err != nil {
		return "", fmt.Errorf("mark failed transition: %w", err)
	}

	if err := outbox.ValidateTransition(outbox.StatusProcessingRaw, outbox.StatusDeadLetteredRaw); err != nil {
		return "", fmt.Errorf("mark failed->dead_lettered transition: %w", err)
	}

	errMsg = outbox.SanitizeErrorMessageForStorage(errMsg)

	ctx, span := repo.tracer.Start(ctx, "postgres.mark_outbox_failed")
	defer span.End()

	status, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (outbox.Status, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET " +
			"status = CASE WHEN attempts + 1 >= $1 THEN $2 ELSE $3 END::outbox_entry_status, " +
			"attempts = attempts + 1, " +
			"last_error = $4, " +
			"next_retry_at = CASE WHEN attempts + 1 >= $1 THEN NULL ELSE $5 END, " +
			"lease_expires_at = NULL, " +
			"updated_at = $6 " +
			"WHERE id = $7 AND status = $8::outbox_entry_status " +
			"RETURNING status"

		row := tx.QueryRowContext(ctx, query,
			maxAttempts,
			outbox.StatusDeadLettered,
			outbox.StatusFailed,
			errMsg,
			nextRetryAt,
			time.Now().UTC(),
			id,
			outbox.StatusProcessing,
		)

		var rawStatus string
		if scanErr := row.Scan(&rawStatus); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return "", ErrStateTransitionConflict
			}

			return "", fmt.Errorf("scanning resulting status: %w", scanErr)
		}

		return outbox.ParseStatus(rawStatus)
	})
	if err != nil {
		telemetry.HandleSpanError(span, "failed to mark outbox failed", err)
		repo.logSanitizedError(ctx, "failed to mark outbox failed", err)

		return "", fmt.Errorf("marking failed: %w", err)
	}

	return status, nil
}

// MarkDeadLettered moves a claimed entry straight to the dead letter state,
// used for failures that can never succeed on retry.
func (repo *Repository) MarkDeadLettered(ctx context.Context, id uuid.UUID, errMsg string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if err := outbox.ValidateTransition(outbox.StatusProcessingRaw, outbox.StatusDeadLetteredRaw); err != nil {
		return fmt.Errorf("mark dead lettered transition: %w", err)
	}

	errMsg = outbox.SanitizeErrorMessageForStorage(errMsg)

	ctx, span := repo.tracer.Start(ctx, "postgres.mark_outbox_dead_lettered")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table +
			" SET status = $1::outbox_entry_status, attempts = attempts + 1, last_error = $2, " +
			"next_retry_at = NULL, lease_expires_at = NULL, updated_at = $3 " +
			"WHERE id = $4 AND status = $5::outbox_entry_status"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.StatusDeadLettered, errMsg, time.Now().UTC(), id, outbox.StatusProcessing)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		telemetry.HandleSpanError(span, "failed to mark outbox dead lettered", err)
		repo.logSanitizedError(ctx, "failed to mark outbox dead lettered", err)

		return fmt.Errorf("marking dead lettered: %w", err)
	}

	return nil
}

// Release gives a claimed entry back as Pending without consuming an attempt.
func (repo *Repository) Release(ctx context.Context, id uuid.UUID) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if err := outbox.ValidateTransition(outbox.StatusProcessingRaw, outbox.StatusPendingRaw); err != nil {
		return fmt.Errorf("release transition: %w", err)
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.release_outbox_entry")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table +
			" SET status = $1::outbox_entry_status, lease_expires_at = NULL, updated_at = $2 " +
			"WHERE id = $3 AND status = $4::outbox_entry_status"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.StatusPending, time.Now().UTC(), id, outbox.StatusProcessing)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		telemetry.HandleSpanError(span, "failed to release outbox entry", err)
		repo.logSanitizedError(ctx, "failed to release outbox entry", err)

		return fmt.Errorf("releasing entry: %w", err)
	}

	return nil
}

// Requeue returns a dead-lettered entry to Pending with a fresh attempt
// budget. Operator-driven replay after the downstream defect is fixed.
func (repo *Repository) Requeue(ctx context.Context, id uuid.UUID) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if err := outbox.ValidateTransition(outbox.StatusDeadLetteredRaw, outbox.StatusPendingRaw); err != nil {
		return fmt.Errorf("requeue transition: %w", err)
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.requeue_outbox_entry")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table +
			" SET status = $1::outbox_entry_status, attempts = 0, last_error = '', " +
			"next_retry_at = NULL, lease_expires_at = NULL, updated_at = $2 " +
			"WHERE id = $3 AND status = $4::outbox_entry_status"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.StatusPending, time.Now().UTC(), id, outbox.StatusDeadLettered)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		telemetry.HandleSpanError(span, "failed to requeue outbox entry", err)
		repo.logSanitizedError(ctx, "failed to requeue outbox entry", err)

		return fmt.Errorf("requeueing entry: %w", err)
	}

	return nil
}

// GetByID retrieves an outbox entry by id.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.get_outbox_by_id")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (*outbox.Entry, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + entryColumns + " FROM " + table + " WHERE id = $1"

		return scanEntry(tx.QueryRowContext(ctx, query, id))
	})
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			telemetry.HandleSpanError(span, "failed to get outbox entry", err)
			repo.logSanitizedError(ctx, "failed to get outbox entry", err)
		}

		return nil, fmt.Errorf("getting outbox entry: %w", err)
	}

	return result, nil
}

// ListDeadLettered lists dead-lettered entries, most recently failed first.
func (repo *Repository) ListDeadLettered(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.list_outbox_dead_lettered")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*outbox.Entry, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + entryColumns + " FROM " + table +
			" WHERE status = $1::outbox_entry_status ORDER BY updated_at DESC LIMIT $2"

		return queryEntries(ctx, tx, query, []any{outbox.StatusDeadLettered, limit}, limit, "listing dead lettered entries")
	})
	if err != nil {
		telemetry.HandleSpanError(span, "failed to list dead lettered entries", err)
		repo.logSanitizedError(ctx, "failed to list dead lettered entries", err)

		return nil, fmt.Errorf("listing dead lettered entries: %w", err)
	}

	return result, nil
}

// CountByStatus returns entry counts per lifecycle state.
func (repo *Repository) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.count_outbox_by_status")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (map[outbox.Status]int64, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT status, COUNT(*) FROM " + table + " GROUP BY status"

		rows, queryErr := tx.QueryContext(ctx, query)
		if queryErr != nil {
			return nil, fmt.Errorf("counting entries by status: %w", queryErr)
		}

		defer rows.Close()

		counts := make(map[outbox.Status]int64)

		for rows.Next() {
			var (
				rawStatus string
				count     int64
			)

			if scanErr := rows.Scan(&rawStatus, &count); scanErr != nil {
				return nil, fmt.Errorf("scanning status count: %w", scanErr)
			}

			status, parseErr := outbox.ParseStatus(rawStatus)
			if parseErr != nil {
				return nil, parseErr
			}

			counts[status] = count
		}

		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating rows: %w", err)
		}

		return counts, nil
	})
	if err != nil {
		telemetry.HandleSpanError(span, "failed to count outbox entries", err)
		repo.logSanitizedError(ctx, "failed to count outbox entries", err)

		return nil, fmt.Errorf("counting outbox entries: %w", err)
	}

	return result, nil
}

// PruneDispatched deletes dispatched entries older than before and reports
// how many rows were removed.
func (repo *Repository) PruneDispatched(ctx context.Context, before time.Time) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.prune_outbox_dispatched")
	defer span.End()

	pruned, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (int64, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "DELETE FROM " + table +
			" WHERE status = $1::outbox_entry_status AND dispatched_at < $2"

		result, execErr := tx.ExecContext(ctx, query, outbox.StatusDispatched, before)
		if execErr != nil {
			return 0, fmt.Errorf("executing delete: %w", execErr)
		}

		rows, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return 0, fmt.Errorf("rows affected: %w", rowsErr)
		}

		return rows, nil
	})
	if err != nil {
		telemetry.HandleSpanError(span, "failed to prune dispatched entries", err)
		repo.logSanitizedError(ctx, "failed to prune dispatched entries", err)

		return 0, fmt.Errorf("pruning dispatched entries: %w", err)
	}

	return pruned, nil
}

func collectEntryIDs(entries []*outbox.Entry) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(entries))

	for _, entry := range entries {
		if entry == nil || entry.ID == uuid.Nil {
			continue
		}

		ids = append(ids, entry.ID)
	}

	return ids
}

func applyClaimedState(entries []*outbox.Entry, now, leaseExpiresAt time.Time) {
	for _, entry := range entries {
		if entry == nil {
			continue
		}

		lease := leaseExpiresAt
		entry.Status = outbox.StatusProcessing
		entry.LeaseExpiresAt = &lease
		entry.UpdatedAt = now
	}
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*outbox.Entry, error) {
	var entry outbox.Entry

	var (
		lastError     sql.NullString
		correlationID uuid.NullUUID
		causationID   uuid.NullUUID
	)

	if err := scanner.Scan(
		&entry.ID,
		&entry.AggregateType,
		&entry.AggregateID,
		&entry.EventType,
		&entry.SchemaVersion,
		&entry.Payload,
		&entry.OccurredAt,
		&correlationID,
		&causationID,
		&entry.Position,
		&entry.Status,
		&entry.Attempts,
		&lastError,
		&entry.NextRetryAt,
		&entry.LeaseExpiresAt,
		&entry.DispatchedAt,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if lastError.Valid {
		entry.LastError = lastError.String
	}

	if correlationID.Valid {
		entry.CorrelationID = correlationID.UUID
	}

	if causationID.Valid {
		entry.CausationID = causationID.UUID
	}

	return &entry, nil
}

func withTxOrExisting[T any](
	repo *Repository,
	ctx context.Context,
	tx *sql.Tx,
	fn func(*sql.Tx) (T, error),
) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	if tx != nil {
		return fn(tx)
	}

	primaryDB, err := repo.primaryDB(ctx)
	if err != nil {
		return zero, err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, repo.transactionTimeout)
		defer cancel()
	}

	newTx, err := primaryDB.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && (repo.conn != nil || repo.primaryDBLookup != nil)
}

func (repo *Repository) primaryDB(ctx context.Context) (*sql.DB, error) {
	if repo == nil {
		return nil, ErrConnectionRequired
	}

	if repo.primaryDBLookup != nil {
		return repo.primaryDBLookup(ctx)
	}

	return repo.conn.PrimaryDB(ctx)
}

func (repo *Repository) logSanitizedError(ctx context.Context, message string, err error) {
	if nilcheck.Interface(repo.logger) || err == nil {
		return
	}

	repo.logger.Log(ctx, liblog.LevelError, message,
		liblog.String("error", outbox.SanitizeErrorMessageForStorage(err.Error())))
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}

func ensureRowsAffected(result sql.Result) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrStateTransitionConflict
	}

	return nil
}

func ensureRowsAffectedExact(result sql.Result, expected int64) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows != expected {
		return ErrStateTransitionConflict
	}

	return nil
}

func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, ErrStateTransitionConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, nil
}

type createValues struct {
	id            uuid.UUID
	aggregateType string
	aggregateID   uuid.UUID
	eventType     string
	schemaVersion int
	payload       []byte
	occurredAt    time.Time
	correlationID uuid.UUID
	causationID   uuid.UUID
	status        outbox.Status
	attempts      int
	createdAt     time.Time
	updatedAt     time.Time
}

func normalizedCreateValues(entry *outbox.Entry, now time.Time) createValues {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() || updatedAt.Before(createdAt) {
		updatedAt = createdAt
	}

	occurredAt := entry.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = createdAt
	}

	return createValues{
		id:            entry.ID,
		aggregateType: strings.TrimSpace(entry.AggregateType),
		aggregateID:   entry.AggregateID,
		eventType:     strings.TrimSpace(entry.EventType),
		schemaVersion: entry.SchemaVersion,
		payload:       entry.Payload,
		occurredAt:    occurredAt,
		correlationID: entry.CorrelationID,
		causationID:   entry.CausationID,
		status:        outbox.StatusPending,
		attempts:      0,
		createdAt:     createdAt,
		updatedAt:     updatedAt,
	}
}

func validateCreateEntry(entry *outbox.Entry) error {
	if entry == nil {
		return outbox.ErrEntryRequired
	}

	if entry.ID == uuid.Nil {
		return ErrIDRequired
	}

	if strings.TrimSpace(entry.EventType) == "" {
		return ErrEventTypeRequired
	}

	if entry.AggregateID == uuid.Nil {
		return ErrAggregateIDRequired
	}

	if len(entry.Payload) == 0 {
		return outbox.ErrEntryPayloadRequired
	}

	if len(entry.Payload) > event.DefaultMaxPayloadBytes {
		return event.ErrPayloadTooLarge
	}

	if !json.Valid(entry.Payload) {
		return event.ErrPayloadNotJSON
	}

	return nil
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}

	return id
}

func queryEntries(
	ctx context.Context,
	tx *sql.Tx,
	query string,
	args []any,
	limit int,
	errorPrefix string,
) ([]*outbox.Entry, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errorPrefix, err)
	}

	defer rows.Close()

	entries := make([]*outbox.Entry, 0, limit)

	for rows.Next() {
		entry, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning outbox entry: %w", scanErr)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return entries, nil
}
