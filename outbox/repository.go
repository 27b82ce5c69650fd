package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by CreateWithTx.
//
// It intentionally aliases *sql.Tx so the unit of work can stage entries
// inside the caller's business transaction without adapter layers.
type Tx = *sql.Tx

// Repository defines persistence operations for outbox entries.
//
// Every status mutation is a conditional update keyed on the current status
// (and lease, where relevant) so concurrent relay workers can never
// double-process an entry.
type Repository interface {
	// CreateWithTx stages a pending entry inside an open business transaction.
	CreateWithTx(ctx context.Context, tx Tx, entry *Entry) (*Entry, error)

	// ClaimBatch atomically selects and leases up to limit dispatchable
	// entries: Pending, Failed past next_retry_at, or Processing with an
	// expired lease (a crashed worker's claim). An entry is not dispatchable
	// while an earlier entry of the same aggregate is non-terminal, which
	// preserves per-aggregate order across workers. Returned entries are in
	// (aggregate, position) order and already marked Processing with a lease
	// of leaseFor.
	ClaimBatch(ctx context.Context, limit int, now time.Time, leaseFor time.Duration) ([]*Entry, error)

	// MarkDispatched finishes a claimed entry. Fails if the entry is no
	// longer Processing (lease lost to a reclaim).
	MarkDispatched(ctx context.Context, id uuid.UUID, dispatchedAt time.Time) error

	// MarkFailed records a handler failure on a claimed entry, scheduling the
	// retry at nextRetryAt, or dead-letters it when attempts reach
	// maxAttempts. Returns the resulting status.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time, maxAttempts int) (Status, error)

	// MarkDeadLettered moves a claimed entry straight to DeadLettered,
	// used for non-retryable failures.
	MarkDeadLettered(ctx context.Context, id uuid.UUID, errMsg string) error

	// Release gives a claimed entry back as Pending without consuming an
	// attempt. Used for entries skipped to preserve per-aggregate order.
	Release(ctx context.Context, id uuid.UUID) error

	// Requeue returns a dead-lettered entry to Pending with a fresh attempt
	// budget. Operator-driven replay.
	Requeue(ctx context.Context, id uuid.UUID) error

	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	ListDeadLettered(ctx context.Context, limit int) ([]*Entry, error)

	// CountByStatus returns entry counts per status for the observability
	// surface.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// PruneDispatched deletes dispatched entries older than before. Meant
	// for the out-of-band retention job, never for the relay itself.
	PruneDispatched(ctx context.Context, before time.Time) (int64, error)
}

// Stats summarizes outbox depth per lifecycle state.
type Stats struct {
	Pending      int64 `json:"pending"`
	Processing   int64 `json:"processing"`
	Dispatched   int64 `json:"dispatched"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"deadLettered"`
}

// StatsFromCounts converts a CountByStatus result into Stats.
func StatsFromCounts(counts map[Status]int64) Stats {
	return Stats{
		Pending:      counts[StatusPending],
		Processing:   counts[StatusProcessing],
		Dispatched:   counts[StatusDispatched],
		Failed:       counts[StatusFailed],
		DeadLettered: counts[StatusDeadLettered],
	}
}
