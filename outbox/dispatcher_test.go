//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type markFailedCall struct {
	id          uuid.UUID
	errMsg      string
	nextRetryAt time.Time
	maxAttempts int
}

type fakeRepo struct {
	mu sync.Mutex

	batches [][]*Entry

	claimCalls        int
	claimErr          error
	markDispatchedErr error
	markFailedErr     error
	markFailedStatus  Status
	releaseErr        error

	markedDispatched []uuid.UUID
	markedFailed     []markFailedCall
	markedDead       []uuid.UUID
	released         []uuid.UUID
	requeued         []uuid.UUID
}

func newFakeRepo(batches ...[]*Entry) *fakeRepo {
	return &fakeRepo{batches: batches, markFailedStatus: StatusFailed}
}

func (repo *fakeRepo) CreateWithTx(context.Context, Tx, *Entry) (*Entry, error) {
	return nil, nil
}

func (repo *fakeRepo) ClaimBatch(_ context.Context, _ int, _ time.Time, _ time.Duration) ([]*Entry, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.claimCalls++

	if repo.claimErr != nil {
		return nil, repo.claimErr
	}

	if len(repo.batches) == 0 {
		return nil, nil
	}

	batch := repo.batches[0]
	repo.batches = repo.batches[1:]

	return batch, nil
}

func (repo *fakeRepo) MarkDispatched(_ context.Context, id uuid.UUID, _ time.Time) error {
	if repo.markDispatchedErr != nil {
		return repo.markDispatchedErr
	}

	repo.mu.Lock()
	repo.markedDispatched = append(repo.markedDispatched, id)
	repo.mu.Unlock()

	return nil
}

func (repo *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time, maxAttempts int) (Status, error) {
	if repo.markFailedErr != nil {
		return "", repo.markFailedErr
	}

	repo.mu.Lock()
	repo.markedFailed = append(repo.markedFailed, markFailedCall{
		id:          id,
		errMsg:      errMsg,
		nextRetryAt: nextRetryAt,
		maxAttempts: maxAttempts,
	})
	status := repo.markFailedStatus
	repo.mu.Unlock()

	return status, nil
}

func (repo *fakeRepo) MarkDeadLettered(_ context.Context, id uuid.UUID, _ string) error {
	repo.mu.Lock()
	repo.markedDead = append(repo.markedDead, id)
	repo.mu.Unlock()

	return nil
}

func (repo *fakeRepo) Release(_ context.Context, id uuid.UUID) error {
	if repo.releaseErr != nil {
		return repo.releaseErr
	}

	repo.mu.Lock()
	repo.released = append(repo.released, id)
	repo.mu.Unlock()

	return nil
}

func (repo *fakeRepo) Requeue(_ context.Context, id uuid.UUID) error {
	repo.mu.Lock()
	repo.requeued = append(repo.requeued, id)
	repo.mu.Unlock()

	return nil
}

func (repo *fakeRepo) GetByID(context.Context, uuid.UUID) (*Entry, error) { return nil, nil }

func (repo *fakeRepo) ListDeadLettered(context.Context, int) ([]*Entry, error) { return nil, nil }

func (repo *fakeRepo) CountByStatus(context.Context) (map[Status]int64, error) { return nil, nil }

func (repo *fakeRepo) PruneDispatched(context.Context, time.Time) (int64, error) { return 0, nil }

func (repo *fakeRepo) claimCallCount() int {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return repo.claimCalls
}

func (repo *fakeRepo) dispatched() []uuid.UUID {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return append([]uuid.UUID(nil), repo.markedDispatched...)
}

func claimedEntry(aggregateID uuid.UUID, eventType string, position int64) *Entry {
	return &Entry{
		ID:            uuid.New(),
		AggregateType: "Order",
		AggregateID:   aggregateID,
		EventType:     eventType,
		SchemaVersion: 1,
		Payload:       []byte(`{}`),
		Position:      position,
		Status:        StatusProcessing,
	}
}

func registryWith(t *testing.T, eventType string, handler EventHandler) *HandlerRegistry {
	t.Helper()

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register(eventType, handler))

	return registry
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(nil, NewHandlerRegistry(), nil, nil)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewDispatcher(newFakeRepo(), nil, nil, nil)
	require.ErrorIs(t, err, ErrHandlerRegistryRequired)

	dispatcher, err := NewDispatcher(newFakeRepo(), NewHandlerRegistry(), nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, dispatcher)
}

func TestTickDispatchesClaimedEntries(t *testing.T) {
	t.Parallel()

	first := claimedEntry(uuid.New(), "order.placed", 1)
	second := claimedEntry(uuid.New(), "order.placed", 2)
	repo := newFakeRepo([]*Entry{first, second})

	handled := 0
	registry := registryWith(t, "order.placed", func(context.Context, *Entry) error {
		handled++

		return nil
	})

	dispatcher, err := NewDispatcher(repo, registry, nil, nil)
	require.NoError(t, err)

	result := dispatcher.Tick(context.Background())

	assert.Equal(t, TickResult{Claimed: 2, Dispatched: 2}, result)
	assert.Equal(t, 2, handled)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, repo.dispatched())
}

func TestTickMarksFailedWithFutureRetry(t *testing.T) {
	t.Parallel()

	entry := claimedEntry(uuid.New(), "order.placed", 1)
	entry.Attempts = 2
	repo := newFakeRepo([]*Entry{entry})

	registry := registryWith(t, "order.placed", func(context.Context, *Entry) error {
		return errors.New("projection unavailable")
	})

	dispatcher, err := NewDispatcher(repo, registry, nil, nil, WithMaxDispatchAttempts(7))
	require.NoError(t, err)

	before := time.Now().UTC()
	result := dispatcher.Tick(context.Background())

	assert.Equal(t, TickResult{Claimed: 1, Failed: 1}, result)
	require.Len(t, repo.markedFailed, 1)

	call := repo.markedFailed[0]
	assert.Equal(t, entry.ID, call.id)
	assert.Equal(t, "projection unavailable", call.errMsg)
	assert.Equal(t, 7, call.maxAttempts)
	assert.True(t, call.nextRetryAt.After(before))
}

func TestTickReportsDeadLetterOnExhaustedAttempts(t *testing.T) {
	t.Parallel()

	entry := claimedEntry(uuid.New(), "order.placed", 1)
	repo := newFakeRepo([]*Entry{entry})
	repo.markFailedStatus = StatusDeadLettered

	registry := registryWith(t, "order.placed", func(context.Context, *Entry) error {
		return errors.New("still broken")
	})

	dispatcher, err := NewDispatcher(repo, registry, nil, nil)
	require.NoError(t, err)

	result := dispatcher.Tick(context.Background())

	assert.Equal(t, TickResult{Claimed: 1, DeadLettered: 1}, result)
}

func TestTickDeadLettersNonRetryableFailures(t *testing.T) {
	t.Parallel()

	poison := errors.New("malformed payload")
	entry := claimedEntry(uuid.New(), "order.placed", 1)
	repo := newFakeRepo([]*Entry{entry})

	registry := registryWith(t, "order.placed", func(context.Context, *Entry) error {
		return poison
	})

	dispatcher, err := NewDispatcher(repo, registry, nil, nil,
		WithRetryClassifier(RetryClassifierFunc(func(err error) bool {
			return errors.Is(err, poison)
		})),
	)
	require.NoError(t, err)

	result := dispatcher.Tick(context.Background())

	assert.Equal(t, TickResult{Claimed: 1, DeadLettered: 1}, result)
	assert.Equal(t, []uuid.UUID{entry.ID}, repo.markedDead)
	assert.Empty(t, repo.markedFailed)
}

func TestTickReleasesBlockedAggregateSiblings(t *testing.T) {
	t.Parallel()

	aggregateID := uuid.New()
	failing := claimedEntry(aggregateID, "order.placed", 1)
	blockedSibling := claimedEntry(aggregateID, "order.paid", 2)
	unrelated := claimedEntry(uuid.New(), "order.placed", 3)
	repo := newFakeRepo([]*Entry{failing, blockedSibling, unrelated})

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("order.placed", func(_ context.Context, entry *Entry) error {
		if entry.ID == failing.ID {
			return errors.New("projection unavailable")
		}

		return nil
	}))
	require.NoError(t, registry.Register("order.paid", func(context.Context, *Entry) error {
		t.Error("successor of a failed aggregate entry must not be handled")

		return nil
	}))

	dispatcher, err := NewDispatcher(repo, registry, nil, nil)
	require.NoError(t, err)

	result := dispatcher.Tick(context.Background())

	assert.Equal(t, TickResult{Claimed: 3, Dispatched: 1, Failed: 1, Released: 1}, result)
	assert.Equal(t, []uuid.UUID{blockedSibling.ID}, repo.released)
	assert.Equal(t, []uuid.UUID{unrelated.ID}, repo.dispatched())
}

func TestTickUnrecordedFailureStillBlocksSiblings(t *testing.T) {
	t.Parallel()

	aggregateID := uuid.New()
	failing := claimedEntry(aggregateID, "order.placed", 1)
	blockedSibling := claimedEntry(aggregateID, "order.paid", 2)
	repo := newFakeRepo([]*Entry{failing, blockedSibling})
	repo.markFailedErr = errors.New("connection reset")

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("order.placed", func(context.Context, *Entry) error {
		return errors.New("projection unavailable")
	}))
	require.NoError(t, registry.Register("order.paid", func(context.Context, *Entry) error {
		t.Error("successor must not be handled while the earlier failure is undelivered")

		return nil
	}))

	dispatcher, err := NewDispatcher(repo, registry, nil, nil)
	require.NoError(t, err)

	// MarkFailed errors, so the failing entry stays Processing. The sibling
	// must still be held back and released, not dispatched ahead of it.
	result := dispatcher.Tick(context.Background())

	assert.Equal(t, TickResult{Claimed: 2, Released: 1}, result)
	assert.Equal(t, []uuid.UUID{blockedSibling.ID}, repo.released)
	assert.Empty(t, repo.dispatched())
}

func TestTickHandlesPanicAsFailure(t *testing.T) {
	t.Parallel()

	entry := claimedEntry(uuid.New(), "order.placed", 1)
	repo := newFakeRepo([]*Entry{entry})

	registry := registryWith(t, "order.placed", func(context.Context, *Entry) error {
		panic("handler exploded")
	})

	dispatcher, err := NewDispatcher(repo, registry, nil, nil)
	require.NoError(t, err)

	result := dispatcher.Tick(context.Background())

	assert.Equal(t, TickResult{Claimed: 1, Failed: 1}, result)
	require.Len(t, repo.markedFailed, 1)
	assert.Contains(t, repo.markedFailed[0].errMsg, "handler exploded")
}

func TestTickStateUpdateFailureCountsNothing(t *testing.T) {
	t.Parallel()

	entry := claimedEntry(uuid.New(), "order.placed", 1)
	repo := newFakeRepo([]*Entry{entry})
	repo.markDispatchedErr = errors.New("connection reset")

	registry := registryWith(t, "order.placed", func(context.Context, *Entry) error {
		return nil
	})

	dispatcher, err := NewDispatcher(repo, registry, nil, nil)
	require.NoError(t, err)

	result := dispatcher.Tick(context.Background())

	assert.Equal(t, TickResult{Claimed: 1}, result)
	assert.Empty(t, repo.dispatched())
}

func TestTickClaimErrorReturnsEmptyResult(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.claimErr = errors.New("connection refused")

	dispatcher, err := NewDispatcher(repo, NewHandlerRegistry(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, TickResult{}, dispatcher.Tick(context.Background()))
}

func TestRunDispatchesUntilStopped(t *testing.T) {
	t.Parallel()

	entry := claimedEntry(uuid.New(), "order.placed", 1)
	repo := newFakeRepo([]*Entry{entry})

	registry := registryWith(t, "order.placed", func(context.Context, *Entry) error {
		return nil
	})

	dispatcher, err := NewDispatcher(repo, registry, nil, nil,
		WithPollInterval(5*time.Millisecond),
	)
	require.NoError(t, err)

	runErr := make(chan error, 1)

	go func() {
		runErr <- dispatcher.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return len(repo.dispatched()) == 1 && repo.claimCallCount() > 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, dispatcher.Shutdown(context.Background()))

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	dispatcher, err := NewDispatcher(newFakeRepo(), NewHandlerRegistry(), nil, nil,
		WithPollInterval(5*time.Millisecond),
	)
	require.NoError(t, err)

	runErr := make(chan error, 1)

	go func() {
		runErr <- dispatcher.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		dispatcher.runStateMu.Lock()
		defer dispatcher.runStateMu.Unlock()

		return dispatcher.running
	}, time.Second, time.Millisecond)

	require.ErrorIs(t, dispatcher.Run(context.Background()), ErrDispatcherRunning)

	dispatcher.Stop()
	require.NoError(t, <-runErr)
}

func TestStopConcurrentWithRunRestarts(t *testing.T) {
	t.Parallel()

	dispatcher, err := NewDispatcher(newFakeRepo(), NewHandlerRegistry(), nil, nil,
		WithPollInterval(time.Millisecond),
	)
	require.NoError(t, err)

	for range 5 {
		runErr := make(chan error, 1)

		go func() {
			runErr <- dispatcher.Run(context.Background())
		}()

		require.Eventually(t, func() bool {
			dispatcher.runStateMu.Lock()
			defer dispatcher.runStateMu.Unlock()

			return dispatcher.running
		}, time.Second, time.Millisecond)

		var stoppers sync.WaitGroup

		for range 4 {
			stoppers.Add(1)

			go func() {
				defer stoppers.Done()
				dispatcher.Stop()
			}()
		}

		stoppers.Wait()

		select {
		case err := <-runErr:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("dispatcher did not stop")
		}
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	dispatcher, err := NewDispatcher(newFakeRepo(), NewHandlerRegistry(), nil, nil,
		WithPollInterval(5*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)

	go func() {
		runErr <- dispatcher.Run(ctx)
	}()

	cancel()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop on context cancel")
	}
}

func TestNilDispatcherIsSafe(t *testing.T) {
	t.Parallel()

	var dispatcher *Dispatcher

	assert.Equal(t, TickResult{}, dispatcher.Tick(context.Background()))
	require.ErrorIs(t, dispatcher.Run(context.Background()), ErrDispatcherRequired)
	dispatcher.Stop()
	require.NoError(t, dispatcher.Shutdown(context.Background()))
}
