//go:build unit

package aggregate

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/lib-outbox/event"
)

func mustEvent(t *testing.T, aggregateID uuid.UUID, eventType string) event.Event {
	t.Helper()

	evt, err := event.New("order", aggregateID, eventType, 1, json.RawMessage(`{}`))
	require.NoError(t, err)

	return evt
}

func TestNewRoot_RequiresID(t *testing.T) {
	t.Parallel()

	_, err := NewRoot(uuid.Nil)
	require.ErrorIs(t, err, ErrAggregateIDRequired)
}

func TestHydrateRoot_NegativeVersionClampedToZero(t *testing.T) {
	t.Parallel()

	root, err := HydrateRoot(uuid.New(), -3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), root.Version())
}

func TestRoot_RecordRejectsForeignEvent(t *testing.T) {
	t.Parallel()

	root, err := NewRoot(uuid.New())
	require.NoError(t, err)

	foreign := mustEvent(t, uuid.New(), "order.placed")
	require.ErrorIs(t, root.Record(foreign), ErrEventAggregateMismatch)
	assert.Empty(t, root.PendingEvents())
}

func TestRoot_PendingEventsIsNonDestructiveCopy(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	root, err := NewRoot(id)
	require.NoError(t, err)

	first := mustEvent(t, id, "order.placed")
	second := mustEvent(t, id, "order.paid")
	require.NoError(t, root.Record(first))
	require.NoError(t, root.Record(second))

	pending := root.PendingEvents()
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	// Reading twice returns the same events; mutating the copy does not
	// affect the buffer.
	pending[0] = event.Event{}
	again := root.PendingEvents()
	require.Len(t, again, 2)
	assert.Equal(t, first.ID, again[0].ID)
}

func TestRoot_ClearPendingEvents(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	root, err := NewRoot(id)
	require.NoError(t, err)

	require.NoError(t, root.Record(mustEvent(t, id, "order.placed")))
	root.ClearPendingEvents()
	assert.Empty(t, root.PendingEvents())
}

func TestRoot_AdvanceVersion(t *testing.T) {
	t.Parallel()

	root, err := HydrateRoot(uuid.New(), 4)
	require.NoError(t, err)

	root.AdvanceVersion()
	assert.Equal(t, int64(5), root.Version())
}
