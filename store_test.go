package saga

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAssignsSequencePerSaga(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seq, err := store.Append(ctx, &Event{SagaID: "saga-1", Type: EventStarted})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	seq, err = store.Append(ctx, &Event{SagaID: "saga-1", Type: EventStepSucceeded, StepName: "a"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	// Sequences are per saga, not global.
	seq, err = store.Append(ctx, &Event{SagaID: "saga-2", Type: EventStarted})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestMemoryStoreLoadLatestFoldsLog(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Append(ctx, &Event{SagaID: "saga-1", Type: EventStarted, Payload: map[string]any{"order_id": "order-1"}})
	require.NoError(t, err)
	_, err = store.Append(ctx, &Event{SagaID: "saga-1", Type: EventStepSucceeded, StepName: "reserve_inventory", Attempt: 1})
	require.NoError(t, err)

	in, err := store.LoadLatest(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, in.Status)
	assert.Equal(t, 1, in.Cursor)
	assert.Equal(t, uint64(2), in.LastSeq)
	assert.Equal(t, "order-1", in.Context["order_id"])
}

func TestMemoryStoreLoadLatestUnknownSaga(t *testing.T) {
	store := NewMemoryStore()
	var notFound *InstanceNotFoundError
	_, err := store.LoadLatest(context.Background(), "nope")
	assert.ErrorAs(t, err, &notFound)
}

func TestMemoryStoreStoresOwnedCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ev := &Event{SagaID: "saga-1", Type: EventStarted, Payload: map[string]any{"k": "v"}}
	_, err := store.Append(ctx, ev)
	require.NoError(t, err)

	// Caller mutation after append must not leak into the log.
	ev.Payload["k"] = "mutated"
	ev.Type = EventFailed

	events := store.Events("saga-1")
	require.Len(t, events, 1)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, "v", events[0].Payload["k"])
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestMemoryStoreListNonTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Append(ctx, &Event{SagaID: "running", Type: EventStarted})
	require.NoError(t, err)

	_, err = store.Append(ctx, &Event{SagaID: "done", Type: EventStarted})
	require.NoError(t, err)
	_, err = store.Append(ctx, &Event{SagaID: "done", Type: EventStepSucceeded, StepName: "a"})
	require.NoError(t, err)
	_, err = store.Append(ctx, &Event{SagaID: "done", Type: EventCompleted})
	require.NoError(t, err)

	_, err = store.Append(ctx, &Event{SagaID: "undoing", Type: EventStarted})
	require.NoError(t, err)
	_, err = store.Append(ctx, &Event{SagaID: "undoing", Type: EventStepSucceeded, StepName: "a"})
	require.NoError(t, err)
	_, err = store.Append(ctx, &Event{SagaID: "undoing", Type: EventStepFailed, StepName: "b"})
	require.NoError(t, err)

	out, err := store.ListNonTerminal(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(out))
	for _, in := range out {
		ids = append(ids, in.ID)
	}
	assert.ElementsMatch(t, []string{"running", "undoing"}, ids)
}
