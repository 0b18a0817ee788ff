package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestInMemoryStore_CreatePairAndGet(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	user, assistant := NewPair("t1", "p1", "a1", "question", nil)
	require.NoError(t, store.CreatePair(ctx, user, assistant))

	got, err := store.Get(ctx, assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, assistant.ID, got.ID)
	assert.Equal(t, StatusQueued, got.Status)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestInMemoryStore_Update(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	user, assistant := NewPair("t1", "p1", "a1", "question", nil)
	require.NoError(t, store.CreatePair(ctx, user, assistant))

	got, err := store.Update(ctx, assistant.ID, StatusUpdate{Status: StatusProcessing})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)

	got, err = store.Update(ctx, assistant.ID, StatusUpdate{
		Status:  StatusCompleted,
		Content: strPtr("the answer"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "the answer", got.Content)
}

func TestInMemoryStore_CancelDominates(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	user, assistant := NewPair("t1", "p1", "a1", "question", nil)
	require.NoError(t, store.CreatePair(ctx, user, assistant))

	_, err := store.Update(ctx, assistant.ID, StatusUpdate{Status: StatusProcessing})
	require.NoError(t, err)

	// Cancellation lands first.
	_, err = store.Update(ctx, assistant.ID, StatusUpdate{Status: StatusCancelled})
	require.NoError(t, err)

	// The late completion must be rejected, not overwrite the cancel.
	_, err = store.Update(ctx, assistant.ID, StatusUpdate{
		Status:  StatusCompleted,
		Content: strPtr("too late"),
	})
	assert.Error(t, err)

	got, err := store.Get(ctx, assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Empty(t, got.Content)
}

func TestInMemoryStore_UpdateError(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	user, assistant := NewPair("t1", "p1", "a1", "question", nil)
	require.NoError(t, store.CreatePair(ctx, user, assistant))

	got, err := store.Update(ctx, assistant.ID, StatusUpdate{
		Status: StatusFailed,
		Error:  &ExecError{Code: "execution_error", Message: "model unavailable"},
	})
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "execution_error", got.Error.Code)
}

func TestInMemoryStore_ListByAgent(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	var last *Task
	for i := 0; i < 5; i++ {
		user, assistant := NewPair("", "p1", "a1", "q", nil)
		// Stagger creation times so ordering is deterministic.
		user.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		assistant.CreatedAt = user.CreatedAt
		require.NoError(t, store.CreatePair(ctx, user, assistant))
		last = user
	}
	otherUser, otherAssistant := NewPair("", "p2", "a1", "q", nil)
	require.NoError(t, store.CreatePair(ctx, otherUser, otherAssistant))

	tasks, err := store.ListByAgent(ctx, "p1", "a1", ListOptions{Limit: 4})
	require.NoError(t, err)
	assert.Len(t, tasks, 4)

	// Newest first.
	assert.Equal(t, last.CreatedAt.Unix(), tasks[0].CreatedAt.Unix())
	for _, got := range tasks {
		assert.Equal(t, "p1", got.ProjectID)
	}

	// Oldest first when asked.
	tasks, err = store.ListByAgent(ctx, "p1", "a1", ListOptions{Limit: 4, SortAsc: true})
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	assert.True(t, tasks[0].CreatedAt.Before(tasks[3].CreatedAt))

	// Status filter: user tasks are created QUEUED here.
	tasks, err = store.ListByAgent(ctx, "p1", "a1", ListOptions{Status: StatusQueued})
	require.NoError(t, err)
	for _, got := range tasks {
		assert.Equal(t, StatusQueued, got.Status)
	}
}

func TestInMemoryStore_ListStuck(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	user, assistant := NewPair("t1", "p1", "a1", "q", nil)
	require.NoError(t, store.CreatePair(ctx, user, assistant))
	_, err := store.Update(ctx, assistant.ID, StatusUpdate{Status: StatusProcessing})
	require.NoError(t, err)

	// Nothing is stuck yet.
	stuck, err := store.ListStuck(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	// With a zero threshold the processing task qualifies.
	time.Sleep(5 * time.Millisecond)
	stuck, err = store.ListStuck(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, assistant.ID, stuck[0].ID)
}

func TestSQLStore_RoundTrip(t *testing.T) {
	store, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	user, assistant := NewPair("t1", "p1", "a1", "question", map[string]any{"stream": true})
	require.NoError(t, store.CreatePair(ctx, user, assistant))

	got, err := store.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "question", got.Content)
	assert.Equal(t, assistant.ID, got.PairID)
	assert.Equal(t, true, got.Metadata["stream"])

	// User task completes directly from queued.
	got, err = store.Update(ctx, user.ID, StatusUpdate{Status: StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	// Terminal statuses are immutable.
	_, err = store.Update(ctx, user.ID, StatusUpdate{Status: StatusProcessing})
	assert.Error(t, err)
}

func TestSQLStore_CancelDominates(t *testing.T) {
	store, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	user, assistant := NewPair("t1", "p1", "a1", "question", nil)
	require.NoError(t, store.CreatePair(ctx, user, assistant))

	_, err = store.Update(ctx, assistant.ID, StatusUpdate{Status: StatusProcessing})
	require.NoError(t, err)
	_, err = store.Update(ctx, assistant.ID, StatusUpdate{Status: StatusCancelled})
	require.NoError(t, err)

	_, err = store.Update(ctx, assistant.ID, StatusUpdate{
		Status:  StatusCompleted,
		Content: strPtr("too late"),
	})
	assert.Error(t, err)

	got, err := store.Get(ctx, assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestSQLStore_ListByAgentLimit(t *testing.T) {
	store, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		user, assistant := NewPair("", "p1", "a1", "q", nil)
		require.NoError(t, store.CreatePair(ctx, user, assistant))
	}

	tasks, err := store.ListByAgent(ctx, "p1", "a1", ListOptions{Limit: 4})
	require.NoError(t, err)
	assert.Len(t, tasks, 4)

	// Default limit applies when none is given.
	tasks, err = store.ListByAgent(ctx, "p1", "a1", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, tasks, 6)

	// Status filter narrows to matching rows only.
	tasks, err = store.ListByAgent(ctx, "p1", "a1", ListOptions{Status: StatusQueued})
	require.NoError(t, err)
	assert.Len(t, tasks, 6)
	tasks, err = store.ListByAgent(ctx, "p1", "a1", ListOptions{Status: StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, tasks, 0)
}
