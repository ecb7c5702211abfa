package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore(time.Hour, 50)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	s := New("", "u1", "en")
	require.NotEmpty(t, s.ID)
	require.NoError(t, store.Put(ctx, s))

	t.Run("get returns stored session", func(t *testing.T) {
		got, err := store.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, "en", got.Language)
		assert.False(t, got.LastActivity.Before(got.CreatedAt))
	})

	t.Run("list by user", func(t *testing.T) {
		ids, err := store.ListByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Contains(t, ids, s.ID)
	})

	t.Run("delete then get is not found", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, s.ID))
		_, err := store.Get(ctx, s.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete of missing session is not found", func(t *testing.T) {
		assert.ErrorIs(t, store.Delete(ctx, "nope"), ErrNotFound)
	})
}

func TestAppendMessage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour, 5)

	s := New("", "u1", "en")
	require.NoError(t, store.Put(ctx, s))

	t.Run("appends preserve order", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			msg := NewUserMessage(fmt.Sprintf("message %d", i))
			require.NoError(t, store.AppendMessage(ctx, s.ID, msg))
		}
		got, err := store.Get(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, got.History, 3)
		assert.Equal(t, "message 0", got.History[0].Content)
		assert.Equal(t, "message 2", got.History[2].Content)
	})

	t.Run("overflow drops oldest", func(t *testing.T) {
		for i := 3; i < 8; i++ {
			msg := NewUserMessage(fmt.Sprintf("message %d", i))
			require.NoError(t, store.AppendMessage(ctx, s.ID, msg))
		}
		got, err := store.Get(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, got.History, 5)
		assert.Equal(t, "message 3", got.History[0].Content)
		assert.Equal(t, "message 7", got.History[4].Content)
	})

	t.Run("append to missing session", func(t *testing.T) {
		err := store.AppendMessage(ctx, "missing", NewUserMessage("hi"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateMessageByCorrelation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	s := New("", "u1", "en")
	require.NoError(t, store.Put(ctx, s))
	require.NoError(t, store.AppendMessage(ctx, s.ID, NewUserMessage("book me in")))

	pending := NewAssistantMessage("Checking available slots...", MessageMeta{
		Intent:        "appointment_booking",
		CorrelationID: "corr-1",
		Status:        StatusPending,
	})
	require.NoError(t, store.AppendMessage(ctx, s.ID, pending))

	t.Run("completion rewrites content and status", func(t *testing.T) {
		updated, err := store.UpdateMessageByCorrelation(ctx, s.ID, "corr-1", Completion{
			Content: "Slot reserved for 10:00 AM",
			Status:  StatusCompleted,
		})
		require.NoError(t, err)
		assert.True(t, updated)

		got, err := store.Get(ctx, s.ID)
		require.NoError(t, err)
		last := got.History[len(got.History)-1]
		assert.Equal(t, "Slot reserved for 10:00 AM", last.Content)
		assert.Equal(t, StatusCompleted, last.Metadata.Status)
		assert.Equal(t, "appointment_booking", last.Metadata.Intent)
	})

	t.Run("unknown correlation is a no-op", func(t *testing.T) {
		updated, err := store.UpdateMessageByCorrelation(ctx, s.ID, "corr-unknown", Completion{
			Content: "late",
			Status:  StatusCompleted,
		})
		require.NoError(t, err)
		assert.False(t, updated)
	})
}

func TestAppendPending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	s := New("", "u1", "en")
	require.NoError(t, store.Put(ctx, s))

	deadline := time.Now().Add(30 * time.Second)
	provisional := NewAssistantMessage("I'm processing your appointment request.", MessageMeta{
		Intent:        "appointment_booking",
		CorrelationID: "corr-9",
		Status:        StatusPending,
	})
	require.NoError(t, store.AppendPending(ctx, s.ID, provisional, PendingTask{
		TaskID:    "corr-9",
		TaskType:  "appointment_booking",
		Status:    TaskPending,
		CreatedAt: provisional.Timestamp,
		Deadline:  deadline,
	}))

	t.Run("task and intent recorded with the message", func(t *testing.T) {
		got, err := store.Get(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, got.History, 1)
		assert.Equal(t, "appointment_booking", got.CurrentIntent)

		task, ok := got.PendingTasks["corr-9"]
		require.True(t, ok)
		assert.Equal(t, "appointment_booking", task.TaskType)
		assert.Equal(t, TaskPending, task.Status)
	})

	t.Run("completion settles the task", func(t *testing.T) {
		updated, err := store.UpdateMessageByCorrelation(ctx, s.ID, "corr-9", Completion{
			Content: "Slot reserved for 10:00 AM",
			Status:  StatusCompleted,
		})
		require.NoError(t, err)
		assert.True(t, updated)

		got, err := store.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Empty(t, got.PendingTasks)
	})

	t.Run("append to missing session", func(t *testing.T) {
		err := store.AppendPending(ctx, "missing", provisional, PendingTask{TaskID: "corr-9"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute, 50)

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	s := New("", "u1", "en")
	require.NoError(t, store.Put(ctx, s))

	// Advance past the TTL
	store.SetClock(func() time.Time { return now.Add(time.Minute + time.Second) })

	_, err := store.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	count, err := store.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRecentTurns(t *testing.T) {
	s := New("", "u1", "en")
	s.Append(NewUserMessage("one"), 50)
	s.Append(NewAssistantMessage("two", MessageMeta{Status: StatusCompleted}), 50)
	s.Append(NewAssistantMessage("working...", MessageMeta{Status: StatusPending, CorrelationID: "c"}), 50)
	s.Append(NewUserMessage("three"), 50)

	turns := s.RecentTurns(3)
	require.Len(t, turns, 3)
	assert.Equal(t, "one", turns[0].Content)
	assert.Equal(t, "two", turns[1].Content)
	assert.Equal(t, "three", turns[2].Content)
}

func TestStoredSessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	s := New("", "u1", "en")
	require.NoError(t, store.Put(ctx, s))

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	got.History = append(got.History, NewUserMessage("mutated outside the store"))

	again, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, again.History)
}
