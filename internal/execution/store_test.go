package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

func TestStoreProgressRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	progress := &v1.TaskExecutionProgress{
		TaskID:      "task-1",
		Status:      v1.ExecutionStatusRunning,
		Message:     "agent running",
		WorktreeID:  "wt-1",
		WorkspaceID: "ws-1",
		StartedAt:   1700000000000,
	}
	require.NoError(t, store.UpsertProgress(ctx, progress, v1.BoardStatusFor(progress.Status)))

	got, err := store.GetProgress(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusRunning, got.Status)
	assert.Equal(t, "wt-1", got.WorktreeID)
	assert.Equal(t, int64(1700000000000), got.StartedAt)

	// Upsert replaces the row.
	progress.Status = v1.ExecutionStatusCompleted
	progress.CompletedAt = 1700000005000
	require.NoError(t, store.UpsertProgress(ctx, progress, v1.BoardStatusFor(progress.Status)))

	got, err = store.GetProgress(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, int64(1700000005000), got.CompletedAt)
}

func TestStoreGetProgressMissing(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetProgress(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreOutputAppendOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, segment := range []string{"first ", "second ", "third"} {
		require.NoError(t, store.AppendOutput(ctx, "task-1", segment))
	}
	require.NoError(t, store.AppendOutput(ctx, "task-2", "other task"))

	got, err := store.GetOutput(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "first second third", got)
}

func TestStoreProjectMemory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddMemory(ctx, "proj-1", "use pnpm, not npm"))
	require.NoError(t, store.AddMemory(ctx, "proj-1", "tests live under ./e2e"))
	require.NoError(t, store.AddMemory(ctx, "proj-2", "unrelated"))

	entries, err := store.ListMemory(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"use pnpm, not npm", "tests live under ./e2e"}, entries)
}

func TestStoreReconcileInterrupted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rows := []struct {
		taskID string
		status v1.ExecutionStatus
	}{
		{"task-running", v1.ExecutionStatusRunning},
		{"task-creating", v1.ExecutionStatusCreatingWorktree},
		{"task-done", v1.ExecutionStatusCompleted},
		{"task-cancelled", v1.ExecutionStatusCancelled},
	}
	for _, r := range rows {
		progress := &v1.TaskExecutionProgress{TaskID: r.taskID, Status: r.status}
		require.NoError(t, store.UpsertProgress(ctx, progress, v1.BoardStatusFor(r.status)))
	}

	n, err := store.ReconcileInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, taskID := range []string{"task-running", "task-creating"} {
		got, err := store.GetProgress(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, v1.ExecutionStatusFailed, got.Status, taskID)
		assert.NotEmpty(t, got.Error, taskID)
		assert.NotZero(t, got.CompletedAt, taskID)
	}

	got, err := store.GetProgress(ctx, "task-done")
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusCompleted, got.Status, "terminal row must be untouched")
}

func TestFIFOQueue(t *testing.T) {
	q := newFIFOQueue()
	q.Push("a")
	q.Push("b")
	q.Push("c")
	q.Push("b") // duplicate ignored

	require.Equal(t, 3, q.Len())
	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"), "removing twice must report false")

	id, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", id)
	id, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "c", id)
	_, ok = q.Pop()
	assert.False(t, ok, "queue should be empty")
}
