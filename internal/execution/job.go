package execution

import (
	"context"
	"sync"
	"sync/atomic"

	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// Job is the in-memory record of one task execution. The task snapshot is
// immutable after enqueue; progress is mutated only through the manager's
// UpdateProgress.
type Job struct {
	// Task is the snapshot captured at enqueue time. Later edits to the task
	// do not affect a queued or running execution.
	Task v1.Task

	// RepoPath is the main repository the worktree is created from.
	RepoPath string

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool

	mu       sync.Mutex
	progress v1.TaskExecutionProgress
}

// NewJob creates a job in the pending state.
func NewJob(task v1.Task, repoPath string) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		Task:     task,
		RepoPath: repoPath,
		ctx:      ctx,
		cancel:   cancel,
		progress: v1.TaskExecutionProgress{
			TaskID: task.ID,
			Status: v1.ExecutionStatusPending,
		},
	}
}

// Context is cancelled when the job is cancelled or the manager shuts down.
func (j *Job) Context() context.Context { return j.ctx }

// Cancel flags the job as cancelled and cancels its context. Safe to call
// more than once.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
	j.cancel()
}

// Cancelled reports whether cancellation was requested. For a running job
// this is advisory; the executor observes it at its next check point.
func (j *Job) Cancelled() bool { return j.cancelled.Load() }

// Snapshot returns a copy of the current progress.
func (j *Job) Snapshot() v1.TaskExecutionProgress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// applyUpdate merges an update into the progress under the job lock and
// returns the resulting snapshot. Only the manager calls this.
func (j *Job) applyUpdate(update ProgressUpdate, now int64) v1.TaskExecutionProgress {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.progress.Status == v1.ExecutionStatusPending && update.Status != v1.ExecutionStatusPending {
		j.progress.StartedAt = now
	}
	j.progress.Status = update.Status
	if update.Message != "" {
		j.progress.Message = update.Message
	}
	if update.Error != "" {
		j.progress.Error = update.Error
	}
	if update.WorktreeID != "" {
		j.progress.WorktreeID = update.WorktreeID
	}
	if update.WorkspaceID != "" {
		j.progress.WorkspaceID = update.WorkspaceID
	}
	if update.Status.IsTerminal() && j.progress.CompletedAt == 0 {
		j.progress.CompletedAt = now
	}
	return j.progress
}
