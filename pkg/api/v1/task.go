// Package v1 contains the wire types exposed to the product UI.
package v1

// ExecutionStatus represents the fine-grained status of a task execution.
type ExecutionStatus string

const (
	ExecutionStatusPending          ExecutionStatus = "pending"
	ExecutionStatusInitializing     ExecutionStatus = "initializing"
	ExecutionStatusCreatingWorktree ExecutionStatus = "creating_worktree"
	ExecutionStatusRunning          ExecutionStatus = "running"
	ExecutionStatusPaused           ExecutionStatus = "paused"
	ExecutionStatusCompleted        ExecutionStatus = "completed"
	ExecutionStatusFailed           ExecutionStatus = "failed"
	ExecutionStatusCancelled        ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// BoardStatus is the coarser board-column status the UI renders.
type BoardStatus string

const (
	BoardStatusQueued     BoardStatus = "queued"
	BoardStatusInProgress BoardStatus = "in_progress"
	BoardStatusDone       BoardStatus = "done"
	BoardStatusFailed     BoardStatus = "failed"
	BoardStatusCancelled  BoardStatus = "cancelled"
)

// BoardStatusFor maps an execution status to its board column.
func BoardStatusFor(s ExecutionStatus) BoardStatus {
	switch s {
	case ExecutionStatusPending:
		return BoardStatusQueued
	case ExecutionStatusCompleted:
		return BoardStatusDone
	case ExecutionStatusFailed:
		return BoardStatusFailed
	case ExecutionStatusCancelled:
		return BoardStatusCancelled
	default:
		return BoardStatusInProgress
	}
}

// Task is the immutable task snapshot captured on enqueue.
type Task struct {
	ID          string `json:"id"`
	PlanID      string `json:"plan_id,omitempty"`
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// TaskExecutionProgress is the mutable progress view of one execution.
// Timestamps are epoch milliseconds so they round-trip exactly through
// persistence and the wire.
type TaskExecutionProgress struct {
	TaskID      string          `json:"task_id"`
	Status      ExecutionStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	WorktreeID  string          `json:"worktree_id,omitempty"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	StartedAt   int64           `json:"started_at,omitempty"`
	CompletedAt int64           `json:"completed_at,omitempty"`
}

// Workspace is the product-level handle over a worktree; it appears in the
// UI tab model.
type Workspace struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	ProjectID  string `json:"project_id"`
	WorktreeID string `json:"worktree_id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	CreatedAt  int64  `json:"created_at"`
}
