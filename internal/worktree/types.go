package worktree

// Worktree statuses.
const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// Worktree is a git worktree created for exactly one task.
// Timestamps are epoch milliseconds.
type Worktree struct {
	ID         string `db:"id" json:"id"`
	TaskID     string `db:"task_id" json:"task_id"`
	ProjectID  string `db:"project_id" json:"project_id"`
	RepoPath   string `db:"repo_path" json:"repo_path"`
	Path       string `db:"path" json:"path"`
	Branch     string `db:"branch" json:"branch"`
	BaseBranch string `db:"base_branch" json:"base_branch"`
	Status     string `db:"status" json:"status"`
	CreatedAt  int64  `db:"created_at" json:"created_at"`
	UpdatedAt  int64  `db:"updated_at" json:"updated_at"`
	DeletedAt  *int64 `db:"deleted_at" json:"deleted_at,omitempty"`
}

// CreateRequest describes a worktree creation for a task.
type CreateRequest struct {
	TaskID    string
	ProjectID string
	TaskTitle string
	RepoPath  string
}

// Validate checks that the request has the required fields.
func (r *CreateRequest) Validate() error {
	if r.TaskID == "" {
		return ErrInvalidRequest("task_id is required")
	}
	if r.ProjectID == "" {
		return ErrInvalidRequest("project_id is required")
	}
	if r.RepoPath == "" {
		return ErrInvalidRequest("repo_path is required")
	}
	return nil
}

// ErrInvalidRequest is a validation error for a create request.
type ErrInvalidRequest string

func (e ErrInvalidRequest) Error() string { return "invalid worktree request: " + string(e) }
