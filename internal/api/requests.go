package api

// ExecuteTaskRequest starts an execution for a task.
type ExecuteTaskRequest struct {
	ProjectID   string `json:"project_id" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	PlanID      string `json:"plan_id"`
	RepoPath    string `json:"repo_path" binding:"required"`
}

// SetConcurrencyRequest changes the execution slot cap at runtime.
type SetConcurrencyRequest struct {
	MaxConcurrent int `json:"max_concurrent" binding:"required,min=1"`
}

// AddMemoryRequest records a shared project memory entry.
type AddMemoryRequest struct {
	Content string `json:"content" binding:"required"`
}

// StartChatSessionRequest starts or restores a proxied chat session.
type StartChatSessionRequest struct {
	SessionID   string `json:"session_id" binding:"required"`
	WorkspaceID string `json:"workspace_id"`
	Provider    string `json:"provider" binding:"required"`
	Title       string `json:"title"`
	Cwd         string `json:"cwd"`
	PaneID      string `json:"pane_id"`
	TabID       string `json:"tab_id"`
}

// DeactivateChatSessionRequest soft-closes a session, keeping the proxy
// resource for later restore.
type DeactivateChatSessionRequest struct {
	NativeSessionID string `json:"native_session_id"`
}

// RenameChatSessionRequest changes a session title.
type RenameChatSessionRequest struct {
	Title string `json:"title" binding:"required"`
}

// RunAgentTurnRequest starts one agent turn in a workspace directory.
type RunAgentTurnRequest struct {
	SessionID   string   `json:"session_id" binding:"required"`
	Prompt      string   `json:"prompt" binding:"required"`
	WorkingDir  string   `json:"working_dir" binding:"required"`
	Model       string   `json:"model"`
	AutoApprove bool     `json:"auto_approve"`
	Allowed     []string `json:"allowed_tools"`
	Disallowed  []string `json:"disallowed_tools"`
}

// ResolvePermissionRequest answers a pending tool permission.
type ResolvePermissionRequest struct {
	Behavior string `json:"behavior" binding:"required,oneof=allow deny"`
	Message  string `json:"message"`
}
