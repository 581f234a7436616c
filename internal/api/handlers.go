package api

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/agent"
	"github.com/agentdesk/agentdesk/internal/chat"
	"github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/execution"
	"github.com/agentdesk/agentdesk/internal/worktree"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// Handler holds the HTTP handlers for task execution, chat sessions,
// worktrees and tool permissions.
type Handler struct {
	logger     *logger.Logger
	executions *execution.Manager
	execStore  execution.Store
	worktrees  *worktree.Manager
	chats      *chat.Manager
	broker     *agent.PermissionBroker
	runner     *agent.Runner
	eventBus   bus.EventBus
}

// NewHandler creates the API handler.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		logger:     deps.Logger,
		executions: deps.Executions,
		execStore:  deps.ExecStore,
		worktrees:  deps.Worktrees,
		chats:      deps.Chats,
		broker:     deps.Broker,
		runner:     deps.Runner,
		eventBus:   deps.EventBus,
	}
}

func (h *Handler) renderError(c *gin.Context, err error) {
	var appErr *errors.AppError
	switch {
	case stderrors.As(err, &appErr):
	case stderrors.Is(err, chat.ErrSessionNotFound):
		appErr = errors.NotFound("chat session", "")
	case stderrors.Is(err, worktree.ErrWorktreeNotFound):
		appErr = errors.NotFound("worktree", "")
	default:
		appErr = errors.InternalError(err.Error(), err)
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	})
}

// Execution endpoints

// ExecuteTask enqueues a task execution.
// POST /api/v1/tasks/:taskId/execute
func (h *Handler) ExecuteTask(c *gin.Context) {
	taskID := c.Param("taskId")

	var req ExecuteTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	task := v1.Task{
		ID:          taskID,
		PlanID:      req.PlanID,
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
	}
	if err := h.executions.Enqueue(task, req.RepoPath); err != nil {
		h.renderError(c, err)
		return
	}

	// Duplicate requests land here too: enqueueing an already-tracked task
	// is a no-op and the existing execution keeps going.
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

// CancelExecution requests cancellation of an execution.
// POST /api/v1/tasks/:taskId/cancel
func (h *Handler) CancelExecution(c *gin.Context) {
	if err := h.executions.Cancel(c.Param("taskId")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": c.Param("taskId")})
}

// PauseExecution marks a running execution as paused (advisory).
// POST /api/v1/tasks/:taskId/pause
func (h *Handler) PauseExecution(c *gin.Context) {
	if err := h.executions.Pause(c.Param("taskId")); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ResumeExecution clears an advisory pause.
// POST /api/v1/tasks/:taskId/resume
func (h *Handler) ResumeExecution(c *gin.Context) {
	if err := h.executions.Resume(c.Param("taskId")); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetExecution returns the progress of an execution.
// GET /api/v1/tasks/:taskId/execution
func (h *Handler) GetExecution(c *gin.Context) {
	progress, err := h.executions.GetProgress(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// GetExecutionOutput returns the recorded agent output for a task.
// GET /api/v1/tasks/:taskId/output
func (h *Handler) GetExecutionOutput(c *gin.Context) {
	output, err := h.execStore.GetOutput(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.logger.Error("failed to read execution output", zap.Error(err))
		h.renderError(c, errors.InternalError("failed to read execution output", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": c.Param("taskId"), "output": output})
}

// ListExecutions returns all in-memory executions.
// GET /api/v1/executions
func (h *Handler) ListExecutions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"executions": h.executions.ListJobs()})
}

// SetConcurrency changes the execution slot cap.
// PUT /api/v1/executions/concurrency
func (h *Handler) SetConcurrency(c *gin.Context) {
	var req SetConcurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.executions.SetMaxConcurrent(req.MaxConcurrent)
	c.JSON(http.StatusOK, gin.H{"max_concurrent": req.MaxConcurrent})
}

// Project memory endpoints

// AddProjectMemory appends a shared memory entry for a project.
// POST /api/v1/projects/:projectId/memory
func (h *Handler) AddProjectMemory(c *gin.Context) {
	var req AddMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := h.execStore.AddMemory(c.Request.Context(), c.Param("projectId"), req.Content); err != nil {
		h.renderError(c, errors.InternalError("failed to add project memory", err))
		return
	}
	c.Status(http.StatusCreated)
}

// ListProjectMemory returns a project's shared memory entries.
// GET /api/v1/projects/:projectId/memory
func (h *Handler) ListProjectMemory(c *gin.Context) {
	entries, err := h.execStore.ListMemory(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		h.renderError(c, errors.InternalError("failed to list project memory", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Worktree endpoints

// GetTaskWorktree returns the most recent active worktree for a task.
// GET /api/v1/tasks/:taskId/worktree
func (h *Handler) GetTaskWorktree(c *gin.Context) {
	wt, err := h.worktrees.GetByTaskID(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		appErr := errors.NotFound("worktree for task", c.Param("taskId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, wt)
}

// GetWorktreeStatus returns branch, head commit and uncommitted changes of
// a worktree.
// GET /api/v1/worktrees/:worktreeId/status
func (h *Handler) GetWorktreeStatus(c *gin.Context) {
	status, err := h.worktrees.Status(c.Request.Context(), c.Param("worktreeId"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// RemoveWorktree removes a worktree directory and marks the record deleted.
// DELETE /api/v1/worktrees/:worktreeId
func (h *Handler) RemoveWorktree(c *gin.Context) {
	if err := h.worktrees.Remove(c.Request.Context(), c.Param("worktreeId")); err != nil {
		appErr := errors.NotFound("worktree", c.Param("worktreeId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// Chat session endpoints

// StartChatSession activates a proxied chat session.
// POST /api/v1/chat/sessions
func (h *Handler) StartChatSession(c *gin.Context) {
	var req StartChatSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	err := h.chats.StartSession(c.Request.Context(), chat.StartRequest{
		SessionID:   req.SessionID,
		WorkspaceID: req.WorkspaceID,
		Provider:    req.Provider,
		Title:       req.Title,
		Cwd:         req.Cwd,
		PaneID:      req.PaneID,
		TabID:       req.TabID,
	})
	if err != nil {
		h.renderError(c, errors.InternalError("failed to start chat session", err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": req.SessionID})
}

// ListChatSessions lists chat sessions for a workspace.
// GET /api/v1/chat/sessions?workspace_id=...&include_archived=...
func (h *Handler) ListChatSessions(c *gin.Context) {
	includeArchived := c.Query("include_archived") == "true"
	sessions, err := h.chats.ListSessions(c.Request.Context(), c.Query("workspace_id"), includeArchived)
	if err != nil {
		h.renderError(c, errors.InternalError("failed to list chat sessions", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetChatSession returns one chat session.
// GET /api/v1/chat/sessions/:sessionId
func (h *Handler) GetChatSession(c *gin.Context) {
	meta, err := h.chats.GetSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		appErr := errors.NotFound("chat session", c.Param("sessionId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, meta)
}

// RestoreChatSession re-activates a previously deactivated session.
// POST /api/v1/chat/sessions/:sessionId/restore
func (h *Handler) RestoreChatSession(c *gin.Context) {
	if err := h.chats.RestoreSession(c.Request.Context(), c.Param("sessionId")); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// InterruptChatSession asks the proxy to stop the current agent turn.
// POST /api/v1/chat/sessions/:sessionId/interrupt
func (h *Handler) InterruptChatSession(c *gin.Context) {
	h.chats.Interrupt(c.Request.Context(), c.Param("sessionId"))
	c.Status(http.StatusAccepted)
}

// DeactivateChatSession soft-closes a session.
// POST /api/v1/chat/sessions/:sessionId/deactivate
func (h *Handler) DeactivateChatSession(c *gin.Context) {
	var req DeactivateChatSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.chats.DeactivateSession(c.Request.Context(), c.Param("sessionId"), req.NativeSessionID)
	c.Status(http.StatusNoContent)
}

// DeleteChatSession archives a session and tears down its proxy resource.
// DELETE /api/v1/chat/sessions/:sessionId
func (h *Handler) DeleteChatSession(c *gin.Context) {
	if err := h.chats.DeleteSession(c.Request.Context(), c.Param("sessionId")); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RenameChatSession updates a session title.
// PUT /api/v1/chat/sessions/:sessionId/title
func (h *Handler) RenameChatSession(c *gin.Context) {
	var req RenameChatSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := h.chats.RenameSession(c.Request.Context(), c.Param("sessionId"), req.Title); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Agent endpoints

// RunAgentTurn starts one agent turn. The turn runs in the background and
// streams normalized chunks over the event bus; the HTTP response only
// acknowledges the start.
// POST /api/v1/agent/turn
func (h *Handler) RunAgentTurn(c *gin.Context) {
	var req RunAgentTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	subject := bus.SubjectAgentChunk + "." + req.SessionID
	sink := func(chunk *agent.Chunk) {
		event := bus.NewEvent(bus.SubjectAgentChunk, "agent-runner", map[string]any{
			"session_id": req.SessionID,
			"chunk":      chunk,
		})
		if err := h.eventBus.Publish(context.Background(), subject, event); err != nil {
			h.logger.Warn("failed to publish agent chunk", zap.Error(err))
		}
	}

	go func() {
		err := h.runner.ExecuteAgent(context.Background(), agent.ExecuteParams{
			SessionID:       req.SessionID,
			Prompt:          req.Prompt,
			WorkingDir:      req.WorkingDir,
			Model:           req.Model,
			AutoApprove:     req.AutoApprove,
			AllowedTools:    req.Allowed,
			DisallowedTools: req.Disallowed,
			Sink:            sink,
		})
		if err != nil {
			h.logger.Error("agent turn failed",
				zap.String("session_id", req.SessionID), zap.Error(err))
			event := bus.NewEvent(bus.SubjectAgentError, "agent-runner", map[string]any{
				"session_id": req.SessionID,
				"error":      err.Error(),
			})
			if pubErr := h.eventBus.Publish(context.Background(), bus.SubjectAgentError+"."+req.SessionID, event); pubErr != nil {
				h.logger.Warn("failed to publish agent error", zap.Error(pubErr))
			}
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"session_id": req.SessionID})
}

// Permission endpoints

// ListPendingPermissions returns the tool permissions waiting for a
// decision.
// GET /api/v1/permissions
func (h *Handler) ListPendingPermissions(c *gin.Context) {
	pending := h.broker.Pending()
	out := make([]gin.H, 0, len(pending))
	for _, p := range pending {
		out = append(out, gin.H{
			"id":         p.ID,
			"tool_name":  p.ToolName,
			"input":      p.Input,
			"created_at": p.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"permissions": out})
}

// ResolvePermission answers a pending tool permission. Answering twice, or
// after the timeout, is rejected.
// POST /api/v1/permissions/:requestId
func (h *Handler) ResolvePermission(c *gin.Context) {
	var req ResolvePermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	decision := agent.DecisionDeny
	if req.Behavior == "allow" {
		decision = agent.DecisionAllow
	}
	if !h.broker.Resolve(c.Param("requestId"), decision, req.Message) {
		appErr := errors.NotFound("pending permission", c.Param("requestId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}
