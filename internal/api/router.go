package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentdesk/agentdesk/internal/agent"
	"github.com/agentdesk/agentdesk/internal/chat"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/execution"
	"github.com/agentdesk/agentdesk/internal/pty"
	"github.com/agentdesk/agentdesk/internal/worktree"
)

// Dependencies carries everything the API surface needs.
type Dependencies struct {
	Executions *execution.Manager
	ExecStore  execution.Store
	Worktrees  *worktree.Manager
	Chats      *chat.Manager
	Broker     *agent.PermissionBroker
	Runner     *agent.Runner
	Bridge     *pty.Bridge
	EventBus   bus.EventBus
	Logger     *logger.Logger
}

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(deps.Logger))
	router.Use(RequestLogger(deps.Logger))
	router.Use(ErrorHandler(deps.Logger))
	router.Use(CORS())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	SetupRoutes(router.Group("/api/v1"), deps)
	return router
}

// SetupRoutes registers all API routes on the group.
func SetupRoutes(router *gin.RouterGroup, deps Dependencies) {
	handler := NewHandler(deps)
	terminals := NewTerminalHandler(deps.Bridge, deps.EventBus, deps.Logger)

	router.POST("/agent/turn", handler.RunAgentTurn)

	tasks := router.Group("/tasks")
	{
		tasks.POST("/:taskId/execute", handler.ExecuteTask)
		tasks.POST("/:taskId/cancel", handler.CancelExecution)
		tasks.POST("/:taskId/pause", handler.PauseExecution)
		tasks.POST("/:taskId/resume", handler.ResumeExecution)
		tasks.GET("/:taskId/execution", handler.GetExecution)
		tasks.GET("/:taskId/output", handler.GetExecutionOutput)
		tasks.GET("/:taskId/worktree", handler.GetTaskWorktree)
	}

	executions := router.Group("/executions")
	{
		executions.GET("", handler.ListExecutions)
		executions.PUT("/concurrency", handler.SetConcurrency)
	}

	projects := router.Group("/projects")
	{
		projects.GET("/:projectId/memory", handler.ListProjectMemory)
		projects.POST("/:projectId/memory", handler.AddProjectMemory)
	}

	worktrees := router.Group("/worktrees")
	{
		worktrees.GET("/:worktreeId/status", handler.GetWorktreeStatus)
		worktrees.DELETE("/:worktreeId", handler.RemoveWorktree)
	}

	sessions := router.Group("/chat/sessions")
	{
		sessions.POST("", handler.StartChatSession)
		sessions.GET("", handler.ListChatSessions)
		sessions.GET("/:sessionId", handler.GetChatSession)
		sessions.POST("/:sessionId/restore", handler.RestoreChatSession)
		sessions.POST("/:sessionId/interrupt", handler.InterruptChatSession)
		sessions.POST("/:sessionId/deactivate", handler.DeactivateChatSession)
		sessions.PUT("/:sessionId/title", handler.RenameChatSession)
		sessions.DELETE("/:sessionId", handler.DeleteChatSession)
	}

	permissions := router.Group("/permissions")
	{
		permissions.GET("", handler.ListPendingPermissions)
		permissions.POST("/:requestId", handler.ResolvePermission)
	}

	terminal := router.Group("/terminal")
	{
		terminal.POST("/:key", terminals.CreateTerminal)
		terminal.DELETE("/:key", terminals.KillTerminal)
		terminal.GET("/:key/ws", terminals.Attach)
	}
}
