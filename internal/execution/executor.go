package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/pty"
	"github.com/agentdesk/agentdesk/internal/worktree"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// Standing instructions appended to every task prompt. The agent commits its
// own work and reports blockers instead of guessing.
const (
	commitInstruction = "When the task is done, commit your changes with a concise message describing the work."

	blockerInstruction = "If you are blocked or need information that is not available, stop and describe the blocker instead of guessing."
)

// TaskExecutorConfig configures the task executor.
type TaskExecutorConfig struct {
	// AgentBinary is the agent CLI launched inside the worktree.
	AgentBinary string

	// AgentModel is forwarded to the agent CLI when set.
	AgentModel string

	// PollInterval is how often the run loop checks for completion,
	// cancellation and timeout.
	PollInterval time.Duration

	// HardTimeout is the per-execution ceiling.
	HardTimeout time.Duration
}

// TaskExecutor runs one task: it creates the isolated worktree, launches the
// agent in a PTY and drives the execution to a terminal state.
type TaskExecutor struct {
	logger    *logger.Logger
	config    TaskExecutorConfig
	worktrees *worktree.Manager
	bridge    *pty.Bridge
	store     Store
	eventBus  bus.EventBus
}

// NewTaskExecutor creates a task executor.
func NewTaskExecutor(cfg TaskExecutorConfig, worktrees *worktree.Manager, bridge *pty.Bridge, store Store, eventBus bus.EventBus, log *logger.Logger) *TaskExecutor {
	if log == nil {
		log = logger.Default()
	}
	if cfg.AgentBinary == "" {
		cfg.AgentBinary = "claude"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = 10 * time.Minute
	}
	return &TaskExecutor{
		logger:    log.Named("task-executor"),
		config:    cfg,
		worktrees: worktrees,
		bridge:    bridge,
		store:     store,
		eventBus:  eventBus,
	}
}

// SessionKey returns the PTY session key for a task execution.
func SessionKey(taskID string) string { return "task-" + taskID }

// Execute runs the job to a terminal state. Cancellation is checked before
// and after every step that can suspend; a cancelled job keeps its worktree
// so the user can inspect partial work.
func (e *TaskExecutor) Execute(ctx context.Context, job *Job, reporter Reporter) {
	taskID := job.Task.ID
	log := e.logger.WithTaskID(taskID)

	reporter.UpdateProgress(taskID, ProgressUpdate{
		Status:  v1.ExecutionStatusInitializing,
		Message: "preparing execution",
	})
	if job.Cancelled() {
		e.finishCancelled(reporter, taskID, "cancelled before start")
		return
	}

	// Worktree creation is the only section serialized per project. The lock
	// is released as soon as the records are durable, never held across the
	// agent run.
	reporter.AcquireProjectLock(job.Task.ProjectID)
	locked := true
	defer func() {
		if locked {
			reporter.ReleaseProjectLock(job.Task.ProjectID)
		}
	}()

	reporter.UpdateProgress(taskID, ProgressUpdate{
		Status:  v1.ExecutionStatusCreatingWorktree,
		Message: "creating isolated worktree",
	})
	wt, ws, err := e.worktrees.Create(ctx, worktree.CreateRequest{
		TaskID:    taskID,
		ProjectID: job.Task.ProjectID,
		TaskTitle: job.Task.Title,
		RepoPath:  job.RepoPath,
	})
	reporter.ReleaseProjectLock(job.Task.ProjectID)
	locked = false
	if err != nil {
		// A cancel mid-creation kills the git command through the job
		// context; that is a cancellation, not a failure.
		if job.Cancelled() {
			e.finishCancelled(reporter, taskID, "cancelled during worktree creation")
			return
		}
		log.Error("worktree creation failed", zap.Error(err))
		reporter.UpdateProgress(taskID, ProgressUpdate{
			Status: v1.ExecutionStatusFailed,
			Error:  "failed to create worktree: " + err.Error(),
		})
		return
	}
	reporter.UpdateProgress(taskID, ProgressUpdate{
		Status:      v1.ExecutionStatusCreatingWorktree,
		Message:     "worktree ready",
		WorktreeID:  wt.ID,
		WorkspaceID: ws.ID,
	})

	if job.Cancelled() {
		// Nothing ran yet, so the worktree holds no work worth keeping.
		e.removeWorktree(wt.ID, log)
		e.finishCancelled(reporter, taskID, "cancelled before agent start")
		return
	}

	prompt := e.buildPrompt(ctx, job)
	command := e.agentCommand(prompt)

	session, err := e.bridge.CreateSession(SessionKey(taskID), pty.SessionOptions{
		WorkingDir: wt.Path,
		Command:    command,
	})
	if err != nil {
		e.removeWorktree(wt.ID, log)
		if job.Cancelled() {
			e.finishCancelled(reporter, taskID, "cancelled before agent start")
			return
		}
		log.Error("failed to start agent session", zap.Error(err))
		reporter.UpdateProgress(taskID, ProgressUpdate{
			Status: v1.ExecutionStatusFailed,
			Error:  "failed to start agent session: " + err.Error(),
		})
		return
	}

	reporter.UpdateProgress(taskID, ProgressUpdate{
		Status:  v1.ExecutionStatusRunning,
		Message: "agent running",
	})
	log.Info("agent session started",
		zap.String("worktree_path", wt.Path),
		zap.Int("pid", session.Pid()))

	e.waitForCompletion(job, session, wt, reporter, log)
}

// waitForCompletion polls the agent session until it exits, the job is
// cancelled or the hard timeout expires.
func (e *TaskExecutor) waitForCompletion(job *Job, session *pty.Session, wt *worktree.Worktree, reporter Reporter, log *logger.Logger) {
	taskID := job.Task.ID
	deadline := time.Now().Add(e.config.HardTimeout)
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for range ticker.C {
		if job.Cancelled() {
			// Kill once; the worktree is kept so partial work stays
			// inspectable.
			_ = e.bridge.KillSession(SessionKey(taskID))
			e.captureOutput(taskID, session)
			e.finishCancelled(reporter, taskID, "cancelled while running")
			return
		}

		if !session.Alive() {
			exitCode, signal := session.ExitStatus()
			e.captureOutput(taskID, session)
			if exitCode == 0 && signal == "" {
				reporter.UpdateProgress(taskID, ProgressUpdate{
					Status:  v1.ExecutionStatusCompleted,
					Message: "agent finished",
				})
				return
			}
			log.Warn("agent exited abnormally",
				zap.Int("exit_code", exitCode), zap.String("signal", signal))
			e.removeWorktree(wt.ID, log)
			reporter.UpdateProgress(taskID, ProgressUpdate{
				Status: v1.ExecutionStatusFailed,
				Error:  mapAgentFailure(exitCode, signal, session.Scrollback()),
			})
			return
		}

		if time.Now().After(deadline) {
			log.Warn("agent execution timed out",
				zap.Duration("hard_timeout", e.config.HardTimeout))
			_ = e.bridge.KillSession(SessionKey(taskID))
			e.captureOutput(taskID, session)
			e.removeWorktree(wt.ID, log)
			reporter.UpdateProgress(taskID, ProgressUpdate{
				Status: v1.ExecutionStatusFailed,
				Error:  fmt.Sprintf("execution exceeded the %s time limit", e.config.HardTimeout),
			})
			return
		}
	}
}

func (e *TaskExecutor) finishCancelled(reporter Reporter, taskID, message string) {
	reporter.UpdateProgress(taskID, ProgressUpdate{
		Status:  v1.ExecutionStatusCancelled,
		Message: message,
	})
}

// removeWorktree cleans up best-effort; a cleanup failure never changes the
// execution outcome.
func (e *TaskExecutor) removeWorktree(worktreeID string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.worktrees.Remove(ctx, worktreeID); err != nil {
		log.Warn("worktree cleanup failed",
			zap.String("worktree_id", worktreeID), zap.Error(err))
	}
}

// captureOutput records the session scrollback and publishes it for live
// consumers.
func (e *TaskExecutor) captureOutput(taskID string, session *pty.Session) {
	output := session.Scrollback()
	if output == "" {
		return
	}
	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.store.AppendOutput(ctx, taskID, output); err != nil {
			e.logger.Warn("failed to record agent output",
				zap.String("task_id", taskID), zap.Error(err))
		}
		cancel()
	}
	if e.eventBus != nil {
		event := bus.NewEvent(bus.SubjectTaskOutput, "task-executor", map[string]any{
			"task_id": taskID,
			"content": output,
		})
		subject := bus.SubjectTaskOutput + "." + taskID
		if err := e.eventBus.Publish(context.Background(), subject, event); err != nil {
			e.logger.Warn("failed to publish agent output",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}
}

// buildPrompt assembles the agent prompt from the task snapshot, shared
// project memory and the standing instructions.
func (e *TaskExecutor) buildPrompt(ctx context.Context, job *Job) string {
	var b strings.Builder
	b.WriteString("# Task: ")
	b.WriteString(job.Task.Title)
	b.WriteString("\n")
	if job.Task.Description != "" {
		b.WriteString("\n")
		b.WriteString(job.Task.Description)
		b.WriteString("\n")
	}

	if e.store != nil {
		entries, err := e.store.ListMemory(ctx, job.Task.ProjectID)
		if err != nil {
			e.logger.Warn("failed to load project memory",
				zap.String("project_id", job.Task.ProjectID), zap.Error(err))
		} else if len(entries) > 0 {
			b.WriteString("\n## Project notes\n")
			for _, entry := range entries {
				b.WriteString("- ")
				b.WriteString(entry)
				b.WriteString("\n")
			}
		}
	}

	b.WriteString("\n## Instructions\n")
	b.WriteString("- ")
	b.WriteString(commitInstruction)
	b.WriteString("\n- ")
	b.WriteString(blockerInstruction)
	b.WriteString("\n")
	return b.String()
}

// agentCommand builds the shell command line the PTY's login shell runs.
func (e *TaskExecutor) agentCommand(prompt string) string {
	var b strings.Builder
	b.WriteString(e.config.AgentBinary)
	if e.config.AgentModel != "" {
		b.WriteString(" --model ")
		b.WriteString(shellQuote(e.config.AgentModel))
	}
	b.WriteString(" -p ")
	b.WriteString(shellQuote(prompt))
	return b.String()
}

// shellQuote wraps s in single quotes for a POSIX shell, escaping embedded
// single quotes by closing, emitting an escaped quote and reopening.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// mapAgentFailure turns an abnormal exit into an actionable message.
func mapAgentFailure(exitCode int, signal, output string) string {
	if signal != "" {
		return fmt.Sprintf("agent process terminated by signal %s", signal)
	}
	if exitCode == 127 || strings.Contains(output, "command not found") {
		return "agent executable not found; check the agent binary configuration"
	}
	return fmt.Sprintf("agent exited with code %d", exitCode)
}
