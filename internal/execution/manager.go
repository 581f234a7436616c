package execution

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// terminalJobGrace is how long a finished job stays visible in memory so
// late status polls still see the terminal state.
const terminalJobGrace = 30 * time.Second

// ProgressUpdate describes one status transition. Empty string fields leave
// the previous value in place.
type ProgressUpdate struct {
	Status      v1.ExecutionStatus
	Message     string
	Error       string
	WorktreeID  string
	WorkspaceID string
}

// Reporter is the executor's view of the manager: progress reporting and
// per-project serialization.
type Reporter interface {
	UpdateProgress(taskID string, update ProgressUpdate)
	AcquireProjectLock(projectID string)
	ReleaseProjectLock(projectID string)
}

// Executor runs one job to a terminal state, reporting transitions through
// the Reporter. Implementations must not panic on expected failures; a panic
// is treated as a failed execution by the manager.
type Executor interface {
	Execute(ctx context.Context, job *Job, reporter Reporter)
}

// Manager owns the execution queue, the concurrency cap and all status
// transitions. It is the single writer of execution progress.
type Manager struct {
	logger   *logger.Logger
	store    Store
	eventBus bus.EventBus
	executor Executor

	mu            sync.Mutex
	jobs          map[string]*Job
	queue         *fifoQueue
	running       int
	maxConcurrent int
	removalGrace  time.Duration

	lockMu       sync.Mutex
	projectLocks map[string]*sync.Mutex
}

// NewManager creates an execution manager. The executor may be nil in tests
// that only exercise queueing; Enqueue then fails jobs at start.
func NewManager(maxConcurrent int, executor Executor, store Store, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Manager{
		logger:        log.Named("execution-manager"),
		store:         store,
		eventBus:      eventBus,
		executor:      executor,
		jobs:          make(map[string]*Job),
		queue:         newFIFOQueue(),
		maxConcurrent: maxConcurrent,
		removalGrace:  terminalJobGrace,
		projectLocks:  make(map[string]*sync.Mutex),
	}
}

// Enqueue registers a task for execution. A task id that is already queued
// or running is left untouched; the duplicate request is logged and dropped.
func (m *Manager) Enqueue(task v1.Task, repoPath string) error {
	if task.ID == "" {
		return errors.BadRequest("task id is required")
	}
	if task.ProjectID == "" {
		return errors.BadRequest("project id is required")
	}

	m.mu.Lock()
	if _, exists := m.jobs[task.ID]; exists {
		m.mu.Unlock()
		m.logger.Info("task already tracked, ignoring enqueue",
			zap.String("task_id", task.ID))
		return nil
	}

	job := NewJob(task, repoPath)
	m.jobs[task.ID] = job
	m.mu.Unlock()

	m.logger.Info("task enqueued",
		zap.String("task_id", task.ID),
		zap.String("project_id", task.ProjectID))
	m.UpdateProgress(task.ID, ProgressUpdate{
		Status:  v1.ExecutionStatusPending,
		Message: "queued for execution",
	})

	m.mu.Lock()
	m.queue.Push(task.ID)
	m.drainLocked()
	m.mu.Unlock()
	return nil
}

// Cancel requests cancellation of an execution. A job that has not started
// yet is removed from the queue and finishes immediately; a running job is
// flagged and stops at the executor's next cancellation check.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	job, exists := m.jobs[taskID]
	if !exists {
		m.mu.Unlock()
		return errors.NotFound("task execution", taskID)
	}
	job.Cancel()
	wasQueued := m.queue.Remove(taskID)
	m.mu.Unlock()

	if wasQueued {
		m.logger.Info("cancelled queued task", zap.String("task_id", taskID))
		m.UpdateProgress(taskID, ProgressUpdate{
			Status:  v1.ExecutionStatusCancelled,
			Message: "cancelled before start",
		})
		return nil
	}

	m.logger.Info("cancellation requested for running task", zap.String("task_id", taskID))
	return nil
}

// Pause marks a running execution as paused. The flag is advisory only; the
// agent keeps running and the next progress update moves the status on.
func (m *Manager) Pause(taskID string) error {
	return m.setAdvisoryStatus(taskID, v1.ExecutionStatusRunning, v1.ExecutionStatusPaused)
}

// Resume clears an advisory pause.
func (m *Manager) Resume(taskID string) error {
	return m.setAdvisoryStatus(taskID, v1.ExecutionStatusPaused, v1.ExecutionStatusRunning)
}

func (m *Manager) setAdvisoryStatus(taskID string, from, to v1.ExecutionStatus) error {
	m.mu.Lock()
	job, exists := m.jobs[taskID]
	m.mu.Unlock()
	if !exists {
		return errors.NotFound("task execution", taskID)
	}
	if job.Snapshot().Status != from {
		return errors.Conflict("task execution is not " + string(from))
	}
	m.UpdateProgress(taskID, ProgressUpdate{Status: to})
	return nil
}

// SetMaxConcurrent changes the execution slot cap and drains the queue when
// the cap was raised.
func (m *Manager) SetMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.maxConcurrent = n
	m.drainLocked()
	m.mu.Unlock()
}

// GetProgress returns the live progress for a tracked job, falling back to
// the persisted row after the in-memory record is gone.
func (m *Manager) GetProgress(ctx context.Context, taskID string) (*v1.TaskExecutionProgress, error) {
	m.mu.Lock()
	job, exists := m.jobs[taskID]
	m.mu.Unlock()
	if exists {
		snapshot := job.Snapshot()
		return &snapshot, nil
	}
	if m.store == nil {
		return nil, errors.NotFound("task execution", taskID)
	}
	progress, err := m.store.GetProgress(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		return nil, errors.NotFound("task execution", taskID)
	}
	return progress, nil
}

// ListJobs returns a snapshot of all in-memory jobs.
func (m *Manager) ListJobs() []v1.TaskExecutionProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]v1.TaskExecutionProgress, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Snapshot())
	}
	return out
}

// Shutdown cancels every tracked job. Running executors observe the
// cancellation and finish; queued jobs are dropped.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.Unlock()
	for _, job := range jobs {
		job.Cancel()
	}
}

// UpdateProgress is the single mutation point for execution status. It
// merges the update, publishes the progress event, persists the denormalized
// board status and schedules in-memory removal once the state is terminal.
func (m *Manager) UpdateProgress(taskID string, update ProgressUpdate) {
	m.mu.Lock()
	job, exists := m.jobs[taskID]
	m.mu.Unlock()
	if !exists {
		m.logger.Warn("progress update for unknown job", zap.String("task_id", taskID))
		return
	}

	progress := job.applyUpdate(update, time.Now().UnixMilli())

	m.logger.Info("execution progress",
		zap.String("task_id", taskID),
		zap.String("status", string(progress.Status)),
		zap.String("message", progress.Message))

	m.publishProgress(&progress)

	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.store.UpsertProgress(ctx, &progress, v1.BoardStatusFor(progress.Status)); err != nil {
			m.logger.Error("failed to persist execution progress",
				zap.String("task_id", taskID), zap.Error(err))
		}
		cancel()
	}

	if progress.Status.IsTerminal() {
		time.AfterFunc(m.removalGrace, func() {
			m.mu.Lock()
			delete(m.jobs, taskID)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) publishProgress(progress *v1.TaskExecutionProgress) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(bus.SubjectTaskProgress, "execution-manager", map[string]any{
		"task_id":      progress.TaskID,
		"status":       string(progress.Status),
		"board_status": string(v1.BoardStatusFor(progress.Status)),
		"message":      progress.Message,
		"error":        progress.Error,
		"worktree_id":  progress.WorktreeID,
		"workspace_id": progress.WorkspaceID,
	})
	subject := bus.SubjectTaskProgress + "." + progress.TaskID
	if err := m.eventBus.Publish(context.Background(), subject, event); err != nil {
		m.logger.Warn("failed to publish progress event",
			zap.String("task_id", progress.TaskID), zap.Error(err))
	}
}

// AcquireProjectLock blocks until the per-project mutex is held. Worktree
// creation is the only critical section; the lock is never held across agent
// execution.
func (m *Manager) AcquireProjectLock(projectID string) {
	m.lockMu.Lock()
	lock, ok := m.projectLocks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		m.projectLocks[projectID] = lock
	}
	m.lockMu.Unlock()
	lock.Lock()
}

// ReleaseProjectLock releases the per-project mutex.
func (m *Manager) ReleaseProjectLock(projectID string) {
	m.lockMu.Lock()
	lock, ok := m.projectLocks[projectID]
	m.lockMu.Unlock()
	if ok {
		lock.Unlock()
	}
}

// drainLocked starts queued jobs while slots are free. Callers hold m.mu.
func (m *Manager) drainLocked() {
	for m.running < m.maxConcurrent {
		taskID, ok := m.queue.Pop()
		if !ok {
			return
		}
		job := m.jobs[taskID]
		if job == nil {
			continue
		}
		m.running++
		go m.runJob(job)
	}
}

// runJob drives one job through the executor, guaranteeing the slot is
// released and a panicking executor ends as a failed execution rather than
// crashing the process.
func (m *Manager) runJob(job *Job) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("executor panicked",
				zap.String("task_id", job.Task.ID), zap.Any("panic", r))
			m.UpdateProgress(job.Task.ID, ProgressUpdate{
				Status: v1.ExecutionStatusFailed,
				Error:  "internal error during execution",
			})
		}
		m.mu.Lock()
		m.running--
		m.drainLocked()
		m.mu.Unlock()
	}()

	if job.Cancelled() {
		if !job.Snapshot().Status.IsTerminal() {
			m.UpdateProgress(job.Task.ID, ProgressUpdate{
				Status:  v1.ExecutionStatusCancelled,
				Message: "cancelled before start",
			})
		}
		return
	}
	if m.executor == nil {
		m.UpdateProgress(job.Task.ID, ProgressUpdate{
			Status: v1.ExecutionStatusFailed,
			Error:  "no executor configured",
		})
		return
	}
	m.executor.Execute(job.Context(), job, m)
}
