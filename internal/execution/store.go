package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// Store persists execution status, agent output and project memory.
type Store interface {
	UpsertProgress(ctx context.Context, progress *v1.TaskExecutionProgress, board v1.BoardStatus) error
	GetProgress(ctx context.Context, taskID string) (*v1.TaskExecutionProgress, error)
	AppendOutput(ctx context.Context, taskID, content string) error
	GetOutput(ctx context.Context, taskID string) (string, error)
	AddMemory(ctx context.Context, projectID, content string) error
	ListMemory(ctx context.Context, projectID string) ([]string, error)
	ReconcileInterrupted(ctx context.Context) (int, error)
}

// SQLiteStore is the sqlite-backed execution store.
type SQLiteStore struct {
	db *sqlx.DB
}

type executionRow struct {
	TaskID      string `db:"task_id"`
	Status      string `db:"status"`
	BoardStatus string `db:"board_status"`
	Message     string `db:"message"`
	Error       string `db:"error"`
	WorktreeID  string `db:"worktree_id"`
	WorkspaceID string `db:"workspace_id"`
	StartedAt   int64  `db:"started_at"`
	CompletedAt int64  `db:"completed_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

// NewSQLiteStore creates the execution store and its schema.
func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize execution schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_executions (
		task_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		board_status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		worktree_id TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_executions_status ON task_executions(status);

	CREATE TABLE IF NOT EXISTS execution_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_execution_logs_task ON execution_logs(task_id);

	CREATE TABLE IF NOT EXISTS project_memory (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_project_memory_project ON project_memory(project_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertProgress writes the execution row, including the denormalized board
// status the UI reads directly.
func (s *SQLiteStore) UpsertProgress(ctx context.Context, progress *v1.TaskExecutionProgress, board v1.BoardStatus) error {
	row := executionRow{
		TaskID:      progress.TaskID,
		Status:      string(progress.Status),
		BoardStatus: string(board),
		Message:     progress.Message,
		Error:       progress.Error,
		WorktreeID:  progress.WorktreeID,
		WorkspaceID: progress.WorkspaceID,
		StartedAt:   progress.StartedAt,
		CompletedAt: progress.CompletedAt,
		UpdatedAt:   time.Now().UnixMilli(),
	}
	query := `
	INSERT INTO task_executions (task_id, status, board_status, message, error, worktree_id, workspace_id, started_at, completed_at, updated_at)
	VALUES (:task_id, :status, :board_status, :message, :error, :worktree_id, :workspace_id, :started_at, :completed_at, :updated_at)
	ON CONFLICT(task_id) DO UPDATE SET
		status = excluded.status,
		board_status = excluded.board_status,
		message = excluded.message,
		error = excluded.error,
		worktree_id = excluded.worktree_id,
		workspace_id = excluded.workspace_id,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at,
		updated_at = excluded.updated_at`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to upsert execution progress: %w", err)
	}
	return nil
}

// GetProgress returns the persisted execution row, or nil when the task was
// never executed.
func (s *SQLiteStore) GetProgress(ctx context.Context, taskID string) (*v1.TaskExecutionProgress, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM task_executions WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution progress: %w", err)
	}
	return &v1.TaskExecutionProgress{
		TaskID:      row.TaskID,
		Status:      v1.ExecutionStatus(row.Status),
		Message:     row.Message,
		Error:       row.Error,
		WorktreeID:  row.WorktreeID,
		WorkspaceID: row.WorkspaceID,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
	}, nil
}

// AppendOutput appends an agent output segment for a task.
func (s *SQLiteStore) AppendOutput(ctx context.Context, taskID, content string) error {
	if content == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (task_id, content, created_at) VALUES (?, ?, ?)`,
		taskID, content, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append execution output: %w", err)
	}
	return nil
}

// GetOutput returns all recorded output for a task in append order.
func (s *SQLiteStore) GetOutput(ctx context.Context, taskID string) (string, error) {
	var segments []string
	err := s.db.SelectContext(ctx, &segments,
		`SELECT content FROM execution_logs WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return "", fmt.Errorf("failed to get execution output: %w", err)
	}
	return strings.Join(segments, ""), nil
}

// AddMemory records a shared project memory entry.
func (s *SQLiteStore) AddMemory(ctx context.Context, projectID, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_memory (project_id, content, created_at) VALUES (?, ?, ?)`,
		projectID, content, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to add project memory: %w", err)
	}
	return nil
}

// ListMemory returns a project's memory entries, oldest first.
func (s *SQLiteStore) ListMemory(ctx context.Context, projectID string) ([]string, error) {
	var entries []string
	err := s.db.SelectContext(ctx, &entries,
		`SELECT content FROM project_memory WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list project memory: %w", err)
	}
	return entries, nil
}

// ReconcileInterrupted marks executions left non-terminal by a previous
// process as failed. Jobs live only in memory, so any such row belongs to an
// execution that can no longer finish.
func (s *SQLiteStore) ReconcileInterrupted(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions
		SET status = ?, board_status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE status NOT IN (?, ?, ?)`,
		string(v1.ExecutionStatusFailed),
		string(v1.BoardStatusFailed),
		"execution interrupted by application restart",
		time.Now().UnixMilli(),
		time.Now().UnixMilli(),
		string(v1.ExecutionStatusCompleted),
		string(v1.ExecutionStatusFailed),
		string(v1.ExecutionStatusCancelled))
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile interrupted executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}
