package worktree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite-backed worktree store and ensures its
// tables exist.
func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize worktree schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS worktrees (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		repo_path TEXT NOT NULL,
		path TEXT NOT NULL,
		branch TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_worktrees_task_id ON worktrees(task_id);
	CREATE INDEX IF NOT EXISTS idx_worktrees_project_id ON worktrees(project_id);
	CREATE INDEX IF NOT EXISTS idx_worktrees_status ON worktrees(status);

	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		worktree_id TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workspaces_task_id ON workspaces(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateWorktree persists a new worktree record.
func (s *SQLiteStore) CreateWorktree(ctx context.Context, wt *Worktree) error {
	if wt.Status == "" {
		wt.Status = StatusActive
	}
	now := time.Now().UnixMilli()
	if wt.CreatedAt == 0 {
		wt.CreatedAt = now
	}
	if wt.UpdatedAt == 0 {
		wt.UpdatedAt = now
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO worktrees (
			id, task_id, project_id, repo_path, path, branch, base_branch,
			status, created_at, updated_at, deleted_at
		) VALUES (
			:id, :task_id, :project_id, :repo_path, :path, :branch, :base_branch,
			:status, :created_at, :updated_at, :deleted_at
		)
	`, wt)
	return err
}

// GetWorktreeByID retrieves a worktree by its unique ID. Returns nil without
// error when no row matches.
func (s *SQLiteStore) GetWorktreeByID(ctx context.Context, id string) (*Worktree, error) {
	wt := &Worktree{}
	err := s.db.GetContext(ctx, wt, s.db.Rebind(`
		SELECT * FROM worktrees WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return wt, nil
}

// GetWorktreeByTaskID retrieves the most recent active worktree for a task.
func (s *SQLiteStore) GetWorktreeByTaskID(ctx context.Context, taskID string) (*Worktree, error) {
	wt := &Worktree{}
	err := s.db.GetContext(ctx, wt, s.db.Rebind(`
		SELECT * FROM worktrees
		WHERE task_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1
	`), taskID, StatusActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return wt, nil
}

// UpdateWorktree updates an existing worktree record.
func (s *SQLiteStore) UpdateWorktree(ctx context.Context, wt *Worktree) error {
	wt.UpdatedAt = time.Now().UnixMilli()

	result, err := s.db.NamedExecContext(ctx, `
		UPDATE worktrees SET
			repo_path = :repo_path, path = :path, branch = :branch,
			base_branch = :base_branch, status = :status,
			updated_at = :updated_at, deleted_at = :deleted_at
		WHERE id = :id
	`, wt)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("worktree not found: %s", wt.ID)
	}
	return nil
}

// ListActiveWorktrees returns all worktrees with status 'active'.
func (s *SQLiteStore) ListActiveWorktrees(ctx context.Context) ([]*Worktree, error) {
	var result []*Worktree
	err := s.db.SelectContext(ctx, &result, s.db.Rebind(`
		SELECT * FROM worktrees WHERE status = ? ORDER BY created_at DESC
	`), StatusActive)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreateWorkspace persists a workspace record.
func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *v1.Workspace) error {
	if ws.CreatedAt == 0 {
		ws.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO workspaces (id, task_id, project_id, worktree_id, name, path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), ws.ID, ws.TaskID, ws.ProjectID, ws.WorktreeID, ws.Name, ws.Path, ws.CreatedAt)
	return err
}

// GetWorkspaceByID retrieves a workspace by ID. Returns nil without error
// when no row matches.
func (s *SQLiteStore) GetWorkspaceByID(ctx context.Context, id string) (*v1.Workspace, error) {
	row := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		SELECT id, task_id, project_id, worktree_id, name, path, created_at
		FROM workspaces WHERE id = ?
	`), id)

	ws := &v1.Workspace{}
	err := row.Scan(&ws.ID, &ws.TaskID, &ws.ProjectID, &ws.WorktreeID, &ws.Name, &ws.Path, &ws.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// DeleteWorkspace removes a workspace record.
func (s *SQLiteStore) DeleteWorkspace(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM workspaces WHERE id = ?`), id)
	return err
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
