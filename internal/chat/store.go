package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store persists chat session metadata.
type Store interface {
	Upsert(ctx context.Context, meta *SessionMeta) error
	Get(ctx context.Context, sessionID string) (*SessionMeta, error)
	List(ctx context.Context, workspaceID string, includeArchived bool) ([]*SessionMeta, error)
	SetNativeSessionID(ctx context.Context, sessionID, nativeSessionID string) error
	SetTitle(ctx context.Context, sessionID, title string) error
	SetPreview(ctx context.Context, sessionID, preview string) error
	TouchLastActive(ctx context.Context, sessionID string) error
	Archive(ctx context.Context, sessionID string) error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite-backed chat session store and ensures
// its table exists.
func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize chat schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		session_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		native_session_id TEXT,
		title TEXT NOT NULL DEFAULT '',
		cwd TEXT NOT NULL DEFAULT '',
		message_preview TEXT NOT NULL DEFAULT '',
		archived INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chat_sessions_workspace_id ON chat_sessions(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_archived ON chat_sessions(archived);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert creates or updates a session record.
func (s *SQLiteStore) Upsert(ctx context.Context, meta *SessionMeta) error {
	now := time.Now().UnixMilli()
	if meta.CreatedAt == 0 {
		meta.CreatedAt = now
	}
	if meta.LastActiveAt == 0 {
		meta.LastActiveAt = now
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO chat_sessions (
			session_id, workspace_id, provider, native_session_id, title, cwd,
			message_preview, archived, created_at, last_active_at
		) VALUES (
			:session_id, :workspace_id, :provider, :native_session_id, :title, :cwd,
			:message_preview, :archived, :created_at, :last_active_at
		)
		ON CONFLICT(session_id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			provider = excluded.provider,
			title = excluded.title,
			cwd = excluded.cwd,
			last_active_at = excluded.last_active_at
	`, meta)
	return err
}

// Get retrieves a session record. Returns nil without error when no row
// matches.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*SessionMeta, error) {
	meta := &SessionMeta{}
	err := s.db.GetContext(ctx, meta, s.db.Rebind(`
		SELECT * FROM chat_sessions WHERE session_id = ?
	`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// List returns sessions for a workspace, most recently active first.
func (s *SQLiteStore) List(ctx context.Context, workspaceID string, includeArchived bool) ([]*SessionMeta, error) {
	query := `SELECT * FROM chat_sessions WHERE workspace_id = ?`
	if !includeArchived {
		query += ` AND archived = 0`
	}
	query += ` ORDER BY last_active_at DESC`

	var result []*SessionMeta
	if err := s.db.SelectContext(ctx, &result, s.db.Rebind(query), workspaceID); err != nil {
		return nil, err
	}
	return result, nil
}

// SetNativeSessionID records the provider's native session id for resumption.
func (s *SQLiteStore) SetNativeSessionID(ctx context.Context, sessionID, nativeSessionID string) error {
	return s.exec(ctx, `UPDATE chat_sessions SET native_session_id = ? WHERE session_id = ?`,
		nativeSessionID, sessionID)
}

// SetTitle renames a session.
func (s *SQLiteStore) SetTitle(ctx context.Context, sessionID, title string) error {
	return s.exec(ctx, `UPDATE chat_sessions SET title = ? WHERE session_id = ?`, title, sessionID)
}

// SetPreview updates the message preview shown in session lists.
func (s *SQLiteStore) SetPreview(ctx context.Context, sessionID, preview string) error {
	return s.exec(ctx, `UPDATE chat_sessions SET message_preview = ? WHERE session_id = ?`,
		preview, sessionID)
}

// TouchLastActive updates the session's last activity timestamp.
func (s *SQLiteStore) TouchLastActive(ctx context.Context, sessionID string) error {
	return s.exec(ctx, `UPDATE chat_sessions SET last_active_at = ? WHERE session_id = ?`,
		time.Now().UnixMilli(), sessionID)
}

// Archive marks a session archived. Records are never hard-deleted.
func (s *SQLiteStore) Archive(ctx context.Context, sessionID string) error {
	return s.exec(ctx, `UPDATE chat_sessions SET archived = 1, last_active_at = ? WHERE session_id = ?`,
		time.Now().UnixMilli(), sessionID)
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
