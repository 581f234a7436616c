// Package chat manages the lifecycle of chat sessions executed by an
// external durable-streaming proxy. The proxy holds canonical session state;
// this package owns the handshake, local activity tracking and metadata
// persistence.
package chat

import "errors"

var (
	// ErrSessionNotFound is returned when no metadata exists for a session.
	ErrSessionNotFound = errors.New("chat session not found")
)

// SessionMeta is the persisted chat session record. Sessions are archived on
// delete, never erased, so history survives. Timestamps are epoch
// milliseconds.
type SessionMeta struct {
	SessionID       string  `db:"session_id" json:"session_id"`
	WorkspaceID     string  `db:"workspace_id" json:"workspace_id"`
	Provider        string  `db:"provider" json:"provider"`
	NativeSessionID *string `db:"native_session_id" json:"native_session_id,omitempty"`
	Title           string  `db:"title" json:"title"`
	Cwd             string  `db:"cwd" json:"cwd"`
	MessagePreview  string  `db:"message_preview" json:"message_preview,omitempty"`
	Archived        bool    `db:"archived" json:"archived"`
	CreatedAt       int64   `db:"created_at" json:"created_at"`
	LastActiveAt    int64   `db:"last_active_at" json:"last_active_at"`
}

// StartRequest describes a session to start or restore.
type StartRequest struct {
	SessionID   string `json:"session_id"`
	WorkspaceID string `json:"workspace_id"`
	Provider    string `json:"provider"`
	Title       string `json:"title"`
	Cwd         string `json:"cwd"`

	// Optional UI correlation ids forwarded to the proxy's agent descriptor.
	PaneID string `json:"pane_id,omitempty"`
	TabID  string `json:"tab_id,omitempty"`
}
