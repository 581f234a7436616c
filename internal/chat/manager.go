package chat

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/common/stringutil"
	"github.com/agentdesk/agentdesk/internal/events/bus"
)

// Proxy is the subset of the streaming proxy API the manager needs.
type Proxy interface {
	CreateSession(ctx context.Context, sessionID, title string) error
	RegisterAgent(ctx context.Context, sessionID string, req StartRequest) error
	Stop(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// Manager owns the chat session lifecycle. A session is "active" while it
// has a registered agent on the proxy; the active set is in-memory only and
// rebuilt through restore calls after a restart.
type Manager struct {
	logger   *logger.Logger
	proxy    Proxy
	store    Store
	eventBus bus.EventBus

	mu     sync.Mutex
	active map[string]bool
}

// NewManager creates a chat session manager.
func NewManager(proxy Proxy, store Store, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		logger:   log.Named("chat-manager"),
		proxy:    proxy,
		store:    store,
		eventBus: eventBus,
		active:   make(map[string]bool),
	}
}

// StartSession performs the two-step proxy handshake (create session
// resource, register agent descriptor) and persists metadata. Idempotent
// for a session already marked active. A handshake failure leaves the
// session inactive with no partial state.
func (m *Manager) StartSession(ctx context.Context, req StartRequest) error {
	m.mu.Lock()
	if m.active[req.SessionID] {
		m.mu.Unlock()
		m.logger.Debug("session already active", zap.String("session_id", req.SessionID))
		return nil
	}
	m.mu.Unlock()

	if err := m.handshake(ctx, req); err != nil {
		return err
	}

	if err := m.store.Upsert(ctx, &SessionMeta{
		SessionID:   req.SessionID,
		WorkspaceID: req.WorkspaceID,
		Provider:    req.Provider,
		Title:       req.Title,
		Cwd:         req.Cwd,
	}); err != nil {
		m.logger.Error("failed to persist session metadata",
			zap.String("session_id", req.SessionID), zap.Error(err))
		return err
	}

	m.mu.Lock()
	m.active[req.SessionID] = true
	m.mu.Unlock()

	m.publishSessionEvent(req.SessionID, "started", nil)
	m.logger.Info("chat session started",
		zap.String("session_id", req.SessionID),
		zap.String("workspace_id", req.WorkspaceID))
	return nil
}

// RestoreSession re-registers a previously deactivated session with the
// proxy using its stored metadata.
func (m *Manager) RestoreSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if m.active[sessionID] {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	meta, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if meta == nil {
		return ErrSessionNotFound
	}

	req := StartRequest{
		SessionID:   meta.SessionID,
		WorkspaceID: meta.WorkspaceID,
		Provider:    meta.Provider,
		Title:       meta.Title,
		Cwd:         meta.Cwd,
	}
	if err := m.handshake(ctx, req); err != nil {
		return err
	}

	if err := m.store.TouchLastActive(ctx, sessionID); err != nil {
		m.logger.Warn("failed to touch session", zap.String("session_id", sessionID), zap.Error(err))
	}

	m.mu.Lock()
	m.active[sessionID] = true
	m.mu.Unlock()

	m.publishSessionEvent(sessionID, "restored", nil)
	m.logger.Info("chat session restored", zap.String("session_id", sessionID))
	return nil
}

// handshake performs the two proxy calls. Failure of either step emits an
// error event and returns the error without touching local state.
func (m *Manager) handshake(ctx context.Context, req StartRequest) error {
	if err := m.proxy.CreateSession(ctx, req.SessionID, req.Title); err != nil {
		m.publishSessionEvent(req.SessionID, "error", err)
		m.logger.Error("proxy session creation failed",
			zap.String("session_id", req.SessionID), zap.Error(err))
		return err
	}
	if err := m.proxy.RegisterAgent(ctx, req.SessionID, req); err != nil {
		m.publishSessionEvent(req.SessionID, "error", err)
		m.logger.Error("proxy agent registration failed",
			zap.String("session_id", req.SessionID), zap.Error(err))
		return err
	}
	return nil
}

// Interrupt asks the proxy to stop current work without tearing down the
// session. Best-effort: remote failures are logged, never propagated.
func (m *Manager) Interrupt(ctx context.Context, sessionID string) {
	if err := m.proxy.Stop(ctx, sessionID); err != nil {
		m.logger.Warn("interrupt failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// DeactivateSession soft-stops a session: stop proxy-side work, capture the
// provider's native session id for later resumption, and remove the session
// from the active set. The proxy-side resource is kept so the session can
// be restored.
func (m *Manager) DeactivateSession(ctx context.Context, sessionID, nativeSessionID string) {
	if err := m.proxy.Stop(ctx, sessionID); err != nil {
		m.logger.Warn("stop during deactivate failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	if nativeSessionID != "" {
		if err := m.store.SetNativeSessionID(ctx, sessionID, nativeSessionID); err != nil {
			m.logger.Warn("failed to store native session id",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	if err := m.store.TouchLastActive(ctx, sessionID); err != nil {
		m.logger.Warn("failed to touch session", zap.String("session_id", sessionID), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.active, sessionID)
	m.mu.Unlock()

	m.publishSessionEvent(sessionID, "deactivated", nil)
	m.logger.Info("chat session deactivated", zap.String("session_id", sessionID))
}

// DeleteSession hard-stops a session: stop work, delete the proxy-side
// resource and archive the metadata record. Remote failures are swallowed
// so deletion always completes locally.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if err := m.proxy.Stop(ctx, sessionID); err != nil {
		m.logger.Warn("stop during delete failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := m.proxy.DeleteSession(ctx, sessionID); err != nil {
		m.logger.Warn("proxy session delete failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	if err := m.store.Archive(ctx, sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.active, sessionID)
	m.mu.Unlock()

	m.publishSessionEvent(sessionID, "deleted", nil)
	m.logger.Info("chat session deleted", zap.String("session_id", sessionID))
	return nil
}

// RenameSession updates the session title.
func (m *Manager) RenameSession(ctx context.Context, sessionID, title string) error {
	return m.store.SetTitle(ctx, sessionID, title)
}

// UpdatePreview stores a truncated preview of the latest message.
func (m *Manager) UpdatePreview(ctx context.Context, sessionID, message string) error {
	return m.store.SetPreview(ctx, sessionID, stringutil.Preview(message, 120))
}

// GetSession returns session metadata.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*SessionMeta, error) {
	meta, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, ErrSessionNotFound
	}
	return meta, nil
}

// ListSessions returns sessions for a workspace.
func (m *Manager) ListSessions(ctx context.Context, workspaceID string, includeArchived bool) ([]*SessionMeta, error) {
	return m.store.List(ctx, workspaceID, includeArchived)
}

// IsActive reports whether a session is currently active.
func (m *Manager) IsActive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[sessionID]
}

func (m *Manager) publishSessionEvent(sessionID, eventType string, cause error) {
	if m.eventBus == nil {
		return
	}
	data := map[string]any{
		"session_id": sessionID,
		"event":      eventType,
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	event := bus.NewEvent(bus.SubjectChatSession, "chat-manager", data)
	if err := m.eventBus.Publish(context.Background(), bus.SubjectChatSession+"."+sessionID, event); err != nil {
		m.logger.Debug("failed to publish session event", zap.Error(err))
	}
}
