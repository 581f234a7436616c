// Package pty provides the terminal session bridge: one interactive shell
// process per running task, with scrollback capture and attach semantics.
package pty

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
)

var (
	// ErrSessionNotFound is returned for operations on an unknown session key.
	ErrSessionNotFound = errors.New("terminal session not found")

	// ErrSessionDead is returned for operations on an exited session.
	ErrSessionDead = errors.New("terminal session is dead")
)

// SessionOptions configures a new terminal session.
type SessionOptions struct {
	// WorkingDir is the directory the shell starts in.
	WorkingDir string

	// Cols and Rows set the initial terminal size.
	Cols uint16
	Rows uint16

	// ShellCommand overrides the detected login shell binary.
	ShellCommand string

	// Command, when set, is run through the login shell (-l -c). When empty
	// an interactive login shell is started instead.
	Command string
}

// Snapshot is the serialized state returned by Attach.
type Snapshot struct {
	Content string `json:"content"`
	Alive   bool   `json:"alive"`
	Cols    uint16 `json:"cols"`
	Rows    uint16 `json:"rows"`
}

// Bridge owns the mapping from a logical session key (the task id) to a
// single shell process. At most one session exists per key; creating a
// second tears down its predecessor.
type Bridge struct {
	logger   *logger.Logger
	eventBus bus.EventBus

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewBridge creates a terminal session bridge publishing data/exit events
// on the given bus.
func NewBridge(eventBus bus.EventBus, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Default()
	}
	return &Bridge{
		logger:   log.Named("pty-bridge"),
		eventBus: eventBus,
		sessions: make(map[string]*Session),
	}
}

// CreateSession spawns a shell session for key. Any existing session for
// the same key is torn down first. The lock is held across teardown, spawn
// and insert so concurrent creates for the same key cannot both pass the
// existence check and strand a live process outside the map.
func (b *Bridge) CreateSession(key string, opts SessionOptions) (*Session, error) {
	if opts.Cols == 0 {
		opts.Cols = 80
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.sessions[key]; ok {
		b.logger.Info("replacing existing terminal session", zap.String("session_key", key))
		existing.kill()
		delete(b.sessions, key)
	}

	onData := func(data []byte) { b.publishData(key, data) }
	onExit := func(exitCode int, signal string) { b.publishExit(key, exitCode, signal) }

	session, err := startSession(key, opts, onData, onExit, b.logger)
	if err != nil {
		return nil, err
	}
	b.sessions[key] = session
	return session, nil
}

// Get returns the session for key, if any.
func (b *Bridge) Get(key string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[key]
	return s, ok
}

// Write forwards input to the session's shell.
func (b *Bridge) Write(key string, data []byte) error {
	s, ok := b.Get(key)
	if !ok {
		return ErrSessionNotFound
	}
	_, err := s.Write(data)
	return err
}

// Resize resizes the session's PTY and scrollback emulator.
func (b *Bridge) Resize(key string, cols, rows uint16) error {
	s, ok := b.Get(key)
	if !ok {
		return ErrSessionNotFound
	}
	return s.Resize(cols, rows)
}

// Attach returns a scrollback snapshot plus liveness for reconnecting
// observers.
func (b *Bridge) Attach(key string) (*Snapshot, error) {
	s, ok := b.Get(key)
	if !ok {
		return nil, ErrSessionNotFound
	}
	cols, rows := s.Size()
	return &Snapshot{
		Content: s.Scrollback(),
		Alive:   s.Alive(),
		Cols:    cols,
		Rows:    rows,
	}, nil
}

// KillSession terminates the session for key and removes its bookkeeping.
// Idempotent: unknown or already-dead keys succeed.
func (b *Bridge) KillSession(key string) error {
	b.mu.Lock()
	s, ok := b.sessions[key]
	if ok {
		delete(b.sessions, key)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}

	s.kill()
	b.logger.Info("killed terminal session", zap.String("session_key", key))
	return nil
}

// KillAll terminates every session. Called on shutdown.
func (b *Bridge) KillAll() {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()

	for _, s := range sessions {
		s.kill()
	}
	if len(sessions) > 0 {
		b.logger.Info("killed all terminal sessions", zap.Int("count", len(sessions)))
	}
}

// publishData emits a data event for the session. Output bytes are base64
// encoded because terminal output is not guaranteed valid UTF-8.
func (b *Bridge) publishData(key string, data []byte) {
	if b.eventBus == nil {
		return
	}
	event := bus.NewEvent(bus.SubjectTerminalData, "pty-bridge", map[string]any{
		"session_key": key,
		"data":        base64.StdEncoding.EncodeToString(data),
	})
	if err := b.eventBus.Publish(context.Background(), bus.SubjectTerminalData+"."+key, event); err != nil {
		b.logger.Debug("failed to publish terminal data", zap.Error(err))
	}
}

// publishExit emits an exit event with the process exit code and signal.
func (b *Bridge) publishExit(key string, exitCode int, signal string) {
	if b.eventBus == nil {
		return
	}
	event := bus.NewEvent(bus.SubjectTerminalExit, "pty-bridge", map[string]any{
		"session_key": key,
		"exit_code":   exitCode,
		"signal":      signal,
	})
	if err := b.eventBus.Publish(context.Background(), bus.SubjectTerminalExit+"."+key, event); err != nil {
		b.logger.Debug("failed to publish terminal exit", zap.Error(err))
	}
}
