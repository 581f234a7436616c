package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/pty"
)

const (
	wsWriteTimeout = 10 * time.Second

	// outboundBuffer bounds the per-connection send queue. A client that
	// stops reading is disconnected rather than allowed to block the bus.
	outboundBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API binds to loopback for the desktop shell; origin checks add
	// nothing there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// asInt reads a numeric event field; the NATS bus delivers numbers as
// float64 after the JSON round trip, the in-memory bus keeps Go ints.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

// terminalClientMessage is what the UI sends over the socket.
type terminalClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"` // base64 for input
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// terminalServerMessage is what the server pushes to the UI.
type terminalServerMessage struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"` // snapshot text
	Data     string `json:"data,omitempty"`    // base64 output
	Alive    bool   `json:"alive,omitempty"`
	Cols     uint16 `json:"cols,omitempty"`
	Rows     uint16 `json:"rows,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// TerminalHandler bridges websocket connections to PTY sessions.
type TerminalHandler struct {
	logger   *logger.Logger
	bridge   *pty.Bridge
	eventBus bus.EventBus
}

// NewTerminalHandler creates the websocket terminal handler.
func NewTerminalHandler(bridge *pty.Bridge, eventBus bus.EventBus, log *logger.Logger) *TerminalHandler {
	return &TerminalHandler{
		logger:   log.Named("terminal-ws"),
		bridge:   bridge,
		eventBus: eventBus,
	}
}

// CreateTerminal spawns an interactive shell session for a key.
// POST /api/v1/terminal/:key
func (h *TerminalHandler) CreateTerminal(c *gin.Context) {
	var req struct {
		WorkingDir string `json:"working_dir"`
		Cols       uint16 `json:"cols"`
		Rows       uint16 `json:"rows"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	session, err := h.bridge.CreateSession(c.Param("key"), pty.SessionOptions{
		WorkingDir: req.WorkingDir,
		Cols:       req.Cols,
		Rows:       req.Rows,
	})
	if err != nil {
		appErr := errors.InternalError("failed to create terminal session", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": c.Param("key"), "pid": session.Pid()})
}

// KillTerminal tears down a session.
// DELETE /api/v1/terminal/:key
func (h *TerminalHandler) KillTerminal(c *gin.Context) {
	_ = h.bridge.KillSession(c.Param("key"))
	c.Status(http.StatusNoContent)
}

// Attach streams a PTY session over a websocket. The first message is a
// scrollback snapshot; afterwards output, input and resizes flow until
// either side closes.
// GET /api/v1/terminal/:key/ws
func (h *TerminalHandler) Attach(c *gin.Context) {
	key := c.Param("key")

	snapshot, err := h.bridge.Attach(key)
	if err != nil {
		appErr := errors.NotFound("terminal session", key)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("session_key", key), zap.Error(err))
		return
	}

	log := h.logger.WithFields(zap.String("session_key", key))
	outbound := make(chan terminalServerMessage, outboundBuffer)
	done := make(chan struct{})

	outbound <- terminalServerMessage{
		Type:    "snapshot",
		Content: snapshot.Content,
		Alive:   snapshot.Alive,
		Cols:    snapshot.Cols,
		Rows:    snapshot.Rows,
	}

	enqueue := func(msg terminalServerMessage) {
		select {
		case outbound <- msg:
		default:
			log.Warn("terminal client too slow, dropping connection")
			conn.Close()
		}
	}

	dataSub, err := h.eventBus.Subscribe(bus.SubjectTerminalData+"."+key, func(ctx context.Context, event *bus.Event) error {
		data, _ := event.Data["data"].(string)
		enqueue(terminalServerMessage{Type: "data", Data: data})
		return nil
	})
	if err != nil {
		log.Error("failed to subscribe to terminal data", zap.Error(err))
		conn.Close()
		return
	}
	defer dataSub.Unsubscribe()

	exitSub, err := h.eventBus.Subscribe(bus.SubjectTerminalExit+"."+key, func(ctx context.Context, event *bus.Event) error {
		exitCode := asInt(event.Data["exit_code"])
		signal, _ := event.Data["signal"].(string)
		enqueue(terminalServerMessage{Type: "exit", ExitCode: exitCode, Signal: signal})
		return nil
	})
	if err != nil {
		log.Error("failed to subscribe to terminal exit", zap.Error(err))
		conn.Close()
		return
	}
	defer exitSub.Unsubscribe()

	// Single writer goroutine; gorilla connections allow one concurrent
	// writer only.
	go func() {
		for {
			select {
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					conn.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg terminalClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug("ignoring malformed terminal message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case "input":
			data, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				continue
			}
			if err := h.bridge.Write(key, data); err != nil {
				log.Debug("terminal write failed", zap.Error(err))
			}
		case "resize":
			if msg.Cols > 0 && msg.Rows > 0 {
				if err := h.bridge.Resize(key, msg.Cols, msg.Rows); err != nil {
					log.Debug("terminal resize failed", zap.Error(err))
				}
			}
		}
	}

	close(done)
	conn.Close()
}
