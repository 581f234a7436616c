// Package bus provides the event bus used as the observability sink:
// every component publishes its progress/output/data/exit/error events here
// and the gateway fans them out to connected clients.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known subjects published by the orchestration core.
const (
	SubjectTaskProgress   = "task.execution.progress"
	SubjectTaskOutput     = "task.execution.output"
	SubjectTerminalData   = "terminal.data"
	SubjectTerminalExit   = "terminal.exit"
	SubjectChatSession    = "chat.session"
	SubjectAgentChunk     = "agent.chunk"
	SubjectAgentError     = "agent.error"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // Component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns use NATS-style wildcards: * (single token) and > (rest).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
