package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// MemoryEventBus implements EventBus with in-process delivery. It is the
// default bus for the single-process desktop deployment. Events are passed
// to handlers by pointer without serialization, so typed Data values survive
// the trip.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySubscription
	nextID uint64
	logger *logger.Logger
	closed bool
}

type memorySubscription struct {
	id      uint64
	bus     *MemoryEventBus
	tokens  []string
	handler EventHandler
	active  atomic.Bool
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.active.Store(false)

	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	return s.active.Load()
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[uint64]*memorySubscription),
		logger: log,
	}
}

// Publish delivers an event to every matching subscriber. Each handler runs
// in its own goroutine; a slow handler never blocks the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	parts := strings.Split(subject, ".")
	for _, sub := range b.subs {
		if !sub.active.Load() || !matchTokens(sub.tokens, parts) {
			continue
		}
		go func(s *memorySubscription) {
			if err := s.handler(ctx, event); err != nil {
				b.logger.Error("event handler error",
					zap.String("subject", subject),
					zap.Error(err))
			}
		}(sub)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	b.nextID++
	sub := &memorySubscription{
		id:      b.nextID,
		bus:     b,
		tokens:  strings.Split(subject, "."),
		handler: handler,
	}
	sub.active.Store(true)
	b.subs[sub.id] = sub

	b.logger.Debug("subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close deactivates every subscription and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.active.Store(false)
	}
	b.subs = make(map[uint64]*memorySubscription)
}

// IsConnected returns true unless the bus has been closed.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matchTokens matches subject tokens against a pattern with NATS-style
// wildcards: "*" matches exactly one token, ">" matches one or more
// trailing tokens.
func matchTokens(pattern, subject []string) bool {
	for i, tok := range pattern {
		if tok == ">" {
			return i < len(subject)
		}
		if i >= len(subject) {
			return false
		}
		if tok != "*" && tok != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
