package agent

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// Decision is the outcome of a permission request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Resolution is the final outcome of a pending permission.
type Resolution struct {
	Decision Decision
	Message  string
	TimedOut bool
	Aborted  bool
}

// PendingPermission is a tool-permission request awaiting a human decision.
// It resolves exactly once: the first of allow, deny, timeout or abort wins
// and later resolvers are no-ops. Timeouts resolve to deny, failing closed.
type PendingPermission struct {
	ID        string
	ToolName  string
	Input     map[string]any
	CreatedAt time.Time

	once  sync.Once
	ch    chan Resolution
	timer *time.Timer
}

// Wait returns a channel delivering the single resolution.
func (p *PendingPermission) Wait() <-chan Resolution {
	return p.ch
}

// Resolve attempts to resolve the permission. Returns true when this call
// won the race.
func (p *PendingPermission) Resolve(res Resolution) bool {
	resolved := false
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- res
		resolved = true
	})
	return resolved
}

// PermissionBroker tracks pending permissions by id so UI handlers can
// resolve them out of band.
type PermissionBroker struct {
	logger  *logger.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*PendingPermission
}

// NewPermissionBroker creates a broker with the given default-deny timeout.
func NewPermissionBroker(timeout time.Duration, log *logger.Logger) *PermissionBroker {
	if log == nil {
		log = logger.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &PermissionBroker{
		logger:  log.Named("permission-broker"),
		timeout: timeout,
		pending: make(map[string]*PendingPermission),
	}
}

// Create registers a pending permission. The timeout timer starts
// immediately and resolves to deny when it fires first.
func (b *PermissionBroker) Create(id, toolName string, input map[string]any) *PendingPermission {
	p := &PendingPermission{
		ID:        id,
		ToolName:  toolName,
		Input:     input,
		CreatedAt: time.Now(),
		ch:        make(chan Resolution, 1),
	}
	p.timer = time.AfterFunc(b.timeout, func() {
		if p.Resolve(Resolution{
			Decision: DecisionDeny,
			Message:  "permission request timed out",
			TimedOut: true,
		}) {
			b.logger.Warn("permission request timed out, denied",
				zap.String("request_id", id),
				zap.String("tool", toolName))
		}
		b.remove(id)
	})

	b.mu.Lock()
	b.pending[id] = p
	b.mu.Unlock()
	return p
}

// Resolve resolves a pending permission by id. Returns false for unknown or
// already-resolved ids.
func (b *PermissionBroker) Resolve(id string, decision Decision, message string) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return false
	}

	won := p.Resolve(Resolution{Decision: decision, Message: message})
	b.remove(id)
	return won
}

// Abort resolves a pending permission as denied due to cancellation.
// Returns false for unknown or already-resolved ids.
func (b *PermissionBroker) Abort(id string) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return false
	}

	won := p.Resolve(Resolution{Decision: DecisionDeny, Message: "run aborted", Aborted: true})
	b.remove(id)
	return won
}

// AbortAll resolves every pending permission as denied. Called when a run is
// cancelled.
func (b *PermissionBroker) AbortAll() {
	b.mu.Lock()
	pending := make([]*PendingPermission, 0, len(b.pending))
	for _, p := range b.pending {
		pending = append(pending, p)
	}
	b.pending = make(map[string]*PendingPermission)
	b.mu.Unlock()

	for _, p := range pending {
		p.Resolve(Resolution{Decision: DecisionDeny, Message: "run aborted", Aborted: true})
	}
}

// Pending lists the currently pending permissions.
func (b *PermissionBroker) Pending() []*PendingPermission {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]*PendingPermission, 0, len(b.pending))
	for _, p := range b.pending {
		result = append(result, p)
	}
	return result
}

func (b *PermissionBroker) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
