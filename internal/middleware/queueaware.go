package middleware

import (
	"context"
	"sync"

	"github.com/openpaw/openpaw/internal/bus"
	"github.com/openpaw/openpaw/internal/queue"
	"github.com/openpaw/openpaw/internal/tools"
)

// SkipMarker is the synthetic result a steered tool call returns.
const SkipMarker = "[Skipped: user sent new message — redirecting]"

// QueueAwareMiddleware implements steer and interrupt: before each tool call
// it checks for messages that arrived after the turn started. Carries
// per-turn state; the processor calls SetContext before each run and Reset
// after, on every exit path.
type QueueAwareMiddleware struct {
	mu sync.Mutex

	manager    *queue.Manager
	sessionKey string
	mode       bus.QueueMode

	steered      bool
	pendingSteer []queue.Pending
}

func NewQueueAwareMiddleware() *QueueAwareMiddleware {
	return &QueueAwareMiddleware{}
}

// SetContext binds the middleware to the turn about to run.
func (m *QueueAwareMiddleware) SetContext(manager *queue.Manager, sessionKey string, mode bus.QueueMode) {
	m.mu.Lock()
	m.manager = manager
	m.sessionKey = sessionKey
	m.mode = mode
	m.steered = false
	m.pendingSteer = nil
	m.mu.Unlock()
}

// Reset clears the per-turn state.
func (m *QueueAwareMiddleware) Reset() {
	m.mu.Lock()
	m.manager = nil
	m.sessionKey = ""
	m.mode = ""
	m.steered = false
	m.pendingSteer = nil
	m.mu.Unlock()
}

// SteerState reports whether this turn was steered and the consumed messages.
func (m *QueueAwareMiddleware) SteerState() (bool, []queue.Pending) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steered, m.pendingSteer
}

func (m *QueueAwareMiddleware) Wrap(ctx context.Context, req Request, next Next) (*tools.Result, error) {
	m.mu.Lock()
	manager := m.manager
	sessionKey := m.sessionKey
	mode := m.mode
	alreadySteered := m.steered
	m.mu.Unlock()

	if manager == nil || mode == bus.ModeCollect || mode == bus.ModeFollowup {
		return next(ctx)
	}

	// Once steered, every remaining tool call in this turn is skipped
	// without re-consuming.
	if alreadySteered {
		return tools.SilentResult(SkipMarker), nil
	}

	if !manager.PeekPending(sessionKey) {
		return next(ctx)
	}

	switch mode {
	case bus.ModeInterrupt:
		pending := manager.ConsumePending(sessionKey)
		return nil, &InterruptSignal{Pending: pending}
	default: // steer, steer-backlog
		pending := manager.ConsumePending(sessionKey)
		m.mu.Lock()
		m.steered = true
		m.pendingSteer = pending
		m.mu.Unlock()
		return tools.SilentResult(SkipMarker), nil
	}
}
