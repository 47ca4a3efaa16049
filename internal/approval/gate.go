// Package approval holds pending tool-approval records and the
// recent-approval bypass that lets an approved tool re-run without
// prompting twice.
package approval

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action is what happens when an approval times out.
type Action string

const (
	ActionDeny    Action = "deny"
	ActionApprove Action = "approve"
)

// Pending is one outstanding approval request.
type Pending struct {
	ID         string
	ToolName   string
	ToolArgs   string
	SessionKey string
	ThreadID   string
	CreatedAt  time.Time

	mu       sync.Mutex
	resolved bool
	approved bool
	done     chan struct{}
	timer    *time.Timer
}

// Resolved reports the outcome once the done channel is closed.
func (p *Pending) Resolved() (resolved, approved bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved, p.approved
}

// Gate manages pending approvals for one workspace.
type Gate struct {
	timeout       time.Duration
	defaultAction Action

	mu      sync.Mutex
	pending map[string]*Pending
	// recent holds "<sessionKey>|<toolName>" bypass markers consumed by the
	// approval middleware on the next invocation of that tool.
	recent map[string]time.Time
}

// NewGate creates a gate. timeout <= 0 disables the timeout task.
func NewGate(timeout time.Duration, defaultAction Action) *Gate {
	if defaultAction == "" {
		defaultAction = ActionDeny
	}
	return &Gate{
		timeout:       timeout,
		defaultAction: defaultAction,
		pending:       make(map[string]*Pending),
		recent:        make(map[string]time.Time),
	}
}

func bypassKey(sessionKey, toolName string) string {
	return sessionKey + "|" + toolName
}

// RequestApproval registers a pending approval with an 8-char ID and starts
// its timeout task.
func (g *Gate) RequestApproval(toolName, toolArgs, sessionKey, threadID string) *Pending {
	p := &Pending{
		ID:         strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		ToolName:   toolName,
		ToolArgs:   toolArgs,
		SessionKey: sessionKey,
		ThreadID:   threadID,
		CreatedAt:  time.Now(),
		done:       make(chan struct{}),
	}

	g.mu.Lock()
	g.pending[p.ID] = p
	g.mu.Unlock()

	if g.timeout > 0 {
		id := p.ID
		p.timer = time.AfterFunc(g.timeout, func() {
			approved := g.defaultAction == ActionApprove
			if g.Resolve(id, approved) {
				slog.Info("approval timed out",
					"id", id, "tool", toolName, "default", string(g.defaultAction))
			}
		})
	}
	return p
}

// Resolve sets the outcome and signals waiters. Denied entries are removed
// immediately; approved entries arm the recent-approval bypass. Returns false
// if the ID is unknown or already resolved.
func (g *Gate) Resolve(id string, approved bool) bool {
	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.pending, id)
	if approved {
		g.recent[bypassKey(p.SessionKey, p.ToolName)] = time.Now()
	}
	g.mu.Unlock()

	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return false
	}
	p.resolved = true
	p.approved = approved
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.done)
	p.mu.Unlock()
	return true
}

// WaitForResolution blocks until the approval is resolved and returns the
// outcome.
func (g *Gate) WaitForResolution(p *Pending) bool {
	<-p.done
	_, approved := p.Resolved()
	return approved
}

// Get looks up a pending approval by ID. Resolved approvals are gone.
func (g *Gate) Get(id string) (*Pending, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	return p, ok
}

// HasRecentApproval reports whether a bypass exists for (sessionKey, tool).
func (g *Gate) HasRecentApproval(sessionKey, toolName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.recent[bypassKey(sessionKey, toolName)]
	return ok
}

// ConsumeRecentApproval clears the bypass after the tool has run.
func (g *Gate) ConsumeRecentApproval(sessionKey, toolName string) {
	g.mu.Lock()
	delete(g.recent, bypassKey(sessionKey, toolName))
	g.mu.Unlock()
}

// PendingIDs returns the outstanding approval IDs, oldest first not
// guaranteed.
func (g *Gate) PendingIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	return ids
}

// ResolveLatest resolves the single pending approval for a session, for
// bare "/approve" replies. Errors when zero or more than one is pending.
func (g *Gate) ResolveLatest(sessionKey string, approved bool) (string, error) {
	g.mu.Lock()
	var match *Pending
	count := 0
	for _, p := range g.pending {
		if p.SessionKey == sessionKey {
			match = p
			count++
		}
	}
	g.mu.Unlock()

	if count == 0 {
		return "", fmt.Errorf("no pending approvals")
	}
	if count > 1 {
		return "", fmt.Errorf("%d approvals pending, specify an id", count)
	}
	g.Resolve(match.ID, approved)
	return match.ID, nil
}

// Cleanup resolves all outstanding approvals with the default action and
// stops their timers. Runs during shutdown.
func (g *Gate) Cleanup() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	approved := g.defaultAction == ActionApprove
	for _, id := range ids {
		g.Resolve(id, approved)
	}

	g.mu.Lock()
	g.recent = make(map[string]time.Time)
	g.mu.Unlock()
}
