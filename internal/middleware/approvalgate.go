package middleware

import (
	"context"
	"sync"

	"github.com/openpaw/openpaw/internal/approval"
	"github.com/openpaw/openpaw/internal/tools"
)

// GatedTool is the per-tool approval config.
type GatedTool struct {
	RequireApproval bool
	ShowArgs        bool
}

// ApprovalMiddleware pauses gated tools behind user approval. A recent
// approval for (session, tool) bypasses the gate exactly once, which is what
// makes the approval→re-run pattern work without double-prompting.
type ApprovalMiddleware struct {
	gated map[string]GatedTool

	mu         sync.Mutex
	gate       *approval.Gate
	sessionKey string
	threadID   string
}

func NewApprovalMiddleware(gated map[string]GatedTool) *ApprovalMiddleware {
	return &ApprovalMiddleware{gated: gated}
}

// SetContext binds the middleware to the turn about to run.
func (m *ApprovalMiddleware) SetContext(gate *approval.Gate, sessionKey, threadID string) {
	m.mu.Lock()
	m.gate = gate
	m.sessionKey = sessionKey
	m.threadID = threadID
	m.mu.Unlock()
}

// Reset clears the per-turn state.
func (m *ApprovalMiddleware) Reset() {
	m.mu.Lock()
	m.gate = nil
	m.sessionKey = ""
	m.threadID = ""
	m.mu.Unlock()
}

// ShowArgs reports whether the tool's args should appear in approval UI.
func (m *ApprovalMiddleware) ShowArgs(toolName string) bool {
	cfg, ok := m.gated[toolName]
	return ok && cfg.ShowArgs
}

func (m *ApprovalMiddleware) Wrap(ctx context.Context, req Request, next Next) (*tools.Result, error) {
	cfg, gated := m.gated[req.ToolName]
	if !gated || !cfg.RequireApproval {
		return next(ctx)
	}

	m.mu.Lock()
	gate := m.gate
	sessionKey := m.sessionKey
	threadID := m.threadID
	m.mu.Unlock()

	if gate == nil {
		return next(ctx)
	}

	if gate.HasRecentApproval(sessionKey, req.ToolName) {
		res, err := next(ctx)
		if err == nil && (res == nil || !res.IsError) {
			gate.ConsumeRecentApproval(sessionKey, req.ToolName)
		}
		return res, err
	}

	p := gate.RequestApproval(req.ToolName, req.RawArgs, sessionKey, threadID)
	return nil, &ApprovalRequired{
		ID:         p.ID,
		ToolName:   req.ToolName,
		ToolArgs:   req.RawArgs,
		ToolCallID: req.ToolCallID,
	}
}
