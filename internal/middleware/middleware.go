// Package middleware wraps every tool invocation in an ordered interceptor
// chain: per-call timeout, queue-aware steer/interrupt, approval gate.
// Control flow that must abort the agent run travels as error values
// (ApprovalRequired, InterruptSignal) unwrapped with errors.As at the
// processor boundary.
package middleware

import (
	"context"
	"fmt"

	"github.com/openpaw/openpaw/internal/queue"
	"github.com/openpaw/openpaw/internal/tools"
)

// Request describes one tool invocation entering the chain.
type Request struct {
	ToolName   string
	ToolCallID string
	Args       map[string]any
	RawArgs    string
}

// Next is the continuation: the remaining chain plus the tool itself.
// A returned error is a control-flow signal and must propagate unchanged.
type Next func(ctx context.Context) (*tools.Result, error)

// Middleware intercepts one tool invocation. It may call next, replace the
// result, or return a control-flow error that aborts the run.
type Middleware interface {
	Wrap(ctx context.Context, req Request, next Next) (*tools.Result, error)
}

// ApprovalRequired aborts the run until the user resolves the approval.
type ApprovalRequired struct {
	ID         string
	ToolName   string
	ToolArgs   string
	ToolCallID string
}

func (e *ApprovalRequired) Error() string {
	return fmt.Sprintf("tool %q requires approval (id %s)", e.ToolName, e.ID)
}

// InterruptSignal aborts the run, carrying the messages that triggered it.
type InterruptSignal struct {
	Pending []queue.Pending
}

func (e *InterruptSignal) Error() string {
	return fmt.Sprintf("run interrupted by %d new message(s)", len(e.Pending))
}

// Chain composes middlewares outermost-first around a tool execution.
type Chain struct {
	middlewares []Middleware
}

func NewChain(mws ...Middleware) *Chain {
	return &Chain{middlewares: mws}
}

// Execute runs the tool through the chain. A nil tool yields an error result
// so the model can recover.
func (c *Chain) Execute(ctx context.Context, tool tools.Tool, req Request) (*tools.Result, error) {
	if tool == nil {
		return tools.ErrorResult(fmt.Sprintf("unknown tool %q", req.ToolName)), nil
	}

	var run func(ctx context.Context, i int) (*tools.Result, error)
	run = func(ctx context.Context, i int) (*tools.Result, error) {
		if i >= len(c.middlewares) {
			res := tool.Execute(ctx, req.Args)
			if res == nil {
				res = tools.ErrorResult(fmt.Sprintf("tool %q returned no result", req.ToolName))
			}
			return res, nil
		}
		return c.middlewares[i].Wrap(ctx, req, func(ctx context.Context) (*tools.Result, error) {
			return run(ctx, i+1)
		})
	}
	return run(ctx, 0)
}
