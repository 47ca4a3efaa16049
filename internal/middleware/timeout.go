package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openpaw/openpaw/internal/tools"
)

// TimeoutMiddleware cancels a tool call after its per-tool deadline and
// returns a synthetic result so the agent continues cleanly. A timeout
// never surfaces as an error.
type TimeoutMiddleware struct {
	defaultTimeout time.Duration
	overrides      map[string]time.Duration
}

func NewTimeoutMiddleware(defaultTimeout time.Duration, overrides map[string]time.Duration) *TimeoutMiddleware {
	if defaultTimeout <= 0 {
		defaultTimeout = 120 * time.Second
	}
	return &TimeoutMiddleware{defaultTimeout: defaultTimeout, overrides: overrides}
}

func (m *TimeoutMiddleware) timeoutFor(tool string) time.Duration {
	if d, ok := m.overrides[tool]; ok && d > 0 {
		return d
	}
	return m.defaultTimeout
}

type wrapOutcome struct {
	res *tools.Result
	err error
}

func (m *TimeoutMiddleware) Wrap(ctx context.Context, req Request, next Next) (*tools.Result, error) {
	timeout := m.timeoutFor(req.ToolName)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan wrapOutcome, 1)
	go func() {
		res, err := next(callCtx)
		done <- wrapOutcome{res, err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Outer cancellation (interrupt/shutdown), not a tool timeout.
			out := <-done
			return out.res, out.err
		}
		slog.Warn("tool call timed out", "tool", req.ToolName, "timeout", timeout)
		return tools.ErrorResult(fmt.Sprintf(
			"Tool '%s' timed out after %.0fs; try a different approach.",
			req.ToolName, timeout.Seconds())), nil
	}
}
