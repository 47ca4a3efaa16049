package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openpaw/openpaw/internal/approval"
	"github.com/openpaw/openpaw/internal/bus"
	"github.com/openpaw/openpaw/internal/queue"
	"github.com/openpaw/openpaw/internal/tools"
)

// fakeTool counts executions and can block.
type fakeTool struct {
	name    string
	calls   int
	block   time.Duration
	respond string
}

func (f *fakeTool) Name() string { return f.name }

func (f *fakeTool) Description() string { return "test tool" }

func (f *fakeTool) Parameters() map[string]any { return map[string]any{"type": "object"} }

func (f *fakeTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	f.calls++
	if f.block > 0 {
		select {
		case <-time.After(f.block):
		case <-ctx.Done():
			return tools.ErrorResult("cancelled")
		}
	}
	return tools.NewResult(f.respond)
}

func newQueueFixture() *queue.Manager {
	lq := queue.NewLaneQueue([]queue.LaneConfig{{Name: queue.LaneMain, MaxConcurrency: 1}})
	return queue.NewManager(lq, queue.DefaultConfig())
}

func steerMsg(content string) bus.Message {
	return bus.Message{Content: content, Channel: "test"}
}

func TestTimeoutReturnsSyntheticResult(t *testing.T) {
	mw := NewTimeoutMiddleware(20*time.Millisecond, nil)
	chain := NewChain(mw)
	slow := &fakeTool{name: "slow", block: time.Second}

	res, err := chain.Execute(context.Background(), slow, Request{ToolName: "slow"})
	if err != nil {
		t.Fatalf("timeout surfaced as error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.ForLLM, "timed out") {
		t.Errorf("result = %+v, want synthetic timeout message", res)
	}
}

func TestTimeoutOverridePerTool(t *testing.T) {
	mw := NewTimeoutMiddleware(10*time.Millisecond, map[string]time.Duration{
		"patient": time.Second,
	})
	chain := NewChain(mw)
	tool := &fakeTool{name: "patient", block: 50 * time.Millisecond, respond: "done"}

	res, err := chain.Execute(context.Background(), tool, Request{ToolName: "patient"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ForLLM != "done" {
		t.Errorf("override not applied, got %+v", res)
	}
}

func TestQueueAwareCollectModeNoOp(t *testing.T) {
	qm := newQueueFixture()
	mw := NewQueueAwareMiddleware()
	mw.SetContext(qm, "s", bus.ModeCollect)
	defer mw.Reset()

	tool := &fakeTool{name: "t", respond: "ok"}
	res, err := NewChain(mw).Execute(context.Background(), tool, Request{ToolName: "t"})
	if err != nil || res.ForLLM != "ok" {
		t.Fatalf("collect mode interfered: res=%+v err=%v", res, err)
	}
}

func TestQueueAwareSteer(t *testing.T) {
	qm := newQueueFixture()
	qm.SetSessionMode("s", bus.ModeSteer)
	mw := NewQueueAwareMiddleware()
	mw.SetContext(qm, "s", bus.ModeSteer)
	defer mw.Reset()

	chain := NewChain(mw)
	tool := &fakeTool{name: "t", respond: "ok"}

	// No pending: executes normally.
	res, err := chain.Execute(context.Background(), tool, Request{ToolName: "t"})
	if err != nil || res.ForLLM != "ok" {
		t.Fatalf("no-pending call: res=%+v err=%v", res, err)
	}

	// Message arrives mid-turn (steer mode enqueues directly).
	qm.Submit("s", "test", steerMsg("actually just say hi"))

	res, err = chain.Execute(context.Background(), tool, Request{ToolName: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ForLLM != SkipMarker {
		t.Errorf("result = %q, want skip marker", res.ForLLM)
	}
	if tool.calls != 1 {
		t.Errorf("tool ran %d times, steered call should be skipped", tool.calls)
	}

	steered, msgs := mw.SteerState()
	if !steered || len(msgs) != 1 || msgs[0].Message.Content != "actually just say hi" {
		t.Fatalf("steer state = (%v, %v)", steered, msgs)
	}

	// Subsequent calls in the same turn keep skipping without re-consuming.
	res, _ = chain.Execute(context.Background(), tool, Request{ToolName: "t"})
	if res.ForLLM != SkipMarker {
		t.Errorf("second steered call = %q", res.ForLLM)
	}
	if qm.PeekPending("s") {
		t.Error("pending not consumed on first steer hit")
	}
}

func TestQueueAwareInterrupt(t *testing.T) {
	qm := newQueueFixture()
	qm.SetSessionMode("s", bus.ModeInterrupt)
	mw := NewQueueAwareMiddleware()
	mw.SetContext(qm, "s", bus.ModeInterrupt)
	defer mw.Reset()

	qm.Submit("s", "test", steerMsg("stop everything"))

	tool := &fakeTool{name: "t", respond: "ok"}
	_, err := NewChain(mw).Execute(context.Background(), tool, Request{ToolName: "t"})

	var sig *InterruptSignal
	if !errors.As(err, &sig) {
		t.Fatalf("err = %v, want InterruptSignal", err)
	}
	if len(sig.Pending) != 1 || sig.Pending[0].Message.Content != "stop everything" {
		t.Errorf("signal carries %v", sig.Pending)
	}
	if tool.calls != 0 {
		t.Error("tool executed despite interrupt")
	}
}

func TestQueueAwareResetClearsState(t *testing.T) {
	qm := newQueueFixture()
	mw := NewQueueAwareMiddleware()
	mw.SetContext(qm, "s", bus.ModeSteer)
	mw.Reset()

	steered, msgs := mw.SteerState()
	if steered || msgs != nil {
		t.Error("state survived reset")
	}

	// After reset the middleware passes through.
	tool := &fakeTool{name: "t", respond: "ok"}
	res, err := NewChain(mw).Execute(context.Background(), tool, Request{ToolName: "t"})
	if err != nil || res.ForLLM != "ok" {
		t.Errorf("reset middleware interfered: %+v %v", res, err)
	}
}

func TestApprovalGateFlow(t *testing.T) {
	gate := approval.NewGate(0, approval.ActionDeny)
	mw := NewApprovalMiddleware(map[string]GatedTool{
		"shell": {RequireApproval: true, ShowArgs: true},
	})
	mw.SetContext(gate, "tg:1", "tg:1:conv")
	defer mw.Reset()

	chain := NewChain(mw)
	tool := &fakeTool{name: "shell", respond: "file1\nfile2"}

	// First attempt raises ApprovalRequired.
	_, err := chain.Execute(context.Background(), tool, Request{
		ToolName: "shell", RawArgs: `{"command":"ls"}`,
	})
	var req *ApprovalRequired
	if !errors.As(err, &req) {
		t.Fatalf("err = %v, want ApprovalRequired", err)
	}
	if tool.calls != 0 {
		t.Fatal("gated tool executed before approval")
	}

	// User approves; the re-run hits the bypass and executes.
	gate.Resolve(req.ID, true)
	res, err := chain.Execute(context.Background(), tool, Request{
		ToolName: "shell", RawArgs: `{"command":"ls"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ForLLM != "file1\nfile2" || tool.calls != 1 {
		t.Errorf("approved run: res=%+v calls=%d", res, tool.calls)
	}

	// Bypass is single-use: the next invocation prompts again.
	_, err = chain.Execute(context.Background(), tool, Request{ToolName: "shell"})
	if !errors.As(err, &req) {
		t.Errorf("bypass not cleared after successful run: err = %v", err)
	}
}

func TestUngatedToolPassesThrough(t *testing.T) {
	mw := NewApprovalMiddleware(map[string]GatedTool{
		"shell": {RequireApproval: true},
	})
	// No context set at all: ungated tools must still work.
	tool := &fakeTool{name: "echo", respond: "hi"}
	res, err := NewChain(mw).Execute(context.Background(), tool, Request{ToolName: "echo"})
	if err != nil || res.ForLLM != "hi" {
		t.Errorf("ungated tool blocked: %+v %v", res, err)
	}
}

func TestChainOrderOutermostFirst(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return middlewareFunc(func(ctx context.Context, req Request, next Next) (*tools.Result, error) {
			order = append(order, name+"-in")
			res, err := next(ctx)
			order = append(order, name+"-out")
			return res, err
		})
	}
	chain := NewChain(mk("outer"), mk("inner"))
	tool := &fakeTool{name: "t", respond: "ok"}

	if _, err := chain.Execute(context.Background(), tool, Request{ToolName: "t"}); err != nil {
		t.Fatal(err)
	}
	want := []string{"outer-in", "inner-in", "inner-out", "outer-out"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestUnknownToolYieldsErrorResult(t *testing.T) {
	chain := NewChain()
	res, err := chain.Execute(context.Background(), nil, Request{ToolName: "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.ForLLM, "ghost") {
		t.Errorf("result = %+v", res)
	}
}

type middlewareFunc func(ctx context.Context, req Request, next Next) (*tools.Result, error)

func (f middlewareFunc) Wrap(ctx context.Context, req Request, next Next) (*tools.Result, error) {
	return f(ctx, req, next)
}
