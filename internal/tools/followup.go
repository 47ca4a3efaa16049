package tools

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FollowupTool lets the agent request another turn without waiting for the
// user. delay_seconds=0 chains immediately; a positive delay schedules the
// followup through the workspace scheduler.
type FollowupTool struct {
	mu      sync.Mutex
	prompt  string
	delay   time.Duration
	pending bool
}

func NewFollowupTool() *FollowupTool { return &FollowupTool{} }

func (t *FollowupTool) Name() string { return "request_followup" }

func (t *FollowupTool) Description() string {
	return "Request another agent turn after this one finishes. Use delay_seconds=0 to continue immediately, or a positive delay to check back later."
}

func (t *FollowupTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "What the followup turn should do",
			},
			"delay_seconds": map[string]any{
				"type":        "number",
				"description": "Seconds to wait before the followup turn (0 = immediate)",
			},
		},
		"required": []string{"prompt"},
	}
}

func (t *FollowupTool) Execute(ctx context.Context, args map[string]any) *Result {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		return ErrorResult("request_followup: prompt is required")
	}
	var delay time.Duration
	if d, ok := args["delay_seconds"].(float64); ok && d > 0 {
		delay = time.Duration(d * float64(time.Second))
	}

	t.mu.Lock()
	t.prompt = prompt
	t.delay = delay
	t.pending = true
	t.mu.Unlock()

	if delay > 0 {
		return SilentResult(fmt.Sprintf("Followup scheduled in %s.", delay))
	}
	return SilentResult("Followup queued for immediately after this turn.")
}

// PendingImmediate returns the prompt if a zero-delay followup is queued.
func (t *FollowupTool) PendingImmediate() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending && t.delay == 0 {
		return t.prompt, true
	}
	return "", false
}

// PendingDelayed returns the prompt and delay if a delayed followup is queued.
func (t *FollowupTool) PendingDelayed() (string, time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending && t.delay > 0 {
		return t.prompt, t.delay, true
	}
	return "", 0, false
}

// Reset clears any queued followup. Called once per processor loop iteration.
func (t *FollowupTool) Reset() {
	t.mu.Lock()
	t.prompt = ""
	t.delay = 0
	t.pending = false
	t.mu.Unlock()
}
