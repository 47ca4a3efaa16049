package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openpaw/openpaw/internal/subagent"
)

// SpawnSubAgentTool starts a background worker agent. The parent session is
// read from the call context.
type SpawnSubAgentTool struct {
	runner *subagent.Runner
}

func NewSpawnSubAgentTool(runner *subagent.Runner) *SpawnSubAgentTool {
	return &SpawnSubAgentTool{runner: runner}
}

func (t *SpawnSubAgentTool) Name() string { return "spawn_subagent" }

func (t *SpawnSubAgentTool) Description() string {
	return "Spawn a background sub-agent to work on a task independently. Returns immediately with an ID; the result is announced in this conversation when ready."
}

func (t *SpawnSubAgentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"label": map[string]any{
				"type":        "string",
				"description": "Short label for the task",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "Full instructions for the sub-agent",
			},
			"timeout_seconds": map[string]any{
				"type":        "number",
				"description": "Optional timeout (default 600)",
			},
		},
		"required": []string{"label", "prompt"},
	}
}

func (t *SpawnSubAgentTool) Execute(ctx context.Context, args map[string]any) *Result {
	label, _ := args["label"].(string)
	prompt, _ := args["prompt"].(string)
	if label == "" || prompt == "" {
		return ErrorResult("spawn_subagent: label and prompt are required")
	}
	sessionKey, ok := SessionKeyFromContext(ctx)
	if !ok {
		return ErrorResult("spawn_subagent: no session in context")
	}
	var timeout time.Duration
	if s, ok := args["timeout_seconds"].(float64); ok && s > 0 {
		timeout = time.Duration(s * float64(time.Second))
	}

	id, err := t.runner.Spawn(label, prompt, sessionKey, timeout)
	if err != nil {
		return ErrorResult("spawn_subagent: " + err.Error()).WithError(err)
	}
	return AsyncResult(fmt.Sprintf("Sub-agent '%s' spawned with id %s. Its result will be announced here.", label, id))
}

// ListSubAgentsTool reports the calling session's sub-agents.
type ListSubAgentsTool struct {
	store *subagent.Store
}

func NewListSubAgentsTool(store *subagent.Store) *ListSubAgentsTool {
	return &ListSubAgentsTool{store: store}
}

func (t *ListSubAgentsTool) Name() string { return "list_subagents" }

func (t *ListSubAgentsTool) Description() string {
	return "List sub-agents spawned from this conversation with their current status."
}

func (t *ListSubAgentsTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *ListSubAgentsTool) Execute(ctx context.Context, args map[string]any) *Result {
	sessionKey, _ := SessionKeyFromContext(ctx)
	reqs := t.store.List(sessionKey)
	if len(reqs) == 0 {
		return NewResult("No sub-agents have been spawned in this session.")
	}
	var b strings.Builder
	for _, r := range reqs {
		fmt.Fprintf(&b, "%s  %-10s  %s (created %s)\n",
			r.ID, r.Status, r.Label, r.CreatedAt.Format(time.RFC3339))
	}
	return NewResult(b.String())
}

// GetSubAgentResultTool fetches one sub-agent's result by ID.
type GetSubAgentResultTool struct {
	store *subagent.Store
}

func NewGetSubAgentResultTool(store *subagent.Store) *GetSubAgentResultTool {
	return &GetSubAgentResultTool{store: store}
}

func (t *GetSubAgentResultTool) Name() string { return "get_subagent_result" }

func (t *GetSubAgentResultTool) Description() string {
	return "Fetch the result of a sub-agent by its ID."
}

func (t *GetSubAgentResultTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{
				"type":        "string",
				"description": "Sub-agent ID from spawn_subagent or list_subagents",
			},
		},
		"required": []string{"id"},
	}
}

func (t *GetSubAgentResultTool) Execute(ctx context.Context, args map[string]any) *Result {
	id, _ := args["id"].(string)
	req, ok := t.store.Get(id)
	if !ok {
		return ErrorResult(fmt.Sprintf("no sub-agent with id %q", id))
	}
	switch req.Status {
	case subagent.StatusCompleted:
		return NewResult(fmt.Sprintf("Sub-agent '%s' completed:\n%s", req.Label, req.Result))
	case subagent.StatusFailed, subagent.StatusTimedOut:
		return NewResult(fmt.Sprintf("Sub-agent '%s' %s: %s", req.Label, req.Status, req.Error))
	default:
		return NewResult(fmt.Sprintf("Sub-agent '%s' is still %s.", req.Label, req.Status))
	}
}
