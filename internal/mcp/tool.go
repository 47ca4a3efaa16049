package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/openpaw/openpaw/internal/tools"
)

// toolCaller is the slice of the MCP client the bridge needs.
type toolCaller interface {
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
}

// serverTool adapts one remote MCP tool to the workspace tool contract.
type serverTool struct {
	server  string
	name    string // registry name, possibly prefixed
	remote  string // name on the server
	desc    string
	params  map[string]any
	caller  toolCaller
	timeout time.Duration
}

func newServerTool(server, prefix string, def mcpgo.Tool, caller toolCaller, timeout time.Duration) *serverTool {
	name := def.Name
	if prefix != "" {
		name = prefix + def.Name
	}
	return &serverTool{
		server:  server,
		name:    name,
		remote:  def.Name,
		desc:    def.Description,
		params:  schemaToMap(def.InputSchema),
		caller:  caller,
		timeout: timeout,
	}
}

func (t *serverTool) Name() string { return t.name }

func (t *serverTool) Description() string {
	if t.desc != "" {
		return t.desc
	}
	return fmt.Sprintf("Tool %s from MCP server %s", t.remote, t.server)
}

func (t *serverTool) Parameters() map[string]any { return t.params }

func (t *serverTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.remote
	req.Params.Arguments = args

	res, err := t.caller.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("mcp call %s/%s: %v", t.server, t.remote, err))
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = fmt.Sprintf("mcp tool %s reported an error", t.remote)
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no content)"
	}
	return tools.NewResult(text)
}

// schemaToMap converts the server's input schema into the registry's map
// form via a marshal round trip.
func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]any{"type": "object"}
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

func flattenContent(items []mcpgo.Content) string {
	var parts []string
	for _, c := range items {
		if tc, ok := c.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
