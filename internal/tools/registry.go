// Package tools defines the tool contract, the per-workspace registry, and
// the built-in tools (shell, filesystem, followup, sub-agent control).
package tools

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/openpaw/openpaw/internal/llm"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Registry holds a workspace's tool set. Safe for concurrent reads after
// registration; registration happens at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
}

// Unregister removes a tool by name. Used when an MCP server disconnects.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the LLM-facing tool schemas, sorted by name.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Filtered returns a copy of the registry with allow/deny lists applied.
// An empty allow list permits everything not denied. Entries with a
// "group:" prefix match tools whose name starts with the group name
// followed by an underscore.
func (r *Registry) Filtered(allow, deny []string) *Registry {
	match := func(rules []string, name string) bool {
		for _, rule := range rules {
			if g, ok := strings.CutPrefix(rule, "group:"); ok {
				if strings.HasPrefix(name, g+"_") || name == g {
					return true
				}
				continue
			}
			if rule == name {
				return true
			}
		}
		return false
	}

	out := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, t := range r.tools {
		if match(deny, name) {
			continue
		}
		if len(allow) > 0 && !match(allow, name) {
			continue
		}
		out.tools[name] = t
	}
	return out
}
