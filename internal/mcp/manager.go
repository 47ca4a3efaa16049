// Package mcp connects configured MCP servers and bridges their tools into
// the workspace tool registry.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/openpaw/openpaw/internal/config"
	"github.com/openpaw/openpaw/internal/tools"
)

// Manager owns the MCP server connections for one workspace.
type Manager struct {
	registry *tools.Registry
	configs  map[string]config.MCPServerConfig

	mu      sync.Mutex
	servers map[string]*server
}

type server struct {
	client    *mcpclient.Client
	toolNames []string
}

func NewManager(registry *tools.Registry, configs map[string]config.MCPServerConfig) *Manager {
	return &Manager{
		registry: registry,
		configs:  configs,
		servers:  make(map[string]*server),
	}
}

// Start connects every enabled server. Failures are logged and skipped so
// one bad server does not block workspace startup.
func (m *Manager) Start(ctx context.Context) error {
	for name, cfg := range m.configs {
		if cfg.Disabled {
			slog.Info("mcp server disabled", "server", name)
			continue
		}
		if err := m.connect(ctx, name, cfg); err != nil {
			slog.Warn("mcp server connect failed", "server", name, "error", err)
		}
	}
	return nil
}

// Stop closes every connection and removes the bridged tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, srv := range m.servers {
		if err := srv.client.Close(); err != nil {
			slog.Debug("mcp server close", "server", name, "error", err)
		}
		for _, toolName := range srv.toolNames {
			m.registry.Unregister(toolName)
		}
	}
	m.servers = make(map[string]*server)
}

// ToolNames returns the registered bridged tool names across all servers.
func (m *Manager) ToolNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, srv := range m.servers {
		names = append(names, srv.toolNames...)
	}
	return names
}

func (m *Manager) connect(ctx context.Context, name string, cfg config.MCPServerConfig) error {
	client, err := newClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	// stdio spawns its subprocess on creation; the network transports need
	// an explicit start.
	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "openpaw", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	srv := &server{client: client}
	for _, def := range listed.Tools {
		bridged := newServerTool(name, cfg.ToolPrefix, def, client, timeout)
		if _, exists := m.registry.Get(bridged.Name()); exists {
			slog.Warn("mcp tool name collision, skipped", "server", name, "tool", bridged.Name())
			continue
		}
		m.registry.Register(bridged)
		srv.toolNames = append(srv.toolNames, bridged.Name())
	}

	m.mu.Lock()
	m.servers[name] = srv
	m.mu.Unlock()

	slog.Info("mcp server connected",
		"server", name, "transport", cfg.Transport, "tools", len(srv.toolNames))
	return nil
}

func newClient(cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}
