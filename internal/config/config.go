// Package config loads the layered workspace configuration: global
// config.yaml deep-merged under the workspace's agent.yaml, with recursive
// ${ENV_VAR} substitution.
package config

import (
	"fmt"
	"time"
)

// Config is the full workspace configuration surface.
type Config struct {
	Workspace string `yaml:"workspace"`

	Model          ModelConfig     `yaml:"model"`
	Channel        ChannelConfig   `yaml:"channel"`
	Queue          QueueConfig     `yaml:"queue"`
	Lanes          LanesConfig     `yaml:"lanes"`
	Builtins       BuiltinsConfig  `yaml:"builtins"`
	ApprovalGates  ApprovalsConfig `yaml:"approval_gates"`
	ToolTimeouts   TimeoutsConfig  `yaml:"tool_timeouts"`
	Cron           []CronJob       `yaml:"cron"`
	Heartbeat      HeartbeatConfig `yaml:"heartbeat"`
	AutoCompact    AutoCompact     `yaml:"auto_compact"`
	Lifecycle      LifecycleConfig `yaml:"lifecycle"`
	Timezone       string          `yaml:"timezone"`
	WorkspaceTools AllowDeny       `yaml:"workspace_tools"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`

	MCPServers map[string]MCPServerConfig `yaml:"mcp_servers"`
}

type ModelConfig struct {
	Provider       string         `yaml:"provider"`
	ID             string         `yaml:"id"`
	APIKey         string         `yaml:"api_key"`
	BaseURL        string         `yaml:"base_url"`
	Temperature    float64        `yaml:"temperature"`
	MaxTurns       int            `yaml:"max_turns"`
	Region         string         `yaml:"region"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	ExtraBody      map[string]any `yaml:"extra_body"`
}

type ChannelConfig struct {
	Type          string   `yaml:"type"`
	Token         string   `yaml:"token"`
	AllowedUsers  []string `yaml:"allowed_users"`
	AllowedGroups []string `yaml:"allowed_groups"`
	AllowAll      bool     `yaml:"allow_all"`
}

type QueueConfig struct {
	Mode       string `yaml:"mode"`
	DebounceMs int    `yaml:"debounce_ms"`
	Cap        int    `yaml:"cap"`
	DropPolicy string `yaml:"drop_policy"`
}

type LanesConfig struct {
	Main     int `yaml:"main"`
	Subagent int `yaml:"subagent"`
	Cron     int `yaml:"cron"`
}

type AllowDeny struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

type BuiltinsConfig struct {
	Allow  []string                  `yaml:"allow"`
	Deny   []string                  `yaml:"deny"`
	Config map[string]map[string]any `yaml:"config"`
}

type ApprovalsConfig struct {
	Enabled        bool                  `yaml:"enabled"`
	TimeoutSeconds int                   `yaml:"timeout_seconds"`
	DefaultAction  string                `yaml:"default_action"`
	Tools          map[string]GateConfig `yaml:"tools"`
}

type GateConfig struct {
	RequireApproval bool `yaml:"require_approval"`
	ShowArgs        bool `yaml:"show_args"`
}

type TimeoutsConfig struct {
	DefaultSeconds int            `yaml:"default_seconds"`
	Overrides      map[string]int `yaml:"overrides"`
}

type CronJob struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression
	Prompt   string `yaml:"prompt"`
	Delivery string `yaml:"delivery"` // channel | agent | both
	ChatID   string `yaml:"chat_id"`
}

type HeartbeatConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	ActiveHours     string `yaml:"active_hours"` // "HH:MM-HH:MM", may span midnight
	SuppressOK      bool   `yaml:"suppress_ok"`
	TargetChannel   string `yaml:"target_channel"`
	TargetChatID    string `yaml:"target_chat_id"`
	Delivery        string `yaml:"delivery"` // channel | agent | both
	Prompt          string `yaml:"prompt"`
}

type AutoCompact struct {
	Enabled bool    `yaml:"enabled"`
	Trigger float64 `yaml:"trigger"`
}

type LifecycleConfig struct {
	NotifyStartup     bool `yaml:"notify_startup"`
	NotifyShutdown    bool `yaml:"notify_shutdown"`
	NotifyAutoCompact bool `yaml:"notify_auto_compact"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // grpc | http
	Endpoint string `yaml:"endpoint"`
}

// MCPServerConfig describes one external MCP server whose tools are bridged
// into the workspace registry.
type MCPServerConfig struct {
	Transport      string            `yaml:"transport"` // stdio | sse | streamable-http
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	URL            string            `yaml:"url"`
	Headers        map[string]string `yaml:"headers"`
	ToolPrefix     string            `yaml:"tool_prefix"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Disabled       bool              `yaml:"disabled"`
}

// applyDefaults fills unset fields.
func (c *Config) applyDefaults() {
	if c.Model.MaxTurns <= 0 {
		c.Model.MaxTurns = 30
	}
	if c.Model.TimeoutSeconds <= 0 {
		c.Model.TimeoutSeconds = 300
	}
	if c.Queue.Mode == "" {
		c.Queue.Mode = "collect"
	}
	if c.Queue.DebounceMs <= 0 {
		c.Queue.DebounceMs = 800
	}
	if c.Queue.Cap <= 0 {
		c.Queue.Cap = 50
	}
	if c.Queue.DropPolicy == "" {
		c.Queue.DropPolicy = "summarize"
	}
	if c.Lanes.Main <= 0 {
		c.Lanes.Main = 4
	}
	if c.Lanes.Subagent <= 0 {
		c.Lanes.Subagent = 8
	}
	if c.Lanes.Cron <= 0 {
		c.Lanes.Cron = 2
	}
	if c.ApprovalGates.TimeoutSeconds <= 0 {
		c.ApprovalGates.TimeoutSeconds = 300
	}
	if c.ApprovalGates.DefaultAction == "" {
		c.ApprovalGates.DefaultAction = "deny"
	}
	if c.ToolTimeouts.DefaultSeconds <= 0 {
		c.ToolTimeouts.DefaultSeconds = 120
	}
	if c.Heartbeat.IntervalMinutes <= 0 {
		c.Heartbeat.IntervalMinutes = 30
	}
	if c.Heartbeat.Delivery == "" {
		c.Heartbeat.Delivery = "channel"
	}
	if c.AutoCompact.Trigger <= 0 {
		c.AutoCompact.Trigger = 0.8
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	for name, s := range c.MCPServers {
		if s.Transport == "" {
			s.Transport = "stdio"
			c.MCPServers[name] = s
		}
	}
}

// Validate rejects configurations that cannot run. Fatal at startup.
func (c *Config) Validate() error {
	if c.Model.Provider == "" || c.Model.ID == "" {
		return fmt.Errorf("model.provider and model.id are required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	switch c.Queue.DropPolicy {
	case "old", "new", "summarize":
	default:
		return fmt.Errorf("queue.drop_policy must be old, new or summarize, got %q", c.Queue.DropPolicy)
	}
	switch c.ApprovalGates.DefaultAction {
	case "deny", "approve":
	default:
		return fmt.Errorf("approval_gates.default_action must be deny or approve, got %q", c.ApprovalGates.DefaultAction)
	}
	if c.Heartbeat.Enabled && c.Heartbeat.ActiveHours != "" {
		if _, _, err := ParseActiveHours(c.Heartbeat.ActiveHours); err != nil {
			return fmt.Errorf("heartbeat.active_hours: %w", err)
		}
	}
	for _, d := range []string{c.Heartbeat.Delivery} {
		switch d {
		case "", "channel", "agent", "both":
		default:
			return fmt.Errorf("heartbeat.delivery must be channel, agent or both, got %q", d)
		}
	}
	for _, job := range c.Cron {
		if job.Schedule == "" || job.Prompt == "" {
			return fmt.Errorf("cron job %q needs schedule and prompt", job.Name)
		}
	}
	for name, s := range c.MCPServers {
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("mcp server %q: stdio transport needs command", name)
			}
		case "sse", "streamable-http":
			if s.URL == "" {
				return fmt.Errorf("mcp server %q: %s transport needs url", name, s.Transport)
			}
		default:
			return fmt.Errorf("mcp server %q: transport must be stdio, sse or streamable-http, got %q", name, s.Transport)
		}
	}
	return nil
}
