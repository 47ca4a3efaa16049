// Package workspace wires one workspace's subsystems together and owns
// their lifecycle.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openpaw/openpaw/internal/agent"
	"github.com/openpaw/openpaw/internal/approval"
	"github.com/openpaw/openpaw/internal/archive"
	"github.com/openpaw/openpaw/internal/bus"
	"github.com/openpaw/openpaw/internal/channels"
	"github.com/openpaw/openpaw/internal/checkpoint"
	"github.com/openpaw/openpaw/internal/config"
	"github.com/openpaw/openpaw/internal/llm"
	"github.com/openpaw/openpaw/internal/mcp"
	"github.com/openpaw/openpaw/internal/middleware"
	"github.com/openpaw/openpaw/internal/processor"
	"github.com/openpaw/openpaw/internal/queue"
	"github.com/openpaw/openpaw/internal/scheduler"
	"github.com/openpaw/openpaw/internal/sessions"
	"github.com/openpaw/openpaw/internal/subagent"
	"github.com/openpaw/openpaw/internal/tasks"
	"github.com/openpaw/openpaw/internal/tools"
)

// Runner owns one workspace: stores, queue, agent, channels, schedulers.
type Runner struct {
	root string
	cfg  *config.Config
	loc  *time.Location

	store       *checkpoint.Store
	sessionMgr  *sessions.Manager
	archiver    *archive.Archiver
	gate        *approval.Gate
	lanes       *queue.LaneQueue
	queueMgr    *queue.Manager
	queueMW     *middleware.QueueAwareMiddleware
	approvalMW  *middleware.ApprovalMiddleware
	followup    *tools.FollowupTool
	registry    *tools.Registry
	provider    llm.Provider
	agentRunner *agent.Runner
	proc        *processor.Processor
	subStore    *subagent.Store
	subRunner   *subagent.Runner
	taskStore   *tasks.Store
	cron        *scheduler.CronScheduler
	heartbeat   *scheduler.Heartbeat
	onceSched   *scheduler.OnceScheduler
	channel     channels.Channel
	allowlist   *channels.Allowlist
	mcpMgr      *mcp.Manager
	lifecycle   *LifecycleManager

	workerCancel context.CancelFunc
	workerWG     sync.WaitGroup
	cleanupDone  chan struct{}
}

// New builds the workspace from its root directory and loaded config.
func New(root string, cfg *config.Config) (*Runner, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}

	r := &Runner{
		root:        root,
		cfg:         cfg,
		loc:         loc,
		lifecycle:   NewLifecycleManager(),
		onceSched:   scheduler.NewOnceScheduler(),
		cleanupDone: make(chan struct{}),
	}

	if r.sessionMgr, err = sessions.NewManager(root); err != nil {
		return nil, err
	}
	if r.store, err = checkpoint.Open(root); err != nil {
		return nil, err
	}
	if r.archiver, err = archive.NewArchiver(root, r.name()); err != nil {
		return nil, err
	}
	if r.subStore, err = subagent.NewStore(root); err != nil {
		return nil, err
	}
	r.taskStore = tasks.NewStore(root)

	r.gate = approval.NewGate(
		time.Duration(cfg.ApprovalGates.TimeoutSeconds)*time.Second,
		approval.Action(cfg.ApprovalGates.DefaultAction))

	r.lanes = queue.NewLaneQueue([]queue.LaneConfig{
		{Name: queue.LaneMain, MaxConcurrency: cfg.Lanes.Main},
		{Name: queue.LaneSubagent, MaxConcurrency: cfg.Lanes.Subagent},
		{Name: queue.LaneCron, MaxConcurrency: cfg.Lanes.Cron},
	})

	defaultMode, _ := bus.ParseQueueMode(cfg.Queue.Mode)
	r.queueMgr = queue.NewManager(r.lanes, queue.Config{
		DefaultMode: defaultMode,
		DebounceMs:  cfg.Queue.DebounceMs,
		Cap:         cfg.Queue.Cap,
		DropPolicy:  queue.DropPolicy(cfg.Queue.DropPolicy),
	})

	if r.provider, err = buildProvider(cfg.Model); err != nil {
		return nil, err
	}

	r.followup = tools.NewFollowupTool()
	r.subRunner = subagent.NewRunner(r.subStore, r.statelessRun, r.announceSubAgent,
		cfg.Lanes.Subagent, 10*time.Minute)
	r.registry = r.buildRegistry()

	r.queueMW = middleware.NewQueueAwareMiddleware()
	r.approvalMW = middleware.NewApprovalMiddleware(gatedTools(cfg.ApprovalGates))
	chain := middleware.NewChain(
		middleware.NewTimeoutMiddleware(
			time.Duration(cfg.ToolTimeouts.DefaultSeconds)*time.Second,
			timeoutOverrides(cfg.ToolTimeouts.Overrides)),
		r.queueMW,
		r.approvalMW,
	)

	r.agentRunner = agent.NewRunner(agent.Config{
		Provider:     r.provider,
		Model:        cfg.Model.ID,
		SystemPrompt: r.loadSystemPrompt(),
		Temperature:  cfg.Model.Temperature,
		MaxTurns:     cfg.Model.MaxTurns,
		Registry:     r.registry,
		Chain:        chain,
		Checkpointer: r.store,
	})

	if r.channel, err = r.buildChannel(); err != nil {
		return nil, err
	}
	r.allowlist = channels.NewAllowlist(
		cfg.Channel.AllowAll, cfg.Channel.AllowedUsers, cfg.Channel.AllowedGroups)

	r.proc = processor.New(processor.Options{
		WorkspaceName: r.name(),
		Queue:         r.queueMgr,
		Sessions:      r.sessionMgr,
		Archiver:      r.archiver,
		Gate:          r.gate,
		Runner:        r.agentRunner,
		QueueMW:       r.queueMW,
		ApprovalMW:    r.approvalMW,
		Followup:      r.followup,
		Once:          r.onceSched,
		TaskStore:     r.taskStore,
		Channels:      map[string]channels.Channel{r.channel.Name(): r.channel},
		AutoCompact:   cfg.AutoCompact,
		Lifecycle:     cfg.Lifecycle,
		RunTimeout:    time.Duration(cfg.Model.TimeoutSeconds) * time.Second,
	})
	r.proc.SwitchModel = r.switchModel

	if len(cfg.MCPServers) > 0 {
		// Bridged tools land in the live registry, so the agent picks them
		// up as soon as the servers connect.
		r.mcpMgr = mcp.NewManager(r.registry, cfg.MCPServers)
	}

	if len(cfg.Cron) > 0 {
		r.cron = scheduler.NewCronScheduler(cfg.Cron, loc, r.enqueueCronJob)
	}
	if cfg.Heartbeat.Enabled {
		hb, err := scheduler.NewHeartbeat(cfg.Heartbeat, loc, r.taskStore.Summary, r.enqueueHeartbeatJob)
		if err != nil {
			return nil, err
		}
		r.heartbeat = hb
	}

	r.registerLifecycle()
	return r, nil
}

func (r *Runner) name() string {
	if r.cfg.Workspace != "" {
		return r.cfg.Workspace
	}
	return filepath.Base(r.root)
}

// Run starts the workspace and blocks until ctx is cancelled, then shuts
// down in reverse order.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.lifecycle.Start(ctx); err != nil {
		return err
	}
	slog.Info("workspace running", "workspace", r.name(), "channel", r.channel.Name())

	if r.cfg.Lifecycle.NotifyStartup {
		r.channel.SendMessage(ctx, r.channel.BuildSessionKey(), r.name()+" is online.")
	}

	<-ctx.Done()

	if r.cfg.Lifecycle.NotifyShutdown {
		r.channel.SendMessage(context.Background(), r.channel.BuildSessionKey(), r.name()+" is shutting down.")
	}
	r.lifecycle.Stop()
	return nil
}

func (r *Runner) registerLifecycle() {
	r.lifecycle.Register(Step{
		Name: "stores",
		Start: func(ctx context.Context) error {
			return r.taskStore.Start()
		},
		Stop: func() error {
			r.taskStore.Stop()
			r.onceSched.Stop()
			r.gate.Cleanup()
			r.queueMgr.Stop()
			return r.store.Close()
		},
	})
	// Archival runs on shutdown between channel stop and store close.
	r.lifecycle.Register(Step{
		Name: "conversation-archival",
		Stop: func() error {
			r.proc.ArchiveForShutdown(context.Background())
			return nil
		},
	})
	if r.mcpMgr != nil {
		// Connect before channels start so the first inbound turn already
		// sees the bridged tools.
		r.lifecycle.Register(Step{
			Name:  "mcp-servers",
			Start: func(ctx context.Context) error { return r.mcpMgr.Start(ctx) },
			Stop:  func() error { r.mcpMgr.Stop(); return nil },
		})
	}
	r.lifecycle.Register(Step{
		Name: "channels",
		Start: func(ctx context.Context) error {
			r.channel.OnMessage(r.handleInbound)
			r.channel.OnApproval(r.proc.HandleApproval)
			return r.channel.Start(ctx)
		},
		Stop: func() error { return r.channel.Stop() },
	})
	if r.cron != nil {
		r.lifecycle.Register(Step{
			Name:  "cron-scheduler",
			Start: func(ctx context.Context) error { return r.cron.Start(ctx) },
			Stop:  func() error { r.cron.Stop(); return nil },
		})
	}
	if r.heartbeat != nil {
		r.lifecycle.Register(Step{
			Name:  "heartbeat",
			Start: func(ctx context.Context) error { r.heartbeat.Start(ctx); return nil },
			Stop:  func() error { r.heartbeat.Stop(); return nil },
		})
	}
	r.lifecycle.Register(Step{
		Name:  "subagent-runner",
		Start: func(ctx context.Context) error { r.subRunner.Start(ctx); return nil },
		Stop:  func() error { r.subRunner.Stop(); return nil },
	})
	r.lifecycle.Register(Step{
		Name:  "lane-workers",
		Start: func(ctx context.Context) error { r.startWorkers(ctx); return nil },
		Stop:  func() error { r.stopWorkers(); return nil },
	})
}

func (r *Runner) startWorkers(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.workerCancel = cancel

	for i := 0; i < r.cfg.Lanes.Main; i++ {
		r.workerWG.Add(1)
		go func() {
			defer r.workerWG.Done()
			r.lanes.Process(ctx, queue.LaneMain, r.proc.ProcessBatch)
		}()
	}
	for i := 0; i < r.cfg.Lanes.Cron; i++ {
		r.workerWG.Add(1)
		go func() {
			defer r.workerWG.Done()
			r.lanes.Process(ctx, queue.LaneCron, r.runScheduledJob)
		}()
	}

	// Periodic cleanup: prune finished sub-agent records.
	r.workerWG.Add(1)
	go func() {
		defer r.workerWG.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.subStore.Prune(24 * time.Hour); n > 0 {
					slog.Info("pruned sub-agent records", "count", n)
				}
			}
		}
	}()
}

func (r *Runner) stopWorkers() {
	if r.workerCancel != nil {
		r.workerCancel()
	}
	r.workerWG.Wait()
}

// handleInbound applies the allowlist and forwards to the processor.
func (r *Runner) handleInbound(msg bus.Message) {
	groupID := ""
	if msg.Metadata != nil {
		groupID = msg.Metadata["group_id"]
	}
	if !r.allowlist.Permitted(msg.Channel, msg.UserID, groupID) {
		return
	}
	r.proc.HandleInbound(msg)
}

func (r *Runner) buildChannel() (channels.Channel, error) {
	switch r.cfg.Channel.Type {
	case "", "console":
		return channels.NewConsoleChannel(), nil
	default:
		return nil, fmt.Errorf("unknown channel type %q", r.cfg.Channel.Type)
	}
}

func (r *Runner) buildRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(tools.NewShellTool(r.root, 0))
	reg.Register(r.followup)
	reg.Register(tools.NewSpawnSubAgentTool(r.subRunner))
	reg.Register(tools.NewListSubAgentsTool(r.subStore))
	reg.Register(tools.NewGetSubAgentResultTool(r.subStore))
	return reg.Filtered(r.cfg.Builtins.Allow, r.cfg.Builtins.Deny)
}

// loadSystemPrompt reads the workspace AGENT.md if present.
func (r *Runner) loadSystemPrompt() string {
	data, err := os.ReadFile(filepath.Join(r.root, "AGENT.md"))
	if err != nil {
		return fmt.Sprintf("You are %s, a persistent assistant with a filesystem workspace. Reply %s if no reply is needed.",
			r.name(), agent.NoReplyMarker)
	}
	return string(data)
}

// statelessRun executes one isolated agent turn: no checkpointer, no
// steer/approval middleware, no sub-agent tools. Used by the sub-agent
// runner and the schedulers.
func (r *Runner) statelessRun(ctx context.Context, prompt string) (string, error) {
	reg := tools.NewRegistry()
	reg.Register(tools.NewShellTool(r.root, 0))
	runner := agent.NewRunner(agent.Config{
		Provider:     r.provider,
		Model:        r.cfg.Model.ID,
		SystemPrompt: r.loadSystemPrompt(),
		Temperature:  r.cfg.Model.Temperature,
		MaxTurns:     r.cfg.Model.MaxTurns,
		Registry:     reg,
		Chain: middleware.NewChain(middleware.NewTimeoutMiddleware(
			time.Duration(r.cfg.ToolTimeouts.DefaultSeconds)*time.Second,
			timeoutOverrides(r.cfg.ToolTimeouts.Overrides))),
	})
	out, err := runner.Run(ctx, prompt, "")
	m := runner.LastMetrics()
	r.proc.Ledger().Record(m.InputTokens, m.OutputTokens)
	return out, err
}

// announceSubAgent injects a finished sub-agent's result into the parent
// session as a non-steerable system event.
func (r *Runner) announceSubAgent(parentSession, content string) {
	channelName, _ := bus.SplitSessionKey(parentSession)
	if channelName == "" {
		channelName = r.channel.Name()
	}
	r.proc.InjectSystemEvent(parentSession, channelName, content)
}

// switchModel applies "/model provider:id"; empty spec resets to configured.
func (r *Runner) switchModel(spec string) (string, error) {
	if spec == "" {
		provider, err := buildProvider(r.cfg.Model)
		if err != nil {
			return "", err
		}
		r.agentRunner.UpdateModel(provider, r.cfg.Model.ID)
		return r.cfg.Model.Provider + ":" + r.cfg.Model.ID, nil
	}

	providerName, modelID, ok := strings.Cut(spec, ":")
	if !ok {
		return "", fmt.Errorf("want provider:model, got %q", spec)
	}
	mc := r.cfg.Model
	mc.Provider = providerName
	mc.ID = modelID
	provider, err := buildProvider(mc)
	if err != nil {
		return "", err
	}
	// Runtime override applies to the stateful agent only; stateless
	// factory agents keep using the configured model.
	r.agentRunner.UpdateModel(provider, modelID)
	return providerName + ":" + modelID, nil
}

func buildProvider(mc config.ModelConfig) (llm.Provider, error) {
	name := strings.ToLower(mc.Provider)
	switch name {
	case "openai":
		return llm.NewOpenAIProvider(name, mc.APIKey, mc.BaseURL), nil
	case "openrouter":
		base := mc.BaseURL
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
		return llm.NewOpenAIProvider(name, mc.APIKey, base), nil
	case "groq":
		base := mc.BaseURL
		if base == "" {
			base = "https://api.groq.com/openai/v1"
		}
		return llm.NewOpenAIProvider(name, mc.APIKey, base), nil
	case "deepseek":
		base := mc.BaseURL
		if base == "" {
			base = "https://api.deepseek.com/v1"
		}
		return llm.NewOpenAIProvider(name, mc.APIKey, base), nil
	default:
		if mc.BaseURL != "" {
			// Any OpenAI-compatible endpoint.
			return llm.NewOpenAIProvider(name, mc.APIKey, mc.BaseURL), nil
		}
		return nil, fmt.Errorf("unknown model provider %q (set base_url for OpenAI-compatible endpoints)", mc.Provider)
	}
}

func gatedTools(cfg config.ApprovalsConfig) map[string]middleware.GatedTool {
	out := make(map[string]middleware.GatedTool)
	if !cfg.Enabled {
		return out
	}
	for name, gc := range cfg.Tools {
		out[name] = middleware.GatedTool{
			RequireApproval: gc.RequireApproval,
			ShowArgs:        gc.ShowArgs,
		}
	}
	return out
}

func timeoutOverrides(overrides map[string]int) map[string]time.Duration {
	out := make(map[string]time.Duration, len(overrides))
	for name, secs := range overrides {
		out[name] = time.Duration(secs) * time.Second
	}
	return out
}
