// Package processor implements the per-workspace turn loop: it takes
// coalesced message batches off the main lane, runs the agent with the
// middleware chain, and drives steer, interrupt, approval, followup, and
// auto-compact control flow around each run.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openpaw/openpaw/internal/agent"
	"github.com/openpaw/openpaw/internal/approval"
	"github.com/openpaw/openpaw/internal/archive"
	"github.com/openpaw/openpaw/internal/bus"
	"github.com/openpaw/openpaw/internal/channels"
	"github.com/openpaw/openpaw/internal/config"
	"github.com/openpaw/openpaw/internal/middleware"
	"github.com/openpaw/openpaw/internal/queue"
	"github.com/openpaw/openpaw/internal/scheduler"
	"github.com/openpaw/openpaw/internal/sessions"
	"github.com/openpaw/openpaw/internal/tasks"
	"github.com/openpaw/openpaw/internal/tools"
)

// MaxFollowupDepth caps agent-initiated continuation chains.
const MaxFollowupDepth = 5

const (
	interruptNotice  = "[Run interrupted — processing new message]"
	followupTemplate = "[Followup %d/%d] %s"
	compactTemplate  = "[Previous conversation was compacted. Summary:]\n%s"
	summarizePrompt  = "Summarize the conversation so far: key facts, decisions, open threads, and anything needed to continue seamlessly. Reply with the summary only."
	deniedTemplate   = "[SYSTEM] Tool '%s' was denied by the user."
)

// Processor drives turns for one workspace.
type Processor struct {
	workspaceName string

	queue      *queue.Manager
	sessions   *sessions.Manager
	archiver   *archive.Archiver
	gate       *approval.Gate
	runner     *agent.Runner
	queueMW    *middleware.QueueAwareMiddleware
	approvalMW *middleware.ApprovalMiddleware
	followup   *tools.FollowupTool
	once       *scheduler.OnceScheduler
	taskStore  *tasks.Store
	ledger     *TokenLedger
	dedupe     *bus.DedupeCache
	limiter    *channels.OutboundLimiter

	channels map[string]channels.Channel
	botName  string

	autoCompact config.AutoCompact
	lifecycle   config.LifecycleConfig
	runTimeout  time.Duration

	// SwitchModel applies a "/model provider:id" override; empty spec resets
	// to the configured model. Returns the now-active model description.
	SwitchModel func(spec string) (string, error)

	commands map[string]command
}

// Options wires a Processor.
type Options struct {
	WorkspaceName string
	Queue         *queue.Manager
	Sessions      *sessions.Manager
	Archiver      *archive.Archiver
	Gate          *approval.Gate
	Runner        *agent.Runner
	QueueMW       *middleware.QueueAwareMiddleware
	ApprovalMW    *middleware.ApprovalMiddleware
	Followup      *tools.FollowupTool
	Once          *scheduler.OnceScheduler
	TaskStore     *tasks.Store
	Channels      map[string]channels.Channel
	BotName       string
	AutoCompact   config.AutoCompact
	Lifecycle     config.LifecycleConfig
	RunTimeout    time.Duration
}

func New(opts Options) *Processor {
	p := &Processor{
		workspaceName: opts.WorkspaceName,
		queue:         opts.Queue,
		sessions:      opts.Sessions,
		archiver:      opts.Archiver,
		gate:          opts.Gate,
		runner:        opts.Runner,
		queueMW:       opts.QueueMW,
		approvalMW:    opts.ApprovalMW,
		followup:      opts.Followup,
		once:          opts.Once,
		taskStore:     opts.TaskStore,
		ledger:        NewTokenLedger(),
		dedupe:        bus.NewDedupeCache(5*time.Minute, 5000),
		limiter:       channels.NewOutboundLimiter(1, 3),
		channels:      opts.Channels,
		botName:       opts.BotName,
		autoCompact:   opts.AutoCompact,
		lifecycle:     opts.Lifecycle,
		runTimeout:    opts.RunTimeout,
	}
	if p.runTimeout <= 0 {
		p.runTimeout = 5 * time.Minute
	}
	p.registerCommands()
	return p
}

// Ledger exposes the token accounting, for lifecycle reporting.
func (p *Processor) Ledger() *TokenLedger { return p.ledger }

// HandleInbound is the channel-facing entry point. Deduplicates, routes
// framework commands, and submits the rest to the queue manager.
func (p *Processor) HandleInbound(msg bus.Message) {
	if msg.ID != "" && p.dedupe.IsDuplicate(msg.Channel+":"+msg.ID) {
		slog.Debug("duplicate message dropped", "channel", msg.Channel, "id", msg.ID)
		return
	}

	if cmd, args, ok := p.matchCommand(msg.Content); ok {
		if cmd.bypassQueue {
			p.runCommand(context.Background(), cmd, args, msg)
			return
		}
		// Queued commands execute in arrival order when the batch drains.
	}

	p.queue.Submit(msg.SessionKey, msg.Channel, msg)
}

// HandleApproval is the channel-facing approval resolution callback.
func (p *Processor) HandleApproval(approvalID string, approved bool) {
	if !p.gate.Resolve(approvalID, approved) {
		slog.Warn("approval resolution for unknown id", "id", approvalID)
	}
}

// ProcessBatch is the main-lane handler: one coalesced batch, one or more
// agent turns. Runs with the session mutex held.
func (p *Processor) ProcessBatch(ctx context.Context, item bus.QueueItem) {
	sessionKey := item.SessionKey
	channelName := item.Payload.Channel

	// Execute any queued framework commands in order; remaining messages
	// form the agent turn.
	var contents []string
	for _, msg := range item.Payload.Messages {
		if cmd, args, ok := p.matchCommand(msg.Content); ok {
			p.runCommand(ctx, cmd, args, msg)
			continue
		}
		contents = append(contents, msg.Content)
	}
	if len(contents) == 0 {
		return
	}
	combined := strings.Join(contents, "\n")

	p.sessions.Touch(sessionKey)
	p.runTurnLoop(ctx, sessionKey, channelName, combined)
}

// runTurnLoop drives agent runs for one batch until the control flow
// settles: steer and interrupt restart it, approvals pause it, followups
// chain it, anything else ends it.
func (p *Processor) runTurnLoop(ctx context.Context, sessionKey, channelName, combined string) {
	threadID := p.sessions.ThreadID(sessionKey)

	if p.autoCompact.Enabled {
		if newThread, ok := p.maybeAutoCompact(ctx, sessionKey, channelName, threadID); ok {
			threadID = newThread
		}
	}

	followupDepth := 0
	backlog := ""

	for {
		mode := p.queue.SessionMode(sessionKey)
		response, steered, steerMsgs, err := p.runOnce(ctx, sessionKey, threadID, mode, combined)

		switch {
		case err == nil:
			if steered {
				if mode == bus.ModeSteerBacklog {
					backlog = joinPending(steerMsgs)
				}
				combined = joinPending(steerMsgs)
				followupDepth = 0
				// A followup queued in the steered-away run must not chain
				// after the redirect.
				p.followup.Reset()
				continue
			}
			if response != "" && !agent.IsSilentReply(response) {
				p.send(ctx, channelName, sessionKey, response)
			}

		default:
			var approvalErr *middleware.ApprovalRequired
			var interruptErr *middleware.InterruptSignal
			switch {
			case errors.As(err, &approvalErr):
				approved := p.awaitApproval(ctx, channelName, sessionKey, approvalErr)
				if !approved {
					combined = fmt.Sprintf(deniedTemplate, approvalErr.ToolName)
				}
				// Approved: re-run with the same combined input; the
				// recent-approval bypass lets the tool through this time.
				continue

			case errors.As(err, &interruptErr):
				p.send(ctx, channelName, sessionKey, interruptNotice)
				combined = joinPending(interruptErr.Pending)
				followupDepth = 0
				p.followup.Reset()
				continue

			case errors.Is(err, context.DeadlineExceeded):
				m := p.runner.LastMetrics()
				slog.Warn("agent run timed out",
					"session", sessionKey, "iterations", m.Iterations, "duration", m.Duration)
				p.send(ctx, channelName, sessionKey,
					"I ran out of time on that one. The conversation state is intact; try again or narrow the request.")
				return

			default:
				slog.Error("agent run failed", "session", sessionKey, "error", err)
				p.send(ctx, channelName, sessionKey, "Error: "+err.Error())
				return
			}
		}

		// Followup chain.
		if prompt, ok := p.followup.PendingImmediate(); ok {
			p.followup.Reset()
			followupDepth++
			if followupDepth > MaxFollowupDepth {
				slog.Warn("followup chain exceeded max depth",
					"session", sessionKey, "max", MaxFollowupDepth)
				return
			}
			combined = fmt.Sprintf(followupTemplate, followupDepth, MaxFollowupDepth, prompt)
			continue
		}
		if prompt, delay, ok := p.followup.PendingDelayed(); ok {
			p.followup.Reset()
			p.scheduleDelayedFollowup(sessionKey, channelName, prompt, delay)
		}

		if backlog != "" {
			combined = fmt.Sprintf(followupTemplate, 1, MaxFollowupDepth, backlog)
			backlog = ""
			followupDepth = 1
			continue
		}
		return
	}
}

// runOnce performs one middleware-wrapped agent run with guaranteed
// middleware reset on every exit path.
func (p *Processor) runOnce(ctx context.Context, sessionKey, threadID string, mode bus.QueueMode, combined string) (response string, steered bool, steerMsgs []queue.Pending, err error) {
	p.queueMW.SetContext(p.queue, sessionKey, mode)
	p.approvalMW.SetContext(p.gate, sessionKey, threadID)
	defer func() {
		p.queueMW.Reset()
		p.approvalMW.Reset()
	}()

	runCtx, cancel := context.WithTimeout(tools.WithSessionKey(ctx, sessionKey), p.runTimeout)
	defer cancel()

	response, err = p.runner.Run(runCtx, combined, threadID)

	m := p.runner.LastMetrics()
	p.ledger.Record(m.InputTokens, m.OutputTokens)

	if err != nil {
		return "", false, nil, err
	}

	steered, steerMsgs = p.queueMW.SteerState()
	// Post-run check: a message may have arrived after the last tool call.
	if !steered && (mode == bus.ModeSteer || mode == bus.ModeInterrupt || mode == bus.ModeSteerBacklog) &&
		p.queue.PeekPending(sessionKey) {
		steerMsgs = p.queue.ConsumePending(sessionKey)
		steered = len(steerMsgs) > 0
	}
	return response, steered, steerMsgs, nil
}

func (p *Processor) awaitApproval(ctx context.Context, channelName, sessionKey string, e *middleware.ApprovalRequired) bool {
	if ch, ok := p.channels[channelName]; ok {
		showArgs := p.approvalMW.ShowArgs(e.ToolName)
		if err := ch.SendApprovalRequest(ctx, sessionKey, e.ID, e.ToolName, e.ToolArgs, showArgs); err != nil {
			slog.Error("send approval request", "id", e.ID, "error", err)
		}
	}
	pending, ok := p.gate.Get(e.ID)
	if !ok {
		// Already resolved (fast user, or timeout with a tiny window).
		return p.gate.HasRecentApproval(sessionKey, e.ToolName)
	}
	return p.gate.WaitForResolution(pending)
}

func (p *Processor) scheduleDelayedFollowup(sessionKey, channelName, prompt string, delay time.Duration) {
	slog.Info("delayed followup scheduled", "session", sessionKey, "delay", delay)
	p.once.ScheduleOnce(delay, func() {
		p.queue.SubmitSystemEvent(sessionKey, channelName, bus.Message{
			Channel:    channelName,
			SessionKey: sessionKey,
			Content:    fmt.Sprintf(followupTemplate, 1, MaxFollowupDepth, prompt),
			Direction:  bus.DirectionInbound,
			Timestamp:  time.Now().UTC(),
		})
	})
}

// InjectSystemEvent queues a system message (sub-agent result, scheduler
// injection) as its own non-steerable turn.
func (p *Processor) InjectSystemEvent(sessionKey, channelName, content string) {
	p.queue.SubmitSystemEvent(sessionKey, channelName, bus.Message{
		Channel:    channelName,
		SessionKey: sessionKey,
		Content:    content,
		Direction:  bus.DirectionInbound,
		Timestamp:  time.Now().UTC(),
	})
}

func (p *Processor) send(ctx context.Context, channelName, sessionKey, content string) {
	ch, ok := p.channels[channelName]
	if !ok {
		slog.Error("no channel for outbound message", "channel", channelName)
		return
	}
	if err := p.limiter.Wait(ctx, sessionKey); err != nil {
		return
	}
	if _, err := ch.SendMessage(ctx, sessionKey, content); err != nil {
		slog.Error("send message", "channel", channelName, "error", err)
	}
}

func joinPending(msgs []queue.Pending) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Message.Content)
	}
	return strings.Join(parts, "\n")
}
