package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/openpaw/openpaw/internal/bus"
)

type command struct {
	name        string
	description string
	hidden      bool
	bypassQueue bool
	handler     func(ctx context.Context, args string, msg bus.Message)
}

func (p *Processor) registerCommands() {
	p.commands = make(map[string]command)
	add := func(c command) { p.commands[c.name] = c }

	add(command{
		name: "start", hidden: true,
		description: "Welcome message",
		handler:     p.cmdStart,
	})
	add(command{
		name: "new", bypassQueue: true,
		description: "Archive the current conversation and start fresh",
		handler:     p.cmdNew,
	})
	add(command{
		name: "compact", bypassQueue: true,
		description: "Summarize and compact the current conversation",
		handler:     p.cmdCompact,
	})
	add(command{
		name:        "help",
		description: "List available commands",
		handler:     p.cmdHelp,
	})
	add(command{
		name:        "queue",
		description: "Set queue mode: collect|steer|followup|interrupt|steer-backlog|default",
		handler:     p.cmdQueue,
	})
	add(command{
		name:        "status",
		description: "Workspace status: model, conversation, tasks, token usage",
		handler:     p.cmdStatus,
	})
	add(command{
		name:        "model",
		description: "Show or switch the active model: /model provider:id | reset",
		handler:     p.cmdModel,
	})
	// Approval replies resolve immediately: the turn loop is blocked on the
	// approval while holding the session mutex, so a queued reply would
	// deadlock behind its own turn.
	add(command{
		name: "approve", bypassQueue: true,
		description: "Approve a pending tool call: /approve <id>",
		handler:     p.cmdApprove,
	})
	add(command{
		name: "deny", bypassQueue: true,
		description: "Deny a pending tool call: /deny <id>",
		handler:     p.cmdDeny,
	})
}

// matchCommand parses "/name args", stripping an optional @botname suffix
// from the command token.
func (p *Processor) matchCommand(content string) (command, string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/") {
		return command{}, "", false
	}
	token, args, _ := strings.Cut(trimmed[1:], " ")
	if at := strings.IndexByte(token, '@'); at >= 0 {
		mention := token[at+1:]
		if p.botName != "" && !strings.EqualFold(mention, p.botName) {
			return command{}, "", false
		}
		token = token[:at]
	}
	cmd, ok := p.commands[strings.ToLower(token)]
	return cmd, strings.TrimSpace(args), ok
}

func (p *Processor) runCommand(ctx context.Context, cmd command, args string, msg bus.Message) {
	slog.Info("framework command", "command", cmd.name, "session", msg.SessionKey)
	cmd.handler(ctx, args, msg)
}

func (p *Processor) cmdStart(ctx context.Context, args string, msg bus.Message) {
	p.send(ctx, msg.Channel, msg.SessionKey, fmt.Sprintf(
		"Hi, this is %s. Send a message to start, or /help for commands.", p.workspaceName))
}

func (p *Processor) cmdNew(ctx context.Context, args string, msg bus.Message) {
	if err := p.archiveConversation(ctx, msg.SessionKey, "", []string{"manual"}); err != nil {
		slog.Error("archive on /new", "session", msg.SessionKey, "error", err)
	}
	p.sessions.NewConversation(msg.SessionKey)
	p.send(ctx, msg.Channel, msg.SessionKey, "Started a new conversation. Previous one is archived.")
}

func (p *Processor) cmdCompact(ctx context.Context, args string, msg bus.Message) {
	threadID := p.sessions.ThreadID(msg.SessionKey)

	summary, err := p.runner.Run(ctx, summarizePrompt, threadID)
	if err != nil {
		p.send(ctx, msg.Channel, msg.SessionKey, "Compaction failed: "+err.Error())
		return
	}
	if err := p.archiveConversation(ctx, msg.SessionKey, summary, []string{"compact"}); err != nil {
		slog.Error("archive on /compact", "session", msg.SessionKey, "error", err)
	}
	newConv := p.sessions.NewConversation(msg.SessionKey)
	newThread := msg.SessionKey + ":" + newConv
	if _, err := p.runner.Run(ctx, fmt.Sprintf(compactTemplate, summary), newThread); err != nil {
		slog.Error("inject compaction summary", "session", msg.SessionKey, "error", err)
	}
	p.send(ctx, msg.Channel, msg.SessionKey,
		"Conversation compacted. Summary carried into the new conversation:\n\n"+summary)
}

func (p *Processor) cmdHelp(ctx context.Context, args string, msg bus.Message) {
	names := make([]string, 0, len(p.commands))
	for name, cmd := range p.commands {
		if !cmd.hidden {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "/%s — %s\n", name, p.commands[name].description)
	}
	p.send(ctx, msg.Channel, msg.SessionKey, strings.TrimRight(b.String(), "\n"))
}

func (p *Processor) cmdQueue(ctx context.Context, args string, msg bus.Message) {
	arg := strings.ToLower(strings.TrimSpace(args))
	if arg == "" {
		p.send(ctx, msg.Channel, msg.SessionKey, fmt.Sprintf(
			"Queue mode: %s", p.queue.SessionMode(msg.SessionKey)))
		return
	}
	if arg == "default" || arg == "reset" {
		p.queue.SetSessionMode(msg.SessionKey, bus.ModeCollect)
		p.send(ctx, msg.Channel, msg.SessionKey, "Queue mode reset to collect.")
		return
	}
	mode, ok := bus.ParseQueueMode(arg)
	if !ok {
		p.send(ctx, msg.Channel, msg.SessionKey,
			"Unknown mode. Use collect, steer, followup, interrupt, steer-backlog or default.")
		return
	}
	p.queue.SetSessionMode(msg.SessionKey, mode)
	p.send(ctx, msg.Channel, msg.SessionKey, fmt.Sprintf("Queue mode set to %s.", mode))
}

func (p *Processor) cmdStatus(ctx context.Context, args string, msg bus.Message) {
	convID := p.sessions.ConversationID(msg.SessionKey)
	messageCount := 0
	if st, ok := p.sessions.Get(msg.SessionKey); ok {
		messageCount = st.MessageCount
	}
	in, out := p.ledger.Today()

	var b strings.Builder
	fmt.Fprintf(&b, "Workspace: %s\n", p.workspaceName)
	fmt.Fprintf(&b, "Model: %s\n", p.runner.Model())
	fmt.Fprintf(&b, "Conversation: %s (%d messages)\n", convID, messageCount)
	if p.taskStore != nil {
		fmt.Fprintf(&b, "%s\n", p.taskStore.Summary())
	}
	fmt.Fprintf(&b, "Tokens today: %d in / %d out", in, out)
	p.send(ctx, msg.Channel, msg.SessionKey, b.String())
}

func (p *Processor) cmdModel(ctx context.Context, args string, msg bus.Message) {
	arg := strings.TrimSpace(args)
	if arg == "" {
		p.send(ctx, msg.Channel, msg.SessionKey, "Active model: "+p.runner.Model())
		return
	}
	if p.SwitchModel == nil {
		p.send(ctx, msg.Channel, msg.SessionKey, "Model switching is not available.")
		return
	}
	spec := arg
	if strings.EqualFold(arg, "reset") {
		spec = ""
	}
	active, err := p.SwitchModel(spec)
	if err != nil {
		p.send(ctx, msg.Channel, msg.SessionKey, "Model switch failed: "+err.Error())
		return
	}
	p.send(ctx, msg.Channel, msg.SessionKey, "Active model: "+active)
}

func (p *Processor) cmdApprove(ctx context.Context, args string, msg bus.Message) {
	p.resolveApprovalCommand(ctx, args, msg, true)
}

func (p *Processor) cmdDeny(ctx context.Context, args string, msg bus.Message) {
	p.resolveApprovalCommand(ctx, args, msg, false)
}

func (p *Processor) resolveApprovalCommand(ctx context.Context, args string, msg bus.Message, approved bool) {
	verb := "approved"
	if !approved {
		verb = "denied"
	}
	id := strings.TrimSpace(args)
	if id == "" {
		resolvedID, err := p.gate.ResolveLatest(msg.SessionKey, approved)
		if err != nil {
			p.send(ctx, msg.Channel, msg.SessionKey, "Cannot resolve: "+err.Error())
			return
		}
		p.send(ctx, msg.Channel, msg.SessionKey, fmt.Sprintf("Approval %s %s.", resolvedID, verb))
		return
	}
	if !p.gate.Resolve(id, approved) {
		p.send(ctx, msg.Channel, msg.SessionKey, fmt.Sprintf("No pending approval with id %s.", id))
		return
	}
	p.send(ctx, msg.Channel, msg.SessionKey, fmt.Sprintf("Approval %s %s.", id, verb))
}
