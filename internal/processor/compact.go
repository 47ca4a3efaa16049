package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// archiveConversation snapshots the session's current conversation.
func (p *Processor) archiveConversation(ctx context.Context, sessionKey, summary string, tags []string) error {
	convID := p.sessions.ConversationID(sessionKey)
	threadID := sessionKey + ":" + convID

	history, err := p.runner.History(ctx, threadID)
	if err != nil {
		return fmt.Errorf("load history for archive: %w", err)
	}

	startedAt := time.Now().UTC()
	if st, ok := p.sessions.Get(sessionKey); ok {
		startedAt = st.StartedAt
	}

	if _, err := p.archiver.Archive(convID, sessionKey, startedAt, history, summary, tags); err != nil {
		return err
	}
	slog.Info("conversation archived",
		"session", sessionKey, "conversation", convID, "messages", len(history), "tags", tags)
	return nil
}

// ArchiveForShutdown archives every active conversation with tag "shutdown".
// Best-effort; called by the lifecycle manager between channel stop and
// store close.
func (p *Processor) ArchiveForShutdown(ctx context.Context) {
	for _, sessionKey := range p.sessions.ActiveSessions() {
		if err := p.archiveConversation(ctx, sessionKey, "", []string{"shutdown"}); err != nil {
			slog.Error("shutdown archive failed", "session", sessionKey, "error", err)
		}
	}
}

// maybeAutoCompact checks context utilization and, past the trigger, runs the
// compaction ritual: summarize, archive, rotate, inject the summary into the
// fresh thread. Returns the new thread ID when rotation happened.
func (p *Processor) maybeAutoCompact(ctx context.Context, sessionKey, channelName, threadID string) (string, bool) {
	info, err := p.runner.ContextInfo(ctx, threadID)
	if err != nil {
		slog.Error("context info", "session", sessionKey, "error", err)
		return "", false
	}
	if info.Utilization < p.autoCompact.Trigger {
		return "", false
	}

	slog.Info("auto-compact triggered",
		"session", sessionKey,
		"utilization", fmt.Sprintf("%.2f", info.Utilization),
		"messages", info.MessageCount)

	summary, err := p.runner.Run(ctx, summarizePrompt, threadID)
	if err != nil {
		slog.Error("auto-compact summarization failed", "session", sessionKey, "error", err)
		return "", false
	}

	if err := p.archiveConversation(ctx, sessionKey, summary, []string{"auto-compact"}); err != nil {
		slog.Error("auto-compact archive failed", "session", sessionKey, "error", err)
		return "", false
	}

	newConv := p.sessions.NewConversation(sessionKey)
	newThread := sessionKey + ":" + newConv

	if _, err := p.runner.Run(ctx, fmt.Sprintf(compactTemplate, summary), newThread); err != nil {
		slog.Error("inject compaction summary", "session", sessionKey, "error", err)
	}

	if p.lifecycle.NotifyAutoCompact {
		p.send(ctx, channelName, sessionKey, fmt.Sprintf(
			"Conversation auto-compacted: %d messages archived, %d tokens.",
			info.MessageCount, info.ApproximateTokens))
	}
	return newThread, true
}
