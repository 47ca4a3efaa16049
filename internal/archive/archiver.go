// Package archive snapshots finished conversations to markdown plus a JSON
// sidecar under memory/conversations/.
package archive

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openpaw/openpaw/internal/llm"
)

// Record is the JSON sidecar schema. Immutable after write.
type Record struct {
	ConversationID string           `json:"conversation_id"`
	SessionKey     string           `json:"session_key"`
	WorkspaceName  string           `json:"workspace_name"`
	StartedAt      time.Time        `json:"started_at"`
	EndedAt        time.Time        `json:"ended_at"`
	MessageCount   int              `json:"message_count"`
	Summary        string           `json:"summary,omitempty"`
	Tags           []string         `json:"tags"`
	Messages       []ArchiveMessage `json:"messages"`
}

// ArchiveMessage is one message in the sidecar.
type ArchiveMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Timestamp  string         `json:"timestamp,omitempty"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// Indexer receives finished archives for vector-search ingestion. Optional.
type Indexer interface {
	Index(rec Record, markdownPath string) error
}

// Archiver writes conversation snapshots for one workspace.
type Archiver struct {
	dir           string
	workspaceName string
	indexer       Indexer
}

// NewArchiver creates the archive directory under workspaceRoot.
func NewArchiver(workspaceRoot, workspaceName string) (*Archiver, error) {
	dir := filepath.Join(workspaceRoot, "memory", "conversations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Archiver{dir: dir, workspaceName: workspaceName}, nil
}

// SetIndexer installs the optional vector-search hook.
func (a *Archiver) SetIndexer(ix Indexer) { a.indexer = ix }

// Archive snapshots a conversation's messages. Returns the markdown path.
// Indexing failures are logged, never fatal.
func (a *Archiver) Archive(conversationID, sessionKey string, startedAt time.Time, messages []llm.Message, summary string, tags []string) (string, error) {
	rec := Record{
		ConversationID: conversationID,
		SessionKey:     sessionKey,
		WorkspaceName:  a.workspaceName,
		StartedAt:      startedAt.UTC(),
		EndedAt:        time.Now().UTC(),
		MessageCount:   len(messages),
		Summary:        summary,
		Tags:           append([]string(nil), tags...),
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	for _, m := range messages {
		rec.Messages = append(rec.Messages, ArchiveMessage{
			Role:       m.Role,
			Content:    m.Content,
			Timestamp:  m.Timestamp,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}

	mdPath := filepath.Join(a.dir, conversationID+".md")
	jsonPath := filepath.Join(a.dir, conversationID+".json")

	if err := os.WriteFile(mdPath, []byte(a.renderMarkdown(rec)), 0o644); err != nil {
		return "", fmt.Errorf("write archive markdown: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal archive: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write archive json: %w", err)
	}

	if a.indexer != nil {
		if err := a.indexer.Index(rec, mdPath); err != nil {
			slog.Error("archive indexing failed", "conversation", conversationID, "error", err)
		}
	}
	return mdPath, nil
}

// Load reads a JSON sidecar back.
func (a *Archiver) Load(conversationID string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(filepath.Join(a.dir, conversationID+".json"))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode archive: %w", err)
	}
	return rec, nil
}

func (a *Archiver) renderMarkdown(rec Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation %s\n\n", rec.ConversationID)
	fmt.Fprintf(&b, "- Session: `%s`\n", rec.SessionKey)
	fmt.Fprintf(&b, "- Workspace: %s\n", rec.WorkspaceName)
	fmt.Fprintf(&b, "- Started: %s\n", rec.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Ended: %s\n", rec.EndedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Messages: %d\n", rec.MessageCount)
	if len(rec.Tags) > 0 {
		fmt.Fprintf(&b, "- Tags: %s\n", strings.Join(rec.Tags, ", "))
	}
	if rec.Summary != "" {
		fmt.Fprintf(&b, "\n## Summary\n\n%s\n", rec.Summary)
	}
	b.WriteString("\n## Transcript\n\n")
	for _, m := range rec.Messages {
		switch m.Role {
		case llm.RoleTool:
			fmt.Fprintf(&b, "**tool result** (%s):\n\n```\n%s\n```\n\n", m.ToolCallID, m.Content)
		default:
			fmt.Fprintf(&b, "**%s**: %s\n\n", m.Role, m.Content)
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "- tool call `%s` `%s`\n", tc.Name, tc.Arguments)
			}
		}
	}
	return b.String()
}
