// Package sessions maps session keys to their active conversation ID and
// persists that mapping across restarts.
package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the durable per-session record.
type State struct {
	ConversationID string     `json:"conversation_id"`
	StartedAt      time.Time  `json:"started_at"`
	MessageCount   int        `json:"message_count"`
	LastActiveAt   *time.Time `json:"last_active_at,omitempty"`
}

// Manager owns the session→conversation mapping for one workspace.
// All mutations persist synchronously via atomic temp-write-then-rename.
type Manager struct {
	mu       sync.Mutex
	path     string
	sessions map[string]*State
}

// NewManager loads (or initialises) the state file at
// <workspaceRoot>/.openpaw/sessions.json. A corrupted file is logged and
// treated as empty.
func NewManager(workspaceRoot string) (*Manager, error) {
	dir := filepath.Join(workspaceRoot, ".openpaw")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	m := &Manager{
		path:     filepath.Join(dir, "sessions.json"),
		sessions: make(map[string]*State),
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read sessions file: %w", err)
		}
		return m, nil
	}
	if err := json.Unmarshal(data, &m.sessions); err != nil {
		slog.Error("sessions file corrupted, starting empty", "path", m.path, "error", err)
		m.sessions = make(map[string]*State)
	}
	return m, nil
}

func newConversationID(now time.Time) string {
	return fmt.Sprintf("conv_%s-%06d", now.UTC().Format("20060102T150405"), now.Nanosecond()/1000)
}

// ConversationID returns the session's active conversation ID, starting a
// conversation if none exists.
func (m *Manager) ConversationID(sessionKey string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionKey]
	if !ok {
		st = &State{ConversationID: newConversationID(time.Now()), StartedAt: time.Now().UTC()}
		m.sessions[sessionKey] = st
		m.saveLocked()
	}
	return st.ConversationID
}

// ThreadID returns the checkpointer key "<sessionKey>:<conversationId>".
func (m *Manager) ThreadID(sessionKey string) string {
	return sessionKey + ":" + m.ConversationID(sessionKey)
}

// NewConversation rotates the session to a fresh conversation ID and returns
// it. The returned ID always differs from the previous one.
func (m *Manager) NewConversation(sessionKey string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	id := newConversationID(now)
	if st, ok := m.sessions[sessionKey]; ok && st.ConversationID == id {
		id = newConversationID(now.Add(time.Microsecond))
	}
	m.sessions[sessionKey] = &State{ConversationID: id, StartedAt: now.UTC()}
	m.saveLocked()
	return id
}

// Touch increments the session's message count and stamps activity.
func (m *Manager) Touch(sessionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionKey]
	if !ok {
		st = &State{ConversationID: newConversationID(time.Now()), StartedAt: time.Now().UTC()}
		m.sessions[sessionKey] = st
	}
	st.MessageCount++
	now := time.Now().UTC()
	st.LastActiveAt = &now
	m.saveLocked()
}

// Get returns a copy of the session state, if present.
func (m *Manager) Get(sessionKey string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionKey]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// ActiveSessions returns the session keys with state on record.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	return keys
}

// saveLocked writes the state file atomically. Persistence failures are
// logged; in-memory state remains authoritative.
func (m *Manager) saveLocked() {
	data, err := json.MarshalIndent(m.sessions, "", "  ")
	if err != nil {
		slog.Error("marshal sessions", "error", err)
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".sessions-*.json")
	if err != nil {
		slog.Error("create temp sessions file", "error", err)
		return
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		slog.Error("write sessions file", "error", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		slog.Error("sync sessions file", "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		slog.Error("close sessions file", "error", err)
		return
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		slog.Error("rename sessions file", "error", err)
		return
	}
	keep = true
}
