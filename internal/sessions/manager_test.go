package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestConversationIDStable(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	first := m.ConversationID("telegram:1")
	second := m.ConversationID("telegram:1")
	if first != second {
		t.Errorf("conversation id changed without rotation: %q vs %q", first, second)
	}
}

func TestNewConversationRotates(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	old := m.ConversationID("telegram:1")
	fresh := m.NewConversation("telegram:1")
	if fresh == old {
		t.Errorf("NewConversation returned the previous id %q", old)
	}
	if got := m.ConversationID("telegram:1"); got != fresh {
		t.Errorf("active id = %q, want rotated %q", got, fresh)
	}
	// Rotation resets the message count.
	if st, _ := m.Get("telegram:1"); st.MessageCount != 0 {
		t.Errorf("message count = %d after rotation", st.MessageCount)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m1, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	conv := m1.ConversationID("telegram:1")
	m1.Touch("telegram:1")
	m1.Touch("telegram:1")

	m2, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := m2.ConversationID("telegram:1"); got != conv {
		t.Errorf("reloaded conversation id = %q, want %q", got, conv)
	}
	st, ok := m2.Get("telegram:1")
	if !ok || st.MessageCount != 2 {
		t.Errorf("reloaded state = %+v, ok=%v", st, ok)
	}
	if st.LastActiveAt == nil {
		t.Error("LastActiveAt not persisted")
	}
}

func TestStateRoundTripsThroughJSON(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m.Touch("a:1")

	st1, _ := m.Get("a:1")
	data, err := json.Marshal(st1)
	if err != nil {
		t.Fatal(err)
	}
	var st2 State
	if err := json.Unmarshal(data, &st2); err != nil {
		t.Fatal(err)
	}
	if st2.ConversationID != st1.ConversationID || st2.MessageCount != st1.MessageCount ||
		!st2.StartedAt.Equal(st1.StartedAt) {
		t.Errorf("round trip mismatch: %+v vs %+v", st1, st2)
	}
}

func TestCorruptedFileTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, ".openpaw")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, "sessions.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("corrupted file should not be fatal: %v", err)
	}
	if keys := m.ActiveSessions(); len(keys) != 0 {
		t.Errorf("expected empty state, got %v", keys)
	}
}

func TestThreadID(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	conv := m.ConversationID("telegram:1")
	if got := m.ThreadID("telegram:1"); got != "telegram:1:"+conv {
		t.Errorf("ThreadID = %q", got)
	}
}
