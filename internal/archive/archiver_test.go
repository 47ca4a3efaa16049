package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/openpaw/openpaw/internal/llm"
)

func testMessages() []llm.Message {
	return []llm.Message{
		{Role: llm.RoleUser, Content: "deploy the service", Timestamp: "2026-08-01T10:00:00Z"},
		{Role: llm.RoleAssistant, Content: "Running the deploy.", ToolCalls: []llm.ToolCall{
			{ID: "tc1", Name: "shell", Arguments: `{"command":"make deploy"}`},
		}},
		{Role: llm.RoleTool, Content: "ok", ToolCallID: "tc1"},
		{Role: llm.RoleAssistant, Content: "Done."},
	}
}

func TestArchiveWritesBothFiles(t *testing.T) {
	dir := t.TempDir()
	a, err := NewArchiver(dir, "demo")
	if err != nil {
		t.Fatal(err)
	}

	mdPath, err := a.Archive("conv_1", "telegram:1", time.Now().Add(-time.Hour),
		testMessages(), "deployed the service", []string{"manual"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(mdPath); err != nil {
		t.Errorf("markdown missing: %v", err)
	}
	jsonPath := filepath.Join(dir, "memory", "conversations", "conv_1.json")
	if _, err := os.Stat(jsonPath); err != nil {
		t.Errorf("json sidecar missing: %v", err)
	}

	md, _ := os.ReadFile(mdPath)
	for _, want := range []string{"conv_1", "telegram:1", "deployed the service", "make deploy"} {
		if !strings.Contains(string(md), want) {
			t.Errorf("markdown missing %q", want)
		}
	}
}

func TestArchiveJSONRoundTripIdempotent(t *testing.T) {
	dir := t.TempDir()
	a, err := NewArchiver(dir, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Archive("conv_rt", "telegram:1", time.Now(),
		testMessages(), "summary", []string{"compact", "auto"}); err != nil {
		t.Fatal(err)
	}

	rec1, err := a.Load("conv_rt")
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(rec1)
	if err != nil {
		t.Fatal(err)
	}
	var rec2 Record
	if err := json.Unmarshal(data, &rec2); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rec1, rec2) {
		t.Errorf("re-serialised archive differs:\n%+v\n%+v", rec1, rec2)
	}
}

func TestArchiveSidecarSchema(t *testing.T) {
	dir := t.TempDir()
	a, err := NewArchiver(dir, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Archive("conv_s", "tg:9", time.Now(), testMessages(), "", []string{"shutdown"}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "memory", "conversations", "conv_s.json"))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{
		"conversation_id", "session_key", "workspace_name",
		"started_at", "ended_at", "message_count", "tags", "messages",
	} {
		if _, ok := raw[field]; !ok {
			t.Errorf("sidecar missing field %q", field)
		}
	}
	if raw["message_count"].(float64) != 4 {
		t.Errorf("message_count = %v", raw["message_count"])
	}
}

type recordingIndexer struct {
	got []string
}

func (r *recordingIndexer) Index(rec Record, markdownPath string) error {
	r.got = append(r.got, rec.ConversationID)
	return nil
}

func TestIndexerHook(t *testing.T) {
	a, err := NewArchiver(t.TempDir(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	ix := &recordingIndexer{}
	a.SetIndexer(ix)

	if _, err := a.Archive("conv_ix", "tg:1", time.Now(), nil, "", nil); err != nil {
		t.Fatal(err)
	}
	if len(ix.got) != 1 || ix.got[0] != "conv_ix" {
		t.Errorf("indexer saw %v", ix.got)
	}
}
