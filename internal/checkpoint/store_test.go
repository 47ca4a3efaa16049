package checkpoint

import (
	"context"
	"testing"

	"github.com/openpaw/openpaw/internal/llm"
)

func TestAppendHistoryOrder(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "run the report"},
		{Role: llm.RoleAssistant, Content: "Running it.", ToolCalls: []llm.ToolCall{
			{ID: "tc1", Name: "shell", Arguments: `{"command":"make report"}`},
		}},
		{Role: llm.RoleTool, Content: "report.pdf written", ToolCallID: "tc1"},
		{Role: llm.RoleAssistant, Content: "Done, report.pdf is ready."},
	}
	for _, m := range msgs {
		if err := store.Append(ctx, "tg:1:conv_a", m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.History(ctx, "tg:1:conv_a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("history = %d messages", len(got))
	}
	for i, m := range got {
		if m.Role != msgs[i].Role || m.Content != msgs[i].Content {
			t.Errorf("history[%d] = %+v", i, m)
		}
	}
	if len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].Name != "shell" {
		t.Errorf("tool calls lost: %+v", got[1].ToolCalls)
	}
	if got[2].ToolCallID != "tc1" {
		t.Errorf("tool call id = %q", got[2].ToolCallID)
	}
	if got[0].Timestamp == "" {
		t.Error("timestamp not defaulted")
	}
}

func TestThreadsAreIsolated(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	store.Append(ctx, "tg:1:conv_a", llm.Message{Role: llm.RoleUser, Content: "a"})
	store.Append(ctx, "tg:2:conv_b", llm.Message{Role: llm.RoleUser, Content: "b"})

	if n, _ := store.MessageCount(ctx, "tg:1:conv_a"); n != 1 {
		t.Errorf("count(conv_a) = %d", n)
	}
	other, _ := store.History(ctx, "tg:2:conv_b")
	if len(other) != 1 || other[0].Content != "b" {
		t.Errorf("conv_b history = %+v", other)
	}
}

func TestDeleteThread(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	store.Append(ctx, "tg:1:conv_a", llm.Message{Role: llm.RoleUser, Content: "a"})
	store.Append(ctx, "tg:1:conv_b", llm.Message{Role: llm.RoleUser, Content: "b"})

	if err := store.DeleteThread(ctx, "tg:1:conv_a"); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.MessageCount(ctx, "tg:1:conv_a"); n != 0 {
		t.Errorf("deleted thread count = %d", n)
	}
	if n, _ := store.MessageCount(ctx, "tg:1:conv_b"); n != 1 {
		t.Errorf("sibling thread count = %d", n)
	}
}

func TestReopenSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	store.Append(ctx, "tg:1:conv_a", llm.Message{Role: llm.RoleUser, Content: "persist me"})
	store.Close()

	store2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()

	got, err := store2.History(ctx, "tg:1:conv_a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "persist me" {
		t.Errorf("history after reopen = %+v", got)
	}
}
