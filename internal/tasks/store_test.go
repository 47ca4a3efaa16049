package tasks

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTasks(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "TASKS.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const sampleTasks = `
tasks:
  - title: ship release
    status: active
    due: "2026-09-01"
  - title: fix flaky test
    status: blocked
    notes: waiting on infra
  - title: write changelog
    status: done
`

func TestActiveExcludesDone(t *testing.T) {
	dir := t.TempDir()
	writeTasks(t, dir, sampleTasks)

	s := NewStore(dir)
	active := s.Active()
	if len(active) != 2 {
		t.Fatalf("active = %d tasks", len(active))
	}
	for _, task := range active {
		if strings.EqualFold(task.Status, "done") {
			t.Errorf("done task in active list: %+v", task)
		}
	}
}

func TestMissingFileMeansNoTasks(t *testing.T) {
	s := NewStore(t.TempDir())
	if got := s.Active(); len(got) != 0 {
		t.Errorf("active = %v", got)
	}
	if got := s.Summary(); got != "No active tasks." {
		t.Errorf("summary = %q", got)
	}
}

func TestSummaryRendersStatusAndDue(t *testing.T) {
	dir := t.TempDir()
	writeTasks(t, dir, sampleTasks)

	got := NewStore(dir).Summary()
	if !strings.HasPrefix(got, "Active tasks (2):") {
		t.Errorf("summary header: %q", got)
	}
	if !strings.Contains(got, "- ship release (due 2026-09-01)") {
		t.Errorf("due date missing: %q", got)
	}
	if !strings.Contains(got, "- fix flaky test [blocked]") {
		t.Errorf("blocked status missing: %q", got)
	}
	if strings.Contains(got, "changelog") {
		t.Errorf("done task rendered: %q", got)
	}
}

func TestMalformedFileKeepsPreviousList(t *testing.T) {
	dir := t.TempDir()
	writeTasks(t, dir, sampleTasks)

	s := NewStore(dir)
	if len(s.Active()) != 2 {
		t.Fatal("fixture not loaded")
	}

	writeTasks(t, dir, "tasks: [not: valid: yaml")
	s.reload()

	if len(s.Active()) != 2 {
		t.Errorf("malformed reload wiped the list: %v", s.Active())
	}
}

func TestWatcherPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	writeTasks(t, dir, "tasks:\n  - title: first\n    status: active\n")

	s := NewStore(dir)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	writeTasks(t, dir, "tasks:\n  - title: first\n    status: done\n  - title: second\n    status: active\n")

	deadline := time.Now().Add(2 * time.Second)
	for {
		active := s.Active()
		if len(active) == 1 && active[0].Title == "second" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("watcher never reloaded, active = %v", active)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
