package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openpaw/openpaw/internal/config"
)

func TestCronStartRejectsInvalidExpression(t *testing.T) {
	s := NewCronScheduler([]config.CronJob{
		{Name: "ok", Schedule: "*/5 * * * *", Prompt: "p"},
		{Name: "broken", Schedule: "every tuesday", Prompt: "p"},
	}, time.UTC, func(Job) {})

	err := s.Start(context.Background())
	var bad *InvalidScheduleError
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want InvalidScheduleError", err)
	}
	if bad.Job != "broken" {
		t.Errorf("error names job %q", bad.Job)
	}
}

func TestCronTickFiresDueJobs(t *testing.T) {
	var mu sync.Mutex
	var fired []Job
	s := NewCronScheduler([]config.CronJob{
		{Name: "every-minute", Schedule: "* * * * *", Prompt: "check in", Delivery: "channel", ChatID: "42"},
		{Name: "midnight-only", Schedule: "0 0 * * *", Prompt: "nightly"},
	}, time.UTC, func(j Job) {
		mu.Lock()
		fired = append(fired, j)
		mu.Unlock()
	})

	noon := time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC)
	s.tick(noon)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 {
		t.Fatalf("fired %d jobs at noon, want 1: %v", len(fired), fired)
	}
	j := fired[0]
	if j.Name != "every-minute" || j.Prompt != "check in" || j.Delivery != "channel" || j.ChatID != "42" {
		t.Errorf("job = %+v", j)
	}
}

func TestCronTickAtMidnight(t *testing.T) {
	var mu sync.Mutex
	var names []string
	s := NewCronScheduler([]config.CronJob{
		{Name: "every-minute", Schedule: "* * * * *", Prompt: "p"},
		{Name: "midnight-only", Schedule: "0 0 * * *", Prompt: "p"},
	}, time.UTC, func(j Job) {
		mu.Lock()
		names = append(names, j.Name)
		mu.Unlock()
	})

	midnight := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	s.tick(midnight)

	mu.Lock()
	defer mu.Unlock()
	if len(names) != 2 {
		t.Errorf("fired %v at midnight, want both jobs", names)
	}
}

func heartbeatFixture(t *testing.T, cfg config.HeartbeatConfig, tasks TaskSummary) *Heartbeat {
	t.Helper()
	h, err := NewHeartbeat(cfg, time.UTC, tasks, func(Job) {})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestHeartbeatSuppression(t *testing.T) {
	tests := []struct {
		name       string
		suppressOK bool
		response   string
		want       bool
	}{
		{"exact ok suppressed", true, "HEARTBEAT_OK", true},
		{"ok with whitespace suppressed", true, "  HEARTBEAT_OK\n", true},
		{"real finding delivered", true, "Task X is overdue.", false},
		{"ok embedded in prose delivered", true, "All good, HEARTBEAT_OK for now", false},
		{"suppression disabled", false, "HEARTBEAT_OK", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := heartbeatFixture(t, config.HeartbeatConfig{SuppressOK: tt.suppressOK, IntervalMinutes: 30}, nil)
			if got := h.ShouldSuppress(tt.response); got != tt.want {
				t.Errorf("ShouldSuppress(%q) = %v, want %v", tt.response, got, tt.want)
			}
		})
	}
}

func TestHeartbeatPromptSubstitutesTasks(t *testing.T) {
	h := heartbeatFixture(t, config.HeartbeatConfig{IntervalMinutes: 30}, func() string {
		return "- [ ] ship release"
	})

	prompt := h.buildPrompt()
	if strings.Contains(prompt, "%TASKS%") {
		t.Error("placeholder left in prompt")
	}
	if !strings.Contains(prompt, "- [ ] ship release") {
		t.Errorf("task summary missing from prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, HeartbeatOK) {
		t.Error("default prompt should mention the OK marker")
	}
}

func TestHeartbeatCustomPromptWithoutPlaceholder(t *testing.T) {
	h := heartbeatFixture(t, config.HeartbeatConfig{
		IntervalMinutes: 30,
		Prompt:          "Anything urgent?",
	}, func() string { return "- [ ] call dentist" })

	prompt := h.buildPrompt()
	if !strings.HasPrefix(prompt, "Anything urgent?") {
		t.Errorf("custom prompt lost: %q", prompt)
	}
	// Tasks are appended when the prompt has no placeholder.
	if !strings.Contains(prompt, "- [ ] call dentist") {
		t.Errorf("tasks not appended: %q", prompt)
	}
}

func TestHeartbeatActiveWindow(t *testing.T) {
	h := heartbeatFixture(t, config.HeartbeatConfig{
		IntervalMinutes: 30,
		ActiveHours:     "22:00-08:00",
	}, nil)

	inside := time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC)
	outside := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	if !h.withinWindow(inside) {
		t.Error("03:00 should be inside 22:00-08:00")
	}
	if h.withinWindow(outside) {
		t.Error("12:00 should be outside 22:00-08:00")
	}

	noWindow := heartbeatFixture(t, config.HeartbeatConfig{IntervalMinutes: 30}, nil)
	if !noWindow.withinWindow(outside) {
		t.Error("heartbeat without active_hours is always in window")
	}
}

func TestHeartbeatBadActiveHours(t *testing.T) {
	_, err := NewHeartbeat(config.HeartbeatConfig{ActiveHours: "late-night"}, time.UTC, nil, func(Job) {})
	if err == nil {
		t.Error("bad active_hours accepted")
	}
}

func TestOnceSchedulerFires(t *testing.T) {
	s := NewOnceScheduler()
	defer s.Stop()

	fired := make(chan struct{})
	s.ScheduleOnce(5*time.Millisecond, func() { close(fired) })

	if s.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", s.PendingCount())
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	// The timer unregisters itself once run.
	deadline := time.Now().Add(time.Second)
	for s.PendingCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d after fire", s.PendingCount())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOnceSchedulerStopCancels(t *testing.T) {
	s := NewOnceScheduler()

	var mu sync.Mutex
	ran := false
	s.ScheduleOnce(20*time.Millisecond, func() {
		mu.Lock()
		ran = true
		mu.Unlock()
	})
	s.Stop()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if ran {
		t.Error("cancelled callback ran")
	}
	if s.PendingCount() != 0 {
		t.Errorf("pending = %d after stop", s.PendingCount())
	}

	// Scheduling after Stop is a no-op, not a panic.
	s.ScheduleOnce(time.Millisecond, func() {})
	if s.PendingCount() != 0 {
		t.Error("closed scheduler accepted a timer")
	}
}

func TestOnceSchedulerZeroDelayRunsImmediately(t *testing.T) {
	s := NewOnceScheduler()
	defer s.Stop()

	fired := make(chan struct{})
	s.ScheduleOnce(0, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("zero-delay callback never ran")
	}
}
