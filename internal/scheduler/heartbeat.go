package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openpaw/openpaw/internal/config"
)

// HeartbeatOK is the reply that suppresses delivery when suppress_ok is set.
const HeartbeatOK = "HEARTBEAT_OK"

const defaultHeartbeatPrompt = "This is a scheduled heartbeat. Review the task list below and report anything that needs attention. If everything is on track and there is nothing to say, reply exactly HEARTBEAT_OK.\n\n%TASKS%"

// TaskSummary supplies the current task list for heartbeat prompts.
type TaskSummary func() string

// Heartbeat fires a recurring agent check-in during active hours.
type Heartbeat struct {
	cfg     config.HeartbeatConfig
	loc     *time.Location
	tasks   TaskSummary
	execute Executor

	startMin, endMin int
	hasWindow        bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHeartbeat(cfg config.HeartbeatConfig, loc *time.Location, tasks TaskSummary, execute Executor) (*Heartbeat, error) {
	if loc == nil {
		loc = time.UTC
	}
	h := &Heartbeat{cfg: cfg, loc: loc, tasks: tasks, execute: execute}
	if cfg.ActiveHours != "" {
		start, end, err := config.ParseActiveHours(cfg.ActiveHours)
		if err != nil {
			return nil, err
		}
		h.startMin, h.endMin = start, end
		h.hasWindow = true
	}
	return h, nil
}

// Start begins the interval loop.
func (h *Heartbeat) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.loop(ctx)
	slog.Info("heartbeat started",
		"interval_minutes", h.cfg.IntervalMinutes, "active_hours", h.cfg.ActiveHours)
}

// Stop ends the loop and waits for it.
func (h *Heartbeat) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer h.wg.Done()
	interval := time.Duration(h.cfg.IntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now().In(h.loc)
		if !h.withinWindow(now) {
			slog.Debug("heartbeat outside active hours", "now", now.Format("15:04"))
			continue
		}
		h.execute(Job{
			Name:     "heartbeat",
			Prompt:   h.buildPrompt(),
			Delivery: h.cfg.Delivery,
			ChatID:   h.cfg.TargetChatID,
		})
	}
}

func (h *Heartbeat) withinWindow(now time.Time) bool {
	if !h.hasWindow {
		return true
	}
	return config.WithinActiveHours(h.startMin, h.endMin, now.Hour()*60+now.Minute())
}

func (h *Heartbeat) buildPrompt() string {
	prompt := h.cfg.Prompt
	if prompt == "" {
		prompt = defaultHeartbeatPrompt
	}
	summary := "No active tasks."
	if h.tasks != nil {
		summary = h.tasks()
	}
	if strings.Contains(prompt, "%TASKS%") {
		return strings.ReplaceAll(prompt, "%TASKS%", summary)
	}
	return prompt + "\n\n" + summary
}

// ShouldSuppress reports whether a heartbeat response should be dropped:
// suppress_ok is set and the model replied exactly HEARTBEAT_OK.
func (h *Heartbeat) ShouldSuppress(response string) bool {
	return h.cfg.SuppressOK && strings.TrimSpace(response) == HeartbeatOK
}
