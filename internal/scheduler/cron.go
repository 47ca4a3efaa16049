// Package scheduler fires stateless agent runs on cron expressions and
// heartbeat intervals, routing results to channels or the agent queue.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/openpaw/openpaw/internal/config"
)

// Job is one scheduled unit of work handed to the executor.
type Job struct {
	Name     string
	Prompt   string
	Delivery string // channel | agent | both
	ChatID   string
}

// Executor runs a scheduled job. Wired by the workspace to the cron lane.
type Executor func(job Job)

// CronScheduler ticks once a minute and fires jobs whose expression is due.
type CronScheduler struct {
	jobs     []config.CronJob
	loc      *time.Location
	execute  Executor
	interval time.Duration

	gron   *gronx.Gronx
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCronScheduler(jobs []config.CronJob, loc *time.Location, execute Executor) *CronScheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &CronScheduler{
		jobs:     jobs,
		loc:      loc,
		execute:  execute,
		interval: time.Minute,
		gron:     gronx.New(),
	}
}

// Start validates the expressions and begins the minute tick. Invalid
// expressions are a startup error surfaced before any job runs.
func (s *CronScheduler) Start(ctx context.Context) error {
	for _, job := range s.jobs {
		if !s.gron.IsValid(job.Schedule) {
			return &InvalidScheduleError{Job: job.Name, Expression: job.Schedule}
		}
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	slog.Info("cron scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop ends the tick loop and waits for it.
func (s *CronScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *CronScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	// Align to the next minute boundary so IsDue sees each minute once.
	now := time.Now().In(s.loc)
	first := now.Truncate(time.Minute).Add(s.interval).Sub(now)
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.tick(time.Now().In(s.loc))
		timer.Reset(s.interval)
	}
}

func (s *CronScheduler) tick(now time.Time) {
	for _, job := range s.jobs {
		due, err := s.gron.IsDue(job.Schedule, now)
		if err != nil {
			slog.Error("cron expression error", "job", job.Name, "error", err)
			continue
		}
		if !due {
			continue
		}
		slog.Info("cron job due", "job", job.Name)
		s.execute(Job{
			Name:     job.Name,
			Prompt:   job.Prompt,
			Delivery: job.Delivery,
			ChatID:   job.ChatID,
		})
	}
}

// InvalidScheduleError reports a bad cron expression at startup.
type InvalidScheduleError struct {
	Job        string
	Expression string
}

func (e *InvalidScheduleError) Error() string {
	return "cron job " + e.Job + ": invalid schedule " + e.Expression
}
