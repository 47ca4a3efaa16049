package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openpaw/openpaw/internal/bus"
	"github.com/openpaw/openpaw/internal/queue"
	"github.com/openpaw/openpaw/internal/scheduler"
)

// Scheduled jobs run through the cron lane so their concurrency is capped
// alongside everything else. The job rides in the queue item's message
// metadata.

func (r *Runner) enqueueCronJob(job scheduler.Job) {
	r.enqueueScheduled(job, "cron")
}

func (r *Runner) enqueueHeartbeatJob(job scheduler.Job) {
	r.enqueueScheduled(job, "heartbeat")
}

func (r *Runner) enqueueScheduled(job scheduler.Job, kind string) {
	r.lanes.Enqueue(bus.QueueItem{
		SessionKey: "scheduled:" + job.Name,
		Payload: bus.Payload{
			Channel: r.channel.Name(),
			Messages: []bus.Message{{
				Channel:    r.channel.Name(),
				SessionKey: "scheduled:" + job.Name,
				Content:    job.Prompt,
				Direction:  bus.DirectionInbound,
				Timestamp:  time.Now().UTC(),
				Metadata: map[string]string{
					"kind":     kind,
					"job":      job.Name,
					"delivery": job.Delivery,
					"chat_id":  job.ChatID,
				},
			}},
		},
		Mode:          bus.ModeCollect,
		SteerEligible: false,
	}, queue.LaneCron)
}

// runScheduledJob is the cron-lane handler: one stateless agent run per job,
// delivered to the channel, the agent queue, or both.
func (r *Runner) runScheduledJob(ctx context.Context, item bus.QueueItem) {
	if len(item.Payload.Messages) == 0 {
		return
	}
	msg := item.Payload.Messages[0]
	kind := msg.Metadata["kind"]
	jobName := msg.Metadata["job"]
	delivery := msg.Metadata["delivery"]
	if delivery == "" {
		delivery = "channel"
	}

	response, err := r.statelessRun(ctx, msg.Content)
	if err != nil {
		slog.Error("scheduled run failed", "job", jobName, "error", err)
		return
	}

	if kind == "heartbeat" && r.heartbeat != nil && r.heartbeat.ShouldSuppress(response) {
		m := r.proc.Ledger()
		in, out := m.Today()
		slog.Info("heartbeat ok, delivery suppressed",
			"job", jobName, "tokens_today_in", in, "tokens_today_out", out)
		return
	}
	if response == "" {
		return
	}

	targetSession := r.channel.BuildSessionKey()
	if chatID := msg.Metadata["chat_id"]; chatID != "" {
		targetSession = r.channel.BuildSessionKey(chatID)
	}

	if delivery == "channel" || delivery == "both" {
		if _, err := r.channel.SendMessage(ctx, targetSession, response); err != nil {
			slog.Error("scheduled delivery failed", "job", jobName, "error", err)
		}
	}
	if delivery == "agent" || delivery == "both" {
		r.proc.InjectSystemEvent(targetSession, r.channel.Name(),
			fmt.Sprintf("[Scheduled task '%s' result]\n%s", jobName, response))
	}
}
