package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunFunc runs one isolated stateless agent turn and returns its final
// message. Wired to the workspace's agent factory; no checkpointer, no
// middleware.
type RunFunc func(ctx context.Context, prompt string) (string, error)

// ResultCallback delivers a finished sub-agent's announcement to the parent
// session, typically as a system-event queue injection.
type ResultCallback func(parentSession, content string)

// Runner is the bounded worker pool executing sub-agent requests.
type Runner struct {
	store          *Store
	run            RunFunc
	onResult       ResultCallback
	maxConcurrent  int
	defaultTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	sem      chan struct{}
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRunner creates a runner draining at most maxConcurrent jobs at once
// (default 8).
func NewRunner(store *Store, run RunFunc, onResult ResultCallback, maxConcurrent int, defaultTimeout time.Duration) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Minute
	}
	return &Runner{
		store:          store,
		run:            run,
		onResult:       onResult,
		maxConcurrent:  maxConcurrent,
		defaultTimeout: defaultTimeout,
		inflight:       make(map[string]context.CancelFunc),
		sem:            make(chan struct{}, maxConcurrent),
	}
}

// Start makes the runner accept spawns until Stop.
func (r *Runner) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight jobs and waits for workers to drain.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Spawn persists the request and schedules it, returning the ID immediately.
func (r *Runner) Spawn(label, prompt, parentSession string, timeout time.Duration) (string, error) {
	if r.ctx == nil {
		return "", fmt.Errorf("sub-agent runner not started")
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	req := &Request{
		ID:             uuid.NewString()[:8],
		Label:          label,
		ParentSession:  parentSession,
		Prompt:         prompt,
		TimeoutSeconds: int(timeout / time.Second),
		CreatedAt:      time.Now().UTC(),
		Status:         StatusPending,
	}
	if err := r.store.Save(req); err != nil {
		return "", err
	}

	r.wg.Add(1)
	go r.execute(req, timeout)
	return req.ID, nil
}

// InflightCount returns the number of running jobs.
func (r *Runner) InflightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func (r *Runner) execute(req *Request, timeout time.Duration) {
	defer r.wg.Done()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-r.ctx.Done():
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	r.mu.Lock()
	r.inflight[req.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, req.ID)
		r.mu.Unlock()
	}()

	req.Status = StatusRunning
	if err := r.store.Save(req); err != nil {
		slog.Error("persist sub-agent status", "id", req.ID, "error", err)
	}

	start := time.Now()
	result, err := r.run(ctx, req.Prompt)
	elapsed := time.Since(start).Round(time.Second)

	switch {
	case err == nil:
		req.Status = StatusCompleted
		req.Result = result
	case ctx.Err() == context.DeadlineExceeded:
		req.Status = StatusTimedOut
		req.Error = fmt.Sprintf("timed out after %s", timeout)
	default:
		req.Status = StatusFailed
		req.Error = err.Error()
	}
	if err := r.store.Save(req); err != nil {
		slog.Error("persist sub-agent result", "id", req.ID, "error", err)
	}

	slog.Info("sub-agent finished",
		"id", req.ID, "label", req.Label, "status", string(req.Status), "elapsed", elapsed)

	if r.onResult != nil && r.ctx.Err() == nil {
		r.onResult(req.ParentSession, r.announcement(req, elapsed))
	}
}

func (r *Runner) announcement(req *Request, elapsed time.Duration) string {
	switch req.Status {
	case StatusCompleted:
		return fmt.Sprintf("[Sub-agent '%s' (%s) completed in %s]\n%s",
			req.Label, req.ID, elapsed, req.Result)
	case StatusTimedOut:
		return fmt.Sprintf("[Sub-agent '%s' (%s) %s]", req.Label, req.ID, req.Error)
	default:
		return fmt.Sprintf("[Sub-agent '%s' (%s) failed: %s]", req.Label, req.ID, req.Error)
	}
}
