package workspace

import (
	"context"
	"fmt"
	"log/slog"
)

// Step is one lifecycle unit: started in registration order, stopped in
// strict reverse order.
type Step struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func() error
}

// LifecycleManager starts subsystems in dependency order and shuts them down
// in reverse. Stop is best-effort: a broken subsystem must not prevent the
// rest from stopping cleanly.
type LifecycleManager struct {
	steps   []Step
	started []Step
}

func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{}
}

// Register appends a step. Nil Start or Stop funcs are treated as no-ops.
func (m *LifecycleManager) Register(step Step) {
	m.steps = append(m.steps, step)
}

// Start runs each step in order. On failure, already-started steps are
// stopped in reverse before the error returns.
func (m *LifecycleManager) Start(ctx context.Context) error {
	for _, step := range m.steps {
		if step.Start != nil {
			if err := step.Start(ctx); err != nil {
				slog.Error("lifecycle start failed", "step", step.Name, "error", err)
				m.Stop()
				return fmt.Errorf("start %s: %w", step.Name, err)
			}
		}
		m.started = append(m.started, step)
		slog.Info("lifecycle step started", "step", step.Name)
	}
	return nil
}

// Stop stops started steps in reverse order, logging failures and
// continuing.
func (m *LifecycleManager) Stop() {
	for i := len(m.started) - 1; i >= 0; i-- {
		step := m.started[i]
		if step.Stop != nil {
			if err := step.Stop(); err != nil {
				slog.Error("lifecycle stop failed", "step", step.Name, "error", err)
			} else {
				slog.Info("lifecycle step stopped", "step", step.Name)
			}
		}
	}
	m.started = nil
}
