// Package agent binds an LLM provider, tool registry, middleware chain, and
// checkpointer into one callable that consumes a user turn.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openpaw/openpaw/internal/checkpoint"
	"github.com/openpaw/openpaw/internal/llm"
	"github.com/openpaw/openpaw/internal/middleware"
	"github.com/openpaw/openpaw/internal/tools"
)

var tracer = otel.Tracer("openpaw/agent")

// Metrics is the token accounting for the most recent run.
type Metrics struct {
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	Iterations   int
}

// ContextInfo reports a thread's context-window pressure.
type ContextInfo struct {
	MaxInputTokens    int
	ApproximateTokens int
	Utilization       float64
	MessageCount      int
}

// Config builds a Runner.
type Config struct {
	Provider     llm.Provider
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTurns     int
	Registry     *tools.Registry
	Chain        *middleware.Chain
	Checkpointer *checkpoint.Store // nil for stateless runners
	// OnToolUser delivers a tool's user-facing output mid-run.
	OnToolUser func(content string)
}

// Runner executes agent turns. Safe for sequential reuse; the session mutex
// upstream guarantees one run per session at a time.
type Runner struct {
	mu sync.Mutex

	provider     llm.Provider
	model        string
	systemPrompt string
	temperature  float64
	maxTurns     int
	registry     *tools.Registry
	chain        *middleware.Chain
	checkpointer *checkpoint.Store
	onToolUser   func(string)

	lastMetrics Metrics
}

func NewRunner(cfg Config) *Runner {
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 30
	}
	chain := cfg.Chain
	if chain == nil {
		chain = middleware.NewChain()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Runner{
		provider:     cfg.Provider,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTurns:     maxTurns,
		registry:     registry,
		chain:        chain,
		checkpointer: cfg.Checkpointer,
		onToolUser:   cfg.OnToolUser,
	}
}

// EstimateTokens approximates token count as len/4. Good enough for
// utilization thresholds; exact counting would need provider tokenizers.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// LastMetrics returns the accounting of the most recent run.
func (r *Runner) LastMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMetrics
}

// Model returns the active model ID.
func (r *Runner) Model() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model
}

// UpdateModel switches the active model at runtime.
func (r *Runner) UpdateModel(provider llm.Provider, model string) {
	r.mu.Lock()
	if provider != nil {
		r.provider = provider
	}
	r.model = model
	r.mu.Unlock()
}

// UpdateCheckpointer swaps the history store.
func (r *Runner) UpdateCheckpointer(store *checkpoint.Store) {
	r.mu.Lock()
	r.checkpointer = store
	r.mu.Unlock()
}

// RebuildAgent replaces the tool registry and middleware chain, for runtime
// reconfiguration after a config change.
func (r *Runner) RebuildAgent(registry *tools.Registry, chain *middleware.Chain) {
	r.mu.Lock()
	if registry != nil {
		r.registry = registry
	}
	if chain != nil {
		r.chain = chain
	}
	r.mu.Unlock()
}

// ContextInfo reports the thread's context utilization.
func (r *Runner) ContextInfo(ctx context.Context, threadID string) (ContextInfo, error) {
	r.mu.Lock()
	store := r.checkpointer
	provider := r.provider
	model := r.model
	prompt := r.systemPrompt
	r.mu.Unlock()

	info := ContextInfo{MaxInputTokens: provider.MaxInputTokens(model)}
	info.ApproximateTokens = EstimateTokens(prompt)
	if store != nil {
		history, err := store.History(ctx, threadID)
		if err != nil {
			return info, err
		}
		info.MessageCount = len(history)
		for _, m := range history {
			info.ApproximateTokens += EstimateTokens(m.Content)
			for _, tc := range m.ToolCalls {
				info.ApproximateTokens += EstimateTokens(tc.Arguments)
			}
		}
	}
	if info.MaxInputTokens > 0 {
		info.Utilization = float64(info.ApproximateTokens) / float64(info.MaxInputTokens)
	}
	return info, nil
}

// History returns the thread's persisted messages.
func (r *Runner) History(ctx context.Context, threadID string) ([]llm.Message, error) {
	r.mu.Lock()
	store := r.checkpointer
	r.mu.Unlock()
	if store == nil {
		return nil, nil
	}
	return store.History(ctx, threadID)
}

// Run executes one agent turn: model call, tool loop, final message. Control
// flow signals (middleware.ApprovalRequired, middleware.InterruptSignal)
// propagate as errors; on those paths nothing is persisted, so an approved
// re-run replays the same input cleanly.
func (r *Runner) Run(ctx context.Context, userMessage, threadID string) (string, error) {
	r.mu.Lock()
	provider := r.provider
	model := r.model
	prompt := r.systemPrompt
	temperature := r.temperature
	maxTurns := r.maxTurns
	registry := r.registry
	chain := r.chain
	store := r.checkpointer
	r.mu.Unlock()

	ctx, span := tracer.Start(ctx, "agent.run")
	span.SetAttributes(
		attribute.String("thread_id", threadID),
		attribute.String("model", model),
	)
	defer span.End()

	start := time.Now()

	var history []llm.Message
	if store != nil {
		var err error
		history, err = store.History(ctx, threadID)
		if err != nil {
			return "", fmt.Errorf("load history: %w", err)
		}
		history = sanitizeHistory(history)
	}

	userMsg := llm.Message{
		Role:      llm.RoleUser,
		Content:   userMessage,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	messages := make([]llm.Message, 0, len(history)+2)
	if prompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: prompt})
	}
	messages = append(messages, history...)
	messages = append(messages, userMsg)

	// Messages produced this turn, persisted only on success.
	turnLog := []llm.Message{userMsg}

	var usage llm.Usage
	iterations := 0
	final := ""

	for iterations < maxTurns {
		iterations++

		resp, err := provider.Chat(ctx, llm.ChatRequest{
			Model:       model,
			Messages:    messages,
			Tools:       registry.Definitions(),
			Temperature: temperature,
		})
		if err != nil {
			r.record(usage, start, iterations)
			return "", fmt.Errorf("model call: %w", err)
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		assistant := llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		messages = append(messages, assistant)
		turnLog = append(turnLog, assistant)

		if len(resp.ToolCalls) == 0 {
			final = StripThinkingTags(resp.Content)
			break
		}

		for _, tc := range resp.ToolCalls {
			result, err := r.executeToolCall(ctx, registry, chain, tc)
			if err != nil {
				// Control-flow signal: abandon the turn without persisting.
				r.record(usage, start, iterations)
				return "", err
			}
			if result.ForUser != "" && r.onToolUser != nil {
				r.onToolUser(result.ForUser)
			}
			toolMsg := llm.Message{
				Role:       llm.RoleTool,
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
				Timestamp:  time.Now().UTC().Format(time.RFC3339),
			}
			messages = append(messages, toolMsg)
			turnLog = append(turnLog, toolMsg)
		}
	}

	if iterations >= maxTurns && final == "" {
		slog.Warn("agent hit max turns", "thread", threadID, "max_turns", maxTurns)
		final = "I reached the maximum number of reasoning steps for this turn."
	}

	if store != nil {
		for _, m := range turnLog {
			if err := store.Append(ctx, threadID, m); err != nil {
				slog.Error("persist turn message", "thread", threadID, "error", err)
				break
			}
		}
	}

	r.record(usage, start, iterations)
	span.SetAttributes(
		attribute.Int("input_tokens", usage.InputTokens),
		attribute.Int("output_tokens", usage.OutputTokens),
		attribute.Int("iterations", iterations),
	)
	return final, nil
}

func (r *Runner) executeToolCall(ctx context.Context, registry *tools.Registry, chain *middleware.Chain, tc llm.ToolCall) (*tools.Result, error) {
	ctx, span := tracer.Start(ctx, "agent.tool")
	span.SetAttributes(attribute.String("tool", tc.Name))
	defer span.End()

	var args map[string]any
	if tc.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			return tools.ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", tc.Name, err)), nil
		}
	}

	tool, _ := registry.Get(tc.Name)
	result, err := chain.Execute(ctx, tool, middleware.Request{
		ToolName:   tc.Name,
		ToolCallID: tc.ID,
		Args:       args,
		RawArgs:    tc.Arguments,
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = tools.ErrorResult(fmt.Sprintf("tool %q produced no result", tc.Name))
	}
	if result.Err != nil {
		slog.Error("tool execution error", "tool", tc.Name, "error", result.Err)
	}
	if result.Usage != nil {
		span.SetAttributes(
			attribute.Int("tool.input_tokens", result.Usage.InputTokens),
			attribute.Int("tool.output_tokens", result.Usage.OutputTokens),
		)
	}
	return result, nil
}

func (r *Runner) record(usage llm.Usage, start time.Time, iterations int) {
	r.mu.Lock()
	r.lastMetrics = Metrics{
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Duration:     time.Since(start),
		Iterations:   iterations,
	}
	r.mu.Unlock()
}
