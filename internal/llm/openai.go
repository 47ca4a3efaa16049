package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider speaks any OpenAI-compatible chat-completions API
// (OpenAI, OpenRouter, Groq, DeepSeek, local VLLM).
type OpenAIProvider struct {
	name    string
	apiKey  string
	apiBase string
	client  *http.Client
	retry   RetryConfig
	// contextWindow overrides the default window estimate when set.
	contextWindow int
}

// NewOpenAIProvider builds a provider. An empty apiBase targets api.openai.com.
func NewOpenAIProvider(name, apiKey, apiBase string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:    name,
		apiKey:  apiKey,
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
		retry:   DefaultRetryConfig(),
	}
}

// WithContextWindow overrides the reported context window.
func (p *OpenAIProvider) WithContextWindow(tokens int) *OpenAIProvider {
	p.contextWindow = tokens
	return p
}

func (p *OpenAIProvider) Name() string { return p.name }

// MaxInputTokens reports a conservative window estimate per model family.
func (p *OpenAIProvider) MaxInputTokens(model string) int {
	if p.contextWindow > 0 {
		return p.contextWindow
	}
	switch {
	case strings.Contains(model, "gpt-4o"), strings.Contains(model, "gpt-4.1"):
		return 128000
	case strings.Contains(model, "o3"), strings.Contains(model, "o4"):
		return 200000
	default:
		return 128000
	}
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := openAIRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		om := openAIMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			otc := openAIToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		body.Messages = append(body.Messages, om)
	}
	for _, t := range req.Tools {
		ot := openAITool{Type: "function"}
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		body.Tools = append(body.Tools, ot)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	return RetryDo(ctx, p.retry, func() (*ChatResponse, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.apiBase+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return nil, retryableError{err}
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return nil, retryableError{fmt.Errorf("%s: http %d: %s", p.name, resp.StatusCode, b)}
		}

		var oai openAIResponse
		if err := json.NewDecoder(resp.Body).Decode(&oai); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
		}
		if oai.Error != nil {
			return nil, fmt.Errorf("%s: api error: %s", p.name, oai.Error.Message)
		}
		if len(oai.Choices) == 0 {
			return nil, fmt.Errorf("%s: empty choices", p.name)
		}

		choice := oai.Choices[0]
		out := &ChatResponse{
			Content: choice.Message.Content,
			Usage: Usage{
				InputTokens:  oai.Usage.PromptTokens,
				OutputTokens: oai.Usage.CompletionTokens,
			},
		}
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		return out, nil
	})
}
