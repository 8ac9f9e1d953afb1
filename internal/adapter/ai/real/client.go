// Package real implements the LLM port against OpenRouter's
// OpenAI-compatible chat completions API.
package real

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"log/slog"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-agent-runner/internal/config"
	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/observability"
)

// Client talks to OpenRouter. One instance is shared by all workers in the
// process; the http.Client handles connection pooling.
type Client struct {
	cfg     config.Config
	hc      *http.Client
	counter *tokencount.Counter
}

// New constructs the client. Dev gets a generous timeout because free-tier
// models queue for a long time before first token.
func New(cfg config.Config) *Client {
	timeout := 60 * time.Second
	if cfg.IsDev() {
		timeout = 300 * time.Second
	}
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		counter: tokencount.NewCounter(),
	}
}

// wire types for the OpenAI-compatible surface

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) getBackoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsedTime, initialInterval, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	expo.MaxElapsedTime = maxElapsedTime
	expo.InitialInterval = initialInterval
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

// Chat performs one chat completion with tool support. Transient provider
// failures (429, 5xx, transport errors) are retried with backoff inside the
// call; 4xx responses are permanent.
func (c *Client) Chat(ctx domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	if c.cfg.OpenRouterAPIKey == "" {
		return domain.ChatResponse{}, fmt.Errorf("op=ai.chat: %w: OPENROUTER_API_KEY missing", domain.ErrInvalidArgument)
	}

	model := c.cfg.ChatModel
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.ChatMaxTokens
	}

	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   encodeMessages(req.Messages),
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Stop) > 0 {
		body["stop"] = req.Stop
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Schema,
				},
			})
		}
		body["tools"] = tools
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=ai.chat: encode request: %w", err)
	}

	var out wireResponse
	var rateLimited bool
	op := func() error {
		start := time.Now()
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenRouterBaseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.OpenRouterAPIKey)
		r.Header.Set("Content-Type", "application/json")
		if c.cfg.OpenRouterReferer != "" {
			r.Header.Set("HTTP-Referer", c.cfg.OpenRouterReferer)
		}
		if c.cfg.OpenRouterTitle != "" {
			r.Header.Set("X-Title", c.cfg.OpenRouterTitle)
		}

		resp, err := c.hc.Do(r)
		observability.AIRequestsTotal.WithLabelValues("openrouter", "chat").Inc()
		observability.AIRequestDuration.WithLabelValues("openrouter", "chat").Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			rateLimited = true
			slog.Warn("ai provider rate limited",
				slog.String("provider", "openrouter"),
				slog.String("model", model),
				slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
			return fmt.Errorf("chat status 429")
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			slog.Warn("ai provider 4xx",
				slog.String("provider", "openrouter"),
				slog.Int("status", resp.StatusCode),
				slog.String("model", model),
				slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
				slog.String("body", snippet(bodyBytes, 512)))
			return backoff.Permanent(fmt.Errorf("chat status %d: %w", resp.StatusCode, domain.ErrInvalidArgument))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			slog.Error("ai provider non-2xx",
				slog.String("provider", "openrouter"),
				slog.Int("status", resp.StatusCode),
				slog.String("model", model),
				slog.String("body", snippet(bodyBytes, 512)))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		rateLimited = false
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	bo := backoff.WithContext(c.getBackoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if rateLimited {
			return domain.ChatResponse{}, fmt.Errorf("op=ai.chat: %w: %v", domain.ErrUpstreamRateLimit, err)
		}
		if ctx.Err() != nil {
			return domain.ChatResponse{}, fmt.Errorf("op=ai.chat: %w: %v", domain.ErrUpstreamTimeout, err)
		}
		return domain.ChatResponse{}, fmt.Errorf("op=ai.chat: %w", err)
	}

	if len(out.Choices) == 0 {
		return domain.ChatResponse{}, fmt.Errorf("op=ai.chat: empty choices from provider")
	}
	choice := out.Choices[0]
	if out.Model != "" && out.Model != model {
		slog.Warn("model substitution detected",
			slog.String("requested_model", model),
			slog.String("actual_model", out.Model))
	}

	resp := domain.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: finishReason(choice.FinishReason),
		Usage: domain.TokenUsage{
			Prompt:     out.Usage.PromptTokens,
			Completion: out.Usage.CompletionTokens,
			Total:      out.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, domain.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	if resp.Usage.Total == 0 {
		// some providers omit usage; attribute with the local tokenizer so
		// budgets keep moving
		resp.Usage = c.counter.EstimateUsage(req.Messages, choice.Message.Content, model)
		slog.Debug("provider omitted usage, estimated locally",
			slog.String("model", model),
			slog.Int("total", resp.Usage.Total))
	}
	return resp, nil
}

func encodeMessages(msgs []domain.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Args)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out = append(out, wm)
	}
	return out
}

func finishReason(s string) domain.FinishReason {
	switch s {
	case "tool_calls", "function_call":
		return domain.FinishToolCalls
	case "length":
		return domain.FinishLength
	case "content_filter":
		return domain.FinishContentFilter
	default:
		return domain.FinishStop
	}
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
