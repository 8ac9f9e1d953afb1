// Package ai decorates LLM clients with process-level protections shared by
// every worker: a circuit breaker today, rate limiting lives in the
// ratelimiter service.
package ai

import (
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/observability"
	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

const (
	breakerMaxFailures = 3
	breakerTimeout     = 30 * time.Second
)

// Breaker wraps an LLMClient so a dying provider fails fast instead of tying
// worker slots up in per-call retries. An open breaker surfaces as an
// upstream rate limit, which the loop classifies as transient.
type Breaker struct {
	next domain.LLMClient
	cb   *observability.CircuitBreaker
}

// NewBreaker constructs the decorator. The name shows up as the gauge label,
// one breaker per configured model.
func NewBreaker(next domain.LLMClient, model string) *Breaker {
	return &Breaker{
		next: next,
		cb:   observability.NewCircuitBreaker("llm:"+model, breakerMaxFailures, breakerTimeout),
	}
}

func (b *Breaker) Chat(ctx domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	var resp domain.ChatResponse
	err := b.cb.Call(func() error {
		var callErr error
		resp, callErr = b.next.Chat(ctx, req)
		return callErr
	})
	if err != nil && strings.Contains(err.Error(), "circuit breaker") {
		return domain.ChatResponse{}, fmt.Errorf("op=ai.breaker: %w: %v", domain.ErrUpstreamRateLimit, err)
	}
	return resp, err
}

// IsOpen reports whether the provider is currently considered down; readyz
// surfaces it as a degraded dependency.
func (b *Breaker) IsOpen() bool { return b.cb.IsOpen() }
