package ai

import (
	"fmt"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
	"github.com/fairyhunter13/ai-agent-runner/internal/service/ratelimiter"
)

// RateLimited gates LLM calls through a shared token bucket so every worker
// process draws from the same per-provider budget. A depleted bucket surfaces
// as ErrUpstreamRateLimit, which the loop treats like a provider 429.
type RateLimited struct {
	next    domain.LLMClient
	limiter ratelimiter.Limiter
	key     string
}

// NewRateLimited constructs the decorator. The key names the bucket,
// conventionally "llm:<provider>/<model>". A nil limiter passes through.
func NewRateLimited(next domain.LLMClient, limiter ratelimiter.Limiter, key string) *RateLimited {
	return &RateLimited{next: next, limiter: limiter, key: key}
}

func (r *RateLimited) Chat(ctx domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	if r.limiter != nil {
		allowed, retryAfter, err := r.limiter.Allow(ctx, r.key, 1)
		// Limiter errors fail open: a Redis outage must not take the agent
		// fleet down with it.
		if err == nil && !allowed {
			return domain.ChatResponse{}, fmt.Errorf("op=ai.ratelimit: %w: bucket %s drained, retry in %s",
				domain.ErrUpstreamRateLimit, r.key, retryAfter.Round(0))
		}
	}
	return r.next.Chat(ctx, req)
}
