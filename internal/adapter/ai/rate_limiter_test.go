package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

type fakeLimiter struct {
	allowed    bool
	retryAfter time.Duration
	err        error
	calls      int
	lastKey    string
}

func (f *fakeLimiter) Allow(_ context.Context, key string, _ int64) (bool, time.Duration, error) {
	f.calls++
	f.lastKey = key
	return f.allowed, f.retryAfter, f.err
}

type okLLM struct{ calls int }

func (o *okLLM) Chat(_ domain.Context, _ domain.ChatRequest) (domain.ChatResponse, error) {
	o.calls++
	return domain.ChatResponse{Content: "ok"}, nil
}

func TestRateLimited_AllowsWhenBucketHasTokens(t *testing.T) {
	t.Parallel()
	llm := &okLLM{}
	lim := &fakeLimiter{allowed: true}
	rl := NewRateLimited(llm, lim, "llm:openai/gpt-4o-mini")

	resp, err := rl.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 1, lim.calls)
	assert.Equal(t, "llm:openai/gpt-4o-mini", lim.lastKey)
}

func TestRateLimited_DrainedBucketIsUpstreamRateLimit(t *testing.T) {
	t.Parallel()
	llm := &okLLM{}
	rl := NewRateLimited(llm, &fakeLimiter{allowed: false, retryAfter: 2 * time.Second}, "llm:m")

	_, err := rl.Chat(context.Background(), domain.ChatRequest{})
	require.ErrorIs(t, err, domain.ErrUpstreamRateLimit)
	assert.Zero(t, llm.calls, "provider must not be reached")
}

func TestRateLimited_FailsOpenOnLimiterError(t *testing.T) {
	t.Parallel()
	llm := &okLLM{}
	rl := NewRateLimited(llm, &fakeLimiter{allowed: false, err: errors.New("redis down")}, "llm:m")

	_, err := rl.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, llm.calls)
}

func TestRateLimited_NilLimiterPassesThrough(t *testing.T) {
	t.Parallel()
	llm := &okLLM{}
	rl := NewRateLimited(llm, nil, "llm:m")
	_, err := rl.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, llm.calls)
}
