package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

type flakyLLM struct {
	failures int
	calls    int
}

func (f *flakyLLM) Chat(_ domain.Context, _ domain.ChatRequest) (domain.ChatResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return domain.ChatResponse{}, errors.New("provider down")
	}
	return domain.ChatResponse{Content: "ok"}, nil
}

func TestBreaker_PassesThroughHealthyCalls(t *testing.T) {
	t.Parallel()
	b := NewBreaker(&flakyLLM{}, "test-model-a")
	resp, err := b.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.False(t, b.IsOpen())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	upstream := &flakyLLM{failures: 100}
	b := NewBreaker(upstream, "test-model-b")

	for i := 0; i < breakerMaxFailures; i++ {
		_, err := b.Chat(context.Background(), domain.ChatRequest{})
		require.Error(t, err)
	}
	require.True(t, b.IsOpen())

	callsBefore := upstream.calls
	_, err := b.Chat(context.Background(), domain.ChatRequest{})
	require.ErrorIs(t, err, domain.ErrUpstreamRateLimit, "open breaker fails fast as transient")
	assert.Equal(t, callsBefore, upstream.calls, "no call reaches the provider while open")
}
