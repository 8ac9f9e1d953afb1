package tokencount

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

func TestNormalizeModelName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"openai/gpt-4o-mini", "gpt-4"},
		{"openai/gpt-3.5-turbo", "gpt-3.5-turbo"},
		{"meta-llama/llama-3.1-8b-instruct:free", "gpt-4"},
		{"unknown-model", "gpt-4"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, normalizeModelName(tc.in), tc.in)
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()
	c := NewCounter()
	n, err := c.CountTokens("hello world", "openai/gpt-4o-mini")
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Less(t, n, 5)

	zero, err := c.CountTokens("", "openai/gpt-4o-mini")
	require.NoError(t, err)
	assert.Zero(t, zero)
}

func TestCountTranscript_IncludesStructureOverhead(t *testing.T) {
	t.Parallel()
	c := NewCounter()
	msgs := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "be terse"},
		{Role: domain.RoleUser, Content: "Goal: list files"},
	}
	withStructure, err := c.CountTranscript(msgs, "gpt-4")
	require.NoError(t, err)

	flat := 0
	for _, m := range msgs {
		n, err := c.CountTokens(m.Content, "gpt-4")
		require.NoError(t, err)
		flat += n
	}
	assert.Greater(t, withStructure, flat, "message framing costs tokens too")
}

func TestCountTranscript_CountsToolCallArgs(t *testing.T) {
	t.Parallel()
	c := NewCounter()
	bare := []domain.ChatMessage{{Role: domain.RoleAssistant}}
	withCall := []domain.ChatMessage{{
		Role:      domain.RoleAssistant,
		ToolCalls: []domain.ToolCall{{Name: "read_file", Args: json.RawMessage(`{"path":"internal/agent/loop.go"}`)}},
	}}

	a, err := c.CountTranscript(bare, "gpt-4")
	require.NoError(t, err)
	b, err := c.CountTranscript(withCall, "gpt-4")
	require.NoError(t, err)
	assert.Greater(t, b, a)
}

func TestEstimateUsage(t *testing.T) {
	t.Parallel()
	c := NewCounter()
	msgs := []domain.ChatMessage{{Role: domain.RoleUser, Content: "summarize the repo"}}
	u := c.EstimateUsage(msgs, "The repo is a job queue.", "openai/gpt-4o-mini")
	assert.Positive(t, u.Prompt)
	assert.Positive(t, u.Completion)
	assert.Equal(t, u.Prompt+u.Completion, u.Total)
}

func TestCounter_EncodingCacheIsConcurrencySafe(t *testing.T) {
	t.Parallel()
	c := NewCounter()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				if _, err := c.CountTokens("concurrent", "gpt-4"); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
