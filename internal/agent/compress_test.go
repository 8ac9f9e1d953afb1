package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

func bigTranscript(n int) []domain.ChatMessage {
	msgs := []domain.ChatMessage{{Role: domain.RoleSystem, Content: "contract"}}
	filler := strings.Repeat("x", 4000)
	for i := 0; i < n; i++ {
		msgs = append(msgs,
			domain.ChatMessage{
				Role:      domain.RoleAssistant,
				Content:   fmt.Sprintf("Found: clue number %d\nI will inspect file %d\n%s", i, i, filler),
				ToolCalls: []domain.ToolCall{{ID: fmt.Sprintf("c%d", i), Name: "read_file"}},
			},
			domain.ChatMessage{Role: domain.RoleTool, ToolCallID: fmt.Sprintf("c%d", i), Content: `{"success":true}`},
		)
	}
	return msgs
}

func TestCompress_BelowThresholdIsIdentity(t *testing.T) {
	t.Parallel()
	c := NewCompressor(CompressorConfig{})
	msgs := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "contract"},
		{Role: domain.RoleUser, Content: "Goal: do nothing"},
	}
	assert.Equal(t, msgs, c.Compress(msgs))
}

func TestCompress_FoldsOldMessages(t *testing.T) {
	t.Parallel()
	c := NewCompressor(CompressorConfig{MaxTokens: 8000, ReserveTokens: 1000, Threshold: 0.5, KeepRecent: 4})
	msgs := bigTranscript(20)

	out := c.Compress(msgs)
	require.Less(t, len(out), len(msgs))
	assert.Equal(t, domain.RoleSystem, out[0].Role, "first system message survives")
	assert.Equal(t, "contract", out[0].Content)

	summary := out[1]
	require.Equal(t, domain.RoleAssistant, summary.Role)
	assert.Contains(t, summary.Content, "Summary of")
	assert.Contains(t, summary.Content, "✓ read_file")
	assert.Contains(t, summary.Content, "Findings:")
	assert.Contains(t, summary.Content, "clue number 0")
	assert.Contains(t, summary.Content, "Decisions:")
	// caps on the extraction lists
	assert.LessOrEqual(t, strings.Count(summary.Content, "✓")+strings.Count(summary.Content, "✗"), maxSummaryTools)
	assert.LessOrEqual(t, strings.Count(summary.Content, "clue number"), maxSummaryPoints)

	assert.Len(t, out, 2+4, "system + summary + recent tail")
	assert.Equal(t, msgs[len(msgs)-1].ToolCallID, out[len(out)-1].ToolCallID)
}

func TestCompress_MarksFailedTools(t *testing.T) {
	t.Parallel()
	c := NewCompressor(CompressorConfig{MaxTokens: 100, ReserveTokens: 10, Threshold: 0.1, KeepRecent: 1})
	msgs := []domain.ChatMessage{
		{Role: domain.RoleAssistant, Content: strings.Repeat("a", 600), ToolCalls: []domain.ToolCall{{ID: "c1", Name: "apply_patch"}}},
		{Role: domain.RoleTool, ToolCallID: "c1", Content: `{"success":false,"error":{"code":"no_match"}}`},
		{Role: domain.RoleUser, Content: "continue"},
	}
	out := c.Compress(msgs)
	var summary string
	for _, m := range out {
		if strings.Contains(m.Content, "Summary of") {
			summary = m.Content
		}
	}
	require.NotEmpty(t, summary)
	assert.Contains(t, summary, "✗ apply_patch")
}

func TestCompress_Idempotent(t *testing.T) {
	t.Parallel()
	c := NewCompressor(CompressorConfig{MaxTokens: 8000, ReserveTokens: 1000, Threshold: 0.5, KeepRecent: 4})
	once := c.Compress(bigTranscript(20))
	twice := c.Compress(once)
	assert.Equal(t, once, twice)
}

func TestCompress_TruncatesOversizeMessages(t *testing.T) {
	t.Parallel()
	c := NewCompressor(CompressorConfig{MaxTokens: 4000, ReserveTokens: 100, Threshold: 0.5, KeepRecent: 2})
	msgs := append(bigTranscript(4), domain.ChatMessage{Role: domain.RoleUser, Content: strings.Repeat("y", 20000)})
	out := c.Compress(msgs)
	last := out[len(out)-1]
	assert.LessOrEqual(t, len(last.Content), maxMessageChars)
	assert.True(t, strings.HasSuffix(last.Content, "…"))
}

func TestCompress_StructuredToolResults(t *testing.T) {
	t.Parallel()
	items := make([]string, 30)
	for i := range items {
		items[i] = fmt.Sprintf("item-%d", i)
	}
	payload, err := json.Marshal(map[string]any{
		"success": true,
		"data":    map[string]any{"entries": items, "note": strings.Repeat("z", 400)},
	})
	require.NoError(t, err)

	c := NewCompressor(CompressorConfig{MaxTokens: 300, ReserveTokens: 10, Threshold: 0.1, KeepRecent: 2})
	msgs := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: strings.Repeat("pad ", 300)},
		{Role: domain.RoleTool, ToolCallID: "c1", Content: string(payload)},
		{Role: domain.RoleUser, Content: "go on"},
	}
	out := c.Compress(msgs)

	var decoded map[string]any
	for _, m := range out {
		if m.Role == domain.RoleTool {
			require.NoError(t, json.Unmarshal([]byte(m.Content), &decoded))
		}
	}
	require.NotNil(t, decoded)
	data := decoded["data"].(map[string]any)
	entries := data["entries"].([]any)
	require.Len(t, entries, maxArrayItems+1)
	assert.Equal(t, "…25 more items", entries[maxArrayItems])
	note := data["note"].(string)
	assert.LessOrEqual(t, len(note), maxStringField)
	assert.True(t, strings.HasSuffix(note, "…"))
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, EstimateTokens(domain.ChatMessage{}))
	assert.Equal(t, 1, EstimateTokens(domain.ChatMessage{Content: "ab"}))
	assert.Equal(t, 2, EstimateTokens(domain.ChatMessage{Content: "abcde"}))
}
