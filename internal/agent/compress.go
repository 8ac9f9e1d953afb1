package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// Compression defaults. Tokens are estimated as ceil(chars/4); the tokenizer
// is only consulted for provider usage attribution, never here.
const (
	defaultMaxTokens     = 128000
	defaultReserveTokens = 4096
	defaultThreshold     = 0.75
	defaultKeepRecent    = 10

	maxMessageChars  = 8000
	maxStringField   = 100
	maxArrayItems    = 5
	maxSummaryTools  = 10
	maxSummaryPoints = 5
)

// CompressorConfig tunes the history compressor. Zero values fall back to the
// package defaults.
type CompressorConfig struct {
	MaxTokens     int
	ReserveTokens int
	Threshold     float64
	KeepRecent    int
}

// Compressor keeps a conversation under the model's context budget. When the
// estimated token count crosses the threshold it folds everything but the
// first system message and the most recent tail into one synthetic assistant
// summary. Compressing an already-compressed transcript is a no-op.
type Compressor struct {
	cfg CompressorConfig
}

func NewCompressor(cfg CompressorConfig) *Compressor {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = defaultReserveTokens
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = defaultKeepRecent
	}
	return &Compressor{cfg: cfg}
}

// EstimateTokens approximates the token cost of a message as ceil(chars/4),
// counting tool call arguments alongside the content.
func EstimateTokens(m domain.ChatMessage) int {
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Args)
	}
	return (chars + 3) / 4
}

func estimateTotal(msgs []domain.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m)
	}
	return total
}

// Compress returns the transcript to send to the model. Messages are shared
// with the input slice until compression actually fires.
func (c *Compressor) Compress(msgs []domain.ChatMessage) []domain.ChatMessage {
	budget := float64(c.cfg.MaxTokens-c.cfg.ReserveTokens) * c.cfg.Threshold
	if float64(estimateTotal(msgs)) <= budget {
		return msgs
	}

	keep := c.cfg.KeepRecent
	if keep > len(msgs) {
		keep = len(msgs)
	}
	recentStart := len(msgs) - keep

	out := make([]domain.ChatMessage, 0, keep+2)
	sysIdx := -1
	for i, m := range msgs {
		if m.Role == domain.RoleSystem {
			sysIdx = i
			break
		}
	}
	if sysIdx >= 0 && sysIdx < recentStart {
		out = append(out, truncateMessage(msgs[sysIdx]))
	}

	var old []domain.ChatMessage
	for i := 0; i < recentStart; i++ {
		if i == sysIdx {
			continue
		}
		old = append(old, msgs[i])
	}
	if len(old) > 0 {
		out = append(out, domain.ChatMessage{
			Role:    domain.RoleAssistant,
			Content: summarize(old),
		})
	}
	for _, m := range msgs[recentStart:] {
		out = append(out, truncateMessage(m))
	}
	return out
}

var (
	findingRe  = regexp.MustCompile(`(?i)\b(?:Found|Discovered|Identified|Located):?\s+(.{1,200})`)
	decisionRe = regexp.MustCompile(`(?i)(?:\bI\s+(?:will|should|must)\s+|(?:Decision|Plan|Next step):\s*)(.{1,200})`)
)

// summarize folds old messages into one assistant message: tool invocations
// with their outcome marks, then extracted findings and decisions.
func summarize(old []domain.ChatMessage) string {
	resultByCallID := make(map[string]bool)
	for _, m := range old {
		if m.Role == domain.RoleTool && m.ToolCallID != "" {
			resultByCallID[m.ToolCallID] = toolResultOK(m.Content)
		}
	}

	var toolLines, findings, decisions []string
	for _, m := range old {
		for _, tc := range m.ToolCalls {
			if len(toolLines) >= maxSummaryTools {
				break
			}
			mark := "✓"
			if ok, seen := resultByCallID[tc.ID]; seen && !ok {
				mark = "✗"
			}
			toolLines = append(toolLines, fmt.Sprintf("%s %s", mark, tc.Name))
		}
		if m.Role == domain.RoleAssistant || m.Role == domain.RoleTool {
			findings = appendMatches(findings, findingRe, m.Content, maxSummaryPoints)
		}
		if m.Role == domain.RoleAssistant {
			decisions = appendMatches(decisions, decisionRe, m.Content, maxSummaryPoints)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Summary of %d earlier messages]\n", len(old))
	if len(toolLines) > 0 {
		b.WriteString("Tools used:\n")
		for _, l := range toolLines {
			b.WriteString("  " + l + "\n")
		}
	}
	if len(findings) > 0 {
		b.WriteString("Findings:\n")
		for _, f := range findings {
			b.WriteString("  - " + f + "\n")
		}
	}
	if len(decisions) > 0 {
		b.WriteString("Decisions:\n")
		for _, d := range decisions {
			b.WriteString("  - " + d + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func appendMatches(dst []string, re *regexp.Regexp, content string, limit int) []string {
	for _, line := range strings.Split(content, "\n") {
		if len(dst) >= limit {
			return dst
		}
		if m := re.FindStringSubmatch(line); m != nil {
			dst = append(dst, strings.TrimSpace(m[1]))
		}
	}
	return dst
}

func toolResultOK(content string) bool {
	var payload struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil || payload.Success == nil {
		return true
	}
	return *payload.Success
}

// truncateMessage caps a single message. Tool results that parse as JSON get
// structural truncation (short arrays, ellipsized strings) before the flat
// character cap applies.
func truncateMessage(m domain.ChatMessage) domain.ChatMessage {
	if m.Role == domain.RoleTool {
		if compact, ok := compactJSON(m.Content); ok {
			m.Content = compact
		}
	}
	m.Content = ellipsize(m.Content, maxMessageChars)
	return m
}

// ellipsize cuts s to at most max bytes, ellipsis included, so that a second
// pass over already-cut text changes nothing.
func ellipsize(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - len("…")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func compactJSON(s string) (string, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return "", false
	}
	out, err := json.Marshal(compactValue(v))
	if err != nil {
		return "", false
	}
	if len(out) >= len(s) {
		return s, true
	}
	return string(out), true
}

func compactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = compactValue(val)
		}
		return out
	case []any:
		if len(t) == maxArrayItems+1 {
			if last, ok := t[maxArrayItems].(string); ok && strings.HasPrefix(last, "…") {
				return t
			}
		}
		if len(t) > maxArrayItems {
			cut := make([]any, 0, maxArrayItems+1)
			for _, item := range t[:maxArrayItems] {
				cut = append(cut, compactValue(item))
			}
			return append(cut, fmt.Sprintf("…%d more items", len(t)-maxArrayItems))
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = compactValue(item)
		}
		return out
	case string:
		return ellipsize(t, maxStringField)
	default:
		return v
	}
}
