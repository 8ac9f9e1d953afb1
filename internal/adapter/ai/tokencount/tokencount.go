// Package tokencount attributes token usage for LLM calls.
//
// It uses tiktoken-go, a Go port of OpenAI's tiktoken, so that budgets keep
// moving even when a provider response omits its usage block. Exact counts
// from the provider always win; this package is the fallback.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// Counter provides thread-safe token counting with per-model encoding cache.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{
		encodingCache: make(map[string]*tiktoken.Tiktoken),
	}
}

// DefaultCounter is a process-wide counter instance.
var DefaultCounter = NewCounter()

func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalizedModel := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalizedModel]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[normalizedModel]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalizedModel)
	if err != nil {
		// cl100k_base covers GPT-4, GPT-3.5-turbo and most modern models
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.String("normalized", normalizedModel),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	c.encodingCache[normalizedModel] = enc
	return enc, nil
}

// normalizeModelName converts model IDs to tiktoken-compatible names.
// OpenRouter IDs carry provider prefixes ("meta-llama/llama-3.1-8b:free");
// everything unrecognized approximates to the GPT-4 encoding.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}
	model = strings.TrimSuffix(model, ":free")

	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return "gpt-4"
	}
}

// CountTokens counts the tokens in a text string for a given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountTranscript counts the prompt tokens of a chat transcript, including
// the per-message structure overhead OpenAI-compatible APIs charge for.
// See the tiktoken cookbook: 3 tokens per message, 1 per role, 3 to prime
// the assistant reply.
func (c *Counter) CountTranscript(msgs []domain.ChatMessage, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}

	const tokensPerMessage = 3
	const tokensPerRole = 1

	numTokens := 0
	for _, m := range msgs {
		numTokens += tokensPerMessage + tokensPerRole
		numTokens += len(enc.Encode(string(m.Role), nil, nil))
		numTokens += len(enc.Encode(m.Content, nil, nil))
		for _, tc := range m.ToolCalls {
			numTokens += len(enc.Encode(tc.Name, nil, nil))
			numTokens += len(enc.Encode(string(tc.Args), nil, nil))
		}
	}
	numTokens += 3
	return numTokens, nil
}

// EstimateUsage attributes a whole call when the provider did not. Encoding
// failures degrade to the ~4 chars per token rule rather than erroring, so
// attribution never blocks a turn.
func (c *Counter) EstimateUsage(msgs []domain.ChatMessage, completion, model string) domain.TokenUsage {
	prompt, err := c.CountTranscript(msgs, model)
	if err != nil {
		slog.Warn("failed to count prompt tokens, using estimate",
			slog.String("model", model),
			slog.Any("error", err))
		chars := 0
		for _, m := range msgs {
			chars += len(m.Content)
		}
		prompt = chars / 4
	}

	comp, err := c.CountTokens(completion, model)
	if err != nil {
		slog.Warn("failed to count completion tokens, using estimate",
			slog.String("model", model),
			slog.Any("error", err))
		comp = len(completion) / 4
	}

	return domain.TokenUsage{Prompt: prompt, Completion: comp, Total: prompt + comp}
}
