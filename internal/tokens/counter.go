// Package tokens estimates prompt/completion token counts with
// tiktoken for mock responses, which never carry a genuine usage
// object; upstream and cached responses are not estimated
// — spec.md §4.3, SPEC_FULL.md "DOMAIN STACK".
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/playingpack/internal/wire"
)

// Counter estimates token counts using tiktoken encodings, caching
// codecs by encoding since construction is not free.
type Counter struct {
	cacheMu    sync.RWMutex
	codecCache map[tokenizer.Encoding]tokenizer.Codec
}

// New creates a Counter.
func New() *Counter {
	return &Counter{codecCache: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

func (c *Counter) codec(model string) (tokenizer.Codec, error) {
	encoding := modelToEncoding(model)

	c.cacheMu.RLock()
	if cached, ok := c.codecCache[encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("tokens: get encoding %v: %w", encoding, err)
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()
	return codec, nil
}

// CountText returns the token count for a plain string under model's
// encoding.
func (c *Counter) CountText(model, text string) (int, error) {
	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("tokens: encode: %w", err)
	}
	return len(ids), nil
}

// tokensPerMessage and tokensPerRole are OpenAI's documented chat
// message overhead; see modelToEncoding for the encoding family this
// applies to.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	assistantPriming = 3
)

// EstimateUsage backfills a usage object for a completed exchange
// whose source (a mock response) never carried real usage numbers. Callers should prefer a genuine usage object over
// calling this at all.
func (c *Counter) EstimateUsage(model string, messages []wire.Message, completion string) (wire.Usage, error) {
	codec, err := c.codec(model)
	if err != nil {
		return wire.Usage{}, err
	}

	prompt := tokensPerMessage * len(messages)
	for _, msg := range messages {
		prompt += tokensPerRole
		if text, ok := msg.Content.(string); ok {
			ids, _, _ := codec.Encode(text)
			prompt += len(ids)
		}
	}
	prompt += assistantPriming

	completionIDs, _, _ := codec.Encode(completion)
	completionTokens := len(completionIDs)

	return wire.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completionTokens,
		TotalTokens:      prompt + completionTokens,
	}, nil
}

// modelToEncoding maps a model name to its tiktoken encoding family.
// Unknown/future models default to o200k_base, the encoding OpenAI's
// newest model families use (spec.md's glossary treats model as an
// opaque passthrough string, so this is necessarily a best guess).
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"), strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	case strings.HasPrefix(model, "text-davinci"):
		return tokenizer.P50kBase
	case model == "davinci", model == "curie", model == "babbage", model == "ada":
		return tokenizer.R50kBase
	default:
		return tokenizer.O200kBase
	}
}
