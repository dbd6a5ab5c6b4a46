// Package sse interprets OpenAI chat-completion streaming deltas: it
// accumulates textual content, reconstructs tool calls split across
// fragments, and captures finish reason and usage (spec.md §4.3).
package sse

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/tjfontaine/playingpack/internal/wire"
)

// ToolCall is the parser's accumulated view of a tool call: arguments
// is the concatenation of every fragment observed for that index.
type ToolCall struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Parser accumulates state across a sequence of raw SSE data payloads.
// Feed and the accessors take an internal mutex, so a Parser may be
// used from several goroutines.
type Parser struct {
	mu sync.Mutex

	content      []byte
	tools        map[int]*ToolCall
	finishReason string
	haveFinish   bool
	usage        *wire.Usage
	done         bool

	onError func(err error)
}

// New creates an empty Parser. onError, if non-nil, is called for every
// malformed payload; parsing continues regardless (spec.md §4.3).
func New(onError func(err error)) *Parser {
	return &Parser{
		tools:   make(map[int]*ToolCall),
		onError: onError,
	}
}

// Feed processes one raw SSE data payload (the bytes after "data: ",
// already framed by the caller). The sentinel "[DONE]" sets Done and
// emits nothing else.
func (p *Parser) Feed(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if string(payload) == "[DONE]" {
		p.done = true
		return
	}

	var chunk wire.ChatCompletionChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		if p.onError != nil {
			p.onError(err)
		}
		return
	}

	if chunk.Usage != nil && p.usage == nil {
		usage := *chunk.Usage
		p.usage = &usage
	}

	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		p.content = append(p.content, choice.Delta.Content...)
	}

	for _, fragment := range choice.Delta.ToolCalls {
		p.applyToolFragment(fragment)
	}

	if choice.FinishReason != nil && !p.haveFinish {
		p.haveFinish = true
		p.finishReason = *choice.FinishReason
	}
}

func (p *Parser) applyToolFragment(fragment wire.ToolCallDelta) {
	call, ok := p.tools[fragment.Index]
	if !ok {
		call = &ToolCall{Index: fragment.Index}
		p.tools[fragment.Index] = call
	}
	if fragment.ID != "" {
		call.ID = fragment.ID
	}
	if fragment.Function != nil {
		if fragment.Function.Name != "" {
			call.Name = fragment.Function.Name
		}
		call.Arguments += fragment.Function.Arguments
	}
}

// Content returns the accumulated textual content.
func (p *Parser) Content() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.content)
}

// ToolCalls returns the accumulated tool calls ordered by index.
func (p *Parser) ToolCalls() []ToolCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.toolCallsLocked()
}

func (p *Parser) toolCallsLocked() []ToolCall {
	out := make([]ToolCall, 0, len(p.tools))
	for _, c := range p.tools {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// FinishReason returns the finish reason captured from the first
// non-null choices[0].finish_reason, and whether one was seen.
func (p *Parser) FinishReason() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finishReason, p.haveFinish
}

// Usage returns the usage object captured from the first chunk that
// carried one, or nil.
func (p *Parser) Usage() *wire.Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

// Done reports whether the [DONE] sentinel has been observed.
func (p *Parser) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// AssembledMessage builds the non-streaming OpenAI message shape from
// accumulated state. If any tool calls were observed, content is nil
// per spec.md §4.3.
func (p *Parser) AssembledMessage() wire.AssembledMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	calls := p.toolCallsLocked()
	msg := wire.AssembledMessage{Role: "assistant"}

	if len(calls) == 0 {
		content := string(p.content)
		msg.Content = &content
		return msg
	}

	msg.ToolCalls = make([]wire.ToolCall, len(calls))
	for i, c := range calls {
		msg.ToolCalls[i] = wire.ToolCall{
			ID:   c.ID,
			Type: "function",
			Function: wire.FunctionCall{
				Name:      c.Name,
				Arguments: c.Arguments,
			},
		}
	}
	return msg
}
