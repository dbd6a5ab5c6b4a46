package mock

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tjfontaine/playingpack/internal/wire"
)

// Options configures chunk pacing; both fields have spec-mandated
// defaults and are overridable by the caller (spec.md §4.4).
type Options struct {
	TextChunkDelay     time.Duration // default ~20ms
	ToolCallChunkDelay time.Duration // default ~10ms
	NowEpochMS         int64         // clock reading used to derive IDs
	Model              string
}

func (o Options) withDefaults() Options {
	if o.TextChunkDelay == 0 {
		o.TextChunkDelay = 20 * time.Millisecond
	}
	if o.ToolCallChunkDelay == 0 {
		o.ToolCallChunkDelay = 10 * time.Millisecond
	}
	return o
}

// StreamFrame is one SSE payload to emit; Data is already framed as
// "data: <json>\n\n". The lifecycle engine owns actual byte emission so
// it can buffer before emitting per spec.md's buffer-before-emit rule.
type StreamFrame struct {
	Data  []byte
	Delay time.Duration
}

// Stream produces the ordered sequence of SSE frames for a Parsed
// result. KindError is non-streaming by definition and is not handled
// here; callers should check Parsed.Kind first.
func Stream(p Parsed, opts Options) ([]StreamFrame, error) {
	opts = opts.withDefaults()

	switch p.Kind {
	case KindToolCall:
		return streamToolCall(p, opts)
	default:
		return streamText(p, opts)
	}
}

func streamText(p Parsed, opts Options) ([]StreamFrame, error) {
	id := completionID(opts.NowEpochMS)
	var frames []StreamFrame

	roleChunk := wire.ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Model: opts.Model,
		Choices: []wire.ChunkChoice{{Index: 0, Delta: wire.ChunkDelta{Role: "assistant", Content: ""}}},
	}
	frame, err := frameChunk(roleChunk, 0)
	if err != nil {
		return nil, err
	}
	frames = append(frames, frame)

	for _, token := range splitEvery(p.Text, 4) {
		chunk := wire.ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Model: opts.Model,
			Choices: []wire.ChunkChoice{{Index: 0, Delta: wire.ChunkDelta{Content: token}}},
		}
		frame, err := frameChunk(chunk, opts.TextChunkDelay)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}

	stop := "stop"
	finalChunk := wire.ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Model: opts.Model,
		Choices: []wire.ChunkChoice{{Index: 0, Delta: wire.ChunkDelta{}, FinishReason: &stop}},
	}
	frame, err = frameChunk(finalChunk, opts.TextChunkDelay)
	if err != nil {
		return nil, err
	}
	frames = append(frames, frame, doneFrame())
	return frames, nil
}

func streamToolCall(p Parsed, opts Options) ([]StreamFrame, error) {
	id := completionID(opts.NowEpochMS)
	callID := toolCallID(opts.NowEpochMS)
	var frames []StreamFrame

	roleChunk := wire.ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Model: opts.Model,
		Choices: []wire.ChunkChoice{{Index: 0, Delta: wire.ChunkDelta{Role: "assistant"}}},
	}
	frame, err := frameChunk(roleChunk, 0)
	if err != nil {
		return nil, err
	}
	frames = append(frames, frame)

	args := p.Arguments
	opening := args
	rest := ""
	if len(args) > 10 {
		opening = args[:10]
		rest = args[10:]
	}

	openChunk := wire.ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Model: opts.Model,
		Choices: []wire.ChunkChoice{{Index: 0, Delta: wire.ChunkDelta{ToolCalls: []wire.ToolCallDelta{{
			Index: 0, ID: callID, Type: "function",
			Function: &wire.FunctionCallDelta{Name: p.FunctionName, Arguments: opening},
		}}}}},
	}
	frame, err = frameChunk(openChunk, opts.ToolCallChunkDelay)
	if err != nil {
		return nil, err
	}
	frames = append(frames, frame)

	for _, fragment := range splitEvery(rest, 10) {
		chunk := wire.ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Model: opts.Model,
			Choices: []wire.ChunkChoice{{Index: 0, Delta: wire.ChunkDelta{ToolCalls: []wire.ToolCallDelta{{
				Index: 0, Function: &wire.FunctionCallDelta{Arguments: fragment},
			}}}}},
		}
		frame, err := frameChunk(chunk, opts.ToolCallChunkDelay)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}

	toolCalls := "tool_calls"
	finalChunk := wire.ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Model: opts.Model,
		Choices: []wire.ChunkChoice{{Index: 0, Delta: wire.ChunkDelta{}, FinishReason: &toolCalls}},
	}
	frame, err = frameChunk(finalChunk, opts.ToolCallChunkDelay)
	if err != nil {
		return nil, err
	}
	frames = append(frames, frame, doneFrame())
	return frames, nil
}

// NonStream produces the single chat.completion JSON body for a
// non-streaming request.
func NonStream(p Parsed, opts Options) ([]byte, int, error) {
	opts = opts.withDefaults()

	if p.Kind == KindError {
		body, err := json.Marshal(ErrorBody(p.ErrorMessage))
		return body, 400, err
	}

	id := completionID(opts.NowEpochMS)
	msg := wire.AssembledMessage{Role: "assistant"}

	finishReason := "stop"
	if p.Kind == KindToolCall {
		finishReason = "tool_calls"
		msg.ToolCalls = []wire.ToolCall{{
			ID: toolCallID(opts.NowEpochMS), Type: "function",
			Function: wire.FunctionCall{Name: p.FunctionName, Arguments: p.Arguments},
		}}
	} else {
		text := p.Text
		msg.Content = &text
	}

	resp := wire.ChatCompletionResponse{
		ID: id, Object: "chat.completion", Model: opts.Model,
		Choices: []wire.Choice{{Index: 0, Message: msg, FinishReason: finishReason}},
	}
	body, err := json.Marshal(resp)
	return body, 200, err
}

func frameChunk(chunk wire.ChatCompletionChunk, delay time.Duration) (StreamFrame, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return StreamFrame{}, fmt.Errorf("mock: marshal chunk: %w", err)
	}
	return StreamFrame{Data: framePayload(data), Delay: delay}, nil
}

func doneFrame() StreamFrame {
	return StreamFrame{Data: []byte("data: [DONE]\n\n")}
}

func framePayload(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	out = append(out, []byte("data: ")...)
	out = append(out, data...)
	out = append(out, '\n', '\n')
	return out
}

// splitEvery splits s into chunks of at most n runes, preserving UTF-8
// boundaries.
func splitEvery(s string, n int) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}
	var out []string
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}
