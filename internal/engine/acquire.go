package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tjfontaine/playingpack/internal/broker"
	"github.com/tjfontaine/playingpack/internal/cache"
	"github.com/tjfontaine/playingpack/internal/mock"
	"github.com/tjfontaine/playingpack/internal/sse"
	"github.com/tjfontaine/playingpack/internal/wire"
)

// acquired is the fully buffered result of one of the three response-
// acquisition paths, produced before any bytes reach the caller
// (spec.md §4.7: "buffer-before-emit").
type acquired struct {
	Buffer []byte
	Status int
	Source broker.ResponseSource
}

// acquireCache replays a cached response, feeding it through a fresh
// SSE parser to populate the session's assembled view, and returns the
// exact recorded bytes as the buffer.
func (e *Engine) acquireCache(ctx context.Context, sessionID string, record *cache.Response) (acquired, error) {
	parser := sse.New(func(err error) {
		e.Logger.Warn("sse: malformed cached payload", slog.Any("error", err), slog.String("session_id", sessionID))
	})

	var buf bytes.Buffer
	err := cache.Replay(ctx, record, true, func(data string) error {
		buf.WriteString(data)
		feedParserLine(parser, data)
		return nil
	})
	if err != nil {
		return acquired{}, fmt.Errorf("engine: cache replay: %w", err)
	}

	e.applyParserToSession(sessionID, parser)
	return acquired{Buffer: buf.Bytes(), Status: record.Response.Status, Source: broker.SourceCache}, nil
}

// acquireLLM forwards the request upstream, streams the response
// through the parser and (when cache mode is read-write) a cache
// writer, and returns the buffered bytes. A non-OK upstream status is
// still buffered and forwarded verbatim (spec.md §4.7 LLM path, §7).
func (e *Engine) acquireLLM(ctx context.Context, sessionID string, method, path string, headers http.Header, body []byte, upstreamURL string, wantsStream bool, fingerprint string, model string, messages any, cacheWrite bool) (acquired, error) {
	result, err := e.Upstream.Forward(ctx, method, path, headers, body, upstreamURL, wantsStream)
	if err != nil {
		return acquired{}, fmt.Errorf("engine: upstream forward: %w", err)
	}
	defer result.Body.Close()

	var writer *cache.Writer
	if cacheWrite {
		writer = e.Cache.Writer(fingerprint, wantsStream)
		writer.SetRequest(model, messages)
	}

	parser := sse.New(func(err error) {
		e.Logger.Warn("sse: malformed upstream payload", slog.Any("error", err), slog.String("session_id", sessionID))
	})

	// A non-2xx reply is an error body, not an event stream; read it whole
	// so it reaches the caller verbatim.
	streamed := wantsStream && result.Status >= 200 && result.Status < 300

	var buf bytes.Buffer
	if streamed {
		if err := readSSEBody(ctx, result.Body, func(frame string) {
			buf.WriteString(frame)
			if writer != nil {
				writer.Append(frame)
			}
			feedParserLine(parser, frame)
		}); err != nil {
			return acquired{}, fmt.Errorf("engine: read upstream stream: %w", err)
		}
	} else {
		data, err := io.ReadAll(result.Body)
		if err != nil {
			return acquired{}, fmt.Errorf("engine: read upstream body: %w", err)
		}
		buf.Write(data)
		if writer != nil {
			writer.Append(string(data))
		}
		applyNonStreamJSON(e.Broker, sessionID, data)
	}

	if streamed {
		e.applyParserToSession(sessionID, parser)
	}

	if writer != nil {
		if err := writer.Save(result.Status); err != nil {
			e.Logger.Error("cache: save failed", slog.Any("error", err), slog.String("session_id", sessionID))
		}
	}

	return acquired{Buffer: buf.Bytes(), Status: result.Status, Source: broker.SourceLLM}, nil
}

// acquireMock synthesizes a response from operator-supplied content. A
// mock never carries genuine usage numbers, so this backfills an
// estimate from the tokenizer once the assembled content is known
// (spec.md §4.4, SPEC_FULL.md usage-backfill supplement).
func (e *Engine) acquireMock(sessionID string, content string, model string, messages []wire.Message, wantsStream bool, nowEpochMS int64) (acquired, error) {
	parsed := mock.Parse(content)
	opts := mock.Options{Model: model, NowEpochMS: nowEpochMS}

	if !wantsStream || parsed.Kind == mock.KindError {
		body, status, err := mock.NonStream(parsed, opts)
		if err != nil {
			return acquired{}, fmt.Errorf("engine: mock non-stream: %w", err)
		}
		applyNonStreamJSON(e.Broker, sessionID, body)
		if parsed.Kind == mock.KindError {
			e.Broker.Error(sessionID, parsed.ErrorMessage)
		} else {
			e.backfillUsage(sessionID, model, messages, parsed)
		}
		return acquired{Buffer: body, Status: status, Source: broker.SourceMock}, nil
	}

	frames, err := mock.Stream(parsed, opts)
	if err != nil {
		return acquired{}, fmt.Errorf("engine: mock stream: %w", err)
	}

	var buf bytes.Buffer
	parser := sse.New(nil)
	for _, f := range frames {
		buf.Write(f.Data)
		feedParserLine(parser, string(f.Data))
	}
	e.applyParserToSession(sessionID, parser)
	e.backfillUsage(sessionID, model, messages, parsed)

	return acquired{Buffer: buf.Bytes(), Status: 200, Source: broker.SourceMock}, nil
}

// backfillUsage estimates and records usage for a mocked completion.
// Failures are logged, not surfaced: a missing usage estimate should
// never fail an otherwise-successful mock response.
func (e *Engine) backfillUsage(sessionID, model string, messages []wire.Message, parsed mock.Parsed) {
	if e.Tokens == nil {
		return
	}
	completion := parsed.Text
	if parsed.Kind == mock.KindToolCall {
		completion = parsed.FunctionName + " " + parsed.Arguments
	}
	usage, err := e.Tokens.EstimateUsage(model, messages, completion)
	if err != nil {
		e.Logger.Warn("tokens: estimate usage failed", slog.Any("error", err), slog.String("session_id", sessionID))
		return
	}
	e.Broker.SetUsage(sessionID, usage)
}

// feedParserLine extracts the JSON payload from each "data:" line of a
// frame and feeds it to parser. Lines without that prefix, including a
// bare non-streaming JSON body, are ignored.
func feedParserLine(parser *sse.Parser, frame string) {
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		parser.Feed([]byte(strings.TrimSpace(payload)))
	}
}

// readSSEBody scans body for "data: " lines delimited by blank lines,
// invoking onFrame with each reconstructed "data: <payload>\n\n" frame.
// It stops at the [DONE] sentinel or ctx cancellation, whichever comes
// first, so an abandoned client unwinds within one chunk (spec.md §5).
func readSSEBody(ctx context.Context, body io.Reader, onFrame func(frame string)) error {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		onFrame("data: " + payload + "\n\n")
		if payload == "[DONE]" {
			return nil
		}
	}
	return scanner.Err()
}

// applyParserToSession copies a finished parser's state onto the
// session via the broker's mutators.
func (e *Engine) applyParserToSession(sessionID string, parser *sse.Parser) {
	if content := parser.Content(); content != "" {
		e.Broker.AppendContent(sessionID, content)
	}
	for _, tc := range parser.ToolCalls() {
		e.Broker.AppendToolCall(sessionID, broker.ToolCall{
			Index: tc.Index, ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
		})
	}
	if reason, ok := parser.FinishReason(); ok {
		e.Broker.SetFinishReason(sessionID, reason)
	}
	if usage := parser.Usage(); usage != nil {
		e.Broker.SetUsage(sessionID, *usage)
	}
}

// applyNonStreamJSON parses a non-streaming chat.completion body and
// applies its fields to the session.
func applyNonStreamJSON(b *broker.Broker, sessionID string, body []byte) {
	var resp wire.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Choices) == 0 {
		return
	}
	choice := resp.Choices[0]
	if choice.Message.Content != nil {
		b.AppendContent(sessionID, *choice.Message.Content)
	}
	for i, tc := range choice.Message.ToolCalls {
		b.AppendToolCall(sessionID, broker.ToolCall{
			Index: i, ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments,
		})
	}
	if choice.FinishReason != "" {
		b.SetFinishReason(sessionID, choice.FinishReason)
	}
	if resp.Usage != nil {
		b.SetUsage(sessionID, *resp.Usage)
	}
}

// nowEpochMS reads the wall clock for the mock generator, which takes
// the reading as a parameter instead of calling time.Now() itself.
func nowEpochMS() int64 { return time.Now().UnixMilli() }
