// Package broker owns the per-request session objects, publishes
// update events to subscribers, and exposes the two awaitable
// decision points the lifecycle engine suspends on (spec.md §4.6).
package broker

import (
	"time"

	"github.com/tjfontaine/playingpack/internal/wire"
)

// State is a session's position in the lifecycle state machine
// (spec.md §3). No session transitions out of Complete.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateReviewing  State = "reviewing"
	StateComplete   State = "complete"
)

// ResponseSource identifies where the emitted bytes originated.
type ResponseSource string

const (
	SourceLLM   ResponseSource = "llm"
	SourceCache ResponseSource = "cache"
	SourceMock  ResponseSource = "mock"
)

// ToolCall is the session's view of a reconstructed tool call.
type ToolCall struct {
	Index     int    `json:"index"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// RequestSnapshot is the read-only view of the inbound request shown
// to the operator.
type RequestSnapshot struct {
	Model       string        `json:"model"`
	Messages    []wire.Message `json:"messages"`
	Stream      bool          `json:"stream"`
	Tools       []wire.Tool   `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	RawBody     []byte        `json:"-"`
}

// ResponseView is the session's accumulated/final response state.
type ResponseView struct {
	Status       int        `json:"status"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *wire.Usage `json:"usage,omitempty"`
}

// Session is one per live request (spec.md §3).
type Session struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	ProcessingAt *time.Time `json:"processing_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	Request     RequestSnapshot `json:"request"`
	Fingerprint string          `json:"fingerprint"`

	CacheAvailable bool            `json:"cache_available"`
	ResponseSource *ResponseSource `json:"response_source,omitempty"`
	Response       *ResponseView  `json:"response,omitempty"`
	Error          *string        `json:"error,omitempty"`
}

// snapshot returns a deep-enough copy safe to hand to subscribers and
// API callers without risking a data race with further mutation.
func (s *Session) snapshot() *Session {
	copy := *s
	if s.Response != nil {
		resp := *s.Response
		resp.ToolCalls = append([]ToolCall(nil), s.Response.ToolCalls...)
		copy.Response = &resp
	}
	copy.Request.Messages = append([]wire.Message(nil), s.Request.Messages...)
	return &copy
}

// Point1Action is the operator's decision at the first suspension
// point: proceed to the LLM, replay cache, or synthesize a mock.
type Point1Action struct {
	Kind    Point1Kind `json:"kind"`
	Content string     `json:"content,omitempty"` // only for Point1Mock
}

type Point1Kind string

const (
	Point1LLM   Point1Kind = "llm"
	Point1Cache Point1Kind = "cache"
	Point1Mock  Point1Kind = "mock"
)

// Point2Action is the operator's decision at the second suspension
// point: pass the buffered response through, or replace it.
type Point2Action struct {
	Kind    Point2Kind `json:"kind"`
	Content string     `json:"content,omitempty"` // only for Point2Modify
}

type Point2Kind string

const (
	Point2Return Point2Kind = "return"
	Point2Modify Point2Kind = "modify"
)
