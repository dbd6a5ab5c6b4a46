// Package mock synthesizes OpenAI-shaped responses from an operator-
// supplied content string, recognizing three conventions: an error
// prefix, a tool-call JSON object, and plain assistant text
// (spec.md §4.4).
package mock

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tjfontaine/playingpack/internal/wire"
)

// Kind identifies which of the three forms parse produced.
type Kind int

const (
	// KindText is a plain assistant text response.
	KindText Kind = iota
	// KindToolCall is a function/tool-call response.
	KindToolCall
	// KindError is a synthetic 400 error response.
	KindError
)

// Parsed is the result of interpreting an operator content string.
type Parsed struct {
	Kind         Kind
	Text         string
	FunctionName string
	Arguments    string // JSON-stringified, never re-parsed downstream
	ErrorMessage string
}

// toolCallShape is the JSON object convention recognized by Parse.
type toolCallShape struct {
	Function  string `json:"function"`
	Arguments any    `json:"arguments"`
}

// Parse interprets an operator content string per spec.md §4.4:
//
//   - "ERROR: X"       -> KindError, message X
//   - {"function":...} -> KindToolCall
//   - anything else    -> KindText
func Parse(content string) Parsed {
	if msg, ok := strings.CutPrefix(content, "ERROR:"); ok {
		return Parsed{Kind: KindError, ErrorMessage: strings.TrimSpace(msg)}
	}

	var shape toolCallShape
	if err := json.Unmarshal([]byte(content), &shape); err == nil && shape.Function != "" {
		args := shape.Arguments
		if args == nil {
			args = map[string]any{}
		}
		argBytes, err := json.Marshal(args)
		if err == nil {
			return Parsed{Kind: KindToolCall, FunctionName: shape.Function, Arguments: string(argBytes)}
		}
	}

	return Parsed{Kind: KindText, Text: content}
}

// ErrorBody builds the non-streaming JSON error body for a KindError
// parse result.
func ErrorBody(message string) wire.ErrorBody {
	return wire.ErrorBody{
		Error: wire.APIError{
			Message: message,
			Type:    "invalid_request_error",
			Param:   nil,
			Code:    nil,
		},
	}
}

// IDs produced by the generator are suffixed with the caller-supplied
// epoch-ms clock reading so repeated mocks within a test are
// distinguishable without depending on wall-clock reads inside this
// package (spec.md §4.4: "chatcmpl-mock-<epoch-ms>").
func completionID(epochMS int64) string {
	return fmt.Sprintf("chatcmpl-mock-%d", epochMS)
}

func toolCallID(epochMS int64) string {
	return fmt.Sprintf("call_mock_%d", epochMS)
}
