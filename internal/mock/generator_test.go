package mock

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tjfontaine/playingpack/internal/wire"
)

func TestParse_ErrorPrefix(t *testing.T) {
	p := Parse("ERROR: something broke")
	if p.Kind != KindError {
		t.Fatalf("Kind = %v, want KindError", p.Kind)
	}
	if p.ErrorMessage != "something broke" {
		t.Errorf("ErrorMessage = %q, want %q", p.ErrorMessage, "something broke")
	}
}

func TestParse_ToolCall(t *testing.T) {
	p := Parse(`{"function":"get_weather","arguments":{"city":"NYC"}}`)
	if p.Kind != KindToolCall {
		t.Fatalf("Kind = %v, want KindToolCall", p.Kind)
	}
	if p.FunctionName != "get_weather" {
		t.Errorf("FunctionName = %q", p.FunctionName)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(p.Arguments), &args); err != nil {
		t.Fatalf("Arguments not valid JSON: %v", err)
	}
	if args["city"] != "NYC" {
		t.Errorf("args[city] = %q, want NYC", args["city"])
	}
}

func TestParse_ToolCallDefaultsEmptyArguments(t *testing.T) {
	p := Parse(`{"function":"ping"}`)
	if p.Arguments != "{}" {
		t.Errorf("Arguments = %q, want {}", p.Arguments)
	}
}

func TestParse_PlainTextFallback(t *testing.T) {
	p := Parse("hello there")
	if p.Kind != KindText || p.Text != "hello there" {
		t.Errorf("Parse() = %+v", p)
	}
}

func TestNonStream_ErrorStatus400(t *testing.T) {
	p := Parse("ERROR: bad request detail")
	body, status, err := NonStream(p, Options{NowEpochMS: 1})
	if err != nil {
		t.Fatal(err)
	}
	if status != 400 {
		t.Errorf("status = %d, want 400", status)
	}
	var eb wire.ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		t.Fatal(err)
	}
	if eb.Error.Message != "bad request detail" {
		t.Errorf("Error.Message = %q", eb.Error.Message)
	}
}

func TestStream_TextTokenizedAndFramed(t *testing.T) {
	p := Parse("hello world")
	frames, err := Stream(p, Options{NowEpochMS: 42, Model: "gpt-4"})
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) < 3 {
		t.Fatalf("len(frames) = %d, want at least role+content+final", len(frames))
	}

	var content strings.Builder
	sawFinish := false
	sawDone := false
	for _, f := range frames {
		s := string(f.Data)
		if strings.Contains(s, "[DONE]") {
			sawDone = true
			continue
		}
		var chunk wire.ChatCompletionChunk
		payload := strings.TrimPrefix(strings.TrimSpace(s), "data: ")
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("invalid frame JSON: %v (%s)", err, s)
		}
		content.WriteString(chunk.Choices[0].Delta.Content)
		if chunk.Choices[0].FinishReason != nil {
			sawFinish = true
			if *chunk.Choices[0].FinishReason != "stop" {
				t.Errorf("FinishReason = %q, want stop", *chunk.Choices[0].FinishReason)
			}
		}
	}
	if content.String() != "hello world" {
		t.Errorf("concatenated content = %q, want %q", content.String(), "hello world")
	}
	if !sawFinish || !sawDone {
		t.Errorf("sawFinish=%v sawDone=%v, want both true", sawFinish, sawDone)
	}
}

func TestStream_ToolCallArgumentsConcatenate(t *testing.T) {
	p := Parse(`{"function":"f","arguments":{"a":12345678901234}}`)
	frames, err := Stream(p, Options{NowEpochMS: 7})
	if err != nil {
		t.Fatal(err)
	}

	var args strings.Builder
	for _, f := range frames {
		s := string(f.Data)
		if strings.Contains(s, "[DONE]") {
			continue
		}
		var chunk wire.ChatCompletionChunk
		payload := strings.TrimPrefix(strings.TrimSpace(s), "data: ")
		json.Unmarshal([]byte(payload), &chunk)
		for _, tc := range chunk.Choices[0].Delta.ToolCalls {
			if tc.Function != nil {
				args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if args.String() != p.Arguments {
		t.Errorf("concatenated arguments = %q, want %q", args.String(), p.Arguments)
	}
}
