package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestForward_FiltersHeadersAndInjectsUsage(t *testing.T) {
	var gotHeaders http.Header
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := New()
	headers := http.Header{
		"Authorization": []string{"Bearer sk-test"},
		"X-Forwarded":   []string{"should-be-dropped"},
		"Content-Type":  []string{"application/json"},
	}
	body := []byte(`{"model":"gpt-4","stream":true}`)

	_, err := c.Forward(context.Background(), http.MethodPost, "/chat/completions", headers, body, srv.URL, true)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if gotHeaders.Get("Authorization") != "Bearer sk-test" {
		t.Errorf("Authorization header dropped")
	}
	if gotHeaders.Get("X-Forwarded") != "" {
		t.Errorf("X-Forwarded header should have been filtered, got %q", gotHeaders.Get("X-Forwarded"))
	}
	if gotHeaders.Get("Accept") != "text/event-stream" {
		t.Errorf("Accept = %q, want text/event-stream for streaming request", gotHeaders.Get("Accept"))
	}

	streamOpts, ok := gotBody["stream_options"].(map[string]any)
	if !ok {
		t.Fatalf("stream_options missing from forwarded body: %v", gotBody)
	}
	if streamOpts["include_usage"] != true {
		t.Errorf("include_usage = %v, want true", streamOpts["include_usage"])
	}
}

func TestForward_PreservesCallerStreamOptions(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := New()
	body := []byte(`{"model":"gpt-4","stream":true,"stream_options":{"foo":1}}`)
	_, err := c.Forward(context.Background(), http.MethodPost, "/chat/completions", http.Header{}, body, srv.URL, true)
	if err != nil {
		t.Fatal(err)
	}

	streamOpts := gotBody["stream_options"].(map[string]any)
	if streamOpts["foo"] != float64(1) {
		t.Errorf("caller's stream_options.foo was dropped: %v", streamOpts)
	}
	if streamOpts["include_usage"] != true {
		t.Errorf("include_usage not merged in: %v", streamOpts)
	}
}

func TestForward_NonStreamingNoUsageInjection(t *testing.T) {
	var gotBody map[string]any
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := New()
	body := []byte(`{"model":"gpt-4","stream":false}`)
	_, err := c.Forward(context.Background(), http.MethodPost, "/chat/completions", http.Header{}, body, srv.URL, false)
	if err != nil {
		t.Fatal(err)
	}

	if gotAccept != "application/json" {
		t.Errorf("Accept = %q, want application/json", gotAccept)
	}
	if _, exists := gotBody["stream_options"]; exists {
		t.Errorf("stream_options should not be injected for non-streaming requests: %v", gotBody)
	}
}
