// Package upstream wraps the forward HTTP call to the upstream chat-
// completions endpoint: header filtering, Accept negotiation, and
// stream_options.include_usage injection (spec.md §4.5).
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// allowedHeaders is the forwarding allow-list (spec.md §4.5).
var allowedHeaders = map[string]bool{
	"authorization":      true,
	"content-type":       true,
	"accept":             true,
	"openai-organization": true,
	"openai-project":     true,
	"user-agent":         true,
}

// Client forwards chat-completion requests to a configured upstream.
type Client struct {
	HTTPClient *http.Client
}

// New creates a Client using http.DefaultClient.
func New() *Client {
	return &Client{HTTPClient: http.DefaultClient}
}

// Result is the response from Forward: the status, the upstream's
// response headers as received, and a streaming body the caller owns
// and must Close.
type Result struct {
	Status  int
	Headers http.Header
	Body    io.ReadCloser
}

// Forward issues method against upstreamURL+path with the filtered
// headers and body, merging stream_options.include_usage=true into a
// streaming request body: it adds stream_options when absent, and adds
// include_usage to a caller's stream_options object that lacks it,
// keeping the caller's other options (spec.md §4.5, §4.7 LLM path). No retries; network
// failures propagate as errors.
func (c *Client) Forward(ctx context.Context, method, path string, headers http.Header, body []byte, upstreamURL string, wantsStream bool) (*Result, error) {
	outBody, err := maybeInjectUsage(body, wantsStream)
	if err != nil {
		return nil, fmt.Errorf("upstream: prepare body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(upstreamURL, "/")+path, bytes.NewReader(outBody))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}

	for k, vs := range headers {
		if allowedHeaders[strings.ToLower(k)] {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	if wantsStream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: request failed: %w", err)
	}

	return &Result{Status: resp.StatusCode, Headers: resp.Header, Body: resp.Body}, nil
}

func maybeInjectUsage(body []byte, wantsStream bool) ([]byte, error) {
	if !wantsStream {
		return body, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return body, nil
	}

	if _, exists := obj["stream_options"]; !exists {
		obj["stream_options"] = map[string]any{"include_usage": true}
	} else if opts, ok := obj["stream_options"].(map[string]any); ok {
		if _, exists := opts["include_usage"]; !exists {
			opts["include_usage"] = true
		}
	}

	return json.Marshal(obj)
}
