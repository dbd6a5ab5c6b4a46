package engine

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// hopByHopHeaders are stripped from the upstream's response headers
// before they are copied to a passthrough reply, matching the teacher's header-filtering convention in
// the upstream client (internal/upstream/client.go).
var hopByHopHeaders = []string{"Content-Length", "Content-Encoding", "Transfer-Encoding", "Connection"}

// HandlePassthrough forwards any other /v1/* request to the upstream
// untouched: no fingerprinting, no session, no cache, no mock. It
// exists so a client pointed entirely at the proxy (models list,
// embeddings, etc.) keeps working outside the chat-completions
// lifecycle (spec.md §4.1 "System Overview").
func (e *Engine) HandlePassthrough(w http.ResponseWriter, r *http.Request) {
	settings := e.Broker.Settings()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeProxyError(w, "failed to read request body")
		return
	}

	result, err := e.Upstream.Forward(r.Context(), r.Method, r.URL.Path, r.Header, body, settings.Upstream, false)
	if err != nil {
		e.Logger.Error("passthrough forward failed", slog.Any("error", err), slog.String("path", r.URL.Path))
		writeProxyError(w, "failed to reach upstream")
		return
	}
	defer result.Body.Close()

	for key, values := range result.Headers {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(result.Status)
	io.Copy(w, result.Body)
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// HandleHealth reports liveness only; it does not probe the upstream
// (spec.md §6 "External Interfaces").
func (e *Engine) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

