package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/tjfontaine/playingpack/internal/broker"
	"github.com/tjfontaine/playingpack/internal/fingerprint"
	"github.com/tjfontaine/playingpack/internal/wire"
)

// HandleChatCompletions is the main entry point (spec.md §4.7, §6).
func (e *Engine) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings := e.Broker.Settings()

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeProxyError(w, "failed to read request body")
		return
	}

	var generic map[string]any
	if err := json.Unmarshal(rawBody, &generic); err != nil {
		writeProxyError(w, "invalid JSON request body")
		return
	}
	var req wire.ChatCompletionRequest
	_ = json.Unmarshal(rawBody, &req)

	fp, err := fingerprint.Hash(generic)
	if err != nil {
		e.Logger.Error("fingerprint failed", slog.Any("error", err))
		writeProxyError(w, "failed to fingerprint request")
		return
	}

	sessionID := uuid.New().String()
	wantsStream := req.WantsStream()

	e.Broker.Create(sessionID, broker.RequestSnapshot{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      wantsStream,
		Tools:       req.Tools,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RawBody:     rawBody,
	}, fp)

	cacheAvailable := settings.Cache != broker.CacheOff && e.Cache.Exists(fp, wantsStream)
	e.Broker.SetCacheAvailable(sessionID, cacheAvailable)

	action, ok := e.resolvePoint1(ctx, sessionID, settings, cacheAvailable)
	if !ok {
		return // client disconnected while suspended; session retained, nothing written (spec.md §5)
	}

	result, err := e.acquireByAction(ctx, r, sessionID, action, settings, fp, req, wantsStream, rawBody)
	if err != nil {
		if errors.Is(err, errCacheNotFound) {
			e.respondCacheNotFound(w, sessionID)
			return
		}
		e.respondProxyError(w, sessionID, err)
		return
	}

	if settings.Intervene {
		e.Broker.SetReviewing(sessionID)
		p2, err := e.Broker.AwaitPoint2(ctx, sessionID)
		if err != nil {
			return // disconnected while reviewing; session retained, response suppressed
		}
		if p2.Kind == broker.Point2Modify {
			modified, err := e.acquireMock(sessionID, p2.Content, req.Model, req.Messages, wantsStream, nowEpochMS())
			if err != nil {
				e.respondProxyError(w, sessionID, err)
				return
			}
			result = modified
		}
	}

	e.emit(w, sessionID, result, wantsStream)
}

// resolvePoint1 either suspends on the broker's point 1 (intervene on)
// or auto-selects cache-if-available-else-llm (intervene off).
// The second return value is false only when the caller disconnected
// while suspended.
func (e *Engine) resolvePoint1(ctx context.Context, sessionID string, settings broker.Settings, cacheAvailable bool) (broker.Point1Action, bool) {
	if !settings.Intervene {
		if cacheAvailable {
			return broker.Point1Action{Kind: broker.Point1Cache}, true
		}
		return broker.Point1Action{Kind: broker.Point1LLM}, true
	}

	action, err := e.Broker.AwaitPoint1(ctx, sessionID)
	if err != nil {
		return broker.Point1Action{}, false
	}
	e.Broker.SetProcessing(sessionID)
	return action, true
}

var errCacheNotFound = errors.New("no cached response found")

// acquireByAction runs the response-acquisition path the resolved
// point-1 action names.
func (e *Engine) acquireByAction(ctx context.Context, r *http.Request, sessionID string, action broker.Point1Action, settings broker.Settings, fp string, req wire.ChatCompletionRequest, wantsStream bool, rawBody []byte) (acquired, error) {
	switch action.Kind {
	case broker.Point1Mock:
		return e.acquireMock(sessionID, action.Content, req.Model, req.Messages, wantsStream, nowEpochMS())

	case broker.Point1Cache:
		if record, _ := e.Cache.Load(fp, wantsStream); record != nil {
			return e.acquireCache(ctx, sessionID, record)
		}
		if settings.Cache == broker.CacheRead {
			return acquired{}, errCacheNotFound
		}
		return e.runLLM(ctx, r, sessionID, settings, fp, req, wantsStream, rawBody)

	default: // Point1LLM
		if settings.Cache == broker.CacheRead {
			return acquired{}, errCacheNotFound
		}
		return e.runLLM(ctx, r, sessionID, settings, fp, req, wantsStream, rawBody)
	}
}

func (e *Engine) runLLM(ctx context.Context, r *http.Request, sessionID string, settings broker.Settings, fp string, req wire.ChatCompletionRequest, wantsStream bool, rawBody []byte) (acquired, error) {
	cacheWrite := settings.Cache == broker.CacheReadWrite
	return e.acquireLLM(ctx, sessionID, http.MethodPost, "/chat/completions", r.Header, rawBody, settings.Upstream, wantsStream, fp, req.Model, req.Messages, cacheWrite)
}

// respondCacheNotFound implements the cache-only-miss error
// disposition (spec.md §4.7, §7).
func (e *Engine) respondCacheNotFound(w http.ResponseWriter, sessionID string) {
	message := "No cached response found (cache mode: read)"
	e.Broker.Error(sessionID, message)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{"message": message, "type": "cache_not_found"},
	})
	w.Write(body)
}

// respondProxyError implements the generic internal-error disposition
// (spec.md §7): no partial body may have been emitted before this
// path is taken, since acquisition is fully buffered.
func (e *Engine) respondProxyError(w http.ResponseWriter, sessionID string, err error) {
	e.Logger.Error("proxy error", slog.Any("error", err), slog.String("session_id", sessionID))
	e.Broker.Error(sessionID, err.Error())
	writeProxyError(w, err.Error())
}

func writeProxyError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{"message": message, "type": "proxy_error"},
	})
	w.Write(body)
}

// emit writes the final buffer to the client per spec.md §4.7:
// SSE framing when the buffer carries "data: " framing and the caller
// requested streaming, otherwise application/json; adds the
// x-playingpack-cached / x-playingpack-mocked headers; then marks the
// session complete.
func (e *Engine) emit(w http.ResponseWriter, sessionID string, result acquired, wantsStream bool) {
	e.Broker.SetResponseSource(sessionID, result.Source)
	e.Broker.SetResponseStatus(sessionID, result.Status)

	isSSE := wantsStream && bytes.Contains(result.Buffer, []byte("data: "))

	if result.Source == broker.SourceCache {
		w.Header().Set("x-playingpack-cached", "true")
	}
	if result.Source == broker.SourceMock {
		w.Header().Set("x-playingpack-mocked", "true")
	}

	if isSSE {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}

	w.WriteHeader(result.Status)
	w.Write(result.Buffer)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	e.Broker.Complete(sessionID)
}
