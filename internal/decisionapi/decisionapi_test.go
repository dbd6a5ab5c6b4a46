package decisionapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/playingpack/internal/broker"
	"github.com/tjfontaine/playingpack/internal/history"
)

func newTestRouter(t *testing.T, h *history.Store) (*chi.Mux, *broker.Broker) {
	t.Helper()
	b := broker.New(broker.DefaultSettings())
	api := New(b, h)
	r := chi.NewRouter()
	r.Route("/api", api.Routes)
	return r, b
}

func TestListSessions(t *testing.T) {
	r, b := newTestRouter(t, nil)
	b.Create("sess-1", broker.RequestSnapshot{Model: "gpt-4o-mini"}, "fp-1")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Sessions []broker.Session `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].ID != "sess-1" {
		t.Errorf("unexpected sessions: %+v", body.Sessions)
	}
}

func TestGetSession_NotFoundWithoutHistory(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/missing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetSession_FallsBackToHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	h, err := history.New(dbPath)
	if err != nil {
		t.Fatalf("history.New: %v", err)
	}
	defer h.Close()

	archived := &broker.Session{ID: "sess-archived", State: broker.StateComplete, Request: broker.RequestSnapshot{Model: "gpt-4o-mini"}}
	if err := h.Archive(archived); err != nil {
		t.Fatalf("archive: %v", err)
	}

	r, _ := newTestRouter(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-archived", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var session broker.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if session.ID != "sess-archived" {
		t.Errorf("ID = %q, want sess-archived", session.ID)
	}
}

func TestGetSettings_AndUpdateSettings(t *testing.T) {
	r, b := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /settings status = %d", rec.Code)
	}

	newSettings := broker.Settings{Cache: broker.CacheOff, Intervene: false, Upstream: "https://example.test"}
	payload, _ := json.Marshal(newSettings)
	req = httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewReader(payload))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /settings status = %d", rec.Code)
	}

	if got := b.Settings(); got != newSettings {
		t.Errorf("Settings() = %+v, want %+v", got, newSettings)
	}
}

func TestPoint1Action_NoAwaiterReturnsSuccessFalse(t *testing.T) {
	r, b := newTestRouter(t, nil)
	b.Create("sess-2", broker.RequestSnapshot{Model: "gpt-4o-mini"}, "fp-2")

	action := broker.Point1Action{Kind: broker.Point1LLM}
	payload, _ := json.Marshal(action)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/sess-2/point1", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var resp struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success {
		t.Error("expected success=false when no point1 awaiter is pending")
	}
}

func TestPoint2Action_InvalidBody(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/sess-3/point2", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status field = %q, want ok", body.Status)
	}
}

func TestListHistory_EmptyWithoutHistory(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body struct {
		Sessions []broker.Session `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 0 {
		t.Errorf("expected empty history, got %d sessions", len(body.Sessions))
	}
}
