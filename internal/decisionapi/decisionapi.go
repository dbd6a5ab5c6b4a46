// Package decisionapi exposes the broker's session list, settings,
// and decision points as plain REST endpoints, for operator tooling
// that would rather poll than hold a WebSocket open (spec.md §6).
package decisionapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/playingpack/internal/broker"
	"github.com/tjfontaine/playingpack/internal/history"
)

// API wires the broker (and optionally the history archive) into chi
// routes under /api.
type API struct {
	Broker  *broker.Broker
	History *history.Store // nil if no archive is configured
}

// New creates an API. history may be nil.
func New(b *broker.Broker, h *history.Store) *API {
	return &API{Broker: b, History: h}
}

// Routes registers the decision API's routes onto r.
func (a *API) Routes(r chi.Router) {
	r.Get("/sessions", a.listSessions)
	r.Get("/sessions/{id}", a.getSession)
	r.Get("/settings", a.getSettings)
	r.Put("/settings", a.updateSettings)
	r.Post("/sessions/{id}/point1", a.point1Action)
	r.Post("/sessions/{id}/point2", a.point2Action)
	r.Get("/history", a.listHistory)
	r.Get("/history/{id}", a.getHistory)
	r.Get("/health", a.health)
}

// health reports the decision API's own liveness, distinct from the
// top-level /health the engine serves: an operator console that can
// reach /api but not resolve decision points should be able to tell
// the difference.
func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": a.Broker.List()})
}

// getSession looks in the live broker first, falling back to the
// history archive for sessions the reaper has already evicted
// (SPEC_FULL.md, "SUPPLEMENTED FEATURES").
func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if session := a.Broker.Get(id); session != nil {
		writeJSON(w, http.StatusOK, session)
		return
	}

	if a.History != nil {
		session, err := a.History.Get(id)
		if err == nil && session != nil {
			writeJSON(w, http.StatusOK, session)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "session not found"})
}

func (a *API) listHistory(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": []any{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := a.History.List(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "history not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	session, err := a.History.Get(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if session == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Broker.Settings())
}

func (a *API) updateSettings(w http.ResponseWriter, r *http.Request) {
	var settings broker.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid settings body"})
		return
	}
	a.Broker.UpdateSettings(settings)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// point1Action resolves the named session's first decision point. The
// broker reports whether an awaiter was actually pending, which this
// endpoint surfaces as {success:false} rather than an error status
// (spec.md §7: "decision action without pending awaiter").
func (a *API) point1Action(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var action broker.Point1Action
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid action body"})
		return
	}
	ok := a.Broker.ResolvePoint1(id, action)
	writeJSON(w, http.StatusOK, map[string]any{"success": ok})
}

func (a *API) point2Action(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var action broker.Point2Action
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid action body"})
		return
	}
	ok := a.Broker.ResolvePoint2(id, action)
	writeJSON(w, http.StatusOK, map[string]any{"success": ok})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
