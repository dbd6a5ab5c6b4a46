// Package server wires the HTTP router: the chat-completions
// lifecycle endpoint, a transparent passthrough for the rest of
// /v1/*, the decision API, the WebSocket hub, and health (spec.md §6).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/playingpack/internal/decisionapi"
	"github.com/tjfontaine/playingpack/internal/engine"
	"github.com/tjfontaine/playingpack/internal/hub"
)

// requestTimeout bounds every request's context, streaming ones
// included, since the middleware wraps all routes; it is deliberately
// generous next to the teacher's 30s default since a slow upstream
// completion or an operator taking their time at a decision point are
// both expected, not exceptional (spec.md §5).
const requestTimeout = 5 * time.Minute

// Server holds the chi router and an http.Server listening on Port.
type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
}

// New builds the router and registers every route the lifecycle,
// decision API, and hub expose.
func New(port int, logger *slog.Logger, eng *engine.Engine, h *hub.Hub, api *decisionapi.API) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(requestTimeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "playingpack")
	})

	r.Get("/health", eng.HandleHealth)
	r.Post("/v1/chat/completions", eng.HandleChatCompletions)
	r.HandleFunc("/v1/*", eng.HandlePassthrough)
	r.Get("/ws", h.ServeHTTP)

	r.Route("/api", api.Routes)

	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
		http:   &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: r},
	}
}

// Start blocks serving HTTP on Port until Shutdown is called, at
// which point it returns nil; any other listen or serve error is
// returned as is.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
