// Package engine implements the per-request lifecycle state machine:
// it orchestrates the cache store, upstream client, SSE parser, mock
// generator, and session broker to produce the client's response
// (spec.md §4.7).
package engine

import (
	"log/slog"

	"github.com/tjfontaine/playingpack/internal/broker"
	"github.com/tjfontaine/playingpack/internal/cache"
	"github.com/tjfontaine/playingpack/internal/tokens"
	"github.com/tjfontaine/playingpack/internal/upstream"
)

// Engine wires together the components the lifecycle needs. It holds
// no per-request state itself — all of that lives on the Session the
// Broker owns.
type Engine struct {
	Broker   *broker.Broker
	Cache    *cache.Store
	Upstream *upstream.Client
	Tokens   *tokens.Counter
	Logger   *slog.Logger
}

// New creates an Engine from its collaborators.
func New(b *broker.Broker, c *cache.Store, u *upstream.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Broker: b, Cache: c, Upstream: u, Tokens: tokens.New(), Logger: logger}
}
