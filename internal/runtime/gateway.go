// Package runtime provides the embeddable Gateway type: the same
// broker/cache/upstream/engine/hub/decisionapi wiring cmd/playingpack
// performs, packaged as a library so a host process can run the proxy
// inside its own process instead of as a standalone binary.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tjfontaine/playingpack/internal/broker"
	"github.com/tjfontaine/playingpack/internal/cache"
	"github.com/tjfontaine/playingpack/internal/config"
	"github.com/tjfontaine/playingpack/internal/decisionapi"
	"github.com/tjfontaine/playingpack/internal/engine"
	"github.com/tjfontaine/playingpack/internal/history"
	"github.com/tjfontaine/playingpack/internal/hub"
	"github.com/tjfontaine/playingpack/internal/server"
	"github.com/tjfontaine/playingpack/internal/upstream"
)

// Gateway is the main entry point for running the proxy embedded in a
// larger application.
type Gateway struct {
	configPath string
	logger     *slog.Logger

	broker       *broker.Broker
	historyStore *history.Store
	server       *server.Server

	watchCancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New creates a Gateway with the given options. By default it loads
// settings the same way cmd/playingpack does: config.Load("") plus
// environment overrides, logging to slog.Default().
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("runtime: apply option: %w", err)
		}
	}
	return gw, nil
}

// Start loads configuration, wires every collaborator, and begins
// serving HTTP in a background goroutine. It does not wait for the
// listener to come up: it returns without blocking, and a listen error
// that arrives after it has returned is not reported. Call Shutdown to
// stop.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return fmt.Errorf("runtime: gateway already started")
	}

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return fmt.Errorf("runtime: load config: %w", err)
	}

	historyStore, err := history.New(cfg.Server.HistoryDB)
	if err != nil {
		return fmt.Errorf("runtime: open history store: %w", err)
	}

	b := broker.New(cfg.BrokerSettings())
	b.SetArchiver(func(s *broker.Session) {
		if err := historyStore.Archive(s); err != nil {
			g.logger.Error("history: archive failed", slog.Any("error", err), slog.String("session_id", s.ID))
		}
	})

	cacheStore := cache.New(cfg.Cache.Dir)
	eng := engine.New(b, cacheStore, upstream.New(), g.logger)
	wsHub := hub.New(b, g.logger)
	api := decisionapi.New(b, historyStore)
	srv := server.New(cfg.Server.Port, g.logger, eng, wsHub, api)

	g.broker = b
	g.historyStore = historyStore
	g.server = srv
	g.started = true

	if g.configPath != "" {
		watchCtx, cancel := context.WithCancel(context.Background())
		g.watchCancel = cancel
		watcher := config.NewWatcher(g.configPath, g.logger, func(newCfg *config.Config) {
			b.UpdateSettings(newCfg.BrokerSettings())
		})
		go func() {
			if err := watcher.Watch(watchCtx); err != nil {
				g.logger.Error("config: watcher stopped", slog.Any("error", err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("runtime: server failed to start: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Shutdown gracefully stops the HTTP server and closes the history
// store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return nil
	}

	if g.watchCancel != nil {
		g.watchCancel()
	}

	var shutdownErr error
	if g.server != nil {
		shutdownErr = g.server.Shutdown(ctx)
	}
	if g.historyStore != nil {
		if err := g.historyStore.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}
	g.started = false
	return shutdownErr
}

// Broker exposes the session broker for a host process that wants to
// observe or drive sessions directly rather than through HTTP.
func (g *Gateway) Broker() *broker.Broker {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.broker
}
