package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/playingpack/internal/broker"
	"github.com/tjfontaine/playingpack/internal/cache"
	"github.com/tjfontaine/playingpack/internal/config"
	"github.com/tjfontaine/playingpack/internal/decisionapi"
	"github.com/tjfontaine/playingpack/internal/engine"
	"github.com/tjfontaine/playingpack/internal/history"
	"github.com/tjfontaine/playingpack/internal/hub"
	"github.com/tjfontaine/playingpack/internal/server"
	"github.com/tjfontaine/playingpack/internal/telemetry"
	"github.com/tjfontaine/playingpack/internal/upstream"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("playingpack", logger)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.Any("error", err))
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	historyStore, err := history.New(cfg.Server.HistoryDB)
	if err != nil {
		log.Fatalf("failed to open history store: %v", err)
	}
	defer historyStore.Close()

	b := broker.New(cfg.BrokerSettings())
	b.SetArchiver(func(s *broker.Session) {
		if err := historyStore.Archive(s); err != nil {
			logger.Error("history: archive failed", slog.Any("error", err), slog.String("session_id", s.ID))
		}
	})

	cacheStore := cache.New(cfg.Cache.Dir)
	upstreamClient := upstream.New()

	eng := engine.New(b, cacheStore, upstreamClient, logger)
	wsHub := hub.New(b, logger)
	api := decisionapi.New(b, historyStore)

	srv := server.New(cfg.Server.Port, logger, eng, wsHub, api)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	if *configPath != "" {
		watcher := config.NewWatcher(*configPath, logger, func(newCfg *config.Config) {
			b.UpdateSettings(newCfg.BrokerSettings())
		})
		go func() {
			if err := watcher.Watch(watchCtx); err != nil {
				logger.Error("config: watcher stopped", slog.Any("error", err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", slog.Any("error", err))
			os.Exit(1)
		}
		return
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server shut down cleanly")
}
