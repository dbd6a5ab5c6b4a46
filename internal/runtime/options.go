package runtime

import (
	"log/slog"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig points the gateway at a config.yaml path. An empty
// path (the default if this option is omitted) loads defaults plus
// environment overrides only.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		g.configPath = path
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}
