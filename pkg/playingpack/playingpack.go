// Package playingpack is the public API for embedding the proxy in a
// host process. This is the stable surface for external consumers;
// internal/runtime may change shape freely.
package playingpack

import (
	"github.com/tjfontaine/playingpack/internal/broker"
	"github.com/tjfontaine/playingpack/internal/runtime"
)

// Gateway runs the chat-completions proxy: see internal/runtime.Gateway
// for full documentation.
type Gateway = runtime.Gateway

// Option configures a Gateway.
type Option = runtime.Option

// New creates a Gateway with the given options.
//
//	gw, err := playingpack.New(playingpack.WithFileConfig("config.yaml"))
var New = runtime.New

// WithFileConfig points the gateway at a config.yaml path.
var WithFileConfig = runtime.WithFileConfig

// WithLogger sets a custom logger.
var WithLogger = runtime.WithLogger

// Session and its related types are re-exported so a host process can
// type-assert against Gateway.Broker() results without importing
// internal/broker directly.
type (
	Session      = broker.Session
	Point1Action = broker.Point1Action
	Point2Action = broker.Point2Action
	Settings     = broker.Settings
)
