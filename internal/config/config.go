// Package config loads server settings from a YAML file and
// environment overrides, and exposes the broker's operator-tunable
// knobs (cache mode, intervene, upstream) as part of that same file so
// they survive a restart (spec.md §3, §6).
package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/playingpack/internal/broker"
)

// Config is the full set of load-time settings.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Cache    CacheConfig    `koanf:"cache"`
	Playback PlaybackConfig `koanf:"playback"`
}

// ServerConfig controls the HTTP listener and upstream target.
type ServerConfig struct {
	Port      int    `koanf:"port"`
	Upstream  string `koanf:"upstream"`
	HistoryDB string `koanf:"history_db"`
}

// CacheConfig controls the on-disk record/replay store.
type CacheConfig struct {
	Dir  string `koanf:"dir"`
	Mode string `koanf:"mode"` // "off", "read", "read-write"
}

// PlaybackConfig controls whether requests suspend for operator review.
type PlaybackConfig struct {
	Intervene bool `koanf:"intervene"`
}

// envPrefix namespaces environment overrides, mirroring the teacher's
// POLY_ convention (internal/config/config.go) for this module.
const envPrefix = "PLAYINGPACK_"

// Load reads path (if non-empty) as YAML, applies envPrefix-prefixed
// environment overrides on top, then fills in defaults for anything
// still unset.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":        8080,
		"server.upstream":    "https://api.openai.com",
		"server.history_db":  "playingpack-history.db",
		"cache.dir":          "./cache",
		"cache.mode":         "read-write",
		"playback.intervene": true,
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}

// BrokerSettings converts the loaded config into broker.Settings,
// falling back to read-write if Cache.Mode names something unknown.
func (c *Config) BrokerSettings() broker.Settings {
	mode := broker.CacheMode(c.Cache.Mode)
	switch mode {
	case broker.CacheOff, broker.CacheRead, broker.CacheReadWrite:
	default:
		mode = broker.CacheReadWrite
	}
	return broker.Settings{
		Cache:     mode,
		Intervene: c.Playback.Intervene,
		Upstream:  c.Server.Upstream,
	}
}
