// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package config loads spindle's own operational settings: where its
// database lives, how long a launch may take, how large its event channel
// is, and how it logs. It does not discover service definitions — those
// come exclusively from the persistence layer (internal/storage) per the
// command surface, never from scanning config files on disk.
package config

import (
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Settings holds the daemon's own operational configuration.
type Settings struct {
	// DatabasePath is the SQLite file backing internal/storage.
	DatabasePath string `koanf:"database_path"`

	// LaunchTimeout bounds how long LaunchGroup waits for each service to
	// reach Running before moving on.
	LaunchTimeout time.Duration `koanf:"launch_timeout"`

	// EventChannelCapacity sizes the service manager's event channel.
	EventChannelCapacity int `koanf:"event_channel_capacity"`

	// LogLevel is one of trace/debug/info/warn/error.
	LogLevel string `koanf:"log_level"`

	// LogFormat is json or console.
	LogFormat string `koanf:"log_format"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint, e.g. ":9090". Empty disables the metrics server.
	MetricsAddr string `koanf:"metrics_addr"`
}

// Default returns the baseline settings before any environment overrides.
func Default() Settings {
	return Settings{
		DatabasePath:         "spindle.db",
		LaunchTimeout:        30 * time.Second,
		EventChannelCapacity: 16,
		LogLevel:             "info",
		LogFormat:            "json",
		MetricsAddr:          ":9090",
	}
}

// envPrefix is the prefix every overriding environment variable must carry,
// e.g. SPINDLE_DATABASE_PATH, SPINDLE_LOG_LEVEL.
const envPrefix = "SPINDLE_"

// Load builds Settings from defaults overlaid with SPINDLE_*-prefixed
// environment variables.
func Load() (Settings, error) {
	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return Settings{}, err
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return Settings{}, err
	}

	var out Settings
	if err := k.Unmarshal("", &out); err != nil {
		return Settings{}, err
	}
	return out, nil
}

func envTransform(s string) string {
	return toSnakeLower(stripPrefix(s))
}

func stripPrefix(s string) string {
	if len(s) >= len(envPrefix) {
		return s[len(envPrefix):]
	}
	return s
}

func toSnakeLower(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c = c - 'A' + 'a'
		}
		out[i] = c
	}
	return string(out)
}
