// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds all sync server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Redis (cross-instance change-notification fan-out; empty = single
	// instance, in-process fan-out only)
	RedisAddr     string
	RedisPassword string

	// Presence
	HeartbeatInterval time.Duration
	PresenceWindow    time.Duration

	// Collaboration event log retention
	EventRetention time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:       envOr("METRICS_ADDR", ":9090"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
		DatabaseURL:       envOr("DATABASE_URL", ""),
		RedisAddr:         envOr("REDIS_ADDR", ""),
		RedisPassword:     envOr("REDIS_PASSWORD", ""),
		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 10*time.Second),
		PresenceWindow:    envDuration("PRESENCE_WINDOW", 30*time.Second),
		EventRetention:    envDuration("EVENT_RETENTION", 24*time.Hour),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.PresenceWindow < cfg.HeartbeatInterval {
		return nil, fmt.Errorf("PRESENCE_WINDOW (%s) must not be shorter than HEARTBEAT_INTERVAL (%s)",
			cfg.PresenceWindow, cfg.HeartbeatInterval)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
