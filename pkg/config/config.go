// Package config loads kernel configuration from the environment with sane
// defaults, plus per-profile tuning documents from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds kernel configuration.
type Config struct {
	LogLevel string

	// Storage selects the ledger backend: "memory", "sqlite" or "postgres".
	StorageBackend string
	DatabaseURL    string
	SQLitePath     string

	// RedisAddr enables the shared presence limiter when set.
	RedisAddr string

	PresenceSignalWindow   time.Duration
	PresenceValidityWindow time.Duration
	PolicyTimeout          time.Duration
	DriverTimeout          time.Duration
	RecoveryDeadline       time.Duration

	AttentionLowThreshold float64
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		LogLevel:               envOr("LOG_LEVEL", "INFO"),
		StorageBackend:         envOr("STORAGE_BACKEND", "sqlite"),
		DatabaseURL:            envOr("DATABASE_URL", "postgres://maple@localhost:5432/maple?sslmode=disable"),
		SQLitePath:             envOr("SQLITE_PATH", "maple.db"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		PresenceSignalWindow:   envDuration("PRESENCE_SIGNAL_WINDOW", 500*time.Millisecond),
		PresenceValidityWindow: envDuration("PRESENCE_VALIDITY_WINDOW", 30*time.Second),
		PolicyTimeout:          envDuration("POLICY_TIMEOUT", 2*time.Second),
		DriverTimeout:          envDuration("DRIVER_TIMEOUT", 30*time.Second),
		RecoveryDeadline:       envDuration("RECOVERY_DEADLINE", 10*time.Minute),
		AttentionLowThreshold:  envFloat("ATTENTION_LOW_THRESHOLD", 50.0),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
