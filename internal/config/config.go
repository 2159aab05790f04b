// Package config loads durableq's runtime configuration from environment
// variables, following the teacher's internal/config convention: thin
// env-tagged structs loaded via internal/env, with defaults applied by the
// constructing code rather than struct-tag defaults (env.Load intentionally
// leaves unset fields at their zero value).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rezkam/durableq/internal/env"
)

// ErrDSNRequired is returned when a non-sqlite driver is configured without
// a DSN.
var ErrDSNRequired = errors.New("DURABLEQ_DB_DSN is required when DURABLEQ_DB_DRIVER is not sqlite")

// DatabaseConfig holds store connection configuration.
type DatabaseConfig struct {
	Driver             string `env:"DURABLEQ_DB_DRIVER"` // "sqlite" (default) or "pgx"
	DSN                string `env:"DURABLEQ_DB_DSN"`
	SQLitePath         string `env:"DURABLEQ_DB_SQLITE_PATH"`
	MaxOpenConns       int    `env:"DURABLEQ_DB_MAX_OPEN_CONNS"`
	MaxIdleConns       int    `env:"DURABLEQ_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetimeSec int    `env:"DURABLEQ_DB_CONN_MAX_LIFETIME_SEC"`
	ConnMaxIdleTimeSec int    `env:"DURABLEQ_DB_CONN_MAX_IDLE_TIME_SEC"`
}

// Validate checks the fields env.Load cannot default on its own.
func (c *DatabaseConfig) Validate() error {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Driver == "sqlite" {
		if c.SQLitePath == "" {
			c.SQLitePath = "durableq.db"
		}
		return nil
	}
	if c.DSN == "" {
		return ErrDSNRequired
	}
	return nil
}

// ConnMaxLifetime returns the configured pool lifetime as a time.Duration.
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSec) * time.Second
}

// ConnMaxIdleTime returns the configured pool idle timeout as a time.Duration.
func (c DatabaseConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(c.ConnMaxIdleTimeSec) * time.Second
}

// WorkerConfig holds one worker's dispatch parameters (spec.md §6 "Worker
// configuration"). Zero values mean "use the Registry-derived default" and
// are resolved by queue.Queue.StartWorker, not here.
type WorkerConfig struct {
	AcceptedTypes  string `env:"DURABLEQ_WORKER_ACCEPTED_TYPES"` // comma-separated; empty = all registered
	MinConcurrency int32  `env:"DURABLEQ_WORKER_MIN_CONCURRENCY"`
	MaxConcurrency int32  `env:"DURABLEQ_WORKER_MAX_CONCURRENCY"`
}

// Types splits AcceptedTypes into a slice, trimming whitespace and dropping
// empty entries.
func (c WorkerConfig) Types() []string {
	if strings.TrimSpace(c.AcceptedTypes) == "" {
		return nil
	}
	parts := strings.Split(c.AcceptedTypes, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AppConfig is the full configuration for the cmd/queue daemon.
type AppConfig struct {
	Database DatabaseConfig
	Worker   WorkerConfig
}

// Load reads AppConfig from the environment.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
