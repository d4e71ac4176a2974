// Package config provides environment-driven configuration for the engine.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all engine settings. Every field can be overridden through
// the environment; defaults are tuned for a mobile client on a flaky link.
type Config struct {
	// DataDir is where the local durable store lives.
	DataDir string `env:"DRIFTSYNC_DATA_DIR" envDefault:".driftsync"`

	// ServerURL is the base URL of the sync backend.
	ServerURL string `env:"DRIFTSYNC_SERVER_URL" envDefault:"http://localhost:8787"`

	// OwnerID is the already-authenticated principal this client syncs for.
	OwnerID string `env:"DRIFTSYNC_OWNER_ID"`

	// Collections lists the record collections this client reconciles.
	Collections []string `env:"DRIFTSYNC_COLLECTIONS" envSeparator:"," envDefault:"achievements,tasks,goals,currency,inventory"`

	// FlushInterval is the periodic flush cadence.
	FlushInterval time.Duration `env:"DRIFTSYNC_FLUSH_INTERVAL" envDefault:"30s"`

	// BatchSize bounds how many records one push carries.
	BatchSize int `env:"DRIFTSYNC_BATCH_SIZE" envDefault:"100"`

	// FailureThreshold is how many consecutive failed flushes trip the
	// degraded indicator.
	FailureThreshold int `env:"DRIFTSYNC_FAILURE_THRESHOLD" envDefault:"3"`

	// HTTPTimeout bounds every single transport call.
	HTTPTimeout time.Duration `env:"DRIFTSYNC_HTTP_TIMEOUT" envDefault:"20s"`

	// MaxBackoff caps the retry backoff between failed flush cycles.
	MaxBackoff time.Duration `env:"DRIFTSYNC_MAX_BACKOFF" envDefault:"5m"`

	// ListenAddr is where the reference backend listens (serve command).
	ListenAddr string `env:"DRIFTSYNC_LISTEN_ADDR" envDefault:":8787"`
}

// Load parses configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %s", c.FlushInterval)
	}
	return nil
}
