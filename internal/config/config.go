// Package config provides configuration loading for reveried.
//
// Configuration is loaded from an optional YAML file, overridden by
// environment variables, with hardcoded defaults for anything unset.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete reveried configuration.
type Config struct {
	Store      StoreConfig      `koanf:"store"`
	Broker     BrokerConfig     `koanf:"broker"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Worker     WorkerConfig     `koanf:"worker"`
	Generation GenerationConfig `koanf:"generation"`
	Crypto     CryptoConfig     `koanf:"crypto"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// StoreConfig holds the SQLite entry store configuration.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// BrokerConfig holds the NATS JetStream broker configuration.
type BrokerConfig struct {
	URL   string `koanf:"url"`
	Embed bool   `koanf:"embed"`
	// EmbedDir is the JetStream storage directory when Embed is set.
	EmbedDir string `koanf:"embed_dir"`
	Stream   string `koanf:"stream"`
	Subject  string `koanf:"subject"`
	Durable  string `koanf:"durable"`
	// VisibilityTimeout is the broker-side window during which a delivered,
	// unacknowledged job is hidden from other consumers.
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`
}

// SchedulerConfig holds the periodic scheduler configuration. The tick
// interval is independent of the weekly/monthly period cadence: a tick
// only checks whether a period boundary has been crossed.
type SchedulerConfig struct {
	TickInterval time.Duration `koanf:"tick_interval"`
	// ClaimLease is how long a ledger claim stays fresh before another
	// worker may reclaim it.
	ClaimLease time.Duration `koanf:"claim_lease"`
}

// WorkerConfig holds the worker pool configuration.
type WorkerConfig struct {
	Count       int           `koanf:"count"`
	MaxAttempts int           `koanf:"max_attempts"`
	BackoffBase time.Duration `koanf:"backoff_base"`
}

// GenerationConfig holds the external text-generation service settings.
type GenerationConfig struct {
	BaseURL string        `koanf:"base_url"`
	Model   string        `koanf:"model"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
}

// CryptoConfig holds the at-rest encryption key, base64-encoded, supplied
// by the external key-management collaborator.
type CryptoConfig struct {
	Key string `koanf:"key"`
}

// ServerConfig holds the read-only HTTP status server configuration.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return errors.New("store path is required")
	}
	if !c.Broker.Embed && c.Broker.URL == "" {
		return errors.New("broker url is required unless broker embed is set")
	}
	if c.Broker.Stream == "" || c.Broker.Subject == "" || c.Broker.Durable == "" {
		return errors.New("broker stream, subject, and durable name are required")
	}
	if c.Broker.VisibilityTimeout <= 0 {
		return errors.New("broker visibility timeout must be positive")
	}
	if c.Scheduler.TickInterval <= 0 {
		return errors.New("scheduler tick interval must be positive")
	}
	if c.Scheduler.ClaimLease <= 0 {
		return errors.New("scheduler claim lease must be positive")
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.Worker.Count)
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker max attempts must be at least 1, got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.BackoffBase <= 0 {
		return errors.New("worker backoff base must be positive")
	}
	if c.Generation.Model == "" {
		return errors.New("generation model is required")
	}
	if c.Generation.Timeout <= 0 {
		return errors.New("generation timeout must be positive")
	}
	if c.Crypto.Key == "" {
		return errors.New("crypto key is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	return nil
}
