package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Load loads configuration from an optional YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (STORE_PATH, BROKER_VISIBILITY_TIMEOUT, ...)
//  2. YAML config file (configPath, skipped when empty or missing)
//  3. Hardcoded defaults
//
// Environment variables map to config keys by splitting on the first
// underscore: SCHEDULER_TICK_INTERVAL -> scheduler.tick_interval.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		// SECTION_FIELD_NAME -> section.field_name: split on the first
		// underscore only, keeping underscores inside the field name.
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Store.Path == "" {
		cfg.Store.Path = "reverie.db"
	}

	if cfg.Broker.URL == "" && !cfg.Broker.Embed {
		cfg.Broker.URL = "nats://localhost:4222"
	}
	if cfg.Broker.EmbedDir == "" {
		cfg.Broker.EmbedDir = "jetstream"
	}
	if cfg.Broker.Stream == "" {
		cfg.Broker.Stream = "REFLECTIONS"
	}
	if cfg.Broker.Subject == "" {
		cfg.Broker.Subject = "reflections.jobs"
	}
	if cfg.Broker.Durable == "" {
		cfg.Broker.Durable = "reflection-workers"
	}
	if cfg.Broker.VisibilityTimeout == 0 {
		cfg.Broker.VisibilityTimeout = 2 * time.Minute
	}

	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = 30 * time.Second
	}
	if cfg.Scheduler.ClaimLease == 0 {
		cfg.Scheduler.ClaimLease = 5 * time.Minute
	}

	if cfg.Worker.Count == 0 {
		cfg.Worker.Count = 4
	}
	if cfg.Worker.MaxAttempts == 0 {
		cfg.Worker.MaxAttempts = 3
	}
	if cfg.Worker.BackoffBase == 0 {
		cfg.Worker.BackoffBase = 5 * time.Second
	}

	if cfg.Generation.BaseURL == "" {
		cfg.Generation.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "llama3:8b"
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = 90 * time.Second
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9210
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
