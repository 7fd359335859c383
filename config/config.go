// Package config loads the terminal's YAML configuration and applies
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the terminal daemon.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Logging   Logging   `yaml:"logging"`
	Reconnect Reconnect `yaml:"reconnect"`
	NATS      NATS      `yaml:"nats"`
	Brokers   []Broker  `yaml:"brokers"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Reconnect tunes the WebSocket reconnection backoff.
type Reconnect struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// NATS configures the optional event relay. Disabled when URL is empty.
type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	ClientName    string `yaml:"client_name"`
}

// Broker declares one broker connection: which adapter type drives it and
// where it points. Secrets never live here; they come from the credential
// store.
type Broker struct {
	ID       string            `yaml:"id"`
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint"`
	Options  map[string]string `yaml:"options"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, applies
// environment variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MULTIBROKER_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("MULTIBROKER_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("MULTIBROKER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the invariants a running daemon depends on. Zero-value
// reconnect fields are allowed; they fall back to the stream defaults.
func (c *Config) Validate() error {
	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path is required")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	if c.Reconnect.BaseDelay < 0 || c.Reconnect.MaxDelay < 0 {
		return fmt.Errorf("reconnect delays must not be negative")
	}
	if c.Reconnect.MaxDelay > 0 && c.Reconnect.BaseDelay > c.Reconnect.MaxDelay {
		return fmt.Errorf("reconnect.base_delay exceeds reconnect.max_delay")
	}
	seen := make(map[string]struct{}, len(c.Brokers))
	for i, b := range c.Brokers {
		if b.ID == "" {
			return fmt.Errorf("brokers[%d]: id is required", i)
		}
		if b.Type == "" {
			return fmt.Errorf("broker %q: type is required", b.ID)
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("broker %q declared twice", b.ID)
		}
		seen[b.ID] = struct{}{}
	}
	return nil
}
