// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

// Package config loads the layered application configuration: built-in
// defaults, then an optional YAML file, then MESHWATCH_-prefixed
// environment variables, highest priority last.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/meshwatch/meshwatch/internal/database"
	"github.com/meshwatch/meshwatch/internal/models"
)

// DefaultConfigPaths lists where the config file is searched, first
// match wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/meshwatch/config.yaml",
	"/etc/meshwatch/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "MESHWATCH_CONFIG"

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig    `koanf:"server"`
	Database database.Config `koanf:"database"`
	Logging  LoggingConfig   `koanf:"logging"`
	Sources  []SourceConfig  `koanf:"sources"`
}

// ServerConfig configures the status/metrics HTTP listener.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// SourceConfig seeds one telemetry source on first start. Rows already
// present in storage win over the file, so operator edits through the
// CRUD layer survive restarts.
type SourceConfig struct {
	ID           int64         `koanf:"id" validate:"required,min=1"`
	Name         string        `koanf:"name" validate:"required"`
	Kind         string        `koanf:"kind" validate:"oneof=poll subscribe"`
	URL          string        `koanf:"url"`
	Broker       string        `koanf:"broker"`
	Topic        string        `koanf:"topic"`
	Username     string        `koanf:"username"`
	Password     string        `koanf:"password"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Enabled      bool          `koanf:"enabled"`
}

// Model converts the seed entry to the canonical source row.
func (s SourceConfig) Model() models.Source {
	return models.Source{
		ID:           s.ID,
		Name:         s.Name,
		Kind:         s.Kind,
		URL:          strings.TrimRight(s.URL, "/"),
		Broker:       s.Broker,
		Topic:        s.Topic,
		Username:     s.Username,
		Password:     s.Password,
		PollInterval: s.PollInterval,
		Enabled:      s.Enabled,
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    3859,
			Timeout: 30 * time.Second,
		},
		Database: database.Config{
			Path:      "/data/meshwatch.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from defaults, optional YAML file and
// environment, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// MESHWATCH_SERVER_PORT -> server.port, MESHWATCH_LOGGING_LEVEL ->
	// logging.level. Unprefixed variables are ignored.
	envProvider := env.Provider("MESHWATCH_", ".", func(key string) string {
		key = strings.TrimPrefix(strings.ToLower(key), "meshwatch_")
		return strings.Replace(key, "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks structural constraints plus the per-kind endpoint
// requirements the struct tags cannot express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	seen := map[int64]bool{}
	for _, src := range c.Sources {
		if seen[src.ID] {
			return fmt.Errorf("source id %d appears more than once", src.ID)
		}
		seen[src.ID] = true
		switch src.Kind {
		case models.SourceKindPoll:
			if src.URL == "" {
				return fmt.Errorf("poll source %q requires a url", src.Name)
			}
		case models.SourceKindSubscribe:
			if src.Broker == "" || src.Topic == "" {
				return fmt.Errorf("subscribe source %q requires broker and topic", src.Name)
			}
		}
	}
	return nil
}
