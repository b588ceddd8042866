// Package config loads the elicit configuration file and applies
// environment overrides on top of it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/elicit-dev/elicit/internal/ai"
	"github.com/elicit-dev/elicit/internal/compaction"
	"github.com/elicit-dev/elicit/internal/cost"
	"github.com/elicit-dev/elicit/internal/interview"
	"github.com/elicit-dev/elicit/internal/logging"
	"github.com/elicit-dev/elicit/internal/storage"
	"github.com/elicit-dev/elicit/internal/workflow"
)

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	// Addr is the listen address
	// Default: ":8080"
	Addr string `yaml:"addr"`

	// ReadTimeout bounds reading a full request
	// Default: 15s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds writing a response. It must exceed the
	// extraction timeout since the generating answer is served synchronously
	// Default: 60s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds draining requests and flushing sessions on exit
	// Default: 20s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config is the full application configuration
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Log        logging.Config    `yaml:"log"`
	AI         ai.Config         `yaml:"ai"`
	Compaction compaction.Config `yaml:"compaction"`
	Quota      cost.Config       `yaml:"quota"`
	Engine     workflow.Config   `yaml:"engine"`
	Interview  interview.Config  `yaml:"interview"`
	Storage    storage.Config    `yaml:"storage"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Log:        logging.DefaultConfig(),
		AI:         ai.DefaultConfig(),
		Compaction: compaction.DefaultConfig(),
		Quota:      *cost.DefaultConfig(),
		Engine:     workflow.DefaultConfig(),
		Interview:  interview.DefaultConfig(),
		Storage:    *storage.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
//
// Environment variables:
//   - ELICIT_LISTEN_ADDR: HTTP listen address
//   - ELICIT_LOG_LEVEL: debug, info, warn or error
//   - ELICIT_LOG_FORMAT: json or console
//   - ELICIT_AI_PROVIDER: anthropic or gemini
//   - ELICIT_AI_MODEL: provider model name
//   - ELICIT_AI_API_KEY: provider API key
//   - ELICIT_DB_BACKEND: sqlite or memory
//   - ELICIT_DB_PATH: SQLite database path
//   - ELICIT_MAX_TURNS: hard turn limit per interview
//   - ELICIT_MAX_CONTEXT_SIZE: compaction ceiling in characters
//   - ELICIT_QUOTA_*: see cost.LoadFromEnv
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	parseEnvString("ELICIT_LISTEN_ADDR", &c.Server.Addr)
	parseEnvString("ELICIT_LOG_LEVEL", &c.Log.Level)
	parseEnvString("ELICIT_LOG_FORMAT", &c.Log.Format)
	parseEnvString("ELICIT_AI_PROVIDER", &c.AI.Provider)
	parseEnvString("ELICIT_AI_MODEL", &c.AI.Model)
	parseEnvString("ELICIT_AI_API_KEY", &c.AI.APIKey)
	parseEnvString("ELICIT_DB_BACKEND", &c.Storage.Backend)
	parseEnvString("ELICIT_DB_PATH", &c.Storage.Path)
	if err := parseEnvInt("ELICIT_MAX_TURNS", &c.Engine.MaxTurns); err != nil {
		return err
	}
	if err := parseEnvInt("ELICIT_MAX_CONTEXT_SIZE", &c.Compaction.MaxContextSize); err != nil {
		return err
	}
	c.Quota = *cost.LoadFromEnv(&c.Quota)
	return nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.Server.WriteTimeout <= c.Engine.ExtractionTimeout {
		return fmt.Errorf("server.write_timeout (%s) must exceed engine.extraction_timeout (%s)",
			c.Server.WriteTimeout, c.Engine.ExtractionTimeout)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch c.AI.Provider {
	case ai.ProviderAnthropic, ai.ProviderGemini:
	default:
		return fmt.Errorf("ai.provider must be %q or %q, got %q", ai.ProviderAnthropic, ai.ProviderGemini, c.AI.Provider)
	}
	if err := c.AI.Retry.Validate(); err != nil {
		return fmt.Errorf("ai.retry: %w", err)
	}
	if c.Compaction.MaxContextSize <= 0 {
		return fmt.Errorf("compaction.max_context_size must be positive, got %d", c.Compaction.MaxContextSize)
	}
	if c.Compaction.TargetRatio <= 0 || c.Compaction.TargetRatio >= 1 {
		return fmt.Errorf("compaction.target_ratio must be in (0, 1), got %v", c.Compaction.TargetRatio)
	}
	if err := c.Quota.Validate(); err != nil {
		return fmt.Errorf("quota: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Interview.Validate(); err != nil {
		return fmt.Errorf("interview: %w", err)
	}
	switch c.Storage.Backend {
	case storage.BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case storage.BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", storage.BackendSQLite, storage.BackendMemory, c.Storage.Backend)
	}
	return nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) {
	if value := os.Getenv(key); value != "" {
		*dest = value
	}
}
