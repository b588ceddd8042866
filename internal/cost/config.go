package cost

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds quota configuration for instance generation
type Config struct {
	// Enabled controls whether quota enforcement is active
	// Default: true
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxInstancesPerWindow is the number of instances each user may generate per window
	// 0 = unlimited
	// Default: 200
	MaxInstancesPerWindow int `yaml:"max_instances_per_window" json:"max_instances_per_window"`

	// WindowInterval is how often a user's quota resets
	// Default: 24h
	WindowInterval time.Duration `yaml:"window_interval" json:"window_interval"`

	// GenerationsPerMinute limits how often one user may start a generation
	// 0 = unlimited
	// Default: 6
	GenerationsPerMinute float64 `yaml:"generations_per_minute" json:"generations_per_minute"`

	// AlertThreshold is the fraction of a user's quota that puts them in warning
	// Default: 0.80
	AlertThreshold float64 `yaml:"alert_threshold" json:"alert_threshold"`

	// PersistStatePath is where usage is persisted for restart recovery
	// Empty disables persistence
	// Default: .elicit/quota_state.json
	PersistStatePath string `yaml:"persist_state_path" json:"persist_state_path"`
}

// DefaultConfig returns default quota configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:               true,
		MaxInstancesPerWindow: 200,
		WindowInterval:        24 * time.Hour,
		GenerationsPerMinute:  6,
		AlertThreshold:        0.80,
		PersistStatePath:      ".elicit/quota_state.json",
	}
}

// LoadFromEnv applies ELICIT_QUOTA_* environment overrides on top of base
// (or the defaults when base is nil). Invalid values fall back to base.
func LoadFromEnv(base *Config) *Config {
	if base == nil {
		base = DefaultConfig()
	}
	cfg := *base

	if val := os.Getenv("ELICIT_QUOTA_ENABLED"); val != "" {
		cfg.Enabled = parseBool(val)
	}

	if val := os.Getenv("ELICIT_QUOTA_MAX_INSTANCES_PER_WINDOW"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			cfg.MaxInstancesPerWindow = n
		}
	}

	if val := os.Getenv("ELICIT_QUOTA_WINDOW_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			cfg.WindowInterval = d
		}
	}

	if val := os.Getenv("ELICIT_QUOTA_GENERATIONS_PER_MINUTE"); val != "" {
		if n, err := strconv.ParseFloat(val, 64); err == nil && n >= 0 {
			cfg.GenerationsPerMinute = n
		}
	}

	if val := os.Getenv("ELICIT_QUOTA_ALERT_THRESHOLD"); val != "" {
		if threshold, err := strconv.ParseFloat(val, 64); err == nil && threshold > 0 && threshold <= 1.0 {
			cfg.AlertThreshold = threshold
		}
	}

	if val, ok := os.LookupEnv("ELICIT_QUOTA_PERSIST_STATE_PATH"); ok {
		cfg.PersistStatePath = val
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid quota config from environment: %v (ignoring overrides)\n", err)
		return base
	}

	return &cfg
}

// Validate checks that the configuration has safe and reasonable values
func (c *Config) Validate() error {
	if c.MaxInstancesPerWindow < 0 {
		return fmt.Errorf("max_instances_per_window must be non-negative, got %d", c.MaxInstancesPerWindow)
	}

	if c.WindowInterval <= 0 {
		return fmt.Errorf("window_interval must be positive, got %v", c.WindowInterval)
	}

	if c.GenerationsPerMinute < 0 {
		return fmt.Errorf("generations_per_minute must be non-negative, got %.2f", c.GenerationsPerMinute)
	}

	if c.AlertThreshold <= 0 || c.AlertThreshold > 1.0 {
		return fmt.Errorf("alert_threshold must be between 0 and 1, got %.2f", c.AlertThreshold)
	}

	return nil
}

// parseBool parses a boolean string
func parseBool(val string) bool {
	switch val {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return true
	}
}
