package storage

import (
	"context"
	"fmt"

	"github.com/elicit-dev/elicit/internal/storage/memory"
	"github.com/elicit-dev/elicit/internal/storage/sqlite"
	"github.com/elicit-dev/elicit/internal/types"
)

// ProfileStore persists durable per-user profiles
type ProfileStore interface {
	// LoadProfile returns the stored profile, or an empty profile for an unknown user
	LoadProfile(ctx context.Context, userID string) (*types.Profile, error)
	// SaveProfile merges profile into the stored one. Skills and workflows are
	// unioned, never replaced, so sibling sessions cannot clobber each other.
	SaveProfile(ctx context.Context, profile *types.Profile) error
}

// InstanceStore persists generated datasets
type InstanceStore interface {
	// CreateDataset stores instances as one dataset and returns its ID
	CreateDataset(ctx context.Context, ownerID, sessionID string, instances []types.Instance) (string, error)
	// GetDataset returns a dataset; fails with types.ErrNotFound
	GetDataset(ctx context.Context, id string) (*types.Dataset, error)
	// ListDatasets returns a user's datasets, newest first, without instances
	ListDatasets(ctx context.Context, ownerID string) ([]*types.Dataset, error)
}

// Storage is the full durable store
type Storage interface {
	ProfileStore
	InstanceStore

	// Lifecycle
	Close() error
}

// Backend names accepted by NewStorage
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config holds database configuration
type Config struct {
	// Backend is "sqlite" or "memory"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// Path is the SQLite database file path
	// Default: ".elicit/elicit.db"
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string `yaml:"path"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendSQLite,
		Path:    ".elicit/elicit.db",
	}
}

// NewStorage creates the configured storage backend
// The ctx parameter is currently unused but kept for API consistency
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Backend {
	case BackendSQLite, "":
		path := cfg.Path
		if path == "" {
			path = DefaultConfig().Path
		}
		return sqlite.New(path)
	case BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
