// Package memory is an in-process store with the same merge semantics as
// the SQLite backend. Used by tests and by `elicit serve --db memory`.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elicit-dev/elicit/internal/types"
	"github.com/google/uuid"
)

// Store implements the storage interfaces in memory
type Store struct {
	mu       sync.RWMutex
	profiles map[string]*types.Profile
	datasets map[string]*types.Dataset
	now      func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		profiles: make(map[string]*types.Profile),
		datasets: make(map[string]*types.Dataset),
		now:      time.Now,
	}
}

// LoadProfile returns a copy of the stored profile
func (s *Store) LoadProfile(ctx context.Context, userID string) (*types.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return &types.Profile{
			UserID:              userID,
			ExtractedSkills:     types.NewStringSet(),
			IdentifiedWorkflows: types.NewStringSet(),
		}, nil
	}
	return copyProfile(p), nil
}

// SaveProfile unions skills and workflows into the stored profile
func (s *Store) SaveProfile(ctx context.Context, profile *types.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if profile == nil || strings.TrimSpace(profile.UserID) == "" {
		return fmt.Errorf("%w: profile user_id is required", types.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.profiles[profile.UserID]
	if !ok {
		stored = &types.Profile{
			UserID:              profile.UserID,
			ExtractedSkills:     types.NewStringSet(),
			IdentifiedWorkflows: types.NewStringSet(),
		}
		s.profiles[profile.UserID] = stored
	}
	if profile.GlobalContext != "" {
		stored.GlobalContext = profile.GlobalContext
	}
	stored.ExtractedSkills.Union(profile.ExtractedSkills)
	stored.IdentifiedWorkflows.Union(profile.IdentifiedWorkflows)
	stored.UpdatedAt = s.now()
	return nil
}

// CreateDataset stores a copy of instances under a new dataset ID
func (s *Store) CreateDataset(ctx context.Context, ownerID, sessionID string, instances []types.Instance) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(instances) == 0 {
		return "", fmt.Errorf("%w: dataset must contain at least one instance", types.ErrValidation)
	}

	ds := &types.Dataset{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		SessionID: sessionID,
		Instances: make([]types.Instance, len(instances)),
		CreatedAt: s.now(),
	}
	for i, inst := range instances {
		if inst.ID == "" {
			inst.ID = uuid.NewString()
		}
		inst.Tags = append([]string(nil), inst.Tags...)
		ds.Instances[i] = inst
	}

	s.mu.Lock()
	s.datasets[ds.ID] = ds
	s.mu.Unlock()
	return ds.ID, nil
}

// GetDataset returns a copy of one dataset
func (s *Store) GetDataset(ctx context.Context, id string) (*types.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, ok := s.datasets[id]
	if !ok {
		return nil, fmt.Errorf("dataset %s: %w", id, types.ErrNotFound)
	}
	c := *ds
	c.Instances = append([]types.Instance(nil), ds.Instances...)
	return &c, nil
}

// ListDatasets returns ownerID's datasets, newest first, without instances
func (s *Store) ListDatasets(ctx context.Context, ownerID string) ([]*types.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Dataset
	for _, ds := range s.datasets {
		if ds.OwnerID != ownerID {
			continue
		}
		c := *ds
		c.Instances = nil
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

func copyProfile(p *types.Profile) *types.Profile {
	return &types.Profile{
		UserID:              p.UserID,
		GlobalContext:       p.GlobalContext,
		ExtractedSkills:     p.ExtractedSkills.Clone(),
		IdentifiedWorkflows: p.IdentifiedWorkflows.Clone(),
		UpdatedAt:           p.UpdatedAt,
	}
}
