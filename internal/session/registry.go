// Package session holds the active interview sessions, one per (user, tab).
//
// Operations on one key are strictly serialized by a per-entry mutex held
// across the whole engine step. Different keys never wait on each other
// except for the brief map lookups.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elicit-dev/elicit/internal/storage"
	"github.com/elicit-dev/elicit/internal/types"
)

// closeAllLimit bounds concurrent profile flushes during shutdown
const closeAllLimit = 8

// Registry maps active keys to sessions
type Registry struct {
	mu       sync.RWMutex
	entries  map[types.SessionKey]*entry
	profiles storage.ProfileStore
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

type entry struct {
	mu      sync.Mutex // Serializes every operation on this key
	loaded  bool       // Seeded from the durable profile
	closed  bool       // Flushed and evicted; waiters must not use it
	current atomic.Pointer[types.InterviewSession]
}

// NewRegistry creates an empty registry backed by profiles
func NewRegistry(profiles storage.ProfileStore, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries:  make(map[types.SessionKey]*entry),
		profiles: profiles,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// GetOrCreate returns the session for (userID, tabID), creating it from the
// user's durable profile if there is none. created reports which happened.
func (r *Registry) GetOrCreate(ctx context.Context, userID, tabID string) (*types.InterviewSession, bool, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(tabID) == "" {
		return nil, false, fmt.Errorf("%w: user_id and tab_id are required", types.ErrValidation)
	}
	key := types.SessionKey{UserID: userID, TabID: tabID}

	for {
		e := r.getOrInsert(key)

		e.mu.Lock()
		if e.closed {
			// Closed between lookup and lock; a fresh entry replaces it
			e.mu.Unlock()
			continue
		}
		if e.loaded {
			s := e.current.Load()
			e.mu.Unlock()
			return s.Clone(), false, nil
		}

		profile, err := r.profiles.LoadProfile(ctx, userID)
		if err != nil {
			e.closed = true
			r.remove(key, e)
			e.mu.Unlock()
			return nil, false, fmt.Errorf("load profile for %s: %w", userID, err)
		}

		s := types.NewInterviewSession(r.newID(), userID, tabID, profile, r.now())
		e.current.Store(s)
		e.loaded = true
		e.mu.Unlock()

		r.logger.Info("session created",
			zap.String("session_id", s.SessionID),
			zap.String("user_id", userID),
			zap.String("tab_id", tabID),
			zap.Int("seeded_skills", s.ExtractedSkills.Len()))
		return s.Clone(), true, nil
	}
}

func (r *Registry) getOrInsert(key types.SessionKey) *entry {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e
	}
	e = &entry{}
	r.entries[key] = e
	return e
}

func (r *Registry) lookup(key types.SessionKey) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// remove evicts e if it is still the entry for key
func (r *Registry) remove(key types.SessionKey, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] == e {
		delete(r.entries, key)
	}
}

// Get returns a snapshot of the session without waiting for an in-flight step
func (r *Registry) Get(key types.SessionKey) (*types.InterviewSession, error) {
	e, ok := r.lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, key)
	}
	s := e.current.Load()
	if s == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, key)
	}
	return s.Clone(), nil
}

// MutateFunc computes the next session from the committed one. It must not
// modify its argument. Returning a nil session keeps the committed one.
type MutateFunc func(ctx context.Context, current *types.InterviewSession) (*types.InterviewSession, error)

// Mutate runs fn under the key's lock and commits a non-nil result, even
// when fn also returns an error. It returns a snapshot of what is committed
// afterwards together with fn's error.
func (r *Registry) Mutate(ctx context.Context, key types.SessionKey, fn MutateFunc) (*types.InterviewSession, error) {
	e, ok := r.lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, key)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.loaded {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, key)
	}
	if err := ctx.Err(); err != nil {
		return e.current.Load().Clone(), err
	}

	next, err := fn(ctx, e.current.Load())
	if next != nil {
		e.current.Store(next)
	}
	return e.current.Load().Clone(), err
}

// Patch is a partial update. Nil fields are left alone; sets only grow.
type Patch struct {
	State           *types.State
	GlobalContext   *string
	PendingQuestion *string
	AddSkills       []string
	AddWorkflows    []string
}

// Update applies a partial update under the key's lock
func (r *Registry) Update(ctx context.Context, key types.SessionKey, patch Patch) (*types.InterviewSession, error) {
	if patch.State != nil && !patch.State.IsValid() {
		return nil, fmt.Errorf("%w: unknown state %q", types.ErrValidation, *patch.State)
	}
	return r.Mutate(ctx, key, func(_ context.Context, current *types.InterviewSession) (*types.InterviewSession, error) {
		next := current.Clone()
		if patch.State != nil {
			next.State = *patch.State
		}
		if patch.GlobalContext != nil {
			next.GlobalContext = *patch.GlobalContext
		}
		if patch.PendingQuestion != nil {
			next.PendingQuestion = *patch.PendingQuestion
		}
		next.ExtractedSkills.Add(patch.AddSkills...)
		next.IdentifiedWorkflows.Add(patch.AddWorkflows...)
		next.UpdatedAt = r.now()
		return next, nil
	})
}

// Close flushes the session's context, skills and workflows into the
// durable profile by set union and evicts it. Closing an unknown or already
// closed key is a no-op. On a flush failure the session stays registered so
// the close can be retried.
func (r *Registry) Close(ctx context.Context, key types.SessionKey) error {
	e, ok := r.lookup(key)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}

	if s := e.current.Load(); e.loaded && s != nil {
		if err := r.profiles.SaveProfile(ctx, s.Profile()); err != nil {
			return fmt.Errorf("flush profile for %s: %w", key, err)
		}
		r.logger.Info("session closed",
			zap.String("session_id", s.SessionID),
			zap.String("user_id", key.UserID),
			zap.String("tab_id", key.TabID),
			zap.String("state", string(s.State)),
			zap.Int("turns", s.TurnCount()))
	}

	e.closed = true
	r.remove(key, e)
	return nil
}

// ListByUser returns snapshots of userID's sessions ordered by tab
func (r *Registry) ListByUser(userID string) []*types.InterviewSession {
	r.mu.RLock()
	var entries []*entry
	for key, e := range r.entries {
		if key.UserID == userID {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	out := make([]*types.InterviewSession, 0, len(entries))
	for _, e := range entries {
		if s := e.current.Load(); s != nil {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Len returns the number of active sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll closes every active session, for shutdown. Flushes run
// concurrently; every key is attempted and all failures are returned.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	keys := make([]types.SessionKey, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(closeAllLimit)
	for _, key := range keys {
		g.Go(func() error {
			if err := r.Close(ctx, key); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		r.logger.Warn("some sessions failed to flush on shutdown", zap.Int("failed", len(errs)))
	}
	return errors.Join(errs...)
}
