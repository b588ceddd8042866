package cost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/elicit-dev/elicit/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// QuotaStatus represents a user's quota state
type QuotaStatus int

const (
	// QuotaHealthy indicates the user is under the alert threshold
	QuotaHealthy QuotaStatus = iota
	// QuotaWarning indicates the user is past the alert threshold (>80% by default)
	QuotaWarning
	// QuotaExhausted indicates no instances remain in the current window
	QuotaExhausted
)

// String returns a human-readable string representation of the quota status
func (s QuotaStatus) String() string {
	switch s {
	case QuotaHealthy:
		return "HEALTHY"
	case QuotaWarning:
		return "WARNING"
	case QuotaExhausted:
		return "EXHAUSTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// QuotaGate guards instance generation. Capacity is held by Reserve and
// only charged once the caller commits the reservation.
type QuotaGate interface {
	Reserve(ctx context.Context, userID string, count int) (*Reservation, error)
	ReserveUpTo(ctx context.Context, userID string, max int) (*Reservation, error)
	EnforceAndConsume(ctx context.Context, userID string, count int) (Result, error)
}

// Result is the outcome of EnforceAndConsume
type Result struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
}

// UserUsage is the persisted usage of one user
type UserUsage struct {
	Used        int       `json:"used"`         // Instances charged in the current window
	WindowStart time.Time `json:"window_start"` // When the current window started
	TotalUsed   int64     `json:"total_used"`   // All-time instances charged
}

// QuotaState represents the persisted quota tracking state
type QuotaState struct {
	Users       map[string]*UserUsage `json:"users"`
	LastUpdated time.Time             `json:"last_updated"`
}

// Tracker enforces per-user instance quotas
type Tracker struct {
	config   *Config
	state    *QuotaState
	reserved map[string]map[string]int // userID -> reservationID -> count
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
	now      func() time.Time
	mu       sync.Mutex // Protects state, reserved and limiters
}

var _ QuotaGate = (*Tracker)(nil)

// NewTracker creates a new quota tracker
func NewTracker(cfg *Config, logger *zap.Logger) (*Tracker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quota config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tracker{
		config:   cfg,
		state:    &QuotaState{Users: make(map[string]*UserUsage)},
		reserved: make(map[string]map[string]int),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
		now:      time.Now,
	}

	if err := t.loadState(); err != nil {
		// Non-fatal: start with fresh state
		logger.Warn("failed to load quota state, starting fresh", zap.Error(err))
	}

	return t, nil
}

// Reservation holds capacity for one generation until it is committed or released
type Reservation struct {
	ID      string
	UserID  string
	Count   int
	tracker *Tracker
	done    bool
}

// Reserve atomically checks that count instances are available to userID
// and holds them. Two concurrent reservations can never spend the same
// capacity.
func (t *Tracker) Reserve(ctx context.Context, userID string, count int) (*Reservation, error) {
	return t.reserve(ctx, userID, count, false)
}

// ReserveUpTo holds as many as max instances, granting less when the user
// has less left. It fails with ErrQuotaExceeded only when nothing remains.
// Reservation.Count is the granted amount.
func (t *Tracker) ReserveUpTo(ctx context.Context, userID string, max int) (*Reservation, error) {
	return t.reserve(ctx, userID, max, true)
}

func (t *Tracker) reserve(ctx context.Context, userID string, count int, partial bool) (*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: reservation count must be positive, got %d", types.ErrValidation, count)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.config.Enabled {
		return &Reservation{ID: uuid.NewString(), UserID: userID, Count: count, tracker: t}, nil
	}

	// Quota first so a refused request does not spend a rate token
	remaining := t.remainingLocked(userID)
	if remaining >= 0 && (remaining == 0 || (!partial && count > remaining)) {
		t.logger.Info("quota exceeded",
			zap.String("user_id", userID),
			zap.Int("requested", count),
			zap.Int("remaining", remaining))
		return nil, fmt.Errorf("%w: user %s requested %d instances, %d remaining",
			types.ErrQuotaExceeded, userID, count, remaining)
	}
	if remaining >= 0 && count > remaining {
		count = remaining
	}

	if !t.limiterLocked(userID).Allow() {
		t.logger.Info("generation rate limited", zap.String("user_id", userID))
		return nil, fmt.Errorf("%w: user %s exceeded %.1f generations per minute",
			types.ErrRateLimited, userID, t.config.GenerationsPerMinute)
	}

	r := &Reservation{ID: uuid.NewString(), UserID: userID, Count: count, tracker: t}
	if t.reserved[userID] == nil {
		t.reserved[userID] = make(map[string]int)
	}
	t.reserved[userID][r.ID] = count
	return r, nil
}

// Commit charges actual instances (at most the reserved count) and returns
// the rest of the hold. Calling Commit or Release again is a no-op.
func (r *Reservation) Commit(actual int) error {
	t := r.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.done {
		return nil
	}
	r.done = true

	if actual > r.Count {
		actual = r.Count
	}
	if actual < 0 {
		actual = 0
	}
	t.releaseLocked(r)
	if !t.config.Enabled || actual == 0 {
		return nil
	}

	usage := t.usageLocked(r.UserID)
	usage.Used += actual
	usage.TotalUsed += int64(actual)
	t.state.LastUpdated = t.now()

	status := t.statusLocked(r.UserID)
	if status != QuotaHealthy {
		t.logger.Warn("user quota "+status.String(),
			zap.String("user_id", r.UserID),
			zap.Int("used", usage.Used),
			zap.Int("limit", t.config.MaxInstancesPerWindow))
	}

	if err := t.persistState(); err != nil {
		// Log but don't fail: the charge is already recorded in memory
		t.logger.Warn("failed to persist quota state", zap.Error(err))
	}
	return nil
}

// Release returns the whole hold without charging anything
func (r *Reservation) Release() {
	t := r.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.done {
		return
	}
	r.done = true
	t.releaseLocked(r)
}

// EnforceAndConsume checks and charges count instances in one step
func (t *Tracker) EnforceAndConsume(ctx context.Context, userID string, count int) (Result, error) {
	r, err := t.Reserve(ctx, userID, count)
	if err != nil {
		return Result{Allowed: false, Remaining: t.Remaining(userID)}, err
	}
	if err := r.Commit(count); err != nil {
		return Result{}, err
	}
	return Result{Allowed: true, Remaining: t.Remaining(userID)}, nil
}

// Remaining returns how many instances userID may still reserve.
// -1 means unlimited.
func (t *Tracker) Remaining(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked(userID)
}

// UserStats is a snapshot of one user's quota
type UserStats struct {
	UserID      string        `json:"user_id"`
	Used        int           `json:"used"`
	Reserved    int           `json:"reserved"`
	Limit       int           `json:"limit"`
	Remaining   int           `json:"remaining"`
	TotalUsed   int64         `json:"total_used"`
	WindowStart time.Time     `json:"window_start"`
	TimeToReset time.Duration `json:"time_to_reset"`
	Status      QuotaStatus   `json:"status"`
}

// Stats returns a snapshot of userID's quota
func (t *Tracker) Stats(userID string) UserStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	usage := t.usageLocked(userID)
	return UserStats{
		UserID:      userID,
		Used:        usage.Used,
		Reserved:    t.reservedLocked(userID),
		Limit:       t.config.MaxInstancesPerWindow,
		Remaining:   t.remainingLocked(userID),
		TotalUsed:   usage.TotalUsed,
		WindowStart: usage.WindowStart,
		TimeToReset: t.config.WindowInterval - t.now().Sub(usage.WindowStart),
		Status:      t.statusLocked(userID),
	}
}

// limiterLocked returns userID's generation limiter (must be called with lock held)
func (t *Tracker) limiterLocked(userID string) *rate.Limiter {
	if l, ok := t.limiters[userID]; ok {
		return l
	}
	limit := rate.Inf
	burst := 1
	if t.config.GenerationsPerMinute > 0 {
		limit = rate.Limit(t.config.GenerationsPerMinute / 60)
		burst = max(1, int(t.config.GenerationsPerMinute))
	}
	l := rate.NewLimiter(limit, burst)
	t.limiters[userID] = l
	return l
}

// usageLocked returns userID's usage, resetting an expired window (must be called with lock held)
func (t *Tracker) usageLocked(userID string) *UserUsage {
	now := t.now()
	usage, ok := t.state.Users[userID]
	if !ok {
		usage = &UserUsage{WindowStart: now}
		t.state.Users[userID] = usage
		return usage
	}
	if now.Sub(usage.WindowStart) >= t.config.WindowInterval {
		usage.Used = 0
		usage.WindowStart = now
	}
	return usage
}

func (t *Tracker) reservedLocked(userID string) int {
	total := 0
	for _, n := range t.reserved[userID] {
		total += n
	}
	return total
}

func (t *Tracker) remainingLocked(userID string) int {
	if !t.config.Enabled || t.config.MaxInstancesPerWindow == 0 {
		return -1
	}
	remaining := t.config.MaxInstancesPerWindow - t.usageLocked(userID).Used - t.reservedLocked(userID)
	return max(0, remaining)
}

func (t *Tracker) statusLocked(userID string) QuotaStatus {
	limit := t.config.MaxInstancesPerWindow
	if !t.config.Enabled || limit == 0 {
		return QuotaHealthy
	}
	used := t.usageLocked(userID).Used
	switch {
	case used >= limit:
		return QuotaExhausted
	case float64(used) >= float64(limit)*t.config.AlertThreshold:
		return QuotaWarning
	default:
		return QuotaHealthy
	}
}

func (t *Tracker) releaseLocked(r *Reservation) {
	held := t.reserved[r.UserID]
	delete(held, r.ID)
	if len(held) == 0 {
		delete(t.reserved, r.UserID)
	}
}

// persistState saves the quota state to disk
func (t *Tracker) persistState() error {
	if t.config.PersistStatePath == "" {
		return nil // Persistence disabled
	}

	data, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if dir := filepath.Dir(t.config.PersistStatePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	if err := os.WriteFile(t.config.PersistStatePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// loadState loads the quota state from disk
func (t *Tracker) loadState() error {
	if t.config.PersistStatePath == "" {
		return nil // Persistence disabled
	}

	data, err := os.ReadFile(t.config.PersistStatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No state file yet, start fresh
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state QuotaState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	// Ensure map is initialized
	if state.Users == nil {
		state.Users = make(map[string]*UserUsage)
	}

	t.state = &state
	return nil
}
