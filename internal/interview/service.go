// Package interview exposes the interview operations to callers (HTTP API,
// terminal REPL). It validates input, then runs one engine step under the
// session's lock.
package interview

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/elicit-dev/elicit/internal/session"
	"github.com/elicit-dev/elicit/internal/types"
	"github.com/elicit-dev/elicit/internal/workflow"
)

// Config holds service settings
type Config struct {
	// MinAnswerLength rejects answers shorter than this many runes
	// Default: 12
	MinAnswerLength int `yaml:"min_answer_length"`
	// MaxAnswerLength rejects answers longer than this many runes
	// Default: 8000
	MaxAnswerLength int `yaml:"max_answer_length"`
}

// DefaultConfig returns default service settings
func DefaultConfig() Config {
	return Config{
		MinAnswerLength: 12,
		MaxAnswerLength: 8000,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.MinAnswerLength < 1 {
		return fmt.Errorf("min_answer_length must be positive, got %d", c.MinAnswerLength)
	}
	if c.MaxAnswerLength < c.MinAnswerLength {
		return fmt.Errorf("max_answer_length (%d) must be >= min_answer_length (%d)", c.MaxAnswerLength, c.MinAnswerLength)
	}
	return nil
}

// Service implements the interview operations
type Service struct {
	registry *session.Registry
	engine   *workflow.Engine
	cfg      Config
	logger   *zap.Logger
}

// NewService creates a service
func NewService(registry *session.Registry, engine *workflow.Engine, cfg Config, logger *zap.Logger) (*Service, error) {
	if registry == nil || engine == nil {
		return nil, fmt.Errorf("registry and engine are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid interview config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{registry: registry, engine: engine, cfg: cfg, logger: logger}, nil
}

// StartResult is returned by StartSession
type StartResult struct {
	SessionID     string         `json:"session_id"`
	FirstQuestion string         `json:"first_question"`
	Progress      types.Progress `json:"progress"`
	State         types.State    `json:"state"`
	Created       bool           `json:"created"`
}

// AnswerResult is returned by SubmitAnswer and Resume
type AnswerResult struct {
	SessionID          string                 `json:"session_id"`
	IsComplete         bool                   `json:"is_complete"`
	NextQuestion       string                 `json:"next_question,omitempty"`
	GeneratedInstances []types.Instance       `json:"generated_instances,omitempty"`
	DatasetID          string                 `json:"dataset_id,omitempty"`
	Progress           types.Progress         `json:"progress"`
	ThresholdMetrics   types.ThresholdMetrics `json:"threshold_metrics"`
	State              types.State            `json:"state"`
}

// SessionSummary is one entry of ListSessions
type SessionSummary struct {
	SessionID string         `json:"session_id"`
	TabID     string         `json:"tab_id"`
	State     types.State    `json:"state"`
	Progress  types.Progress `json:"progress"`
	Skills    []string       `json:"skills"`
	Workflows []string       `json:"workflows"`
}

// StartSession returns the session for (userID, tabID), creating it if
// needed, together with the question awaiting an answer. Calling it again
// for a live session returns the same session and question.
func (s *Service) StartSession(ctx context.Context, userID, tabID string) (*StartResult, error) {
	snap, created, err := s.registry.GetOrCreate(ctx, userID, tabID)
	if err != nil {
		return nil, err
	}

	if snap.State == types.StateInterview && snap.PendingQuestion == "" {
		sessionID := snap.SessionID
		snap, err = s.registry.Mutate(ctx, snap.Key(), s.engine.Start)
		if err != nil {
			s.logStepFailure("start session", types.SessionKey{UserID: userID, TabID: tabID}, sessionID, err)
			return nil, fmt.Errorf("start session %s: %w", sessionID, err)
		}
	}

	s.logger.Debug("session started",
		zap.String("session_id", snap.SessionID),
		zap.Bool("created", created),
		zap.String("state", string(snap.State)))

	return &StartResult{
		SessionID:     snap.SessionID,
		FirstQuestion: snap.PendingQuestion,
		Progress:      s.progress(snap),
		State:         snap.State,
		Created:       created,
	}, nil
}

// SubmitAnswer validates answer and advances the session by one step.
// sessionID must match the live session for the key; a stale ID fails with
// types.ErrSessionNotFound.
func (s *Service) SubmitAnswer(ctx context.Context, userID, tabID, sessionID, answer string) (*AnswerResult, error) {
	answer = strings.TrimSpace(answer)
	if n := utf8.RuneCountInString(answer); n < s.cfg.MinAnswerLength {
		return nil, fmt.Errorf("%w: answer must be at least %d characters, got %d", types.ErrValidation, s.cfg.MinAnswerLength, n)
	} else if n > s.cfg.MaxAnswerLength {
		return nil, fmt.Errorf("%w: answer must be at most %d characters, got %d", types.ErrValidation, s.cfg.MaxAnswerLength, n)
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session_id is required", types.ErrValidation)
	}

	key := types.SessionKey{UserID: userID, TabID: tabID}
	snap, err := s.registry.Mutate(ctx, key, func(ctx context.Context, current *types.InterviewSession) (*types.InterviewSession, error) {
		if current.SessionID != sessionID {
			return nil, fmt.Errorf("%w: session %s is no longer active for %s", types.ErrSessionNotFound, sessionID, key)
		}
		return s.engine.SubmitAnswer(ctx, current, answer)
	})
	if err != nil {
		s.logStepFailure("submit answer", key, sessionID, err)
		return nil, err
	}
	return s.answerResult(snap), nil
}

// Resume retries the stage a failed session stopped in
func (s *Service) Resume(ctx context.Context, userID, tabID string) (*AnswerResult, error) {
	key := types.SessionKey{UserID: userID, TabID: tabID}
	snap, err := s.registry.Mutate(ctx, key, s.engine.Resume)
	if err != nil {
		s.logStepFailure("resume", key, "", err)
		return nil, err
	}
	return s.answerResult(snap), nil
}

// GetStatus returns a snapshot of the session
func (s *Service) GetStatus(ctx context.Context, userID, tabID string) (*types.InterviewSession, error) {
	return s.registry.Get(types.SessionKey{UserID: userID, TabID: tabID})
}

// Progress returns the progress of a session snapshot
func (s *Service) Progress(snap *types.InterviewSession) types.Progress {
	return s.progress(snap)
}

// CloseSession flushes the session into the durable profile and evicts it
func (s *Service) CloseSession(ctx context.Context, userID, tabID string) error {
	return s.registry.Close(ctx, types.SessionKey{UserID: userID, TabID: tabID})
}

// ListSessions returns progress for every live session of userID
func (s *Service) ListSessions(ctx context.Context, userID string) []SessionSummary {
	sessions := s.registry.ListByUser(userID)
	out := make([]SessionSummary, 0, len(sessions))
	for _, snap := range sessions {
		out = append(out, SessionSummary{
			SessionID: snap.SessionID,
			TabID:     snap.TabID,
			State:     snap.State,
			Progress:  s.progress(snap),
			Skills:    snap.ExtractedSkills.Sorted(),
			Workflows: snap.IdentifiedWorkflows.Sorted(),
		})
	}
	return out
}

func (s *Service) progress(snap *types.InterviewSession) types.Progress {
	return types.ProgressFor(snap, s.engine.Config().MaxTurns)
}

func (s *Service) answerResult(snap *types.InterviewSession) *AnswerResult {
	return &AnswerResult{
		SessionID:          snap.SessionID,
		IsComplete:         snap.State == types.StateComplete,
		NextQuestion:       snap.PendingQuestion,
		GeneratedInstances: snap.GeneratedInstances,
		DatasetID:          snap.DatasetID,
		Progress:           s.progress(snap),
		ThresholdMetrics:   snap.ThresholdMetrics,
		State:              snap.State,
	}
}

func (s *Service) logStepFailure(op string, key types.SessionKey, sessionID string, err error) {
	s.logger.Info(op+" failed",
		zap.String("user_id", key.UserID),
		zap.String("tab_id", key.TabID),
		zap.String("session_id", sessionID),
		zap.Bool("retryable", workflow.IsRetryable(err)),
		zap.Error(err))
}
