package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elicit-dev/elicit/internal/ai"
	"github.com/elicit-dev/elicit/internal/compaction"
	"github.com/elicit-dev/elicit/internal/cost"
	"github.com/elicit-dev/elicit/internal/extract"
	"github.com/elicit-dev/elicit/internal/saturation"
	"github.com/elicit-dev/elicit/internal/storage"
	"github.com/elicit-dev/elicit/internal/types"
)

// Config holds engine settings
type Config struct {
	// MaxTurns caps the interview; reaching it forces generation
	MaxTurns int `yaml:"max_turns"`
	// RecentTurns is how many turns the question prompt sees verbatim
	RecentTurns int `yaml:"recent_turns"`
	// QuestionTimeout bounds each attempt at generating the next question
	QuestionTimeout time.Duration `yaml:"question_timeout"`
	// ExtractionTimeout bounds each attempt at structured extraction
	ExtractionTimeout time.Duration `yaml:"extraction_timeout"`
	// MaxInstances is how many instances one generation may produce (and reserve)
	MaxInstances int `yaml:"max_instances"`
	// MinQuestionLength and MinAnswerLength are the instance quality bar, in runes
	MinQuestionLength int `yaml:"min_question_length"`
	MinAnswerLength   int `yaml:"min_answer_length"`
}

// DefaultConfig returns default engine settings
func DefaultConfig() Config {
	return Config{
		MaxTurns:          saturation.HardTurnCap,
		RecentTurns:       5,
		QuestionTimeout:   8 * time.Second,
		ExtractionTimeout: 25 * time.Second,
		MaxInstances:      10,
		MinQuestionLength: 10,
		MinAnswerLength:   20,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.MaxTurns <= 0 || c.MaxTurns > saturation.HardTurnCap {
		return fmt.Errorf("max_turns must be in [1, %d], got %d", saturation.HardTurnCap, c.MaxTurns)
	}
	if c.RecentTurns < 0 {
		return fmt.Errorf("recent_turns must be non-negative, got %d", c.RecentTurns)
	}
	if c.QuestionTimeout <= 0 || c.ExtractionTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MaxInstances <= 0 {
		return fmt.Errorf("max_instances must be positive, got %d", c.MaxInstances)
	}
	if c.MinQuestionLength < 1 || c.MinAnswerLength < 1 {
		return fmt.Errorf("minimum instance lengths must be positive")
	}
	return nil
}

// Deps are the engine's collaborators
type Deps struct {
	Completer ai.Completer
	Extractor *extract.Extractor
	Compactor *compaction.Compactor
	Quota     cost.QuotaGate
	Profiles  storage.ProfileStore
	Instances storage.InstanceStore
}

// Engine executes the effects of Transition against a session.
//
// Every method takes the committed session and returns a new value; the
// argument is never modified. A nil result with an error means nothing
// changed and the caller should keep what it has.
type Engine struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates an engine
func New(deps Deps, cfg Config, logger *zap.Logger) (*Engine, error) {
	if deps.Completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if deps.Quota == nil || deps.Profiles == nil || deps.Instances == nil {
		return nil, fmt.Errorf("quota, profile store and instance store are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.NewDefault()
	}
	if deps.Compactor == nil {
		deps.Compactor = compaction.New(deps.Completer, compaction.DefaultConfig(), logger)
	}
	return &Engine{deps: deps, cfg: cfg, logger: logger, now: time.Now}, nil
}

// Config returns the engine settings
func (e *Engine) Config() Config {
	return e.cfg
}

// Start asks the first question of a fresh session. A session that already
// has a pending question is returned as is.
func (e *Engine) Start(ctx context.Context, s *types.InterviewSession) (*types.InterviewSession, error) {
	if s.State == types.StateInterview && s.PendingQuestion != "" {
		return s, nil
	}
	next, effects, err := Transition(s.State, Event{Kind: EventStart})
	if err != nil {
		return nil, err
	}
	r := e.newRun(s)
	r.s.State = next
	return r.drive(ctx, effects)
}

// SubmitAnswer records answer against the pending question and advances the
// session as far as it can go: the next question, or generation through to
// completion.
//
// Provider, quota, timeout and storage failures return (nil, err). A parse
// failure during generation returns the session in the error state together
// with an error wrapping types.ErrParse; Resume retries it.
func (e *Engine) SubmitAnswer(ctx context.Context, s *types.InterviewSession, answer string) (*types.InterviewSession, error) {
	if s.State != types.StateInterview {
		return nil, fmt.Errorf("%w: cannot answer in state %s", types.ErrInvalidTransition, s.State)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, fmt.Errorf("%w: answer is empty", types.ErrValidation)
	}

	r := e.newRun(s)
	c := r.s

	found := e.deps.Extractor.Extract(answer)
	c.ExtractedSkills.Add(found.Skills...)
	c.IdentifiedWorkflows.Add(found.Workflows...)

	question := c.PendingQuestion
	if question == "" {
		question = ai.OpeningQuestion
	}
	now := e.now()
	c.ConversationHistory = append(c.ConversationHistory, types.ConversationTurn{
		Question:            question,
		Answer:              answer,
		Timestamp:           now,
		SkillsExtracted:     found.Skills,
		WorkflowsIdentified: found.Workflows,
	})
	c.PendingQuestion = ""
	c.GlobalContext = appendTurn(c.GlobalContext, question, answer)

	// The running summary must stay under the ceiling after every turn
	r.compact(ctx)

	next, effects, err := Transition(c.State, Event{Kind: EventAnswerRecorded})
	if err != nil {
		return nil, err
	}
	c.State = next
	return r.drive(ctx, effects)
}

// Resume re-enters the stage a session failed in
func (e *Engine) Resume(ctx context.Context, s *types.InterviewSession) (*types.InterviewSession, error) {
	if s.State != types.StateError {
		return nil, fmt.Errorf("%w: session is %s, not error", types.ErrInvalidTransition, s.State)
	}
	next, effects, err := Transition(s.State, Event{Kind: EventRetry, Stage: s.FailedStage})
	if err != nil {
		return nil, err
	}
	r := e.newRun(s)
	r.s.State = next
	r.s.FailedStage = ""
	r.s.LastError = ""
	return r.drive(ctx, effects)
}

// run is one engine step over a private clone of the session
type run struct {
	e           *Engine
	s           *types.InterviewSession
	reservation *cost.Reservation
	log         *zap.Logger
}

func (e *Engine) newRun(s *types.InterviewSession) *run {
	return &run{
		e: e,
		s: s.Clone(),
		log: e.logger.With(
			zap.String("session_id", s.SessionID),
			zap.String("user_id", s.UserID),
			zap.String("tab_id", s.TabID)),
	}
}

// drive executes effects until the machine settles
func (r *run) drive(ctx context.Context, effects []Effect) (*types.InterviewSession, error) {
	// Held capacity is never left behind, whatever happens below
	defer func() {
		if r.reservation != nil {
			r.reservation.Release()
		}
	}()

	for len(effects) > 0 {
		effect := effects[0]
		effects = effects[1:]

		ev, err := r.execute(ctx, effect)
		if err != nil {
			r.log.Info("engine step aborted", zap.String("effect", string(effect)), zap.Error(err))
			return nil, err
		}
		if ev == nil {
			continue
		}

		from := r.s.State
		next, more, err := Transition(from, *ev)
		if err != nil {
			return nil, err
		}
		r.s.State = next
		r.log.Debug("state transition",
			zap.String("from", string(from)),
			zap.String("to", string(next)),
			zap.String("event", string(ev.Kind)))

		if ev.Kind == EventFailed {
			r.s.FailedStage = from
			r.s.LastError = ev.Err.Error()
			r.s.GeneratedInstances = nil
			r.s.UpdatedAt = r.e.now()
			r.log.Warn("session entered error state",
				zap.String("failed_stage", string(from)), zap.Error(ev.Err))
			return r.s, ev.Err
		}
		effects = append(effects, more...)
	}

	r.s.UpdatedAt = r.e.now()
	return r.s, nil
}

// execute performs one effect. A returned error aborts the step without
// committing anything; a returned event is fed back into Transition.
func (r *run) execute(ctx context.Context, effect Effect) (*Event, error) {
	switch effect {
	case EffectAskQuestion:
		return nil, r.askQuestion(ctx)
	case EffectScore:
		return r.score(), nil
	case EffectGenerate:
		return r.generate(ctx)
	case EffectCompact:
		r.compact(ctx)
		return nil, nil
	case EffectPersist:
		return r.persist(ctx)
	default:
		return nil, fmt.Errorf("unknown effect %q", effect)
	}
}

func (r *run) askQuestion(ctx context.Context) error {
	c := r.s
	if c.TurnCount() == 0 && strings.TrimSpace(c.GlobalContext) == "" {
		c.PendingQuestion = ai.OpeningQuestion
		return nil
	}

	prompt := ai.BuildQuestionPrompt(ai.QuestionPromptInput{
		GlobalContext: c.GlobalContext,
		RecentTurns:   c.RecentTurns(r.e.cfg.RecentTurns),
		Skills:        c.ExtractedSkills.Sorted(),
		Workflows:     c.IdentifiedWorkflows.Sorted(),
		TurnNumber:    c.TurnCount() + 1,
		MaxTurns:      r.e.cfg.MaxTurns,
	})
	text, err := r.e.deps.Completer.Complete(ctx, ai.Request{
		Operation:   "next_question",
		Prompt:      prompt,
		MaxTokens:   256,
		Temperature: 0.7,
		Timeout:     r.e.cfg.QuestionTimeout,
	})
	if err != nil {
		return fmt.Errorf("next question: %w", err)
	}

	question := cleanQuestion(text)
	if question == "" {
		return fmt.Errorf("%w: next question: model returned an empty question", types.ErrProvider)
	}
	c.PendingQuestion = question
	return nil
}

func (r *run) score() *Event {
	m := saturation.Evaluate(r.s)
	if r.s.TurnCount() >= r.e.cfg.MaxTurns {
		m.GenerationReady = true
	}
	r.s.ThresholdMetrics = m
	r.log.Debug("session scored",
		zap.Float64("overall", m.OverallScore),
		zap.Bool("ready", m.GenerationReady),
		zap.Int("turns", r.s.TurnCount()))
	return &Event{Kind: EventScored, Ready: m.GenerationReady}
}

// extractionResponse is the shape the extraction prompt asks for
type extractionResponse struct {
	Instances []types.Instance `json:"instances"`
}

func (r *run) generate(ctx context.Context) (*Event, error) {
	c := r.s

	// The grant may be smaller than MaxInstances when the user is near
	// their limit; the prompt and the cap below follow the grant.
	reservation, err := r.e.deps.Quota.ReserveUpTo(ctx, c.UserID, r.e.cfg.MaxInstances)
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	r.reservation = reservation
	limit := reservation.Count

	text, err := r.e.deps.Completer.Complete(ctx, ai.Request{
		Operation: "extract_instances",
		Prompt: ai.BuildExtractionPrompt(ai.ExtractionPromptInput{
			GlobalContext: c.GlobalContext,
			Turns:         c.ConversationHistory,
			Skills:        c.ExtractedSkills.Sorted(),
			Workflows:     c.IdentifiedWorkflows.Sorted(),
			MaxInstances:  limit,
		}),
		MaxTokens:   4096,
		Temperature: 0.2,
		Timeout:     r.e.cfg.ExtractionTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("extract instances: %w", err)
	}

	parsed := ai.Parse[extractionResponse](text, ai.ParseOptions{Context: "instance extraction"})
	if !parsed.Success {
		return failed(fmt.Errorf("%w: %s", types.ErrParse, parsed.Error)), nil
	}

	valid := make([]types.Instance, 0, len(parsed.Data.Instances))
	seen := make(map[string]bool, len(parsed.Data.Instances))
	for _, inst := range parsed.Data.Instances {
		inst.Question = strings.TrimSpace(inst.Question)
		inst.Answer = strings.TrimSpace(inst.Answer)
		inst.Category = strings.TrimSpace(inst.Category)
		if err := inst.Validate(r.e.cfg.MinQuestionLength, r.e.cfg.MinAnswerLength); err != nil {
			r.log.Debug("dropping invalid instance", zap.Error(err))
			continue
		}
		key := normalizeQuestion(inst.Question)
		if seen[key] {
			r.log.Debug("dropping duplicate instance", zap.String("question", inst.Question))
			continue
		}
		seen[key] = true
		inst.ID = uuid.NewString()
		valid = append(valid, inst)
		if len(valid) == limit {
			break
		}
	}
	if len(valid) == 0 {
		return failed(fmt.Errorf("%w: no valid instances in model output (%d candidates)",
			types.ErrParse, len(parsed.Data.Instances))), nil
	}

	c.GeneratedInstances = valid
	r.log.Info("instances generated",
		zap.Int("valid", len(valid)),
		zap.Int("candidates", len(parsed.Data.Instances)))
	return &Event{Kind: EventInstancesGenerated}, nil
}

// normalizeQuestion lowercases q and collapses non-alphanumeric runs to a
// single space
func normalizeQuestion(q string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(q) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
		default:
			space = true
		}
	}
	return b.String()
}

func (r *run) compact(ctx context.Context) {
	if !r.e.deps.Compactor.NeedsCompaction(r.s.GlobalContext) {
		return
	}
	res := r.e.deps.Compactor.Compact(ctx, r.s.GlobalContext)
	r.s.GlobalContext = res.Text
	r.s.CompactionCount++
	r.log.Info("context compacted",
		zap.String("method", string(res.Method)),
		zap.Int("original", res.OriginalLength),
		zap.Int("length", res.Length))
}

func (r *run) persist(ctx context.Context) (*Event, error) {
	c := r.s

	datasetID, err := r.e.deps.Instances.CreateDataset(ctx, c.UserID, c.SessionID, c.GeneratedInstances)
	if err != nil {
		return nil, fmt.Errorf("create dataset: %w", err)
	}
	c.DatasetID = datasetID

	// Only confirmed instances are charged
	if r.reservation != nil {
		if err := r.reservation.Commit(len(c.GeneratedInstances)); err != nil {
			r.log.Warn("failed to commit quota reservation", zap.Error(err))
		}
		r.reservation = nil
	}

	if err := r.e.deps.Profiles.SaveProfile(ctx, c.Profile()); err != nil {
		// The dataset is already durable and the profile is flushed again
		// when the session closes
		r.log.Warn("failed to save profile after generation", zap.Error(err))
	}

	return &Event{Kind: EventPersisted}, nil
}

func failed(err error) *Event {
	return &Event{Kind: EventFailed, Err: err}
}

// appendTurn adds one exchange to the running summary
func appendTurn(globalContext, question, answer string) string {
	entry := fmt.Sprintf("Q: %s\nA: %s", question, answer)
	if strings.TrimSpace(globalContext) == "" {
		return entry
	}
	return globalContext + "\n\n" + entry
}

// cleanQuestion strips labels and quoting models like to add
func cleanQuestion(text string) string {
	q := strings.TrimSpace(text)
	for _, prefix := range []string{"Question:", "Q:", "Next question:"} {
		if len(q) >= len(prefix) && strings.EqualFold(q[:len(prefix)], prefix) {
			q = strings.TrimSpace(q[len(prefix):])
		}
	}
	q = strings.Trim(q, "\"“”'`")
	return strings.TrimSpace(q)
}

// IsRetryable reports whether the caller may resubmit the same input after err
func IsRetryable(err error) bool {
	return errors.Is(err, types.ErrProvider) || errors.Is(err, types.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
