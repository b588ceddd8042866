package types

import (
	"fmt"
	"strings"
	"time"
)

// State is the workflow state of an interview session
type State string

const (
	StateInterview         State = "interview"
	StateThresholdCheck    State = "threshold_check"
	StateGenerateInstances State = "generate_instances"
	StateContextUpdate     State = "context_update"
	StateComplete          State = "complete"
	StateError             State = "error"
)

// IsValid checks if the state value is valid
func (s State) IsValid() bool {
	switch s {
	case StateInterview, StateThresholdCheck, StateGenerateInstances,
		StateContextUpdate, StateComplete, StateError:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are driven from this state
// without an explicit retry.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateError
}

// ConversationTurn is one question/answer exchange
type ConversationTurn struct {
	Question            string    `json:"question"`
	Answer              string    `json:"answer"`
	Timestamp           time.Time `json:"timestamp"`
	SkillsExtracted     []string  `json:"skills_extracted,omitempty"`
	WorkflowsIdentified []string  `json:"workflows_identified,omitempty"`
}

// ThresholdMetrics holds the weighted saturation dimensions.
// Each dimension lies in [0, its weight]; OverallScore lies in [0, 100].
type ThresholdMetrics struct {
	ConversationDepth  float64 `json:"conversation_depth"`
	SkillDiversity     float64 `json:"skill_diversity"`
	WorkflowComplexity float64 `json:"workflow_complexity"`
	ContextRichness    float64 `json:"context_richness"`
	OverallScore       float64 `json:"overall_score"`
	GenerationReady    bool    `json:"generation_ready"`
}

// Instance is one generated training record
type Instance struct {
	ID       string   `json:"id,omitempty"`
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Tags     []string `json:"tags,omitempty"`
	Category string   `json:"category,omitempty"`
}

// Validate checks an instance against the minimum quality bar
func (i *Instance) Validate(minQuestion, minAnswer int) error {
	q := strings.TrimSpace(i.Question)
	a := strings.TrimSpace(i.Answer)
	if q == "" || a == "" {
		return fmt.Errorf("question and answer are required")
	}
	if n := len([]rune(q)); n < minQuestion {
		return fmt.Errorf("question too short (%d < %d)", n, minQuestion)
	}
	if n := len([]rune(a)); n < minAnswer {
		return fmt.Errorf("answer too short (%d < %d)", n, minAnswer)
	}
	hasTag := false
	for _, tag := range i.Tags {
		if strings.TrimSpace(tag) != "" {
			hasTag = true
			break
		}
	}
	if !hasTag && strings.TrimSpace(i.Category) == "" {
		return fmt.Errorf("at least one tag or a category is required")
	}
	return nil
}

// Dataset is a persisted batch of instances from one generation
type Dataset struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	SessionID string     `json:"session_id"`
	Instances []Instance `json:"instances"`
	CreatedAt time.Time  `json:"created_at"`
}

// Profile is the durable per-user knowledge carried across sessions
type Profile struct {
	UserID              string    `json:"user_id"`
	GlobalContext       string    `json:"global_context"`
	ExtractedSkills     StringSet `json:"extracted_skills"`
	IdentifiedWorkflows StringSet `json:"identified_workflows"`
	UpdatedAt           time.Time `json:"updated_at,omitempty"`
}

// InterviewSession is one user's interview scoped to one tab
type InterviewSession struct {
	SessionID           string             `json:"session_id"`
	UserID              string             `json:"user_id"`
	TabID               string             `json:"tab_id"`
	State               State              `json:"state"`
	ConversationHistory []ConversationTurn `json:"conversation_history"`
	GlobalContext       string             `json:"global_context"`
	ExtractedSkills     StringSet          `json:"extracted_skills"`
	IdentifiedWorkflows StringSet          `json:"identified_workflows"`
	ThresholdMetrics    ThresholdMetrics   `json:"threshold_metrics"`
	GeneratedInstances  []Instance         `json:"generated_instances,omitempty"`

	// PendingQuestion is the question the user has been asked and not yet answered.
	PendingQuestion string `json:"pending_question,omitempty"`
	// FailedStage is the state to re-enter on resume after an Error.
	FailedStage     State     `json:"failed_stage,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	DatasetID       string    `json:"dataset_id,omitempty"`
	CompactionCount int       `json:"compaction_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewInterviewSession seeds a session from a durable profile (which may be nil)
func NewInterviewSession(sessionID, userID, tabID string, profile *Profile, now time.Time) *InterviewSession {
	s := &InterviewSession{
		SessionID:           sessionID,
		UserID:              userID,
		TabID:               tabID,
		State:               StateInterview,
		ExtractedSkills:     NewStringSet(),
		IdentifiedWorkflows: NewStringSet(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if profile != nil {
		s.GlobalContext = profile.GlobalContext
		s.ExtractedSkills.Union(profile.ExtractedSkills)
		s.IdentifiedWorkflows.Union(profile.IdentifiedWorkflows)
	}
	return s
}

// Key returns the active registry key for the session
func (s *InterviewSession) Key() SessionKey {
	return SessionKey{UserID: s.UserID, TabID: s.TabID}
}

// TurnCount returns the number of recorded turns
func (s *InterviewSession) TurnCount() int {
	return len(s.ConversationHistory)
}

// RecentTurns returns up to n of the most recent turns
func (s *InterviewSession) RecentTurns(n int) []ConversationTurn {
	if n <= 0 || len(s.ConversationHistory) == 0 {
		return nil
	}
	if n > len(s.ConversationHistory) {
		n = len(s.ConversationHistory)
	}
	return s.ConversationHistory[len(s.ConversationHistory)-n:]
}

// Clone returns a deep copy. Engine steps run against clones so that a failed
// step leaves the stored session untouched.
func (s *InterviewSession) Clone() *InterviewSession {
	if s == nil {
		return nil
	}
	c := *s
	c.ExtractedSkills = s.ExtractedSkills.Clone()
	c.IdentifiedWorkflows = s.IdentifiedWorkflows.Clone()
	if s.ConversationHistory != nil {
		c.ConversationHistory = make([]ConversationTurn, len(s.ConversationHistory))
		for i, turn := range s.ConversationHistory {
			turn.SkillsExtracted = append([]string(nil), turn.SkillsExtracted...)
			turn.WorkflowsIdentified = append([]string(nil), turn.WorkflowsIdentified...)
			c.ConversationHistory[i] = turn
		}
	}
	if s.GeneratedInstances != nil {
		c.GeneratedInstances = make([]Instance, len(s.GeneratedInstances))
		for i, inst := range s.GeneratedInstances {
			inst.Tags = append([]string(nil), inst.Tags...)
			c.GeneratedInstances[i] = inst
		}
	}
	return &c
}

// Profile extracts the durable part of the session
func (s *InterviewSession) Profile() *Profile {
	return &Profile{
		UserID:              s.UserID,
		GlobalContext:       s.GlobalContext,
		ExtractedSkills:     s.ExtractedSkills.Clone(),
		IdentifiedWorkflows: s.IdentifiedWorkflows.Clone(),
	}
}

// SessionKey identifies an active session
type SessionKey struct {
	UserID string
	TabID  string
}

func (k SessionKey) String() string {
	return k.UserID + "/" + k.TabID
}

// Progress summarizes how far an interview has come
type Progress struct {
	TurnCount    int     `json:"turn_count"`
	MaxTurns     int     `json:"max_turns"`
	OverallScore float64 `json:"overall_score"`
	Percent      float64 `json:"percent"`
	State        State   `json:"state"`
}

// ProgressFor computes progress against the turn cap. Percent is the larger of
// score progress and turn-cap progress, since either one ends the interview.
func ProgressFor(s *InterviewSession, maxTurns int) Progress {
	p := Progress{
		TurnCount:    s.TurnCount(),
		MaxTurns:     maxTurns,
		OverallScore: s.ThresholdMetrics.OverallScore,
		State:        s.State,
	}
	turnPct := 0.0
	if maxTurns > 0 {
		turnPct = float64(p.TurnCount) / float64(maxTurns) * 100
	}
	p.Percent = p.OverallScore
	if turnPct > p.Percent {
		p.Percent = turnPct
	}
	if p.Percent > 100 || s.State == StateComplete {
		p.Percent = 100
	}
	return p
}
