// Package saturation decides when an interview has collected enough signal.
//
// The score is an additive weighted sum of four bounded dimensions, so no single
// dimension can carry the session past the threshold on its own. A hard turn cap
// guarantees termination for low-signal conversations.
package saturation

import (
	"unicode/utf8"

	"github.com/elicit-dev/elicit/internal/types"
)

// Dimension targets and weights. A dimension saturates at its target and then
// contributes its full weight.
const (
	DepthTarget      = 15
	DiversityTarget  = 8
	ComplexityTarget = 5
	RichnessTarget   = 4000

	DepthWeight      = 30.0
	DiversityWeight  = 25.0
	ComplexityWeight = 25.0
	RichnessWeight   = 20.0

	// ReadyScore is the overall score at which generation starts
	ReadyScore = 85.0
	// HardTurnCap forces generation regardless of score
	HardTurnCap = 25
)

// Stats are the raw conversation statistics the score is derived from
type Stats struct {
	Turns         int // L
	Skills        int // S
	Workflows     int // W
	ContextLength int // C, in runes
}

// StatsFor derives Stats from a session
func StatsFor(s *types.InterviewSession) Stats {
	return Stats{
		Turns:         s.TurnCount(),
		Skills:        s.ExtractedSkills.Len(),
		Workflows:     s.IdentifiedWorkflows.Len(),
		ContextLength: utf8.RuneCountInString(s.GlobalContext),
	}
}

// Score computes the threshold metrics. It is pure and monotonically
// non-decreasing in every input.
func Score(st Stats) types.ThresholdMetrics {
	m := types.ThresholdMetrics{
		ConversationDepth:  ratio(st.Turns, DepthTarget) * DepthWeight,
		SkillDiversity:     ratio(st.Skills, DiversityTarget) * DiversityWeight,
		WorkflowComplexity: ratio(st.Workflows, ComplexityTarget) * ComplexityWeight,
		ContextRichness:    ratio(st.ContextLength, RichnessTarget) * RichnessWeight,
	}
	m.OverallScore = m.ConversationDepth + m.SkillDiversity + m.WorkflowComplexity + m.ContextRichness
	m.GenerationReady = m.OverallScore >= ReadyScore || st.Turns >= HardTurnCap
	return m
}

// Evaluate scores a session
func Evaluate(s *types.InterviewSession) types.ThresholdMetrics {
	return Score(StatsFor(s))
}

func ratio(n, target int) float64 {
	if n <= 0 {
		return 0
	}
	if n >= target {
		return 1
	}
	return float64(n) / float64(target)
}
