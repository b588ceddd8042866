package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateValidity(t *testing.T) {
	for _, s := range []State{StateInterview, StateThresholdCheck, StateGenerateInstances, StateContextUpdate, StateComplete, StateError} {
		assert.True(t, s.IsValid(), s)
	}
	assert.False(t, State("paused").IsValid())
	assert.True(t, StateComplete.IsTerminal())
	assert.True(t, StateError.IsTerminal())
	assert.False(t, StateInterview.IsTerminal())
}

func TestStringSet(t *testing.T) {
	s := NewStringSet("React", " react ", "")
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Has("REACT"))

	assert.Equal(t, 1, s.Add("go", "React"))
	assert.Equal(t, []string{"go", "react"}, s.Sorted())

	other := NewStringSet("python", "go")
	assert.Equal(t, 1, s.Union(other))
	assert.Equal(t, 3, s.Len())

	clone := s.Clone()
	clone.Add("rust")
	assert.False(t, s.Has("rust"), "clone is independent")

	var nilSet StringSet
	assert.NotNil(t, nilSet.Clone())
	assert.Empty(t, nilSet.Sorted())
}

func TestStringSetJSON(t *testing.T) {
	data, err := json.Marshal(NewStringSet("b", "a"))
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(data))

	var s StringSet
	require.NoError(t, json.Unmarshal([]byte(`["X","x","y"]`), &s))
	assert.Equal(t, []string{"x", "y"}, s.Sorted())
}

func TestInstanceValidate(t *testing.T) {
	tests := []struct {
		name    string
		inst    Instance
		wantErr bool
	}{
		{"valid with tag", Instance{Question: "How do you ship?", Answer: "Through a staged pipeline.", Tags: []string{"ci"}}, false},
		{"valid with category", Instance{Question: "How do you ship?", Answer: "Through a staged pipeline.", Category: "deploy"}, false},
		{"missing answer", Instance{Question: "How do you ship?", Tags: []string{"ci"}}, true},
		{"short question", Instance{Question: "Why?", Answer: "Through a staged pipeline.", Tags: []string{"ci"}}, true},
		{"short answer", Instance{Question: "How do you ship?", Answer: "CI", Tags: []string{"ci"}}, true},
		{"blank tags only", Instance{Question: "How do you ship?", Answer: "Through a staged pipeline.", Tags: []string{" "}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.inst.Validate(10, 10)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewInterviewSessionSeedsFromProfile(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	profile := &Profile{
		UserID:              "u",
		GlobalContext:       "Q: a\nA: b",
		ExtractedSkills:     NewStringSet("go"),
		IdentifiedWorkflows: NewStringSet("deployment"),
	}

	s := NewInterviewSession("sid", "u", "tab", profile, now)
	assert.Equal(t, StateInterview, s.State)
	assert.Equal(t, profile.GlobalContext, s.GlobalContext)
	assert.True(t, s.ExtractedSkills.Has("go"))
	assert.Equal(t, SessionKey{UserID: "u", TabID: "tab"}, s.Key())

	s.ExtractedSkills.Add("rust")
	assert.False(t, profile.ExtractedSkills.Has("rust"), "seeding copies the sets")

	empty := NewInterviewSession("sid2", "u", "tab", nil, now)
	assert.NotNil(t, empty.ExtractedSkills)
	assert.Empty(t, empty.GlobalContext)
}

func TestCloneIsDeep(t *testing.T) {
	s := NewInterviewSession("sid", "u", "tab", nil, time.Now())
	s.ConversationHistory = []ConversationTurn{{Question: "q", Answer: "a", SkillsExtracted: []string{"go"}}}
	s.GeneratedInstances = []Instance{{Question: "q", Tags: []string{"t"}}}
	s.ExtractedSkills.Add("go")

	c := s.Clone()
	c.ConversationHistory[0].SkillsExtracted[0] = "changed"
	c.ConversationHistory = append(c.ConversationHistory, ConversationTurn{})
	c.GeneratedInstances[0].Tags[0] = "changed"
	c.ExtractedSkills.Add("rust")

	assert.Equal(t, "go", s.ConversationHistory[0].SkillsExtracted[0])
	assert.Equal(t, 1, s.TurnCount())
	assert.Equal(t, "t", s.GeneratedInstances[0].Tags[0])
	assert.False(t, s.ExtractedSkills.Has("rust"))

	var nilSession *InterviewSession
	assert.Nil(t, nilSession.Clone())
}

func TestRecentTurns(t *testing.T) {
	s := &InterviewSession{}
	assert.Nil(t, s.RecentTurns(3))
	for i := 0; i < 5; i++ {
		s.ConversationHistory = append(s.ConversationHistory, ConversationTurn{Answer: fmt.Sprint(i)})
	}
	recent := s.RecentTurns(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "3", recent[0].Answer)
	assert.Len(t, s.RecentTurns(10), 5)
	assert.Nil(t, s.RecentTurns(0))
}

func TestProgressFor(t *testing.T) {
	s := &InterviewSession{State: StateInterview}
	s.ConversationHistory = make([]ConversationTurn, 5)
	s.ThresholdMetrics.OverallScore = 10

	p := ProgressFor(s, 25)
	assert.Equal(t, 5, p.TurnCount)
	assert.InDelta(t, 20.0, p.Percent, 0.001, "turn progress wins")

	s.ThresholdMetrics.OverallScore = 60
	assert.InDelta(t, 60.0, ProgressFor(s, 25).Percent, 0.001)

	s.State = StateComplete
	assert.Equal(t, 100.0, ProgressFor(s, 25).Percent)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsQuotaError(fmt.Errorf("gen: %w", ErrQuotaExceeded)))
	assert.True(t, IsQuotaError(ErrRateLimited))
	assert.False(t, IsQuotaError(ErrProvider))

	timeout := fmt.Errorf("%w: %w", ErrProvider, ErrTimeout)
	assert.True(t, errors.Is(timeout, ErrProvider))
	assert.True(t, errors.Is(timeout, ErrTimeout))
}
