// Package workflow drives an interview session through its states.
//
// State flow:
//   - interview → threshold_check on every recorded answer
//   - threshold_check → interview while the session is not saturated
//   - threshold_check → generate_instances once it is
//   - generate_instances → context_update → complete
//   - any non-terminal state → error on a parse failure, and back to the
//     failed stage on retry
//
// Transition is pure. All I/O (provider calls, quota, storage) happens in
// the Engine, which executes the effects Transition returns.
package workflow

import (
	"fmt"

	"github.com/elicit-dev/elicit/internal/types"
)

// EventKind identifies what happened to a session
type EventKind string

const (
	// EventStart asks for the first question of a fresh session
	EventStart EventKind = "start"
	// EventAnswerRecorded means an answer was appended to the history
	EventAnswerRecorded EventKind = "answer_recorded"
	// EventScored carries the saturation verdict
	EventScored EventKind = "scored"
	// EventInstancesGenerated means valid instances were produced
	EventInstancesGenerated EventKind = "instances_generated"
	// EventPersisted means the dataset and profile were written
	EventPersisted EventKind = "persisted"
	// EventFailed means the current stage failed in a way that must be resumed
	EventFailed EventKind = "failed"
	// EventRetry re-enters the stage recorded in Event.Stage
	EventRetry EventKind = "retry"
)

// Event is an input to Transition
type Event struct {
	Kind  EventKind
	Ready bool        // EventScored: saturation reached
	Stage types.State // EventRetry: the stage to re-enter
	Err   error       // EventFailed: the cause
}

// Effect is work the Engine performs after a transition
type Effect string

const (
	EffectAskQuestion Effect = "ask_question"
	EffectScore       Effect = "score"
	EffectGenerate    Effect = "generate"
	EffectCompact     Effect = "compact"
	EffectPersist     Effect = "persist"
)

// stageEffects are issued when a stage is entered, either normally or on retry
var stageEffects = map[types.State][]Effect{
	types.StateInterview:         {EffectAskQuestion},
	types.StateThresholdCheck:    {EffectScore},
	types.StateGenerateInstances: {EffectGenerate},
	types.StateContextUpdate:     {EffectCompact, EffectPersist},
}

// Transition returns the next state and the effects to execute for ev.
// It fails with types.ErrInvalidTransition when ev is not accepted in current.
func Transition(current types.State, ev Event) (types.State, []Effect, error) {
	if current == types.StateComplete {
		return current, nil, fmt.Errorf("%w: session is complete (event %s)", types.ErrInvalidTransition, ev.Kind)
	}

	if ev.Kind == EventFailed {
		if current == types.StateError {
			return current, nil, invalid(current, ev)
		}
		return types.StateError, nil, nil
	}

	switch current {
	case types.StateInterview:
		switch ev.Kind {
		case EventStart:
			return types.StateInterview, effectsFor(types.StateInterview), nil
		case EventAnswerRecorded:
			return types.StateThresholdCheck, effectsFor(types.StateThresholdCheck), nil
		}

	case types.StateThresholdCheck:
		if ev.Kind == EventScored {
			if ev.Ready {
				return types.StateGenerateInstances, effectsFor(types.StateGenerateInstances), nil
			}
			return types.StateInterview, effectsFor(types.StateInterview), nil
		}

	case types.StateGenerateInstances:
		if ev.Kind == EventInstancesGenerated {
			return types.StateContextUpdate, effectsFor(types.StateContextUpdate), nil
		}

	case types.StateContextUpdate:
		if ev.Kind == EventPersisted {
			return types.StateComplete, nil, nil
		}

	case types.StateError:
		if ev.Kind == EventRetry {
			effects, ok := stageEffects[ev.Stage]
			if !ok {
				return current, nil, fmt.Errorf("%w: cannot retry stage %q", types.ErrInvalidTransition, ev.Stage)
			}
			return ev.Stage, append([]Effect(nil), effects...), nil
		}
	}

	return current, nil, invalid(current, ev)
}

func effectsFor(state types.State) []Effect {
	return append([]Effect(nil), stageEffects[state]...)
}

func invalid(current types.State, ev Event) error {
	return fmt.Errorf("%w: event %s not accepted in state %s", types.ErrInvalidTransition, ev.Kind, current)
}
