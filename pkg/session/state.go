package session

import (
	"github.com/pkg/errors"
)

// State is a step in the lifecycle of a skill session.
type State string

const (
	StateDiscovered         State = "discovered"
	StateSelected           State = "selected"
	StateInstructionsLoaded State = "instructions_loaded"
	StateResourceNeeded     State = "resource_needed"
	StateScriptNeeded       State = "script_needed"
	StateVerifying          State = "verifying"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

var transitions = map[State][]State{
	StateDiscovered:         {StateSelected, StateFailed},
	StateSelected:           {StateInstructionsLoaded, StateFailed},
	StateInstructionsLoaded: {StateResourceNeeded, StateScriptNeeded, StateVerifying, StateDone, StateFailed},
	StateResourceNeeded:     {StateScriptNeeded, StateVerifying, StateDone, StateFailed},
	StateScriptNeeded:       {StateVerifying, StateDone, StateFailed},
	StateVerifying:          {StateDone, StateFailed},
	StateDone:               {},
	StateFailed:             {},
}

// States lists every state in lifecycle order.
func States() []State {
	return []State{
		StateDiscovered,
		StateSelected,
		StateInstructionsLoaded,
		StateResourceNeeded,
		StateScriptNeeded,
		StateVerifying,
		StateDone,
		StateFailed,
	}
}

// AllowedTargets returns the states reachable from s in one transition.
func AllowedTargets(s State) []State {
	targets := transitions[s]
	out := make([]State, len(targets))
	copy(out, targets)
	return out
}

// CanTransition reports whether from may move directly to to.
func CanTransition(from, to State) bool {
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	targets, ok := transitions[s]
	return ok && len(targets) == 0
}

// ParseState validates a state name.
func ParseState(name string) (State, error) {
	s := State(name)
	if _, ok := transitions[s]; !ok {
		return "", errors.Errorf("unknown session state %q", name)
	}
	return s, nil
}
