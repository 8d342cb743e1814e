package consensus

import (
	"strings"
	"sync"
)

// State is the lifecycle state a node replicates through commits.
type State int

const (
	StateInit State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	return s >= StateInit && s <= StateStopped
}

// ParseState converts a state name (case-insensitive) to a State.
func ParseState(name string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "init":
		return StateInit, true
	case "running":
		return StateRunning, true
	case "stopped":
		return StateStopped, true
	default:
		return StateInit, false
	}
}

// transitions lists every allowed (from, to) pair. Stopped has no entry.
var transitions = map[State]map[State]bool{
	StateInit: {
		StateInit:    true,
		StateRunning: true,
		StateStopped: true,
	},
	StateRunning: {
		StateRunning: true,
		StateStopped: true,
	},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// TransitionFunc observes an applied transition.
type TransitionFunc func(from, to State)

// StateMachine holds one node's current State and enforces the transition table.
type StateMachine struct {
	current State
	hooks   []TransitionFunc
	mu      sync.RWMutex
}

// NewStateMachine creates a state machine in StateInit.
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateInit}
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnTransition registers a hook called after every successful Apply.
// Hooks run with the machine unlocked.
func (m *StateMachine) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Apply moves the machine to target. The state is left unchanged and an
// *IllegalTransitionError returned when the pair is not allowed.
func (m *StateMachine) Apply(target State) error {
	m.mu.Lock()
	from := m.current
	if !CanTransition(from, target) {
		m.mu.Unlock()
		return &IllegalTransitionError{From: from, To: target}
	}
	m.current = target
	hooks := make([]TransitionFunc, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(from, target)
	}
	return nil
}
