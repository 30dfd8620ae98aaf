package session

import (
	"sync"
	"time"
)

// State is the per-call turn state. Muted is tracked orthogonally on the
// Call, not as a state.
type State int

const (
	StateIdle State = iota
	StateUserSpeaking
	StateGeneratingAnswer
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateUserSpeaking:
		return "USER_SPEAKING"
	case StateGeneratingAnswer:
		return "GENERATING_ANSWER"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents one state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes call state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// stateMachine validates and broadcasts per-call turn transitions.
type stateMachine struct {
	mu        sync.RWMutex
	current   State
	listeners []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateIdle}
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// transitionValid checks if a state transition is allowed. Barge-in makes
// UserSpeaking reachable from every state.
func (m *stateMachine) transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateIdle:             {StateUserSpeaking},
		StateUserSpeaking:     {StateGeneratingAnswer, StateIdle},
		StateGeneratingAnswer: {StateUserSpeaking, StateIdle},
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *stateMachine) Transition(state State, reason string) error {
	m.mu.Lock()
	if m.current == state {
		m.mu.Unlock()
		return nil
	}
	if !m.transitionValid(m.current, state) {
		from := m.current
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}
	event := StateChange{
		FromState: m.current,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	m.current = state
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (m *stateMachine) AddListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
