package session

import "fmt"

// State is the lifecycle state of a Session.
type State string

const (
	// StateCreated is transient: Open moves past it before returning.
	StateCreated State = "created"
	// StateActive accepts turns.
	StateActive State = "active"
	// StateEnded is terminal.
	StateEnded State = "ended"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a known session state.
func (s State) IsValid() bool {
	switch s {
	case StateCreated, StateActive, StateEnded:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the state can transition to the target state.
func (s State) CanTransitionTo(target State) bool {
	switch s {
	case StateCreated:
		// created → ended happens when session creation fails
		return target == StateActive || target == StateEnded
	case StateActive:
		return target == StateEnded
	default:
		return false
	}
}

// InvalidStateError reports an operation attempted in the wrong state.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s: session is %s", e.Op, e.State)
}
