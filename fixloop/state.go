package fixloop

// State is the fix-loop controller state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StatePassed   State = "passed"
	StateNeedsFix State = "needs_fix"
	// StateEscalate is terminal and requires a human.
	StateEscalate State = "escalate"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is known.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateRunning, StatePassed, StateNeedsFix, StateEscalate:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for states the controller never leaves.
func (s State) IsTerminal() bool {
	return s == StatePassed || s == StateEscalate
}

// CanTransitionTo checks if a transition from the current state is allowed.
func (s State) CanTransitionTo(target State) bool {
	switch s {
	case StateIdle:
		return target == StateRunning
	case StateRunning:
		return target == StatePassed || target == StateNeedsFix || target == StateEscalate
	case StateNeedsFix:
		return target == StateRunning || target == StateEscalate
	default:
		return false
	}
}
