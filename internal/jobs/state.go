package jobs

// State is the lifecycle state of a Job. Terminal states admit no further
// transitions; everything else is driven by the assignment protocol and the
// staleness sweep.
type State string

const (
	Pending    State = "PENDING"
	InProgress State = "IN_PROGRESS"
	Succeeded  State = "SUCCEEDED"
	Failed     State = "FAILED"
	Cancelled  State = "CANCELLED"
	TimedOut   State = "TIMED_OUT"
)

var allStates = []State{Pending, InProgress, Succeeded, Failed, Cancelled, TimedOut}

var validTransitions = map[State][]State{
	Pending:    {InProgress, Cancelled},
	InProgress: {Pending, Succeeded, Failed, Cancelled, TimedOut},
}

func (s State) IsTerminal() bool {
	switch s {
	case Succeeded, Failed, Cancelled, TimedOut:
		return true
	}
	return false
}

func (s State) IsValid() bool {
	for _, state := range allStates {
		if s == state {
			return true
		}
	}
	return false
}

// CanTransition reports whether a job in state s may move to target.
func (s State) CanTransition(target State) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// ParseState converts a stored status string back into a State.
func ParseState(s string) (State, bool) {
	state := State(s)
	return state, state.IsValid()
}
