package domain

// State is the lifecycle state of a JobInstance. Every transition is a
// compare-and-swap on (id, state); a writer that loses the CAS must not
// perform the transition's side effects.
type State string

const (
	StateSubmitted  State = "SUBMITTED"
	StateAttributed State = "ATTRIBUTED"
	StateRunning    State = "RUNNING"
	StateHold       State = "HOLD"
	StateEnded      State = "ENDED"
	StateCrashed    State = "CRASHED"
	StateKilled     State = "KILLED"
	StateCancelled  State = "CANCELLED"
)

var terminalStates = map[State]bool{
	StateEnded:     true,
	StateCrashed:   true,
	StateKilled:    true,
	StateCancelled: true,
}

func (s State) Terminal() bool {
	return terminalStates[s]
}

// Active states occupy a Highlander slot: at most one instance per
// definition may be in one of these when the definition is highlander.
func (s State) Active() bool {
	return s == StateAttributed || s == StateRunning
}

var allowedTransitions = map[State][]State{
	StateSubmitted:  {StateAttributed, StateHold, StateCancelled},
	StateHold:       {StateSubmitted, StateCancelled},
	StateAttributed: {StateRunning, StateSubmitted, StateCrashed},
	StateRunning:    {StateEnded, StateCrashed, StateKilled},
}

// CanTransition reports whether from -> to is a legal edge of the state
// machine. ATTRIBUTED -> SUBMITTED is the dispatcher-reject re-queue path,
// ATTRIBUTED/RUNNING -> CRASHED covers boot recovery.
func CanTransition(from, to State) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
