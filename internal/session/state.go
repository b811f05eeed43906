package session

// State is a position in the session lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateSubscribing
	StateActive
	StateClosing
	StateClosed
	StateErrored
)

var stateNames = [...]string{
	StateConnecting:  "connecting",
	StateOpen:        "open",
	StateSubscribing: "subscribing",
	StateActive:      "active",
	StateClosing:     "closing",
	StateClosed:      "closed",
	StateErrored:     "errored",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

var transitions = map[State][]State{
	StateConnecting:  {StateOpen, StateErrored},
	StateOpen:        {StateSubscribing, StateErrored},
	StateSubscribing: {StateActive, StateErrored},
	StateActive:      {StateClosing, StateErrored},
	StateClosing:     {StateClosed, StateErrored},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
