package realtime

// State is the lifecycle of a subscription
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Mode is the transport currently delivering snapshots
type Mode int

const (
	ModeNone Mode = iota
	ModePush
	ModePolling
)

func (m Mode) String() string {
	switch m {
	case ModePush:
		return "push"
	case ModePolling:
		return "polling"
	default:
		return "none"
	}
}

var transitions = map[State][]State{
	Idle:       {Connecting, Closed},
	Connecting: {Open, Closed, Error},
	Open:       {Open, Closed, Error},
	Closed:     {Connecting, Closed},
	Error:      {Connecting, Closed},
}

// CanTransition reports whether from may move to to
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
