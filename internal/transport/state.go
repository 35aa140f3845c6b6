package transport

// State is the coarse connection signal every transport reports.
type State int

const (
	StateConnecting State = iota + 1
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the connection behind this state is gone.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}
