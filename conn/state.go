package conn

import "fmt"

// State is a connection's lifecycle state (spec.md §3, §4.4 state table).
type State int

const (
	StateUnconnected State = iota
	StateHandshaking
	StateConnected
	StateShutdown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "UNCONNECTED"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	case StateShutdown:
		return "SHUTDOWN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
