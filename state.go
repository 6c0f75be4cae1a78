package ledger

import "fmt"

// State is the connection state of a session.
type State int

const (
	Disconnected State = iota
	Scanning
	Connecting
	DiscoveringServices
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case DiscoveringServices:
		return "discovering-services"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Connected reports whether frames may be exchanged in this state.
func (s State) Connected() bool {
	return s == Ready
}
