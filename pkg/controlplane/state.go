package controlplane

// State is the state of the connection and registry pair.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSyncing
	// StateConflictWarned is entered once per connection when the server
	// reports a conflicting framework. It lasts until the next disconnect.
	StateConflictWarned
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSyncing:
		return "syncing"
	case StateConflictWarned:
		return "conflict_warned"
	default:
		return "unknown"
	}
}

// validTransitions lists the allowed edges. Every state may fall back to
// StateDisconnected.
var validTransitions = map[State][]State{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateConnected, StateDisconnected},
	StateConnected:      {StateSyncing, StateConflictWarned, StateDisconnected},
	StateSyncing:        {StateConnected, StateDisconnected},
	StateConflictWarned: {StateDisconnected},
}

// canTransition reports whether from -> to is allowed.
func canTransition(from, to State) bool {
	if to == StateDisconnected {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
