package session

// State is the session lifecycle state. Transitions happen only on the
// manager's event loop goroutine.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateDiscovering
	StateSubscribed
	StateDisconnecting
	StateReconnecting
)

var stateNames = map[State]string{
	StateIdle:          "idle",
	StateScanning:      "scanning",
	StateConnecting:    "connecting",
	StateDiscovering:   "discovering",
	StateSubscribed:    "subscribed",
	StateDisconnecting: "disconnecting",
	StateReconnecting:  "reconnecting",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}
