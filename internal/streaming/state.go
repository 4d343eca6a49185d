package streaming

// State is the protocol state of a Session.
type State int32

const (
	// StateIdle means no connection has been attempted yet
	StateIdle State = iota
	// StateConnecting means a dial is in flight
	StateConnecting
	// StateConnected means the socket is open but the service has not acked readiness
	StateConnected
	// StateReady means audio may be sent
	StateReady
	// StateDisconnected means the link was lost and will be re-established on the next drive
	StateDisconnected
	// StateClosing means close was requested and the queue is being flushed
	StateClosing
	// StateClosed is terminal
	StateClosed
)

var stateNames = [...]string{
	"IDLE",
	"CONNECTING",
	"CONNECTED",
	"READY",
	"DISCONNECTED",
	"CLOSING",
	"CLOSED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// shuttingDown reports whether late signals must not override the state.
func (s State) shuttingDown() bool {
	return s == StateClosing || s == StateClosed
}
