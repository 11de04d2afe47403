package livesession

// State is the lifecycle state of the live session.
type State int

const (
	// StateIdle means no session exists. Start is only accepted here.
	StateIdle State = iota

	// StateConnecting means the microphone and the transport are being
	// opened in parallel.
	StateConnecting

	// StateActive means frames are flowing in both directions.
	StateActive

	// StateClosing means resources are being released. The next state is
	// always StateIdle.
	StateClosing
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so that states render by
// name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
