package exam

// State is the lifecycle state of a live exam session. It is a closed enum:
// every handler switches over it exhaustively and rejects combinations it was
// not written for.
type State int

const (
	// StateActive: the candidate is connected and the exam clock is running.
	StateActive State = iota

	// StatePaused: the candidate requested a pause; the clock is frozen and a
	// pause-expiry timer is pending.
	StatePaused

	// StateGracePeriod: the connection dropped (or a pause outlived its
	// budget). The session is resumable; the clock is frozen.
	StateGracePeriod

	// StateInterrupted: terminal. The session ended abnormally.
	StateInterrupted

	// StateCompleted: terminal. The session ended normally.
	StateCompleted
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateGracePeriod:
		return "grace_period"
	case StateInterrupted:
		return "interrupted"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateInterrupted || s == StateCompleted
}
