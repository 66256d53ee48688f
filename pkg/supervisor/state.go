package supervisor

// State is the lifecycle state of a managed server.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateFailed   State = "failed"
	StateCrashed  State = "crashed"
	StateStopped  State = "stopped"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateFailed, StateCrashed, StateStopped:
		return true
	}
	return false
}

func (s State) canTransition(to State) bool {
	switch s {
	case StateStarting:
		return to == StateReady || to == StateFailed || to == StateStopped
	case StateReady:
		return to == StateCrashed || to == StateStopped
	default:
		return false
	}
}
