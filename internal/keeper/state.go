package keeper

// State is a keeper lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateStopping
	StateStopped
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}
