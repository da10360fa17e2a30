package vm

// State represents the VM lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateConfigured          // Spec validated, machine instantiated
	StateStarting            // Cold boot in progress
	StateRunning             // Guest is running
	StatePausing             // Pause in progress
	StatePaused              // Guest is paused
	StateSaving              // Writing the save file
	StateRestoring           // Reading the save file
	StateResuming            // Resume in progress
	StateStopped             // State saved, process may exit
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfigured:
		return "configured"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePausing:
		return "pausing"
	case StatePaused:
		return "paused"
	case StateSaving:
		return "saving"
	case StateRestoring:
		return "restoring"
	case StateResuming:
		return "resuming"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// transient reports whether s only exists while a host call is outstanding.
func (s State) transient() bool {
	switch s {
	case StateStarting, StatePausing, StateSaving, StateRestoring, StateResuming:
		return true
	}
	return false
}

// transitions lists every edge of the lifecycle state machine.
var transitions = map[State][]State{
	StateUninitialized: {StateConfigured},
	StateConfigured:    {StateStarting, StateRestoring},
	StateStarting:      {StateRunning},
	StateRunning:       {StatePausing},
	StatePausing:       {StatePaused},
	StatePaused:        {StateSaving, StateResuming},
	StateSaving:        {StateStopped},
	StateRestoring:     {StateResuming, StateStarting},
	StateResuming:      {StateRunning},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
