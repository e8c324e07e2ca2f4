package container

import "fmt"

// State is the lifecycle position of the container owned by a Handle.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	// StateStopped follows an explicit Stop.
	StateStopped
	// StateExitedUnexpectedly means the engine reported the container gone
	// while the handle still believed it was running.
	StateExitedUnexpectedly
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateExitedUnexpectedly:
		return "exited-unexpectedly"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateNotStarted:         {StateRunning},
	StateRunning:            {StateStopped, StateExitedUnexpectedly},
	StateStopped:            {StateRunning},
	StateExitedUnexpectedly: {StateRunning},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
