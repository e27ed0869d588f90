package render

import "fmt"

type Status int

const (
	StatusUninitialized Status = iota
	StatusInitializing
	StatusReady
	StatusContextLost
	StatusRestoring
	StatusDestroyed
)

var statusNames = []string{
	StatusUninitialized: "uninitialized",
	StatusInitializing:  "initializing",
	StatusReady:         "ready",
	StatusContextLost:   "context_lost",
	StatusRestoring:     "restoring",
	StatusDestroyed:     "destroyed",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// StatusNames lists every status label, for metrics.
func StatusNames() []string {
	out := make([]string, len(statusNames))
	copy(out, statusNames)
	return out
}

var transitions = map[Status][]Status{
	StatusUninitialized: {StatusInitializing},
	StatusInitializing:  {StatusReady},
	StatusReady:         {StatusContextLost},
	StatusContextLost:   {StatusRestoring},
	StatusRestoring:     {StatusReady, StatusContextLost},
}

// CanTransition reports whether from -> to is legal. Every non-terminal
// status may move to Destroyed; Destroyed is terminal.
func CanTransition(from, to Status) bool {
	if from == StatusDestroyed {
		return false
	}
	if to == StatusDestroyed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
