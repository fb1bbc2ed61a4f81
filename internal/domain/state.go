package domain

import (
	"fmt"
	"time"
)

// AttentivenessState is the closed set of states a frame can be classified into.
type AttentivenessState string

const (
	StateFocused    AttentivenessState = "focused"
	StateDistracted AttentivenessState = "distracted"
	StateDrowsy     AttentivenessState = "drowsy"
)

// States lists every attentiveness state in display order.
var States = []AttentivenessState{StateFocused, StateDistracted, StateDrowsy}

// Valid reports whether s is one of the known states.
func (s AttentivenessState) Valid() bool {
	switch s {
	case StateFocused, StateDistracted, StateDrowsy:
		return true
	}
	return false
}

// ParseState converts a persisted or wire value into a state.
func ParseState(v string) (AttentivenessState, error) {
	s := AttentivenessState(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown attentiveness state %q", v)
	}
	return s, nil
}

// DetectionResult is the outcome of classifying one frame.
type DetectionResult struct {
	State      AttentivenessState
	Score      int
	EAR        *float64
	ObservedAt time.Time
	// Degraded is set when the result came from the synthetic generator.
	Degraded bool
}
