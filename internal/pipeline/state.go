package pipeline

import (
	"errors"
	"sync"
)

// State is a phase of a run.
type State string

const (
	// StateIdle is the state before Run starts.
	StateIdle State = "IDLE"
	// StateValidating covers argument checks and opening the source.
	StateValidating State = "VALIDATING"
	// StateProcessing covers the concurrent demux, decode, remap, encode and mux stages.
	StateProcessing State = "PROCESSING"
	// StateFinalizing covers writing the container index and moving the output into place.
	StateFinalizing State = "FINALIZING"
	// StateSucceeded means the output file is complete.
	StateSucceeded State = "SUCCEEDED"
	// StateFailed means the run stopped on an error and left no output behind.
	StateFailed State = "FAILED"
	// StateCancelled means the caller cancelled the run and no output was left behind.
	StateCancelled State = "CANCELLED"
)

// ErrInvalidTransition is returned when a run moves between unrelated states.
var ErrInvalidTransition = errors.New("invalid state transition")

var validTransitions = map[State][]State{
	StateIdle:       {StateValidating},
	StateValidating: {StateProcessing, StateFailed, StateCancelled},
	StateProcessing: {StateFinalizing, StateFailed, StateCancelled},
	StateFinalizing: {StateSucceeded, StateFailed, StateCancelled},
	StateSucceeded:  {},
	StateFailed:     {},
	StateCancelled:  {},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// machine tracks the state of one run and reports every change.
type machine struct {
	mu     sync.Mutex
	state  State
	notify func(State)
}

func newMachine(notify func(State)) *machine {
	return &machine{state: StateIdle, notify: notify}
}

func (m *machine) transition(to State) error {
	m.mu.Lock()
	if !canTransition(m.state, to) {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.state = to
	m.mu.Unlock()

	if m.notify != nil {
		m.notify(to)
	}
	return nil
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
