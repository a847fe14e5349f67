package lifecycle

import (
	"sync"

	"shadowgate/domain/core"
)

// State is the candidate lifecycle. Only the Machine mutates it.
type State string

const (
	StateShadow         State = "SHADOW"
	StateCandidateReady State = "CANDIDATE_READY"
	StateLive           State = "LIVE"
	StateMuted          State = "MUTED"
)

// Event drives state transitions.
type Event string

const (
	EventGateReady    Event = "gate_ready"
	EventGateNotReady Event = "gate_not_ready"
	EventApprove      Event = "approve" // explicit external approval for go-live
	EventMute         Event = "mute"
	EventUnmute       Event = "unmute"
)

// Transition is one recorded state change.
type Transition struct {
	ID    core.TransitionID `json:"id"`
	From  State             `json:"from"`
	To    State             `json:"to"`
	Event Event             `json:"event"`
	Cause string            `json:"cause"`
	At    core.Timestamp    `json:"at"`
}

// transitions is the full table of legal moves. Everything absent is an
// invalid transition.
var transitions = map[State]map[Event]State{
	StateShadow: {
		EventGateReady: StateCandidateReady,
	},
	StateCandidateReady: {
		EventGateNotReady: StateShadow,
		EventApprove:      StateLive,
		EventMute:         StateMuted,
	},
	StateLive: {
		EventMute: StateMuted,
	},
	StateMuted: {
		EventUnmute: StateShadow,
	},
}

// Machine owns the candidate state. It starts in SHADOW and records
// every transition.
type Machine struct {
	mu      sync.RWMutex
	state   State
	history []Transition
}

// NewMachine creates a machine in SHADOW.
func NewMachine() *Machine {
	return &Machine{state: StateShadow}
}

// Restore creates a machine at a persisted state.
func Restore(state State, history []Transition) *Machine {
	return &Machine{state: state, history: history}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// CanApply reports whether the event is legal in the current state.
func (m *Machine) CanApply(ev Event) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := transitions[m.state][ev]
	return ok
}

// Apply performs a transition. Illegal moves return ErrInvalidTransition
// and leave the state unchanged; they are never retried here.
func (m *Machine) Apply(ev Event, cause string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := transitions[m.state][ev]
	if !ok {
		return Transition{}, core.NewTransitionError(string(m.state), string(ev), "no such transition")
	}
	tr := Transition{
		ID:    core.TransitionID(core.NewID()),
		From:  m.state,
		To:    next,
		Event: ev,
		Cause: cause,
		At:    core.Now(),
	}
	m.state = next
	m.history = append(m.history, tr)
	return tr, nil
}
