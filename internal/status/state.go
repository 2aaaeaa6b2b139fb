package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is the health of a conversation's live stream as shown to the view.
type State string

const (
	Opening  State = "OPENING"
	Live     State = "LIVE"
	Degraded State = "DEGRADED"
	Offline  State = "OFFLINE"
	Closed   State = "CLOSED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Opening:  {Live, Degraded, Offline, Closed},
	Live:     {Degraded, Offline, Closed},
	Degraded: {Live, Offline, Closed},
	Offline:  {Live, Degraded, Closed},
	Closed:   {},
}

// Machine tracks and enforces stream state transitions for one conversation.
type Machine struct {
	mu             sync.RWMutex
	current        State
	conversationID string
	bus            *bus.Bus
}

// NewMachine creates a new state machine starting in Opening state.
func NewMachine(b *bus.Bus, conversationID string) *Machine {
	return &Machine{
		current:        Opening,
		conversationID: conversationID,
		bus:            b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.KindStreamStatus, StatusChange{
		ConversationID: m.conversationID,
		From:           from,
		To:             to,
	})
	return nil
}

// Set moves to the given state unless already there. Invalid moves are
// reported like Transition.
func (m *Machine) Set(to State) error {
	if m.Current() == to {
		return nil
	}
	return m.Transition(to)
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	ConversationID string
	From           State
	To             State
}
