// Package status tracks the sync lifecycle of a single open conversation.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gcamora/chatsync/bus"
)

// State represents a conversation sync state.
type State string

const (
	// Closed: no subscription attached, no merge processing.
	Closed State = "CLOSED"
	// Loading: the initial cached window is being read.
	Loading State = "LOADING"
	// Live: the cached window has been served; the remote subscription feeds
	// the merge engine. Live does not imply connectivity — a conversation
	// stays Live on cached data while the subscription is down.
	Live State = "LIVE"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Closed:  {Loading},
	Loading: {Live, Closed},
	Live:    {Closed},
}

// Machine tracks and enforces the sync state of one conversation.
type Machine struct {
	mu             sync.RWMutex
	conversationID string
	current        State
	bus            *bus.Bus
}

// NewMachine creates a state machine for a conversation, starting Closed.
func NewMachine(conversationID string, b *bus.Bus) *Machine {
	return &Machine{
		conversationID: conversationID,
		current:        Closed,
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
		return fmt.Errorf("conversation %s: invalid transition from %s to %s", m.conversationID, m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conversation.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				ConversationID: m.conversationID,
				From:           from,
				To:             to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	ConversationID string
	From           State
	To             State
}
