// Package bus is the in-process pub/sub channel the engine's components
// notify each other over: the orchestrator feeds remote batches to the merge
// engine, the merge engine reports changed conversations back, and the
// outbound queue listens for drain triggers. Kinds are dot-namespaced; a
// subscriber names a prefix and receives every kind under it.
package bus

import (
	"strings"
	"sync"
)

// Bus fans events out to prefix-matched subscribers.
//
// Delivery is lossy on purpose: a subscriber that cannot keep up has events
// dropped rather than stalling the publisher, so a slow UI can never back up
// the merge path. Consumers treat events as change hints and re-read the
// cache for state; nothing authoritative rides on the bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscriber),
	}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
// Never blocks; a full subscriber channel drops the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.prefix) {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// Subscribe registers a prefix subscription with a buffer of bufSize events.
// Size the buffer for the expected burst: a reconnect can replay a whole
// conversation window in one batch. The returned func unsubscribes; the
// channel is left open for any events already buffered.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
