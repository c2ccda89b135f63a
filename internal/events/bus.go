package events

import (
	"sync"
)

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan Envelope
	all  []chan Envelope
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Envelope)}
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// SubscribeAll registers a listener for every event (used by the websocket
// stream) and returns the channel and an unsubscribe function.
func (b *Bus) SubscribeAll(buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.all = append(b.all, ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.all {
			if c == ch {
				close(c)
				b.all = append(b.all[:i], b.all[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish fan-outs the envelope to subscribers asynchronously to avoid blocking.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[env.Event] {
		select {
		case ch <- env:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- env:
		default:
		}
	}
}
