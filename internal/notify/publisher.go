// Package notify publishes user-scoped engine events to the bus.
package notify

import (
	"time"

	"autotrade-core/internal/events"
)

// Publisher stamps and fans out engine events. It is safe for concurrent use.
type Publisher struct {
	bus *events.Bus
}

// NewPublisher creates a publisher over the given bus.
func NewPublisher(bus *events.Bus) *Publisher {
	return &Publisher{bus: bus}
}

// Publish emits a normal-priority event for a user.
func (p *Publisher) Publish(userID string, event events.Event, payload any) {
	p.publish(userID, event, "normal", payload)
}

// PublishHigh emits a high-priority event (emergency stops).
func (p *Publisher) PublishHigh(userID string, event events.Event, payload any) {
	p.publish(userID, event, "high", payload)
}

func (p *Publisher) publish(userID string, event events.Event, priority string, payload any) {
	if p == nil || p.bus == nil {
		return
	}
	p.bus.Publish(events.Envelope{
		UserID:   userID,
		Event:    event,
		Priority: priority,
		Payload:  payload,
		At:       time.Now().UTC(),
	})
}
