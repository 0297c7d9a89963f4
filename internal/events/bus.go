// Package events is the in-process notification fabric of the control
// plane. Components publish fire-and-forget events for run and node
// transitions; subscribers receive them asynchronously. Delivery is
// best-effort: a subscriber that cannot keep up loses events rather
// than blocking the publisher, and consumers that need deduplication
// key on the event ID.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a class of control-plane event.
type EventType string

const (
	// EventRunStateChanged is published on every run status transition.
	EventRunStateChanged EventType = "run_state_changed"
	// EventLeaseGranted is published when a pending run is leased to a node.
	EventLeaseGranted EventType = "lease_granted"
	// EventNodeRegistered is published when a node joins the fleet.
	EventNodeRegistered EventType = "node_registered"
	// EventNodeHeartbeat is published on every node heartbeat.
	EventNodeHeartbeat EventType = "node_heartbeat"
	// EventNodeDisconnected is published when a node drains off the
	// fleet or the sweeper marks it stale.
	EventNodeDisconnected EventType = "node_disconnected"
)

// AllEventTypes lists every type the control plane emits, for
// subscribers that want the full stream.
var AllEventTypes = []EventType{
	EventRunStateChanged,
	EventLeaseGranted,
	EventNodeRegistered,
	EventNodeHeartbeat,
	EventNodeDisconnected,
}

// Event is a single control-plane notification. The ID is unique per
// emission so idempotent consumers can drop re-deliveries.
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber receives events.
type Subscriber func(Event)

// Bus fans events out to per-subscriber buffered channels. Publish
// never blocks: when a subscriber's buffer is full the event is dropped
// for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates an event bus with the given buffer size per
// subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type. Delivery happens on a
// dedicated goroutine, and a panicking subscriber does not take the bus
// down. The returned function unsubscribes.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends an event to every subscriber of the given type.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full, drop rather than block.
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
