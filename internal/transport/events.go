package transport

import (
	"fmt"
	"sync"
	"time"
)

// EventKind identifies a class of asynchronous bridge notifications.
// A closed set of kinds replaces the bridge protocol's free-form event-name
// strings so a typo cannot silently subscribe to nothing.
type EventKind string

const (
	EventFirmwareProgress  EventKind = "firmware_progress"
	EventFirmwareCompleted EventKind = "firmware_completed"
	EventFirmwareFailed    EventKind = "firmware_failed"
	EventNodeStatus        EventKind = "node_status"
	EventDeviceFound       EventKind = "device_found"
)

// Event is one asynchronous notification from the bridge.
type Event struct {
	Kind        EventKind `json:"kind"`
	Correlation string    `json:"correlation,omitempty"`
	NodeAddress uint16    `json:"node_address,omitempty"`
	Progress    int       `json:"progress,omitempty"` // percent, firmware transfer
	Online      bool      `json:"online,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// NodeCorrelation returns the correlation id events about a node carry.
func NodeCorrelation(addr uint16) string {
	return fmt.Sprintf("node:0x%04X", addr)
}

// Subscription is a handle to a registered event listener. Events arrive on
// C; Close releases the listener and is safe to call more than once.
type Subscription struct {
	C <-chan Event

	bus  *EventBus
	id   int
	once sync.Once
}

// Close unregisters the listener. After Close returns no further events are
// delivered, and C is closed.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s.id) })
}

type subEntry struct {
	kinds       map[EventKind]struct{} // empty = all kinds
	correlation string                 // "" = all correlations
	ch          chan Event
}

// EventBus fans bridge events out to subscribers. Delivery is best-effort:
// a subscriber that stops draining its channel loses events rather than
// stalling the bridge reader.
type EventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subEntry
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]*subEntry)}
}

// Subscribe registers a listener for the given kinds (all kinds when empty),
// optionally filtered by correlation id ("" matches everything).
func (b *EventBus) Subscribe(correlation string, kinds ...EventKind) *Subscription {
	entry := &subEntry{
		kinds:       make(map[EventKind]struct{}, len(kinds)),
		correlation: correlation,
		ch:          make(chan Event, 16),
	}
	for _, k := range kinds {
		entry.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = entry
	b.mu.Unlock()

	return &Subscription{C: entry.ch, bus: b, id: id}
}

// Publish delivers ev to every matching subscriber.
func (b *EventBus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if len(s.kinds) > 0 {
			if _, ok := s.kinds[ev.Kind]; !ok {
				continue
			}
		}
		if s.correlation != "" && s.correlation != ev.Correlation {
			continue
		}
		select {
		case s.ch <- ev:
		default: // subscriber is not draining, drop
		}
	}
}

func (b *EventBus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}
