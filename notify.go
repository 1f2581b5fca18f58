package raopcore

import "sync"

// EventType is the kind of lifecycle notification a Bus delivers.
type EventType int

const (
	EventCreated EventType = iota
	EventActivated
	EventDeactivated
	EventDestroyed
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventActivated:
		return "activated"
	case EventDeactivated:
		return "deactivated"
	case EventDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event is one notification, naming the device it concerns.
type Event struct {
	Type EventType
	Name string
}

// Bus is a process-wide, synchronous, typed event channel (spec.md §9:
// "Observer/notification bus"). Subscribers register a callback; delivery
// happens on the publisher's goroutine, in subscription order.
type Bus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

// NewBus allocates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers cb to be called for every future Publish.
func (b *Bus) Subscribe(cb func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, cb)
}

// Publish delivers ev to every subscriber, synchronously, on the calling
// goroutine.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]func(Event), len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, cb := range subs {
		cb(ev)
	}
}
