// Package events is the in-process publish/subscribe channel between the
// job queue and its observers. Observers subscribe to state-change events
// instead of polling the store, which keeps read load flat and observer
// latency bounded by actual changes.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type names an event kind on the bus.
type Type string

const (
	JobAdded      Type = "job:added"
	JobProcessing Type = "job:processing"
	JobCompleted  Type = "job:completed"
	JobFailed     Type = "job:failed"
	SyncCompleted Type = "queue:sync-completed"
	NetworkChange Type = "network:changed"
)

// Event is the payload delivered to listeners.
type Event struct {
	Type        Type
	JobID       string
	UserAddress string
	Error       string
	Fields      map[string]any
	At          time.Time
}

// Listener receives events. Delivery is synchronous on the emitting
// goroutine; listeners must not block.
type Listener func(Event)

type subscription struct {
	id   int
	fn   Listener
	once bool
}

// Bus is a typed observer registry. Registration and removal are symmetric:
// every On/Once/OnMultiple returns an unsubscribe function, and
// RemoveAllListeners drops everything at teardown so no handler can leak
// past process shutdown.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[Type][]*subscription
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[Type][]*subscription),
		logger: logger,
	}
}

// On registers fn for t and returns its unsubscribe function. Unsubscribing
// twice is a no-op.
func (b *Bus) On(t Type, fn Listener) func() {
	return b.add(t, fn, false)
}

// Once registers fn for a single delivery.
func (b *Bus) Once(t Type, fn Listener) func() {
	return b.add(t, fn, true)
}

// OnMultiple registers fn for several event types at once; the returned
// function unsubscribes from all of them.
func (b *Bus) OnMultiple(types []Type, fn Listener) func() {
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, b.On(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Bus) add(t Type, fn Listener, once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, fn: fn, once: once}
	b.subs[t] = append(b.subs[t], sub)

	id := sub.id
	return func() { b.remove(t, id) }
}

func (b *Bus) remove(t Type, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[t]
	for i, sub := range list {
		if sub.id == id {
			b.subs[t] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to every listener registered for its type. A panicking
// listener is contained and logged; remaining listeners still run.
func (b *Bus) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	list := b.subs[ev.Type]
	fns := make([]Listener, 0, len(list))
	kept := list[:0]
	for _, sub := range list {
		fns = append(fns, sub.fn)
		if !sub.once {
			kept = append(kept, sub)
		}
	}
	b.subs[ev.Type] = kept
	b.mu.Unlock()

	for _, fn := range fns {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event listener panicked",
				"type", ev.Type, "job_id", ev.JobID, "panic", r)
		}
	}()
	fn(ev)
}

// ListenerCount returns the number of live listeners for t.
func (b *Bus) ListenerCount(t Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[t])
}

// RemoveAllListeners drops every registration. Invoked on teardown.
func (b *Bus) RemoveAllListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Type][]*subscription)
}
