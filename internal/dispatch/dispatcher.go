// Package dispatch fans events out to registered listeners.
//
// Listeners are registered per event type and run in registration order.
// The Wildcard type receives every emission. A panicking listener is
// recovered and logged; the remaining listeners still run.
//
// Emit runs listeners synchronously on the caller's goroutine. Post queues
// the event for the dispatcher's pump goroutine, which delivers events one
// at a time in the order they were posted.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/livesession/internal/buffer"
	"github.com/rickgao/livesession/internal/protocol"
)

// Wildcard receives every emitted event.
const Wildcard = "*"

// Event is a single emission.
type Event struct {
	Type string
	Data any

	// Envelope is set for events that originate from an inbound frame.
	Envelope *protocol.Envelope

	At time.Time
}

// Handler receives events.
type Handler func(Event)

// RegistrationID identifies a listener registration.
type RegistrationID uint64

type registration struct {
	id        RegistrationID
	eventType string
	handler   Handler
}

// Stats holds dispatcher counters.
type Stats struct {
	Listeners int
	Emitted   int64
	Delivered int64
	Panics    int64
	Pending   int
}

// Dispatcher is a typed pub/sub fan-out.
type Dispatcher struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[string][]registration
	byID      map[RegistrationID]string
	nextID    RegistrationID

	// Async delivery
	queue     *buffer.Buffer[Event]
	startOnce sync.Once
	pumpDone  chan struct{}

	emitted   atomic.Int64
	delivered atomic.Int64
	panics    atomic.Int64
}

// New creates a Dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:    logger,
		listeners: make(map[string][]registration),
		byID:      make(map[RegistrationID]string),
		queue:     buffer.New[Event](64),
		pumpDone:  make(chan struct{}),
	}
}

// On registers handler for eventType and returns its registration id.
func (d *Dispatcher) On(eventType string, handler Handler) RegistrationID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.listeners[eventType] = append(d.listeners[eventType], registration{
		id:        id,
		eventType: eventType,
		handler:   handler,
	})
	d.byID[id] = eventType
	return id
}

// Off removes a registration. Returns false if the id is unknown.
func (d *Dispatcher) Off(id RegistrationID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	eventType, ok := d.byID[id]
	if !ok {
		return false
	}
	delete(d.byID, id)

	regs := d.listeners[eventType]
	kept := make([]registration, 0, len(regs))
	for _, r := range regs {
		if r.id != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(d.listeners, eventType)
	} else {
		d.listeners[eventType] = kept
	}
	return true
}

// Clear removes every registration.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.listeners = make(map[string][]registration)
	d.byID = make(map[RegistrationID]string)
}

// ListenerCount returns the number of listeners for eventType.
func (d *Dispatcher) ListenerCount(eventType string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[eventType])
}

// Emit delivers an event synchronously to its listeners and then to
// wildcard listeners. The listener set is snapshotted first, so handlers
// may register or unregister during delivery.
func (d *Dispatcher) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	d.emitted.Add(1)

	d.mu.RLock()
	snapshot := make([]registration, 0, len(d.listeners[ev.Type])+len(d.listeners[Wildcard]))
	snapshot = append(snapshot, d.listeners[ev.Type]...)
	if ev.Type != Wildcard {
		snapshot = append(snapshot, d.listeners[Wildcard]...)
	}
	d.mu.RUnlock()

	if len(snapshot) == 0 {
		d.logger.Debug("no listeners for event", "type", ev.Type)
		return
	}

	for _, r := range snapshot {
		d.invoke(r, ev)
	}
}

// invoke runs one handler, recovering a panic.
func (d *Dispatcher) invoke(r registration, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			d.panics.Add(1)
			d.logger.Error("event handler panicked",
				"type", ev.Type,
				"registration", r.id,
				"error", fmt.Sprint(rec),
			)
		}
	}()

	r.handler(ev)
	d.delivered.Add(1)
}

// Post queues an event for ordered delivery by the pump goroutine.
// Post never blocks. Events posted after Close are dropped.
func (d *Dispatcher) Post(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	d.startOnce.Do(func() { go d.pump() })
	if err := d.queue.Push(ev); err != nil {
		d.logger.Debug("dropping event after close", "type", ev.Type)
	}
}

// pump delivers posted events one at a time.
func (d *Dispatcher) pump() {
	defer close(d.pumpDone)

	for {
		ev, ok := d.queue.Receive()
		if !ok {
			return
		}
		d.Emit(ev)
	}
}

// Close stops accepting posted events and waits until already-posted
// events are delivered or ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.queue.Close()

	// Make sure a pump exists to observe the close.
	d.startOnce.Do(func() { go d.pump() })

	select {
	case <-d.pumpDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	listeners := len(d.byID)
	d.mu.RUnlock()

	return Stats{
		Listeners: listeners,
		Emitted:   d.emitted.Load(),
		Delivered: d.delivered.Load(),
		Panics:    d.panics.Load(),
		Pending:   d.queue.Len(),
	}
}
