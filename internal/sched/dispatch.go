package sched

import (
	"log/slog"
	"sync"
)

// EventListener receives sync events for one event type.
type EventListener func(SyncEvent)

// StatusListener receives connection status transitions.
type StatusListener func(ConnectionStatus)

// Dispatcher is the typed publish/subscribe hub for sync events and
// connection-status changes. Listener panics are isolated so one broken
// listener cannot prevent delivery to the others or corrupt dispatcher
// state. Registration returns an explicit unsubscribe capability rather
// than relying on function identity for removal.
type Dispatcher struct {
	logger *slog.Logger

	mu        sync.Mutex
	nextToken uint64
	events    map[EventType]map[uint64]EventListener
	status    map[uint64]StatusListener

	// current is the latest status, replayed to late status subscribers
	// so they are not left stale.
	current ConnectionStatus
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger,
		events: make(map[EventType]map[uint64]EventListener),
		status: make(map[uint64]StatusListener),
	}
}

// OnEvent registers a listener for one event type and returns its
// unsubscribe function. Unsubscribing the last listener for a type
// releases the type's registry entry.
func (d *Dispatcher) OnEvent(typ EventType, fn EventListener) func() {
	d.mu.Lock()
	d.nextToken++
	token := d.nextToken

	set, ok := d.events[typ]
	if !ok {
		set = make(map[uint64]EventListener)
		d.events[typ] = set
	}
	set[token] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		set, ok := d.events[typ]
		if !ok {
			return
		}
		delete(set, token)
		if len(set) == 0 {
			delete(d.events, typ)
		}
	}
}

// OnStatus registers a status listener and returns its unsubscribe
// function. The current status is delivered immediately so a late
// subscriber starts from the live value.
func (d *Dispatcher) OnStatus(fn StatusListener) func() {
	d.mu.Lock()
	d.nextToken++
	token := d.nextToken
	d.status[token] = fn
	current := d.current
	d.mu.Unlock()

	d.invokeStatus(fn, current)

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.status, token)
	}
}

// Emit delivers the event to all listeners registered for its type, in
// unspecified order. Events are never retained after delivery.
func (d *Dispatcher) Emit(ev SyncEvent) {
	d.mu.Lock()
	listeners := make([]EventListener, 0, len(d.events[ev.Type]))
	for _, fn := range d.events[ev.Type] {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()

	for _, fn := range listeners {
		d.invokeEvent(fn, ev)
	}
}

// SetStatus records the new current status and notifies all status
// listeners.
func (d *Dispatcher) SetStatus(status ConnectionStatus) {
	d.mu.Lock()
	d.current = status
	listeners := make([]StatusListener, 0, len(d.status))
	for _, fn := range d.status {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()

	for _, fn := range listeners {
		d.invokeStatus(fn, status)
	}
}

// Status returns the current connection status.
func (d *Dispatcher) Status() ConnectionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.current
}

func (d *Dispatcher) invokeEvent(fn EventListener, ev SyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event listener panicked",
				slog.String("event_type", string(ev.Type)),
				slog.Any("panic", r),
			)
		}
	}()

	fn(ev)
}

func (d *Dispatcher) invokeStatus(fn StatusListener, status ConnectionStatus) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("status listener panicked", slog.Any("panic", r))
		}
	}()

	fn(status)
}
