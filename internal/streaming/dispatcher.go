package streaming

import "sync"

// Listener receives transcription events.
// Notify runs on the network receive goroutine and must return quickly.
type Listener interface {
	Notify(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event)

// Notify calls f(ev).
func (f ListenerFunc) Notify(ev Event) { f(ev) }

// Handle identifies a registered listener.
type Handle uint64

type registration struct {
	handle   Handle
	listener Listener
}

// Dispatcher delivers events to listeners in registration order.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []registration
	next      Handle
}

// NewDispatcher creates a dispatcher with no listeners.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Add registers l and returns a handle for removing it later.
func (d *Dispatcher) Add(l Listener) Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.listeners = append(d.listeners, registration{handle: d.next, listener: l})
	return d.next
}

// Remove unregisters the listener behind h. It reports whether one was found.
func (d *Dispatcher) Remove(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.listeners {
		if r.handle == h {
			d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Clear unregisters every listener.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	d.listeners = nil
	d.mu.Unlock()
}

// Len returns the number of registered listeners.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

// Dispatch invokes every listener synchronously.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.RLock()
	snapshot := make([]registration, len(d.listeners))
	copy(snapshot, d.listeners)
	d.mu.RUnlock()

	for _, r := range snapshot {
		r.listener.Notify(ev)
	}
}
