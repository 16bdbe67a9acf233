package prefz

import (
	"slices"
	"sync"
)

// Registry is a store-owned mapping from ListenerID to Listener.
// Registration and unregistration are its only mutations. Store
// implementations embed one and call Notify after their own commits or when
// their change feed reports a remote write.
type Registry struct {
	// feedMu serializes change feed start/stop transitions.
	feedMu sync.Mutex
	feed   func() (stop func())
	stop   func()

	mu        sync.Mutex
	next      ListenerID
	order     []ListenerID
	listeners map[ListenerID]Listener
}

// NewRegistry creates a Registry. If feed is non-nil it is called when the
// first listener registers and the returned stop function is called when the
// last one unregisters. stop must not wait for in-flight notifications to
// finish, since a listener may unregister from inside Notify.
func NewRegistry(feed func() (stop func())) *Registry {
	return &Registry{
		feed:      feed,
		listeners: make(map[ListenerID]Listener),
	}
}

// Register adds a listener and returns its handle.
func (r *Registry) Register(l Listener) ListenerID {
	r.feedMu.Lock()
	defer r.feedMu.Unlock()

	r.mu.Lock()
	r.next++
	id := r.next
	r.listeners[id] = l
	r.order = append(r.order, id)
	first := len(r.listeners) == 1
	r.mu.Unlock()

	if first && r.feed != nil {
		r.stop = r.feed()
	}
	return id
}

// Unregister removes a listener. It is idempotent.
func (r *Registry) Unregister(id ListenerID) {
	r.feedMu.Lock()
	defer r.feedMu.Unlock()

	r.mu.Lock()
	if _, ok := r.listeners[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.listeners, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	last := len(r.listeners) == 0
	r.mu.Unlock()

	if last && r.stop != nil {
		r.stop()
		r.stop = nil
	}
}

// Notify delivers n to every registered listener in registration order.
// Listeners are called outside the registry lock so they may register or
// unregister from inside the callback.
func (r *Registry) Notify(n Notification) {
	r.mu.Lock()
	targets := make([]Listener, 0, len(r.order))
	for _, id := range r.order {
		targets = append(targets, r.listeners[id])
	}
	r.mu.Unlock()

	for _, l := range targets {
		l.Changed(n)
	}
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}
