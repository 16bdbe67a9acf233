package prefz

import "context"

// Store is the synchronous key-value capability prefz adapts. Backends in
// pkg/ implement it; MemoryStore is the in-process reference.
type Store interface {
	// Get returns the value stored under key. ok is false when the key is
	// absent. A value of a different kind than requested yields a
	// *TypeMismatchError.
	Get(ctx context.Context, key string, kind Kind) (v Value, ok bool, err error)

	// Contains reports whether key is present, regardless of kind.
	Contains(ctx context.Context, key string) (bool, error)

	// All returns a snapshot of every stored key.
	All(ctx context.Context) (map[string]Value, error)

	// Commit applies edits in the given order as a single unit of work.
	// A non-nil error means the store rejected the batch.
	Commit(ctx context.Context, edits []Edit) error

	// RegisterListener adds a change listener and returns its handle.
	RegisterListener(l Listener) ListenerID

	// UnregisterListener removes a listener. Unknown or already removed
	// handles are ignored.
	UnregisterListener(id ListenerID)
}

// ListenerID is the handle returned by RegisterListener.
type ListenerID uint64

// Notification describes a change reported by a store. All is set when
// the store cannot name a single key, e.g. after a clear. Backends that
// broadcast changes to other processes send it as JSON.
type Notification struct {
	Key string `json:"key,omitempty"`
	All bool   `json:"all,omitempty"`
}

// Affects reports whether the notification concerns key.
func (n Notification) Affects(key string) bool {
	return n.All || n.Key == key
}

// Listener receives store change notifications.
type Listener interface {
	Changed(n Notification)
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(n Notification)

// Changed calls f(n).
func (f ListenerFunc) Changed(n Notification) { f(n) }
