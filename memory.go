package prefz

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore is an in-process Store. Commits are applied to a copy of the
// map and swapped in under a lock, so readers never observe a partially
// applied batch. Every key touched by a commit is notified, whether or not
// its value actually changed; a clear notifies All.
type MemoryStore struct {
	registry *Registry

	mu     sync.RWMutex
	values map[string]Value
}

// NewMemoryStore creates a MemoryStore seeded with initial, which may be nil.
func NewMemoryStore(initial map[string]Value) *MemoryStore {
	values := maps.Clone(initial)
	if values == nil {
		values = make(map[string]Value)
	}
	return &MemoryStore{
		registry: NewRegistry(nil),
		values:   values,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string, kind Kind) (Value, bool, error) {
	if err := ctx.Err(); err != nil {
		return Value{}, false, err
	}
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return Value{}, false, nil
	}
	if err := CheckKind(key, kind, v); err != nil {
		return Value{}, false, err
	}
	return v, true, nil
}

// Contains implements Store.
func (s *MemoryStore) Contains(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok, nil
}

// All implements Store.
func (s *MemoryStore) All(ctx context.Context) (map[string]Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values), nil
}

// Commit implements Store.
func (s *MemoryStore) Commit(ctx context.Context, edits []Edit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	next := maps.Clone(s.values)
	notes := ApplyEdits(next, edits)
	s.values = next
	s.mu.Unlock()

	for _, n := range notes {
		s.registry.Notify(n)
	}
	return nil
}

// RegisterListener implements Store.
func (s *MemoryStore) RegisterListener(l Listener) ListenerID {
	return s.registry.Register(l)
}

// UnregisterListener implements Store.
func (s *MemoryStore) UnregisterListener(id ListenerID) {
	s.registry.Unregister(id)
}

// Listeners returns the number of registered listeners.
func (s *MemoryStore) Listeners() int {
	return s.registry.Len()
}

// ApplyEdits applies edits to values in order and returns the notifications
// a store should deliver for them. Backends that keep a local snapshot reuse
// it so every store reports changes the same way.
func ApplyEdits(values map[string]Value, edits []Edit) []Notification {
	for _, e := range edits {
		switch e.Op {
		case OpPut:
			values[e.Key] = e.Value
		case OpRemove:
			delete(values, e.Key)
		case OpClear:
			clear(values)
		}
	}
	return Changes(edits)
}

// Changes returns the notifications a batch produces: one per put or
// remove, in order, and an All for every clear.
func Changes(edits []Edit) []Notification {
	notes := make([]Notification, 0, len(edits))
	for _, e := range edits {
		if e.Op == OpClear {
			notes = append(notes, Notification{All: true})
			continue
		}
		notes = append(notes, Notification{Key: e.Key})
	}
	return notes
}
