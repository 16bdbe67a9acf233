package prefz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errStore = errors.New("store unavailable")

type recorder[T any] struct {
	mu     sync.Mutex
	values []T
	errs   []error
}

func (r *recorder[T]) OnNext(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder[T]) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder[T]) Values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

func (r *recorder[T]) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func requireValues[T comparable](t *testing.T, r *recorder[T], want ...T) {
	t.Helper()
	got := r.Values()
	if len(got) != len(want) {
		t.Fatalf("expected values %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected values %v, got %v", want, got)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// countingStore wraps a store and counts listener traffic and store calls.
type countingStore struct {
	Store

	registered   atomic.Int64
	unregistered atomic.Int64
	gets         atomic.Int64
	failGets     atomic.Int64
	commits      [][]Edit
	mu           sync.Mutex

	getErr    error
	commitErr error
	onCommit  func()
}

func newCountingStore(initial map[string]Value) *countingStore {
	return &countingStore{Store: NewMemoryStore(initial)}
}

func (s *countingStore) Get(ctx context.Context, key string, kind Kind) (Value, bool, error) {
	s.gets.Add(1)
	if s.failGets.Add(-1) >= 0 {
		return Value{}, false, errStore
	}
	s.mu.Lock()
	err := s.getErr
	s.mu.Unlock()
	if err != nil {
		return Value{}, false, err
	}
	return s.Store.Get(ctx, key, kind)
}

func (s *countingStore) setGetErr(err error) {
	s.mu.Lock()
	s.getErr = err
	s.mu.Unlock()
}

func (s *countingStore) Commit(ctx context.Context, edits []Edit) error {
	s.mu.Lock()
	s.commits = append(s.commits, append([]Edit(nil), edits...))
	err := s.commitErr
	hook := s.onCommit
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	return s.Store.Commit(ctx, edits)
}

func (s *countingStore) lastCommit() []Edit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commits) == 0 {
		return nil
	}
	return s.commits[len(s.commits)-1]
}

func (s *countingStore) RegisterListener(l Listener) ListenerID {
	s.registered.Add(1)
	return s.Store.RegisterListener(l)
}

func (s *countingStore) UnregisterListener(id ListenerID) {
	s.unregistered.Add(1)
	s.Store.UnregisterListener(id)
}

func (s *countingStore) listeners() int {
	return s.Store.(*MemoryStore).Listeners()
}

// gateStore holds exactly one Get open once armed, after it has read from
// the wrapped store, until release is closed.
type gateStore struct {
	Store

	armed   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func newGateStore(initial map[string]Value) *gateStore {
	return &gateStore{
		Store:   NewMemoryStore(initial),
		read:    make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *gateStore) Get(ctx context.Context, key string, kind Kind) (Value, bool, error) {
	v, ok, err := s.Store.Get(ctx, key, kind)
	if s.armed.CompareAndSwap(true, false) {
		close(s.read)
		<-s.release
	}
	return v, ok, err
}
