// Package testing provides test utilities and helpers for prefz stores and
// observations.
package testing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/prefz"
)

// ErrInjected is returned by FlakyStore for every injected failure.
var ErrInjected = errors.New("injected failure")

// WaitFor polls a condition until it returns true or timeout is reached.
// Returns true if the condition was met, false if timeout occurred.
func WaitFor(t *testing.T, timeout time.Duration, condition func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// Recorder is an Observer that keeps every value and error it receives.
type Recorder[T any] struct {
	mu     sync.Mutex
	values []T
	errs   []error
}

// NewRecorder creates an empty recorder.
func NewRecorder[T any]() *Recorder[T] {
	return &Recorder[T]{}
}

// OnNext implements prefz.Observer.
func (r *Recorder[T]) OnNext(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

// OnError implements prefz.Observer.
func (r *Recorder[T]) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// Values returns a copy of the received values in arrival order.
func (r *Recorder[T]) Values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

// Errors returns a copy of the received errors.
func (r *Recorder[T]) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// Len returns the number of received values.
func (r *Recorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

// WaitForValues waits until at least n values have been received.
func (r *Recorder[T]) WaitForValues(t *testing.T, n int, timeout time.Duration) bool {
	t.Helper()
	return WaitFor(t, timeout, func() bool {
		return r.Len() >= n
	})
}

// RequireValues fails the test immediately if the recorded values differ
// from want.
func RequireValues[T comparable](t *testing.T, r *Recorder[T], want ...T) {
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

// FlakyStore wraps a store and fails a configurable number of reads and
// commits with ErrInjected before delegating.
type FlakyStore struct {
	prefz.Store

	readFailures   atomic.Int64
	commitFailures atomic.Int64
	reads          atomic.Int64
	commits        atomic.Int64
}

// NewFlakyStore wraps store.
func NewFlakyStore(store prefz.Store) *FlakyStore {
	return &FlakyStore{Store: store}
}

// FailReads makes the next n reads fail.
func (s *FlakyStore) FailReads(n int) {
	s.readFailures.Store(int64(n))
}

// FailCommits makes the next n commits fail.
func (s *FlakyStore) FailCommits(n int) {
	s.commitFailures.Store(int64(n))
}

// Reads returns how many reads reached the store, failed or not.
func (s *FlakyStore) Reads() int {
	return int(s.reads.Load())
}

// Commits returns how many commits reached the store, failed or not.
func (s *FlakyStore) Commits() int {
	return int(s.commits.Load())
}

func (s *FlakyStore) failRead() bool {
	s.reads.Add(1)
	return s.readFailures.Add(-1) >= 0
}

// Get implements prefz.Store.
func (s *FlakyStore) Get(ctx context.Context, key string, kind prefz.Kind) (prefz.Value, bool, error) {
	if s.failRead() {
		return prefz.Value{}, false, ErrInjected
	}
	return s.Store.Get(ctx, key, kind)
}

// Contains implements prefz.Store.
func (s *FlakyStore) Contains(ctx context.Context, key string) (bool, error) {
	if s.failRead() {
		return false, ErrInjected
	}
	return s.Store.Contains(ctx, key)
}

// All implements prefz.Store.
func (s *FlakyStore) All(ctx context.Context) (map[string]prefz.Value, error) {
	if s.failRead() {
		return nil, ErrInjected
	}
	return s.Store.All(ctx)
}

// Commit implements prefz.Store.
func (s *FlakyStore) Commit(ctx context.Context, edits []prefz.Edit) error {
	s.commits.Add(1)
	if s.commitFailures.Add(-1) >= 0 {
		return ErrInjected
	}
	return s.Store.Commit(ctx, edits)
}

// StoreContract exercises the behaviour every prefz.Store must share. Backend
// test suites call it with a fresh, empty store.
func StoreContract(t *testing.T, store prefz.Store) {
	t.Helper()
	ctx := context.Background()

	notes := make(chan prefz.Notification, 16)
	id := store.RegisterListener(prefz.ListenerFunc(func(n prefz.Notification) {
		select {
		case notes <- n:
		default:
		}
	}))
	defer store.UnregisterListener(id)

	next := func() prefz.Notification {
		t.Helper()
		select {
		case n := <-notes:
			return n
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for notification")
			return prefz.Notification{}
		}
	}

	if _, ok, err := store.Get(ctx, "missing", prefz.KindString); err != nil || ok {
		t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
	}

	err := store.Commit(ctx, []prefz.Edit{
		prefz.Put("name", prefz.StringValue("prefz")),
		prefz.Put("count", prefz.IntValue(5)),
		prefz.Put("tags", prefz.StringSetValue("b", "a")),
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		n := next()
		if n.All {
			seen["name"], seen["count"], seen["tags"] = true, true, true
			break
		}
		seen[n.Key] = true
	}
	for _, k := range []string{"name", "count", "tags"} {
		if !seen[k] {
			t.Errorf("expected notification for %q", k)
		}
	}

	v, ok, err := store.Get(ctx, "count", prefz.KindInt)
	if err != nil || !ok {
		t.Fatalf("expected count present, got ok=%v err=%v", ok, err)
	}
	if v.AsInt() != 5 {
		t.Errorf("expected count 5, got %s", v)
	}

	if _, _, err := store.Get(ctx, "count", prefz.KindString); !errors.Is(err, prefz.ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}

	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 keys, got %v", all)
	}
	if got := all["tags"].AsStringSet(); len(got) != 2 || got[0] != "a" {
		t.Errorf("expected sorted set [a b], got %v", got)
	}

	err = store.Commit(ctx, []prefz.Edit{
		prefz.Remove("name"),
		prefz.Put("count", prefz.IntValue(6)),
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if n := next(); n.All {
			break
		}
	}
	if ok, err := store.Contains(ctx, "name"); err != nil || ok {
		t.Errorf("expected name removed, got ok=%v err=%v", ok, err)
	}

	if err := store.Commit(ctx, []prefz.Edit{prefz.Clear(), prefz.Put("fresh", prefz.BoolValue(true))}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	all, err = store.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 1 || !all["fresh"].AsBool() {
		t.Errorf("expected only fresh=true after clear, got %v", all)
	}
}
