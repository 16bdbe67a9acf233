package prefz

import (
	"context"

	"github.com/zoobzio/pipz"
)

// allKeys labels events and metrics for reads that span the whole store.
const allKeys = "*"

// Single is a lazy one-shot read. Nothing touches the store until Get runs,
// and every Get queries the store again.
type Single[T any] struct {
	p        *Preferences
	key      string
	fetch    func(ctx context.Context) (T, error)
	pipeline pipz.Chainable[T]
}

func newSingle[T any](p *Preferences, key string, fetch func(context.Context) (T, error), opts []ReadOption[T]) *Single[T] {
	s := &Single[T]{p: p, key: key, fetch: fetch}
	if len(opts) > 0 {
		terminal := pipz.Apply(readID, func(ctx context.Context, _ T) (T, error) {
			return s.execute(ctx)
		})
		s.pipeline = buildReadPipeline(terminal, opts)
	}
	return s
}

// Read returns a lazy read of key decoded with typ. If the key is absent
// the read yields def; a value of another kind fails with a
// *TypeMismatchError.
func Read[T any](p *Preferences, key string, typ Type[T], def T, opts ...ReadOption[T]) *Single[T] {
	return newSingle(p, key, func(ctx context.Context) (T, error) {
		return lookup(ctx, p.store, key, typ, def)
	}, opts)
}

// Contains returns a lazy check for the presence of key.
func Contains(p *Preferences, key string, opts ...ReadOption[bool]) *Single[bool] {
	return newSingle(p, key, func(ctx context.Context) (bool, error) {
		return p.store.Contains(ctx, key)
	}, opts)
}

// All returns a lazy snapshot of every stored key.
func All(p *Preferences, opts ...ReadOption[map[string]Value]) *Single[map[string]Value] {
	return newSingle(p, allKeys, p.store.All, opts)
}

// Key returns the key this read targets, or "*" for All.
func (s *Single[T]) Key() string {
	return s.key
}

// Get executes the read on the store scheduler and returns its result.
func (s *Single[T]) Get(ctx context.Context) (T, error) {
	var (
		v   T
		err error
	)
	if s.pipeline != nil {
		var seed T
		v, err = s.pipeline.Process(ctx, seed)
	} else {
		v, err = s.execute(ctx)
	}
	if err != nil {
		s.p.recordFailure(ctx, ReadFailed, "read", s.key, err)
		var zero T
		return zero, err
	}
	return v, nil
}

func (s *Single[T]) execute(ctx context.Context) (T, error) {
	var (
		v        T
		fetchErr error
	)
	if err := s.p.run(ctx, func() {
		v, fetchErr = s.fetch(ctx)
	}); err != nil {
		var zero T
		return zero, err
	}
	return v, fetchErr
}
