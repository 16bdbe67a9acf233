package prefz

import (
	"context"
	"sync"
)

// Observer receives the values of an observation.
type Observer[T any] interface {
	// OnNext is called with the current value on subscribe and again after
	// every relevant store change.
	OnNext(v T)

	// OnError is called at most once, after which the subscription is
	// cancelled.
	OnError(err error)
}

// Funcs adapts a pair of functions to an Observer. Nil fields are skipped.
type Funcs[T any] struct {
	Next  func(T)
	Error func(error)
}

// OnNext implements Observer.
func (f Funcs[T]) OnNext(v T) {
	if f.Next != nil {
		f.Next(v)
	}
}

// OnError implements Observer.
func (f Funcs[T]) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// Update is one item of a Watch channel: either a value or the error that
// ended the observation.
type Update[T any] struct {
	Value T
	Err   error
}

// Observable is a lazy, never-completing observation. Each Subscribe
// starts an independent Subscription with its own store listener.
type Observable[T any] struct {
	p       *Preferences
	key     string
	affects func(Notification) bool
	fetch   func(ctx context.Context) (T, error)
}

// Observe returns an observation of key decoded with typ. Subscribers get
// the current value (def if absent) immediately and a fresh value after
// every notification for key or for the whole store. Values are not
// de-duplicated.
func Observe[T any](p *Preferences, key string, typ Type[T], def T) *Observable[T] {
	return &Observable[T]{
		p:       p,
		key:     key,
		affects: func(n Notification) bool { return n.Affects(key) },
		fetch: func(ctx context.Context) (T, error) {
			return lookup(ctx, p.store, key, typ, def)
		},
	}
}

// ObserveContains returns an observation of whether key is present.
func ObserveContains(p *Preferences, key string) *Observable[bool] {
	return &Observable[bool]{
		p:       p,
		key:     key,
		affects: func(n Notification) bool { return n.Affects(key) },
		fetch: func(ctx context.Context) (bool, error) {
			return p.store.Contains(ctx, key)
		},
	}
}

// ObserveAll returns an observation of the whole store. It emits a new
// snapshot after every notification.
func ObserveAll(p *Preferences) *Observable[map[string]Value] {
	return &Observable[map[string]Value]{
		p:       p,
		key:     allKeys,
		affects: func(Notification) bool { return true },
		fetch:   p.store.All,
	}
}

// Key returns the observed key, or "*" for ObserveAll.
func (o *Observable[T]) Key() string {
	return o.key
}

// Subscribe starts an observation. On the store scheduler the current
// value is read and emitted, then a store listener is registered; each
// relevant notification schedules a fresh read whose result is emitted on
// the delivery scheduler. Emissions for one subscription are delivered in
// order and never concurrently.
//
// A change that lands between the initial read and the registration is
// not seen. Commits made through Preferences sharing a SerialScheduler
// cannot land there; writes from other processes can.
//
// The subscription ends when Cancel is called, when ctx is done, or after
// an error has been delivered to obs.OnError.
func (o *Observable[T]) Subscribe(ctx context.Context, obs Observer[T]) (*Subscription, error) {
	s := newSubscription(ctx, o.p, o.key)

	s.mu.Lock()
	s.stopCtx = context.AfterFunc(ctx, s.Cancel)
	s.mu.Unlock()

	emit := func(v T) func() {
		return func() {
			obs.OnNext(v)
			o.p.metrics.OnEmit(o.key)
		}
	}

	// refreshMu keeps each read paired with its place in the mailbox, so
	// emissions follow read order and the last one reflects the latest
	// read even when notifications arrive on several goroutines.
	var refreshMu sync.Mutex
	refresh := func() {
		refreshMu.Lock()
		if !s.live() {
			refreshMu.Unlock()
			return
		}
		v, err := o.fetch(ctx)
		var kick func()
		switch {
		case err != nil && ctx.Err() != nil:
			kick = s.Cancel
		case err != nil:
			kick = s.fail(err, obs.OnError)
		default:
			kick = s.enqueue(emit(v))
		}
		refreshMu.Unlock()
		kick()
	}

	listener := ListenerFunc(func(n Notification) {
		if !o.affects(n) || !s.live() {
			return
		}
		if err := o.p.access.Schedule(refresh); err != nil {
			s.Cancel()
		}
	})

	err := o.p.access.Schedule(func() {
		refresh()
		s.activate(listener)
	})
	if err != nil {
		s.Cancel()
		return nil, err
	}
	return s, nil
}

// Watch subscribes and forwards every emission to the returned channel.
// The channel is closed when ctx is done or after an Update carrying the
// error that ended the observation. Emissions are buffered, so a slow
// reader never blocks the store.
func (o *Observable[T]) Watch(ctx context.Context) (<-chan Update[T], error) {
	ctx, cancel := context.WithCancel(ctx)

	var (
		mu      sync.Mutex
		pending []Update[T]
	)
	wake := make(chan struct{}, 1)
	push := func(u Update[T]) {
		mu.Lock()
		pending = append(pending, u)
		mu.Unlock()
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	take := func() []Update[T] {
		mu.Lock()
		defer mu.Unlock()
		batch := pending
		pending = nil
		return batch
	}

	sub, err := o.Subscribe(ctx, Funcs[T]{
		Next:  func(v T) { push(Update[T]{Value: v}) },
		Error: func(err error) { push(Update[T]{Err: err}) },
	})
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan Update[T])
	send := func(batch []Update[T]) bool {
		for _, u := range batch {
			select {
			case out <- u:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	go func() {
		defer close(out)
		defer cancel()

		for {
			batch := take()
			if len(batch) > 0 {
				if !send(batch) {
					return
				}
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-sub.Done():
				if sub.Err() != nil {
					send(take())
				}
				return
			}
		}
	}()

	return out, nil
}
