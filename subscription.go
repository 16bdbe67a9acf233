package prefz

import (
	"context"
	"sync"

	"github.com/zoobzio/capitan"
)

// Subscription is the live handle of one observation. It owns at most one
// registered store listener and releases it exactly once, on Cancel, on
// context cancellation, or after delivering an error.
type Subscription struct {
	p   *Preferences
	key string
	ctx context.Context

	mu         sync.Mutex
	state      State
	failing    bool
	err        error
	id         ListenerID
	registered bool
	queue      []func()
	draining   bool
	stopCtx    func() bool

	done chan struct{}
}

func newSubscription(ctx context.Context, p *Preferences, key string) *Subscription {
	return &Subscription{
		p:    p,
		key:  key,
		ctx:  ctx,
		done: make(chan struct{}),
	}
}

// Key returns the observed key, or "*" for whole-store observations.
func (s *Subscription) Key() string {
	return s.key
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel that is closed once the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that terminated the subscription, or nil if it is
// still live or was cancelled by the consumer.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel ends the subscription. The store listener is unregistered before
// Cancel returns, unless its registration is still in flight on the store
// scheduler, in which case that task unregisters it as soon as it
// completes. Queued emissions are dropped. Cancel is idempotent.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.state == StateCancelled {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	s.queue = nil
	id, registered := s.id, s.registered
	s.registered = false
	stop := s.stopCtx
	s.mu.Unlock()

	if registered {
		s.unregister(id)
	}
	if stop != nil {
		stop()
	}
	close(s.done)

	s.p.metrics.OnCancel(s.key)
	capitan.Emit(s.ctx, SubscriptionCancelled,
		KeyKey.Field(s.key),
		KeyState.Field(StateCancelled.String()),
	)
}

// activate registers l with the store and moves to StateActive. It returns
// false if the subscription ended in the meantime, in which case nothing
// stays registered.
func (s *Subscription) activate(l Listener) bool {
	s.mu.Lock()
	if s.state == StateCancelled || s.failing {
		s.mu.Unlock()
		return false
	}
	s.state = StateActive
	s.mu.Unlock()

	id := s.p.store.RegisterListener(l)

	s.mu.Lock()
	if s.state == StateCancelled || s.failing {
		s.mu.Unlock()
		s.p.store.UnregisterListener(id)
		return false
	}
	s.id = id
	s.registered = true
	s.mu.Unlock()

	s.p.metrics.OnSubscribe(s.key)
	capitan.Emit(s.ctx, ListenerRegistered, KeyKey.Field(s.key))
	capitan.Emit(s.ctx, SubscriptionStarted,
		KeyKey.Field(s.key),
		KeyState.Field(StateActive.String()),
	)
	return true
}

// live reports whether listener-driven work should still run.
func (s *Subscription) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateCancelled && !s.failing
}

// enqueue appends an emission to the mailbox. It returns a function that
// starts the drain on the delivery scheduler when one is not already
// running; callers run it after releasing their own locks.
func (s *Subscription) enqueue(emit func()) (kick func()) {
	s.mu.Lock()
	if s.state == StateCancelled || s.failing {
		s.mu.Unlock()
		return func() {}
	}
	s.queue = append(s.queue, emit)
	start := !s.draining
	s.draining = true
	s.mu.Unlock()

	if !start {
		return func() {}
	}
	return s.scheduleDrain
}

// fail stops accepting emissions and queues the error delivery behind
// whatever is already in the mailbox. The returned function releases the
// listener, reports the failure and starts the drain.
func (s *Subscription) fail(err error, deliver func(error)) (kick func()) {
	s.mu.Lock()
	if s.state == StateCancelled || s.failing {
		s.mu.Unlock()
		return func() {}
	}
	s.failing = true
	s.err = err
	s.queue = append(s.queue, func() {
		deliver(err)
		s.Cancel()
	})
	start := !s.draining
	s.draining = true
	id, registered := s.id, s.registered
	s.registered = false
	s.mu.Unlock()

	return func() {
		if registered {
			s.unregister(id)
		}
		s.p.recordFailure(s.ctx, SubscriptionFailed, "observe", s.key, err)
		if start {
			s.scheduleDrain()
		}
	}
}

func (s *Subscription) scheduleDrain() {
	if err := s.p.delivery.Schedule(s.drain); err != nil {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
		s.Cancel()
	}
}

// drain runs queued emissions in order until the mailbox is empty or the
// subscription is cancelled.
func (s *Subscription) drain() {
	for {
		s.mu.Lock()
		if s.state == StateCancelled || len(s.queue) == 0 {
			s.draining = false
			s.queue = nil
			s.mu.Unlock()
			return
		}
		emit := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		emit()
	}
}

func (s *Subscription) unregister(id ListenerID) {
	s.p.store.UnregisterListener(id)
	capitan.Emit(s.ctx, ListenerUnregistered, KeyKey.Field(s.key))
}
