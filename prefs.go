package prefz

import (
	"context"
	"errors"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// Preferences adapts a Store into lazy reads, live observations and
// ordered batch commits.
type Preferences struct {
	store    Store
	access   Scheduler
	delivery Scheduler
	clock    clockz.Clock
	metrics  MetricsProvider
	failures *failureRing
}

// Option configures Preferences.
type Option func(*Preferences)

// WithStoreScheduler sets the scheduler every store access runs on.
// Default: Immediate. Pass a SerialScheduler to pin store access to a
// single sequential context.
func WithStoreScheduler(s Scheduler) Option {
	return func(p *Preferences) {
		p.access = s
	}
}

// WithDeliveryScheduler sets the scheduler observer callbacks run on.
// Default: Immediate.
func WithDeliveryScheduler(s Scheduler) Option {
	return func(p *Preferences) {
		p.delivery = s
	}
}

// WithClock sets a custom clock for time operations.
// Use this with clockz.FakeClock for deterministic commit timing.
func WithClock(clock clockz.Clock) Option {
	return func(p *Preferences) {
		p.clock = clock
	}
}

// WithMetrics sets a metrics provider for observability integration.
func WithMetrics(provider MetricsProvider) Option {
	return func(p *Preferences) {
		p.metrics = provider
	}
}

// WithErrorHistory keeps the n most recent read and commit failures,
// available through Failures. Default: disabled.
func WithErrorHistory(n int) Option {
	return func(p *Preferences) {
		p.failures = newFailureRing(n)
	}
}

// New creates Preferences over store.
//
// Example:
//
//	store := prefz.NewMemoryStore(nil)
//	p := prefz.New(store, prefz.WithStoreScheduler(prefz.NewSerialScheduler()))
//
//	count, err := prefz.Read(p, "count", prefz.Int, 0).Get(ctx)
func New(store Store, opts ...Option) *Preferences {
	p := &Preferences{
		store:    store,
		access:   Immediate,
		delivery: Immediate,
		clock:    clockz.RealClock,
		metrics:  NoOpMetricsProvider{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Store returns the underlying store.
func (p *Preferences) Store() Store {
	return p.store
}

// Failures returns the recent failure history, oldest first.
// Returns nil if error history is not enabled (see WithErrorHistory).
func (p *Preferences) Failures() []Failure {
	return p.failures.snapshot()
}

// run executes task on the store scheduler and waits for it to finish or
// for ctx to end.
func (p *Preferences) run(ctx context.Context, task func()) error {
	done := make(chan struct{})
	err := p.access.Schedule(func() {
		defer close(done)
		task()
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordFailure reports a failed read or observation.
func (p *Preferences) recordFailure(ctx context.Context, signal capitan.Signal, op, key string, err error) {
	p.failures.push(Failure{At: p.clock.Now(), Op: op, Key: key, Err: err})
	p.metrics.OnReadFailure(key)
	fields := []capitan.Field{
		KeyKey.Field(key),
		KeyError.Field(err.Error()),
	}
	var tm *TypeMismatchError
	if errors.As(err, &tm) {
		fields = append(fields, KeyKind.Field(tm.Got.String()))
	}
	capitan.Emit(ctx, signal, fields...)
}

// lookup reads key and decodes it with typ, substituting def only when the
// key is absent.
func lookup[T any](ctx context.Context, store Store, key string, typ Type[T], def T) (T, error) {
	var zero T
	v, ok, err := store.Get(ctx, key, typ.Kind())
	if err != nil {
		return zero, withKey(key, err)
	}
	if !ok {
		return def, nil
	}
	out, err := typ.Decode(v)
	if err != nil {
		return zero, withKey(key, err)
	}
	return out, nil
}

// withKey fills in the key of a TypeMismatchError raised below the store,
// e.g. by a codec that only sees the value.
func withKey(key string, err error) error {
	var tm *TypeMismatchError
	if errors.As(err, &tm) && tm.Key == "" {
		return &TypeMismatchError{Key: key, Want: tm.Want, Got: tm.Got}
	}
	return err
}
