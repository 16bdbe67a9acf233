package prefz

import "time"

// MetricsProvider allows integration with metrics systems like Prometheus, StatsD, etc.
// Implement this interface to receive callbacks on reads, observations and commits.
type MetricsProvider interface {
	// OnSubscribe is called when a subscription becomes active.
	OnSubscribe(key string)

	// OnCancel is called when a subscription reaches its terminal state.
	OnCancel(key string)

	// OnEmit is called for every value delivered to an observer.
	OnEmit(key string)

	// OnReadFailure is called when a read or an observation fails.
	OnReadFailure(key string)

	// OnCommit is called after every commit attempt. err is nil on success.
	OnCommit(edits int, duration time.Duration, err error)
}

// NoOpMetricsProvider is a no-op implementation of MetricsProvider.
// Use this as an embedded type to implement only the methods you need.
type NoOpMetricsProvider struct{}

func (NoOpMetricsProvider) OnSubscribe(_ string)                    {}
func (NoOpMetricsProvider) OnCancel(_ string)                       {}
func (NoOpMetricsProvider) OnEmit(_ string)                         {}
func (NoOpMetricsProvider) OnReadFailure(_ string)                  {}
func (NoOpMetricsProvider) OnCommit(_ int, _ time.Duration, _ error) {}
