package prefz

import (
	"context"
	"time"

	"github.com/zoobzio/pipz"
)

// Identities for the read pipeline.
var (
	readID          = pipz.NewIdentity("prefz:read", "Store read")
	retryID         = pipz.NewIdentity("prefz:read.retry", "Retries a failed read")
	backoffID       = pipz.NewIdentity("prefz:read.backoff", "Retries a failed read with exponential backoff")
	timeoutID       = pipz.NewIdentity("prefz:read.timeout", "Bounds read duration")
	fallbackID      = pipz.NewIdentity("prefz:read.fallback", "Falls back when a read fails")
	fallbackValueID = pipz.NewIdentity("prefz:read.fallback.value", "Substitutes a fixed value")
	breakerID       = pipz.NewIdentity("prefz:read.circuit-breaker", "Stops reading from a failing store")
)

// ReadOption wraps a one-shot read with failure tolerance. Reads surface
// every failure by default; these options are the caller-supplied
// composition for when that is not wanted.
type ReadOption[T any] func(pipz.Chainable[T]) pipz.Chainable[T]

// buildReadPipeline wraps a terminal with read options.
func buildReadPipeline[T any](terminal pipz.Chainable[T], opts []ReadOption[T]) pipz.Chainable[T] {
	pipeline := terminal
	for _, opt := range opts {
		pipeline = opt(pipeline)
	}
	return pipeline
}

// WithRetry retries a failed read immediately up to maxAttempts times.
// For exponential backoff between retries, use WithBackoff instead.
func WithRetry[T any](maxAttempts int) ReadOption[T] {
	return func(p pipz.Chainable[T]) pipz.Chainable[T] {
		return pipz.NewRetry(retryID, p, maxAttempts)
	}
}

// WithBackoff retries a failed read with increasing delays:
// baseDelay, 2*baseDelay, 4*baseDelay, etc.
func WithBackoff[T any](maxAttempts int, baseDelay time.Duration) ReadOption[T] {
	return func(p pipz.Chainable[T]) pipz.Chainable[T] {
		return pipz.NewBackoff(backoffID, p, maxAttempts, baseDelay)
	}
}

// WithTimeout fails the read if it takes longer than d, including time
// spent waiting for the store scheduler.
func WithTimeout[T any](d time.Duration) ReadOption[T] {
	return func(p pipz.Chainable[T]) pipz.Chainable[T] {
		return pipz.NewTimeout(timeoutID, p, d)
	}
}

// WithFallback returns value instead of an error when the read fails.
// Unlike the read's default, it also covers present-but-undecodable data.
func WithFallback[T any](value T) ReadOption[T] {
	return func(p pipz.Chainable[T]) pipz.Chainable[T] {
		substitute := pipz.Transform(fallbackValueID, func(_ context.Context, _ T) T {
			return value
		})
		return pipz.NewFallback(fallbackID, p, substitute)
	}
}

// WithCircuitBreaker stops querying the store after threshold consecutive
// failures; reads then fail immediately until timeout has passed. The
// breaker state belongs to the Single, so it is shared by every Get on it.
func WithCircuitBreaker[T any](threshold int, timeout time.Duration) ReadOption[T] {
	return func(p pipz.Chainable[T]) pipz.Chainable[T] {
		return pipz.NewCircuitBreaker(breakerID, p, threshold, timeout)
	}
}
