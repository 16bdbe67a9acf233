package prefz

import "github.com/zoobzio/capitan"

// Read signals.
var (
	// ReadFailed is emitted when a one-shot read fails.
	ReadFailed = capitan.NewSignal(
		"prefz.read.failed",
		"One-shot read failed",
	)
)

// Subscription lifecycle signals.
var (
	// SubscriptionStarted is emitted when a subscription delivers its
	// initial value and becomes active.
	SubscriptionStarted = capitan.NewSignal(
		"prefz.subscription.started",
		"Subscription active",
	)

	// SubscriptionCancelled is emitted when a subscription reaches its
	// terminal state.
	SubscriptionCancelled = capitan.NewSignal(
		"prefz.subscription.cancelled",
		"Subscription cancelled",
	)

	// SubscriptionFailed is emitted when an observation surfaces an error.
	SubscriptionFailed = capitan.NewSignal(
		"prefz.subscription.failed",
		"Observation failed",
	)

	// ListenerRegistered is emitted when a subscription registers its store
	// listener.
	ListenerRegistered = capitan.NewSignal(
		"prefz.listener.registered",
		"Store listener registered",
	)

	// ListenerUnregistered is emitted when a subscription releases its store
	// listener.
	ListenerUnregistered = capitan.NewSignal(
		"prefz.listener.unregistered",
		"Store listener unregistered",
	)
)

// Commit signals.
var (
	// CommitSucceeded is emitted when a store accepts a batch.
	CommitSucceeded = capitan.NewSignal(
		"prefz.commit.succeeded",
		"Batch committed",
	)

	// CommitFailed is emitted when a store rejects a batch.
	CommitFailed = capitan.NewSignal(
		"prefz.commit.failed",
		"Batch rejected",
	)
)

// Backend signals.
var (
	// StoreReloaded is emitted by backends when an external writer replaced
	// the stored data.
	StoreReloaded = capitan.NewSignal(
		"prefz.store.reloaded",
		"Store reloaded from an external change",
	)

	// StoreFeedFailed is emitted by backends when their change feed hits an
	// error it cannot recover from.
	StoreFeedFailed = capitan.NewSignal(
		"prefz.store.feed.failed",
		"Store change feed failed",
	)
)
