package prefz

import "github.com/zoobzio/capitan"

// Field keys for prefz events.
var (
	// KeyKey is the preference key an event concerns.
	KeyKey = capitan.NewStringKey("key")

	// KeyKind is the stored kind when a read fails on a type mismatch.
	KeyKind = capitan.NewStringKey("kind")

	// KeyError is the error message when an operation fails.
	KeyError = capitan.NewStringKey("error")

	// KeyEdits is the number of edits in a committed batch.
	KeyEdits = capitan.NewIntKey("edits")

	// KeyDuration is how long an operation took.
	KeyDuration = capitan.NewDurationKey("duration")

	// KeyState is a subscription state.
	KeyState = capitan.NewStringKey("state")

	// KeyBackend names the store backend that emitted the event.
	KeyBackend = capitan.NewStringKey("backend")
)
