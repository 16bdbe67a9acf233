package prefz

import (
	"context"
	"errors"
	"sync"

	"github.com/zoobzio/capitan"
)

// Editor accumulates edits and applies them to the store in one Commit.
// Removes and clears are applied before puts regardless of the order they
// were queued in, so put then clear keeps the put. An Editor is single use.
type Editor struct {
	p *Preferences

	mu       sync.Mutex
	edits    []Edit
	err      error
	consumed bool
}

// Edit starts a new batch.
func (p *Preferences) Edit() *Editor {
	return &Editor{p: p}
}

// Update runs fn on a fresh Editor and commits the result.
//
// Example:
//
//	err := p.Update(ctx, func(e *prefz.Editor) {
//		e.PutString("example_string", "hello")
//		e.PutInt("example_int", 5)
//	})
func (p *Preferences) Update(ctx context.Context, fn func(*Editor)) error {
	e := p.Edit()
	fn(e)
	return e.Commit(ctx)
}

func (e *Editor) add(ed Edit) *Editor {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.consumed {
		return e
	}
	e.edits = append(e.edits, ed)
	return e
}

// Put queues a put of a raw value.
func (e *Editor) Put(key string, v Value) *Editor { return e.add(Put(key, v)) }

// PutString queues a string put.
func (e *Editor) PutString(key, v string) *Editor { return e.Put(key, StringValue(v)) }

// PutStringSet queues a string set put.
func (e *Editor) PutStringSet(key string, items ...string) *Editor {
	return e.Put(key, StringSetValue(items...))
}

// PutInt queues a 32-bit integer put.
func (e *Editor) PutInt(key string, v int32) *Editor { return e.Put(key, IntValue(v)) }

// PutLong queues a 64-bit integer put.
func (e *Editor) PutLong(key string, v int64) *Editor { return e.Put(key, LongValue(v)) }

// PutFloat queues a float put.
func (e *Editor) PutFloat(key string, v float32) *Editor { return e.Put(key, FloatValue(v)) }

// PutBool queues a boolean put.
func (e *Editor) PutBool(key string, v bool) *Editor { return e.Put(key, BoolValue(v)) }

// Remove queues the removal of key.
func (e *Editor) Remove(key string) *Editor { return e.add(Remove(key)) }

// Clear queues the removal of every key.
func (e *Editor) Clear() *Editor { return e.add(Clear()) }

// Set encodes v with typ and queues the put. An encode error is kept and
// returned by Commit, which then leaves the store untouched.
func Set[T any](e *Editor, key string, typ Type[T], v T) *Editor {
	val, err := typ.Encode(v)
	if err != nil {
		e.mu.Lock()
		if e.err == nil {
			e.err = withKey(key, err)
		}
		e.mu.Unlock()
		return e
	}
	return e.Put(key, val)
}

// Len returns the number of queued edits.
func (e *Editor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.edits)
}

// Plan returns the edits in the order Commit will hand them to the store.
func (e *Editor) Plan() []Edit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return plan(e.edits)
}

// plan moves removes and clears ahead of puts, keeping the relative order
// within each group.
func plan(edits []Edit) []Edit {
	out := make([]Edit, 0, len(edits))
	for _, ed := range edits {
		if ed.Op != OpPut {
			out = append(out, ed)
		}
	}
	for _, ed := range edits {
		if ed.Op == OpPut {
			out = append(out, ed)
		}
	}
	return out
}

// Commit applies the batch on the store scheduler and returns once the
// store has accepted or rejected it. A rejected batch is reported as a
// *CommitError wrapping ErrCommitFailed and the store's cause. A second
// Commit returns ErrEditorConsumed.
func (e *Editor) Commit(ctx context.Context) error {
	e.mu.Lock()
	if e.consumed {
		e.mu.Unlock()
		return ErrEditorConsumed
	}
	e.consumed = true
	edits := plan(e.edits)
	encodeErr := e.err
	e.edits = nil
	e.mu.Unlock()

	if encodeErr != nil {
		return encodeErr
	}

	p := e.p
	start := p.clock.Now()
	var storeErr error
	err := p.run(ctx, func() {
		storeErr = p.store.Commit(ctx, edits)
	})
	if err == nil {
		err = storeErr
	}
	elapsed := p.clock.Since(start)

	if err != nil {
		var ce *CommitError
		if !errors.As(err, &ce) {
			err = &CommitError{Edits: len(edits), Err: err}
		}
		p.failures.push(Failure{At: p.clock.Now(), Op: "commit", Err: err})
		p.metrics.OnCommit(len(edits), elapsed, err)
		capitan.Emit(ctx, CommitFailed,
			KeyEdits.Field(len(edits)),
			KeyDuration.Field(elapsed),
			KeyError.Field(err.Error()),
		)
		return err
	}

	p.metrics.OnCommit(len(edits), elapsed, nil)
	capitan.Emit(ctx, CommitSucceeded,
		KeyEdits.Field(len(edits)),
		KeyDuration.Field(elapsed),
	)
	return nil
}
