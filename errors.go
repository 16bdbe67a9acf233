package prefz

import (
	"errors"
	"fmt"
)

var (
	// ErrTypeMismatch is the root of every kind conflict between a stored
	// value and the kind a read asked for.
	ErrTypeMismatch = errors.New("prefz: type mismatch")

	// ErrInvalidEnumName is returned when a by-name enum decode finds a
	// string with no matching variant.
	ErrInvalidEnumName = errors.New("prefz: invalid enum name")

	// ErrOrdinalOutOfRange is returned when a by-ordinal enum decode finds an
	// int outside the declared variant range.
	ErrOrdinalOutOfRange = errors.New("prefz: enum ordinal out of range")

	// ErrUnknownVariant is returned when encoding an enum value that was not
	// declared as a variant of its codec.
	ErrUnknownVariant = errors.New("prefz: unknown enum variant")

	// ErrCommitFailed is the root of every rejected commit.
	ErrCommitFailed = errors.New("prefz: commit failed")

	// ErrEditorConsumed is returned when an Editor is used after Commit.
	ErrEditorConsumed = errors.New("prefz: editor already committed")

	// ErrSchedulerClosed is returned when work is scheduled on a closed
	// scheduler.
	ErrSchedulerClosed = errors.New("prefz: scheduler closed")
)

// TypeMismatchError reports that the value stored under Key has a different
// kind than the one requested.
type TypeMismatchError struct {
	Key  string
	Want Kind
	Got  Kind
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("prefz: key %q holds %s, requested %s", e.Key, e.Got, e.Want)
}

// Unwrap returns ErrTypeMismatch.
func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

// CheckKind returns a *TypeMismatchError if v is not of kind want.
// Store implementations use it to honour the Get contract.
func CheckKind(key string, want Kind, v Value) error {
	if v.Kind() != want {
		return &TypeMismatchError{Key: key, Want: want, Got: v.Kind()}
	}
	return nil
}

// EnumNameError reports a stored name that matches no variant of Enum.
type EnumNameError struct {
	Name string
	Enum string
}

func (e *EnumNameError) Error() string {
	return fmt.Sprintf("prefz: %q is not a variant of %s", e.Name, e.Enum)
}

// Unwrap returns ErrInvalidEnumName.
func (e *EnumNameError) Unwrap() error { return ErrInvalidEnumName }

// OrdinalError reports a stored ordinal outside [0, Count).
type OrdinalError struct {
	Ordinal int32
	Count   int
	Enum    string
}

func (e *OrdinalError) Error() string {
	return fmt.Sprintf("prefz: ordinal %d out of range for %s (%d variants)", e.Ordinal, e.Enum, e.Count)
}

// Unwrap returns ErrOrdinalOutOfRange.
func (e *OrdinalError) Unwrap() error { return ErrOrdinalOutOfRange }

// CommitError reports a batch the store refused to apply. The store's own
// state is left as the store left it.
type CommitError struct {
	Edits int
	Err   error
}

func (e *CommitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("prefz: commit of %d edits failed", e.Edits)
	}
	return fmt.Sprintf("prefz: commit of %d edits failed: %v", e.Edits, e.Err)
}

// Unwrap exposes both ErrCommitFailed and the store's cause.
func (e *CommitError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCommitFailed}
	}
	return []error{ErrCommitFailed, e.Err}
}
