// Package commonerr contains the error taxonomy shared by the object map, the ledger client and
// the remote helper. The wrapped errors can be matched with errors.Is against the sentinel values
// or with errors.As against the typed errors.
package commonerr

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat is the sentinel for malformed blob encodings and protocol lines.
	ErrFormat = errors.New("format error")
	// ErrNotFound is the sentinel for content IDs which are absent from the object map.
	ErrNotFound = errors.New("not found")
	// ErrConflict is the sentinel for a content ID that maps to two different storage keys or
	// whose stored record does not hash back to it.
	ErrConflict = errors.New("conflict")
	// ErrStaleRef is the sentinel for optimistic reference updates that lost the race.
	ErrStaleRef = errors.New("stale reference")
	// ErrTransient is the sentinel for network and timeout failures which may be retried.
	ErrTransient = errors.New("transient I/O error")
)

// FormatError is returned when a byte stream or protocol line cannot be decoded.
type FormatError struct {
	What   string
	Reason string
}

// NewFormatError returns a FormatError describing what failed to parse and why.
func NewFormatError(what, reason string) error {
	return FormatError{What: what, Reason: reason}
}

// Error returns the error message.
func (err FormatError) Error() string {
	return fmt.Sprintf("malformed %s: %s", err.What, err.Reason)
}

// Is implements errors.Is.
func (err FormatError) Is(target error) bool { return target == ErrFormat }

// NotFoundError is returned when an object is not present in the object map after it has been
// fully loaded.
type NotFoundError struct {
	ObjectID string
}

// Error returns the error message.
func (err NotFoundError) Error() string {
	return fmt.Sprintf("object %s not found", err.ObjectID)
}

// Is implements errors.Is.
func (err NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError is returned when a content ID would be associated with a second, different storage
// key, when the record stored under a key hashes to a different content ID, or when the blob
// store has nothing under the key the object map holds.
type ConflictError struct {
	ObjectID string
	Existing string
	Proposed string
	// Actual is the content ID the record stored under Existing hashes to. It is only set for
	// read verification failures.
	Actual string
	// Missing is set if the blob store holds no data under Existing.
	Missing bool
}

// Error returns the error message.
func (err ConflictError) Error() string {
	if err.Missing {
		return fmt.Sprintf("object %s: storage key %q holds no data", err.ObjectID, err.Existing)
	}
	if err.Actual != "" {
		return fmt.Sprintf("object %s: record under storage key %q hashes to %s", err.ObjectID, err.Existing, err.Actual)
	}
	return fmt.Sprintf("object %s: storage key %q conflicts with %q", err.ObjectID, err.Proposed, err.Existing)
}

// Is implements errors.Is.
func (err ConflictError) Is(target error) bool { return target == ErrConflict }

// StaleRefError is returned when the ledger's current value of a reference differs from the value
// the caller expected.
type StaleRefError struct {
	Ref      string
	Expected string
	Actual   string
}

// Error returns the error message.
func (err StaleRefError) Error() string {
	return fmt.Sprintf("reference %s is at %s but expected %s", err.Ref, displayValue(err.Actual), displayValue(err.Expected))
}

// Is implements errors.Is.
func (err StaleRefError) Is(target error) bool { return target == ErrStaleRef }

func displayValue(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}

// TransientError wraps a failure of the blob store or the ledger that may succeed when retried.
type TransientError struct {
	Op  string
	Err error
}

// NewTransientError wraps err as a retryable failure of op.
func NewTransientError(op string, err error) error {
	return TransientError{Op: op, Err: err}
}

// Error returns the error message.
func (err TransientError) Error() string {
	return fmt.Sprintf("%s: %v", err.Op, err.Err)
}

// Unwrap returns the wrapped error.
func (err TransientError) Unwrap() error { return err.Err }

// Is implements errors.Is.
func (err TransientError) Is(target error) bool { return target == ErrTransient }

// IsRetryable tells whether err may be retried. Validation and consistency errors are never
// retryable, even when they are wrapped inside a transient error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	for _, fatal := range []error{ErrFormat, ErrConflict, ErrStaleRef, ErrNotFound} {
		if errors.Is(err, fatal) {
			return false
		}
	}

	return errors.Is(err, ErrTransient)
}
