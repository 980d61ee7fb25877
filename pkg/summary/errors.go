package summary

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the requested metric or date range has no data.
	// It is a normal outcome, not a failure.
	ErrNotFound = errors.New("no data for this period")

	// ErrUnknownImport is returned when records reference an import batch
	// that has not completed.
	ErrUnknownImport = errors.New("import batch not completed")

	// ErrCancelled marks a recompute stopped by Cancel.
	ErrCancelled = errors.New("recompute cancelled")

	// ErrTimeout marks a recompute stopped by the cycle deadline.
	ErrTimeout = errors.New("recompute timed out")
)

// TransientStorageError wraps an L2 read or write failure that may succeed
// on retry.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientStorageError. Nil stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStorageError{Op: op, Err: err}
}

// ComputationError is a single key's aggregation failure. The key is
// skipped; the batch continues.
type ComputationError struct {
	Series SeriesKey
	Err    error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("compute %s: %v", e.Series, e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }

// RecomputeAbortedError reports a cycle stopped by cancellation or timeout.
// Completed keys keep their new snapshot, the rest keep the prior one.
type RecomputeAbortedError struct {
	Completed int
	Remaining int
	Err       error
}

func (e *RecomputeAbortedError) Error() string {
	return fmt.Sprintf("recompute aborted after %d keys (%d remaining): %v",
		e.Completed, e.Remaining, e.Err)
}

func (e *RecomputeAbortedError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientStorageError.
func IsTransient(err error) bool {
	var t *TransientStorageError
	return errors.As(err, &t)
}
