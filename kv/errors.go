package kv

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned when a key or hash field is absent.
	ErrKeyNotFound = errors.New("kv: key not found")

	// ErrConditionFailed is returned when a conditional write finds an existing value.
	ErrConditionFailed = errors.New("kv: condition failed")

	// ErrBatchTooLarge is returned when a batch exceeds the backend's transaction limit.
	ErrBatchTooLarge = errors.New("kv: batch too large")

	// ErrBatchCommitted is returned when Commit is called twice on the same batch.
	ErrBatchCommitted = errors.New("kv: batch already committed")
)

// CommitError reports a failed batch commit. None of the batch was applied.
type CommitError struct {
	// Index is the position of the failing operation, or -1 if unknown.
	Index int

	// Op is the failing operation kind (zero if unknown).
	Op OpKind

	// Key is the key of the failing operation (empty if unknown).
	Key string

	Err error
}

func (e *CommitError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("kv: batch commit failed: %v", e.Err)
	}
	return fmt.Sprintf("kv: batch commit failed at op %d (%s %s): %v", e.Index, e.Op, e.Key, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}
