// Package pool implements the worker pool: a keyed cache of live worker
// instances with LRU eviction, health checks and admission control.
//
// This file defines sentinel errors and the error wrapper for classifying
// dispatch failures. These enable callers to use errors.Is/errors.As for
// typed assertions rather than string matching.
package pool

import (
	"errors"
	"fmt"
)

// Sentinel errors for dispatch failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrTimeout indicates a request exceeded the per-request timeout.
	ErrTimeout = errors.New("worker timeout")

	// ErrSpawn indicates a worker failed to start or crashed before READY.
	ErrSpawn = errors.New("worker spawn failed")

	// ErrCritical indicates the worker channel failed after READY.
	ErrCritical = errors.New("worker critical error")

	// ErrHandler indicates the worker returned an ERROR frame for a request.
	ErrHandler = errors.New("worker handler error")

	// ErrPoolClosed indicates the pool has been shut down.
	ErrPoolClosed = errors.New("pool is shut down")
)

// WorkerError wraps an underlying error with dispatch classification.
// It preserves the original error in the chain for inspection via errors.As.
type WorkerError struct {
	// Kind is the sentinel error for classification (e.g., ErrTimeout).
	Kind error
	// WorkerID is the instance involved, if any.
	WorkerID string
	// Err is the underlying error.
	Err error
}

func (e *WorkerError) Error() string {
	if e.WorkerID != "" {
		return fmt.Sprintf("worker %s: %v: %v", e.WorkerID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *WorkerError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *WorkerError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// newWorkerError creates a classified dispatch error.
func newWorkerError(kind error, workerID string, err error) *WorkerError {
	return &WorkerError{Kind: kind, WorkerID: workerID, Err: err}
}
