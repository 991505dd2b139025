package ratelimiter

import (
	"errors"
	"fmt"
)

// Configuration errors, surfaced at policy construction or first use.
// They are fatal and never retried.
var (
	// ErrUnsupportedAlgorithm marks a policy naming an unknown algorithm.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrUnsupportedScope marks a policy naming an unknown scope.
	ErrUnsupportedScope = errors.New("unsupported scope")
	// ErrInvalidCost marks a consume call with a non-positive cost.
	ErrInvalidCost = errors.New("cost must be positive")
)

// StoreError wraps a state store failure so callers can tell "rejected by
// policy" (a normal ConsumeResult) from "the limiter backend is broken".
type StoreError struct {
	// Op is the store operation that failed (get, set, update, delete).
	Op string
	// Key is the storage key involved.
	Key string
	// Err is the underlying failure.
	Err error
}

// Error implements error.
func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying failure.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err is, or wraps, a state store failure.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
