package ratelimiter

import "context"

// StateStore is the pluggable backend holding bucket state. It owns no
// domain knowledge; keys are opaque strings, values opaque BucketState.
//
// Atomicity contract: Update applies fn to the current state of key as one
// indivisible load-compute-store sequence. No other Update or Set on the
// same key may interleave with it; two concurrent updates must never both
// read the pre-update state and both write (the lost-update race). The
// in-memory implementation takes a process-wide lock; a networked
// implementation must give the same guarantee, for example through
// server-side scripting or an optimistic compare-and-swap retry loop. fn
// must be pure: a retrying backend may call it several times and only the
// committing call defines the result.
type StateStore interface {
	// Get returns the state for key; ok is false when none exists.
	Get(ctx context.Context, key string) (state BucketState, ok bool, err error)
	// Set unconditionally overwrites the state for key.
	Set(ctx context.Context, key string, state BucketState) error
	// Update atomically replaces the state for key with fn(current, ok) and
	// returns the stored result. fn sees ok=false when no state exists.
	Update(ctx context.Context, key string, fn func(state BucketState, ok bool) BucketState) (BucketState, error)
	// Delete removes the state for key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error
}
