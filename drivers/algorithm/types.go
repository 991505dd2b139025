package algorithm

import (
	"context"
	"math"
	"time"
)

// BucketState is the persisted per-key bucket state (standalone type, no
// dependency on the core package). Token buckets use Tokens, leaky buckets
// use Level; LastRefill is the clock reading in seconds at the last update.
type BucketState struct {
	// Tokens is the current token bucket fill.
	Tokens float64 `json:"tokens,omitempty"`
	// Level is the current leaky bucket queue level.
	Level float64 `json:"level,omitempty"`
	// LastRefill is the clock seconds at the last refill or drain.
	LastRefill float64 `json:"last_refill_ts"`
}

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Remaining is the quota left: tokens for a token bucket,
	// burst minus level for a leaky bucket. Never negative.
	Remaining float64
	// RetryAfter is the wait until the same cost could succeed,
	// in whole seconds. Meaningful only when Allowed is false.
	RetryAfter time.Duration
}

// Store is the minimal state access the algorithms need. Update runs fn as
// one atomic read-modify-write per key: fn receives the current state (ok
// reports whether any state existed) and returns the state to persist. fn
// must be pure; an optimistic backend may invoke it more than once and only
// the committing invocation defines the result.
type Store interface {
	Update(ctx context.Context, key string, fn func(state BucketState, ok bool) BucketState) (BucketState, error)
}

// Algorithm decides admission for one key against one set of bucket
// parameters. rate units replenish (or drain) per period seconds, burst is
// the bucket capacity, cost the units this request consumes.
type Algorithm interface {
	Consume(ctx context.Context, key string, rate, period, burst, cost int64) (Decision, error)
}

// ceilSeconds rounds seconds up to the next whole second as a Duration.
func ceilSeconds(seconds float64) time.Duration {
	return time.Duration(math.Ceil(seconds)) * time.Second
}
