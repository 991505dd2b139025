package algorithm

import (
	"context"
	"math"
)

// TokenBucket admits requests from a token pool that refills continuously
// at rate/period tokens per second up to a capacity of burst.
type TokenBucket struct {
	store Store
	now   func() float64
}

// NewTokenBucket creates a token bucket limiter on top of store. now reports
// the current time in seconds on a monotonic clock.
func NewTokenBucket(store Store, now func() float64) *TokenBucket {
	return &TokenBucket{
		store: store,
		now:   now,
	}
}

// Consume refills the bucket for key and takes cost tokens from it. A fresh
// bucket starts fully charged. The refill is persisted even when the request
// is denied.
func (l *TokenBucket) Consume(ctx context.Context, key string, rate, period, burst, cost int64) (Decision, error) {
	r := float64(rate) / float64(period)
	var dec Decision

	_, err := l.store.Update(ctx, key, func(state BucketState, ok bool) BucketState {
		now := l.now()
		tokens := float64(burst)
		last := now
		if ok {
			tokens = state.Tokens
			last = state.LastRefill
		}

		// Refill for the elapsed time, capped at capacity.
		elapsed := math.Max(0, now-last)
		tokens = math.Min(float64(burst), tokens+elapsed*r)

		allowed := tokens >= float64(cost)
		var retry float64
		if allowed {
			tokens -= float64(cost)
		} else {
			retry = (float64(cost) - tokens) / r
		}

		dec = Decision{Allowed: allowed, Remaining: tokens}
		if !allowed {
			dec.RetryAfter = ceilSeconds(retry)
		}
		return BucketState{Tokens: tokens, LastRefill: now}
	})
	if err != nil {
		return Decision{}, err
	}
	return dec, nil
}
