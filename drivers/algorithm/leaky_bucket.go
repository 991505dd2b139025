package algorithm

import (
	"context"
	"math"
)

// LeakyBucket models a queue that drains continuously at rate/period units
// per second; each admitted request raises the level by its cost, and
// admission fails when the level would exceed burst.
type LeakyBucket struct {
	store Store
	now   func() float64
}

// NewLeakyBucket creates a leaky bucket limiter on top of store. now reports
// the current time in seconds on a monotonic clock.
func NewLeakyBucket(store Store, now func() float64) *LeakyBucket {
	return &LeakyBucket{
		store: store,
		now:   now,
	}
}

// Consume drains the bucket for key and adds cost to its level. A fresh
// bucket starts empty. The drain is persisted even when the request is
// denied.
func (l *LeakyBucket) Consume(ctx context.Context, key string, rate, period, burst, cost int64) (Decision, error) {
	r := float64(rate) / float64(period)
	var dec Decision

	_, err := l.store.Update(ctx, key, func(state BucketState, ok bool) BucketState {
		now := l.now()
		level := 0.0
		last := now
		if ok {
			level = state.Level
			last = state.LastRefill
		}

		// Drain for the elapsed time before admitting.
		elapsed := math.Max(0, now-last)
		level = math.Max(0, level-elapsed*r)

		allowed := level+float64(cost) <= float64(burst)
		var retry float64
		if allowed {
			level += float64(cost)
		} else if target := float64(burst) - float64(cost); level > target {
			retry = (level - target) / r
		}

		dec = Decision{Allowed: allowed, Remaining: math.Max(0, float64(burst)-level)}
		if !allowed {
			dec.RetryAfter = ceilSeconds(retry)
		}
		return BucketState{Level: level, LastRefill: now}
	})
	if err != nil {
		return Decision{}, err
	}
	return dec, nil
}
