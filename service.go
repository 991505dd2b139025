package ratelimiter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ratelimiter/drivers/algorithm"
)

// keyNamespace prefixes every storage key this component writes.
const keyNamespace = "ratelimiter"

// Service makes admission decisions for (key, policy) pairs on top of a
// StateStore. It holds no mutable state beyond the store and is safe for
// concurrent use. Construct one per process and hand it to the middleware
// and HTTP handlers by reference; there is no package-level instance.
type Service struct {
	store       StateStore
	now         TimeFunc
	recorder    MetricsRecorder
	tokenBucket *algorithm.TokenBucket
	leakyBucket *algorithm.LeakyBucket
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithTimeFunc replaces the service clock. The default counts monotonic
// seconds from service construction; tests inject manual clocks, and
// deployments sharing a networked store across processes must inject a
// clock with a shared epoch.
func WithTimeFunc(now TimeFunc) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// WithRecorder injects a metrics backend.
func WithRecorder(rec MetricsRecorder) ServiceOption {
	return func(s *Service) {
		s.recorder = rec
	}
}

// NewService creates a Service on store. store must not be nil.
func NewService(store StateStore, opts ...ServiceOption) *Service {
	if store == nil {
		panic("ratelimiter: NewService called with nil store")
	}

	s := &Service{
		store:    store,
		now:      monotonicClock(),
		recorder: NopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}

	// The algorithms capture the final clock, so options run first.
	s.tokenBucket = algorithm.NewTokenBucket(store, s.now)
	s.leakyBucket = algorithm.NewLeakyBucket(store, s.now)
	return s
}

// monotonicClock counts seconds from its creation on Go's monotonic clock.
func monotonicClock() TimeFunc {
	start := time.Now()
	return func() float64 {
		return time.Since(start).Seconds()
	}
}

// Consume takes cost units from the bucket identified by (key, policy) and
// reports the decision. Denial is a normal result, not an error; an error
// means the limiter itself failed (bad configuration or a broken store).
func (s *Service) Consume(ctx context.Context, key string, policy *Policy, cost int64) (ConsumeResult, error) {
	if cost <= 0 {
		return ConsumeResult{}, fmt.Errorf("%w, got %d", ErrInvalidCost, cost)
	}

	storageKey := s.bucketKey(key, policy)
	started := time.Now()

	var dec algorithm.Decision
	var err error
	switch policy.Algorithm {
	case AlgorithmTokenBucket:
		dec, err = s.tokenBucket.Consume(ctx, storageKey, policy.Rate, policy.Period, policy.Burst, cost)
	case AlgorithmLeakyBucket:
		dec, err = s.leakyBucket.Consume(ctx, storageKey, policy.Rate, policy.Period, policy.Burst, cost)
	default:
		return ConsumeResult{}, fmt.Errorf("policy %q: %w: %s", policy.Name, ErrUnsupportedAlgorithm, policy.Algorithm)
	}

	s.recorder.Observe("ratelimit.latency", time.Since(started).Seconds(), map[string]string{"policy": policy.Name})
	if err != nil {
		s.recorder.Add("ratelimit.consume", 1, map[string]string{"policy": policy.Name, "outcome": "error"})
		return ConsumeResult{}, err
	}

	outcome := "denied"
	if dec.Allowed {
		outcome = "allowed"
	}
	s.recorder.Add("ratelimit.consume", 1, map[string]string{"policy": policy.Name, "outcome": outcome})

	return ConsumeResult{
		Allowed:    dec.Allowed,
		Remaining:  dec.Remaining,
		RetryAfter: dec.RetryAfter,
		Policy:     policy.Name,
		Key:        key,
	}, nil
}

// Snapshot reports the stored bucket state for (key, policy) without
// mutating it. The refill clock does not advance; two snapshots without an
// intervening Consume return identical state.
func (s *Service) Snapshot(ctx context.Context, key string, policy *Policy) (QuotaSnapshot, error) {
	state, ok, err := s.store.Get(ctx, s.bucketKey(key, policy))
	if err != nil {
		return QuotaSnapshot{}, err
	}

	snap := QuotaSnapshot{Key: key, Algorithm: policy.Algorithm}
	if !ok {
		return snap, nil
	}

	last := state.LastRefill
	snap.LastRefill = &last
	switch policy.Algorithm {
	case AlgorithmTokenBucket:
		tokens := state.Tokens
		snap.Tokens = &tokens
	case AlgorithmLeakyBucket:
		level := state.Level
		snap.Level = &level
	}
	return snap, nil
}

// Reset discards the bucket state for (key, policy). The next Consume
// reinitializes it from the algorithm's starting state, exactly as for a
// brand-new key.
func (s *Service) Reset(ctx context.Context, key string, policy *Policy) error {
	return s.store.Delete(ctx, s.bucketKey(key, policy))
}

// bucketKey derives the storage key. Algorithm and policy name both appear
// so policies or algorithms sharing a partition key never collide.
func (s *Service) bucketKey(key string, policy *Policy) string {
	return strings.Join([]string{keyNamespace, string(policy.Algorithm), policy.Name, key}, ":")
}
