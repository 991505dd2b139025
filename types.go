package ratelimiter

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"ratelimiter/drivers/algorithm"
)

// Algorithm selects the admission algorithm for a policy.
type Algorithm string

const (
	// AlgorithmTokenBucket admits from a continuously refilling token pool.
	AlgorithmTokenBucket Algorithm = "token_bucket"
	// AlgorithmLeakyBucket models a continuously draining queue.
	AlgorithmLeakyBucket Algorithm = "leaky_bucket"
)

// Scope is the dimension along which bucket state is partitioned.
type Scope string

const (
	// ScopeIP partitions per client IP address.
	ScopeIP Scope = "ip"
	// ScopeUser partitions per user-identifying header.
	ScopeUser Scope = "user"
	// ScopeTenant partitions per tenant-identifying header.
	ScopeTenant Scope = "tenant"
	// ScopeGlobal shares one bucket across all requests of the policy.
	ScopeGlobal Scope = "global"
	// ScopeCustom delegates key derivation to a registered resolver.
	ScopeCustom Scope = "custom"
)

// BucketState is the persisted per-key bucket state.
type BucketState = algorithm.BucketState

// TimeFunc reports the current time in seconds. Implementations must be
// monotonic; wall clocks jump and corrupt the refill math.
type TimeFunc func() float64

// Policy binds a request-matching rule to one admission algorithm and its
// parameters. Policies are immutable after construction and safe to share
// across goroutines. Build them through PolicyConfig.ToPolicy so the path
// pattern is compiled exactly once.
type Policy struct {
	// Name uniquely identifies the policy and namespaces its storage keys.
	Name string
	// Algorithm is the admission algorithm.
	Algorithm Algorithm
	// Rate is the units replenished (or drained) per Period seconds.
	Rate int64
	// Period is the rate window in seconds.
	Period int64
	// Burst is the bucket capacity.
	Burst int64
	// Scope selects how the partition key is derived.
	Scope Scope
	// PathPattern matches request paths, unanchored (a partial match counts).
	PathPattern string
	// Methods restricts matching to these HTTP methods; empty means all.
	Methods []string
	// Cost is the default units one request consumes.
	Cost int64

	pattern *regexp.Regexp
	methods map[string]bool
}

// Matches reports whether the policy applies to a request. The method filter
// runs first; the path pattern then only needs to match somewhere in path.
func (p *Policy) Matches(method, path string) bool {
	if len(p.methods) > 0 && !p.methods[strings.ToUpper(method)] {
		return false
	}
	return p.pattern != nil && p.pattern.MatchString(path)
}

// Validate checks the policy invariants. Policies that were not built
// through PolicyConfig.ToPolicy fail validation because their path pattern
// was never compiled.
func (p *Policy) Validate() error {
	switch p.Algorithm {
	case AlgorithmTokenBucket, AlgorithmLeakyBucket:
	default:
		return fmt.Errorf("policy %q: %w: %s", p.Name, ErrUnsupportedAlgorithm, p.Algorithm)
	}
	switch p.Scope {
	case ScopeIP, ScopeUser, ScopeTenant, ScopeGlobal, ScopeCustom:
	default:
		return fmt.Errorf("policy %q: %w: %s", p.Name, ErrUnsupportedScope, p.Scope)
	}
	if p.Rate <= 0 {
		return fmt.Errorf("policy %q: rate must be positive, got %d", p.Name, p.Rate)
	}
	if p.Period <= 0 {
		return fmt.Errorf("policy %q: period must be positive, got %d", p.Name, p.Period)
	}
	if p.Burst <= 0 {
		return fmt.Errorf("policy %q: burst must be positive, got %d", p.Name, p.Burst)
	}
	if p.Cost <= 0 {
		return fmt.Errorf("policy %q: cost must be positive, got %d", p.Name, p.Cost)
	}
	if p.pattern == nil {
		return fmt.Errorf("policy %q: path pattern not compiled, build policies with PolicyConfig.ToPolicy", p.Name)
	}
	return nil
}

// ConsumeResult reports one admission decision.
type ConsumeResult struct {
	// Allowed reports whether the request was admitted.
	Allowed bool
	// Remaining is the quota left after the call, never negative: tokens for
	// a token bucket, burst minus level for a leaky bucket.
	Remaining float64
	// RetryAfter is the minimum wait before the same cost would succeed,
	// holding other traffic constant. Whole seconds; meaningful only when
	// Allowed is false.
	RetryAfter time.Duration
	// Policy is the name of the policy that produced the decision.
	Policy string
	// Key is the partition key the decision applies to.
	Key string
}

// QuotaSnapshot is a read-only projection of stored bucket state for
// diagnostics. Pointer fields are nil when no state exists for the key or
// the field does not apply to the algorithm.
type QuotaSnapshot struct {
	// Key is the partition key the snapshot describes.
	Key string `json:"key"`
	// Algorithm is the admission algorithm of the inspected policy.
	Algorithm Algorithm `json:"algorithm"`
	// Tokens is the stored token count (token bucket only).
	Tokens *float64 `json:"tokens"`
	// Level is the stored queue level (leaky bucket only).
	Level *float64 `json:"level"`
	// LastRefill is the stored clock reading in seconds.
	LastRefill *float64 `json:"last_refill_ts"`
}
