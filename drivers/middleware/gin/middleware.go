// Package gin provides the admission control middleware for gin routers:
// it selects the first policy matching each request, derives the partition
// key from the policy scope, consumes quota through the service, and
// renders the standard X-RateLimit headers or a 429 rejection.
package gin

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ratelimiter"
)

// FailureMode decides what happens to a request when the state store fails.
// The choice is explicit; store failures are never silently mapped to a
// policy decision.
type FailureMode int

const (
	// FailClosed rejects requests with 503 when the store fails (default).
	FailClosed FailureMode = iota
	// FailOpen forwards requests without headers when the store fails.
	FailOpen
)

// ParseFailureMode maps the config strings "closed" and "open".
func ParseFailureMode(s string) (FailureMode, error) {
	switch s {
	case "closed":
		return FailClosed, nil
	case "open":
		return FailOpen, nil
	default:
		return FailClosed, fmt.Errorf("unknown failure mode %q", s)
	}
}

// DefaultBypassPaths skip admission control entirely; health and metrics
// probes must never be throttled.
var DefaultBypassPaths = []string{"^/healthz$", "^/metrics$"}

// Middleware applies an ordered policy list to inbound requests.
type Middleware struct {
	// Service makes the admission decisions.
	Service *ratelimiter.Service
	// Policies is evaluated in order; the first match wins.
	Policies []*ratelimiter.Policy
	// OnError handles non-store errors (configuration class).
	OnError func(*gin.Context, error)
	// OnExceeded renders the rejection for a denied request.
	OnExceeded func(*gin.Context, ratelimiter.ConsumeResult)
	// CustomKey resolves the partition key for custom-scope policies.
	CustomKey func(*gin.Context) string
	// UserHeader carries the user id for user-scoped policies.
	UserHeader string
	// TenantHeader carries the tenant id for tenant-scoped policies.
	TenantHeader string
	// FailureMode picks fail-open or fail-closed for store failures.
	FailureMode FailureMode
	// Logger reports store failures.
	Logger *slog.Logger

	bypassExprs []string
	bypass      []*regexp.Regexp
}

// NewMiddleware builds the admission HandlerFunc. It fails fast on invalid
// policies, on a custom-scope policy without a registered resolver, and on
// bypass patterns that do not compile.
func NewMiddleware(service *ratelimiter.Service, policies []*ratelimiter.Policy, options ...Option) (gin.HandlerFunc, error) {
	if service == nil {
		return nil, fmt.Errorf("ratelimit middleware: nil service")
	}

	m := &Middleware{
		Service:      service,
		Policies:     policies,
		OnError:      DefaultErrorHandler,
		OnExceeded:   DefaultExceededHandler,
		UserHeader:   "X-User-Id",
		TenantHeader: "X-Tenant-Id",
		Logger:       slog.Default().With("component", "ratelimit"),
		bypassExprs:  DefaultBypassPaths,
	}
	for _, opt := range options {
		opt(m)
	}

	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if p.Scope == ratelimiter.ScopeCustom && m.CustomKey == nil {
			return nil, fmt.Errorf("policy %q: custom scope requires a resolver, register one with WithCustomKeyFunc", p.Name)
		}
	}

	for _, expr := range m.bypassExprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("bypass pattern %q: %w", expr, err)
		}
		m.bypass = append(m.bypass, re)
	}

	return func(c *gin.Context) {
		m.Handle(c)
	}, nil
}

// Handle runs the per-request state machine: bypass check, policy
// selection, key derivation, decision, then forward or reject.
func (m *Middleware) Handle(c *gin.Context) {
	path := c.Request.URL.Path
	for _, re := range m.bypass {
		if re.MatchString(path) {
			c.Next()
			return
		}
	}

	policy := m.selectPolicy(c.Request.Method, path)
	if policy == nil {
		// No matching policy: the request passes unthrottled.
		c.Next()
		return
	}

	key := m.partitionKey(c, policy)
	result, err := m.Service.Consume(c.Request.Context(), key, policy, policy.Cost)
	if err != nil {
		if ratelimiter.IsStoreError(err) {
			m.Logger.Error("admission check failed",
				"policy", policy.Name,
				"key", key,
				"error", err,
			)
			if m.FailureMode == FailOpen {
				c.Next()
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate_limiter_unavailable"})
			c.Abort()
			return
		}
		m.OnError(c, err)
		return
	}

	c.Header("X-RateLimit-Limit", fmt.Sprintf("%d;w=%d;burst=%d", policy.Rate, policy.Period, policy.Burst))

	if !result.Allowed {
		retry := int64(result.RetryAfter / time.Second)
		reset := retry
		if reset == 0 {
			reset = policy.Period
		}
		c.Header("X-RateLimit-Remaining", "0")
		c.Header("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
		c.Header("Retry-After", strconv.FormatInt(retry, 10))
		m.OnExceeded(c, result)
		return
	}

	remaining := int64(result.Remaining)
	if remaining < 0 {
		remaining = 0
	}
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(policy.Period, 10))
	c.Next()
}

// selectPolicy returns the first policy matching the request, or nil.
func (m *Middleware) selectPolicy(method, path string) *ratelimiter.Policy {
	for _, p := range m.Policies {
		if p.Matches(method, path) {
			return p
		}
	}
	return nil
}

// partitionKey derives the bucket partition key from the policy scope.
func (m *Middleware) partitionKey(c *gin.Context, policy *ratelimiter.Policy) string {
	switch policy.Scope {
	case ratelimiter.ScopeUser:
		id := c.GetHeader(m.UserHeader)
		if id == "" {
			id = "anonymous"
		}
		return "user:" + id
	case ratelimiter.ScopeTenant:
		id := c.GetHeader(m.TenantHeader)
		if id == "" {
			id = "default"
		}
		return "tenant:" + id
	case ratelimiter.ScopeGlobal:
		return "global:*"
	case ratelimiter.ScopeCustom:
		id := m.CustomKey(c)
		if id == "" {
			id = "unknown"
		}
		return "custom:" + id
	default:
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		return "ip:" + ip
	}
}

// Option customizes the middleware.
type Option func(*Middleware)

// WithErrorHandler replaces the handler for configuration-class errors.
func WithErrorHandler(handler func(*gin.Context, error)) Option {
	return func(m *Middleware) {
		m.OnError = handler
	}
}

// WithExceededHandler replaces the rejection renderer.
func WithExceededHandler(handler func(*gin.Context, ratelimiter.ConsumeResult)) Option {
	return func(m *Middleware) {
		m.OnExceeded = handler
	}
}

// WithCustomKeyFunc registers the resolver for custom-scope policies.
func WithCustomKeyFunc(fn func(*gin.Context) string) Option {
	return func(m *Middleware) {
		m.CustomKey = fn
	}
}

// WithUserHeader changes the header consulted for user-scoped policies.
func WithUserHeader(name string) Option {
	return func(m *Middleware) {
		m.UserHeader = name
	}
}

// WithTenantHeader changes the header consulted for tenant-scoped policies.
func WithTenantHeader(name string) Option {
	return func(m *Middleware) {
		m.TenantHeader = name
	}
}

// WithFailureMode picks the store failure behavior.
func WithFailureMode(mode FailureMode) Option {
	return func(m *Middleware) {
		m.FailureMode = mode
	}
}

// WithBypassPaths replaces the default bypass patterns.
func WithBypassPaths(patterns []string) Option {
	return func(m *Middleware) {
		m.bypassExprs = patterns
	}
}

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) {
		if logger != nil {
			m.Logger = logger
		}
	}
}

// DefaultErrorHandler fails the request on configuration errors.
func DefaultErrorHandler(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "rate_limit_check_failed",
		"msg":   err.Error(),
	})
	c.Abort()
}

// DefaultExceededHandler rejects with 429 and the retry hint.
func DefaultExceededHandler(c *gin.Context, result ratelimiter.ConsumeResult) {
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate_limited",
		"retry_after": int64(result.RetryAfter / time.Second),
	})
	c.Abort()
}
