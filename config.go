package ratelimiter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single YAML document configuring the limiter: the daemon
// server, the state store backend, the middleware defaults, and the policy
// list. Policy order in the file is the evaluation order.
type Config struct {
	// Server configures the standalone decision daemon.
	Server ServerConfig `yaml:"server"`
	// Store selects and configures the bucket state backend.
	Store StoreConfig `yaml:"store"`
	// Middleware holds the request-facing defaults.
	Middleware MiddlewareConfig `yaml:"middleware"`
	// Policies is the ordered admission policy list.
	Policies []PolicyConfig `yaml:"policies"`
}

// ServerConfig configures the standalone decision daemon.
type ServerConfig struct {
	// Listen is the bind address (default ":8080").
	Listen string `yaml:"listen"`
	// GuardRPS caps decision-API requests per second per client IP.
	// Zero disables the guard.
	GuardRPS float64 `yaml:"guard_rps"`
	// GuardBurst is the short-term burst the guard tolerates; defaults to
	// GuardRPS rounded up when left zero.
	GuardBurst int `yaml:"guard_burst"`
}

// StoreConfig selects and configures the bucket state backend.
type StoreConfig struct {
	// Backend is "memory" (default) or "redis".
	Backend string `yaml:"backend"`
	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds redis backend settings. Durations use Go syntax
// ("500ms", "2s").
type RedisConfig struct {
	// Addr is the server address (default "localhost:6379").
	Addr string `yaml:"addr"`
	// Password authenticates the connection; empty means none.
	Password string `yaml:"password"`
	// DB selects the database index.
	DB int `yaml:"db"`
	// Prefix is prepended to every storage key.
	Prefix string `yaml:"prefix"`
	// TTL expires idle bucket keys; empty or "0" keeps them forever.
	TTL string `yaml:"ttl"`
	// Timeout bounds dial, read, and write operations.
	Timeout string `yaml:"timeout"`
}

// MiddlewareConfig holds the request-facing defaults.
type MiddlewareConfig struct {
	// UserHeader carries the user id for user-scoped policies
	// (default "X-User-Id").
	UserHeader string `yaml:"user_header"`
	// TenantHeader carries the tenant id for tenant-scoped policies
	// (default "X-Tenant-Id").
	TenantHeader string `yaml:"tenant_header"`
	// FailureMode is "closed" (reject on store failure) or "open"
	// (forward on store failure). Required when the store backend is
	// redis; defaults to "closed" for the memory backend.
	FailureMode string `yaml:"failure_mode"`
	// BypassPaths are path regexes that skip admission control entirely.
	// Absent means the standard health and metrics endpoints.
	BypassPaths []string `yaml:"bypass_paths"`
}

// PolicyConfig is the serialized form of a Policy, shared by the YAML
// config file and the HTTP API payloads.
type PolicyConfig struct {
	// Name uniquely identifies the policy.
	Name string `yaml:"name" json:"name"`
	// Algorithm is token_bucket (default) or leaky_bucket.
	Algorithm string `yaml:"algorithm" json:"algorithm,omitempty"`
	// Rate is the units replenished or drained per Period seconds.
	Rate int64 `yaml:"rate" json:"rate"`
	// Period is the rate window in seconds.
	Period int64 `yaml:"period" json:"period"`
	// Burst is the bucket capacity.
	Burst int64 `yaml:"burst" json:"burst"`
	// Scope is ip (default), user, tenant, global, or custom.
	Scope string `yaml:"scope" json:"scope,omitempty"`
	// PathPattern is the request-path regex (default ".*").
	PathPattern string `yaml:"path_pattern" json:"path_pattern,omitempty"`
	// Methods restricts matching to these HTTP methods; empty means all.
	Methods []string `yaml:"methods" json:"methods,omitempty"`
	// Cost is the default units one request consumes (default 1).
	Cost int64 `yaml:"cost" json:"cost,omitempty"`
}

// ToPolicy compiles the configured policy, applying the documented defaults
// and checking every invariant. The path pattern is compiled here, exactly
// once; requests never recompile it.
func (pc PolicyConfig) ToPolicy() (*Policy, error) {
	if pc.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}

	p := &Policy{
		Name:        pc.Name,
		Algorithm:   Algorithm(pc.Algorithm),
		Rate:        pc.Rate,
		Period:      pc.Period,
		Burst:       pc.Burst,
		Scope:       Scope(pc.Scope),
		PathPattern: pc.PathPattern,
		Cost:        pc.Cost,
	}
	if p.Algorithm == "" {
		p.Algorithm = AlgorithmTokenBucket
	}
	if p.Scope == "" {
		p.Scope = ScopeIP
	}
	if p.PathPattern == "" {
		p.PathPattern = ".*"
	}
	if p.Cost == 0 {
		p.Cost = 1
	}

	pattern, err := regexp.Compile(p.PathPattern)
	if err != nil {
		return nil, fmt.Errorf("policy %q: invalid path_pattern: %w", p.Name, err)
	}
	p.pattern = pattern

	if len(pc.Methods) > 0 {
		p.Methods = make([]string, len(pc.Methods))
		p.methods = make(map[string]bool, len(pc.Methods))
		for i, m := range pc.Methods {
			upper := strings.ToUpper(m)
			p.Methods[i] = upper
			p.methods[upper] = true
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", filename, err)
	}
	return config, nil
}

// ParseConfig parses and validates YAML config bytes, filling the
// documented defaults.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// BuildPolicies compiles the configured policies in file order.
func (c *Config) BuildPolicies() ([]*Policy, error) {
	policies := make([]*Policy, 0, len(c.Policies))
	for i, pc := range c.Policies {
		policy, err := pc.ToPolicy()
		if err != nil {
			return nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
		policies = append(policies, policy)
	}
	return policies, nil
}

// validateConfig checks every section and fills defaults in place.
func validateConfig(config *Config) error {
	// Server defaults.
	if config.Server.Listen == "" {
		config.Server.Listen = ":8080"
	}
	if config.Server.GuardRPS < 0 {
		return fmt.Errorf("server.guard_rps must not be negative")
	}
	if config.Server.GuardBurst < 0 {
		return fmt.Errorf("server.guard_burst must not be negative")
	}
	if config.Server.GuardRPS > 0 && config.Server.GuardBurst == 0 {
		config.Server.GuardBurst = int(config.Server.GuardRPS + 0.5)
		if config.Server.GuardBurst == 0 {
			config.Server.GuardBurst = 1
		}
	}

	// Store backend.
	switch config.Store.Backend {
	case "":
		config.Store.Backend = "memory"
	case "memory":
	case "redis":
		if config.Store.Redis.Addr == "" {
			config.Store.Redis.Addr = "localhost:6379"
		}
		if config.Store.Redis.TTL != "" {
			if _, err := time.ParseDuration(config.Store.Redis.TTL); err != nil {
				return fmt.Errorf("store.redis.ttl: %w", err)
			}
		}
		if config.Store.Redis.Timeout != "" {
			if _, err := time.ParseDuration(config.Store.Redis.Timeout); err != nil {
				return fmt.Errorf("store.redis.timeout: %w", err)
			}
		}
	default:
		return fmt.Errorf("store.backend must be memory or redis, got %q", config.Store.Backend)
	}

	// Middleware defaults. A redis-backed store can fail at request time,
	// so the failure mode must be chosen explicitly, never defaulted.
	if config.Middleware.UserHeader == "" {
		config.Middleware.UserHeader = "X-User-Id"
	}
	if config.Middleware.TenantHeader == "" {
		config.Middleware.TenantHeader = "X-Tenant-Id"
	}
	switch config.Middleware.FailureMode {
	case "":
		if config.Store.Backend == "redis" {
			return fmt.Errorf("middleware.failure_mode (open or closed) is required when store.backend is redis")
		}
		config.Middleware.FailureMode = "closed"
	case "open", "closed":
	default:
		return fmt.Errorf("middleware.failure_mode must be open or closed, got %q", config.Middleware.FailureMode)
	}
	if config.Middleware.BypassPaths == nil {
		config.Middleware.BypassPaths = []string{"^/healthz$", "^/metrics$"}
	}
	for i, expr := range config.Middleware.BypassPaths {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("middleware.bypass_paths[%d]: %w", i, err)
		}
	}

	// Policies: every entry must compile, names must be unique.
	seen := make(map[string]bool, len(config.Policies))
	for i, pc := range config.Policies {
		if _, err := pc.ToPolicy(); err != nil {
			return fmt.Errorf("policies[%d]: %w", i, err)
		}
		if seen[pc.Name] {
			return fmt.Errorf("policies[%d]: duplicate policy name %q", i, pc.Name)
		}
		seen[pc.Name] = true
	}

	return nil
}

// GetConfigPath resolves a config file path: absolute paths are returned as
// is, relative paths are tried against the working directory and then the
// executable's directory.
func GetConfigPath(filename string) (string, error) {
	if filepath.IsAbs(filename) {
		return filename, nil
	}

	if _, err := os.Stat(filename); err == nil {
		return filename, nil
	}

	execPath, err := os.Executable()
	if err == nil {
		configPath := filepath.Join(filepath.Dir(execPath), filename)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
	}

	return "", fmt.Errorf("config file not found: %s", filename)
}
