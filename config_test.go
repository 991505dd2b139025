package ratelimiter

import (
	"os"
	"strings"
	"testing"
)

func TestLoadConfig_Success(t *testing.T) {
	configContent := `
server:
  listen: ":9090"
  guard_rps: 100

store:
  backend: redis
  redis:
    addr: redis.internal:6379
    db: 2
    prefix: "rl:"
    ttl: 48h
    timeout: 500ms

middleware:
  user_header: X-Account-Id
  failure_mode: open
  bypass_paths:
    - "^/healthz$"

policies:
  - name: search-per-user
    algorithm: token_bucket
    rate: 10
    period: 60
    burst: 20
    scope: user
    path_pattern: "^/api/search"
    methods: [GET]

  - name: echo-burst
    algorithm: leaky_bucket
    rate: 2
    period: 1
    burst: 2
    scope: ip
    path_pattern: "^/echo$"
    cost: 2
`

	tmpfile, err := os.CreateTemp("", "ratelimiter_*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(configContent)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(tmpfile.Name())
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if config.Server.Listen != ":9090" {
		t.Errorf("Server.Listen = %v, want :9090", config.Server.Listen)
	}
	if config.Server.GuardRPS != 100 {
		t.Errorf("Server.GuardRPS = %v, want 100", config.Server.GuardRPS)
	}
	if config.Server.GuardBurst != 100 {
		t.Errorf("Server.GuardBurst = %v, want 100 (defaulted from guard_rps)", config.Server.GuardBurst)
	}

	if config.Store.Backend != "redis" {
		t.Errorf("Store.Backend = %v, want redis", config.Store.Backend)
	}
	if config.Store.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Store.Redis.Addr = %v, want redis.internal:6379", config.Store.Redis.Addr)
	}
	if config.Store.Redis.DB != 2 {
		t.Errorf("Store.Redis.DB = %v, want 2", config.Store.Redis.DB)
	}

	if config.Middleware.UserHeader != "X-Account-Id" {
		t.Errorf("Middleware.UserHeader = %v, want X-Account-Id", config.Middleware.UserHeader)
	}
	if config.Middleware.TenantHeader != "X-Tenant-Id" {
		t.Errorf("Middleware.TenantHeader = %v, want default X-Tenant-Id", config.Middleware.TenantHeader)
	}
	if config.Middleware.FailureMode != "open" {
		t.Errorf("Middleware.FailureMode = %v, want open", config.Middleware.FailureMode)
	}
	if len(config.Middleware.BypassPaths) != 1 {
		t.Errorf("len(Middleware.BypassPaths) = %v, want 1", len(config.Middleware.BypassPaths))
	}

	if len(config.Policies) != 2 {
		t.Fatalf("len(Policies) = %v, want 2", len(config.Policies))
	}
	if config.Policies[0].Name != "search-per-user" {
		t.Errorf("Policies[0].Name = %v, want search-per-user", config.Policies[0].Name)
	}
	if config.Policies[1].Cost != 2 {
		t.Errorf("Policies[1].Cost = %v, want 2", config.Policies[1].Cost)
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig("nonexistent_ratelimiter.yaml")
	if err == nil {
		t.Error("LoadConfig() should fail for a missing file")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "ratelimiter_*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte("policies: [name: {")); err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()

	if _, err := LoadConfig(tmpfile.Name()); err == nil {
		t.Error("LoadConfig() should fail for malformed YAML")
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	config, err := ParseConfig([]byte("policies: []\n"))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	if config.Server.Listen != ":8080" {
		t.Errorf("Server.Listen = %v, want :8080", config.Server.Listen)
	}
	if config.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %v, want memory", config.Store.Backend)
	}
	if config.Middleware.UserHeader != "X-User-Id" {
		t.Errorf("Middleware.UserHeader = %v, want X-User-Id", config.Middleware.UserHeader)
	}
	if config.Middleware.FailureMode != "closed" {
		t.Errorf("Middleware.FailureMode = %v, want closed", config.Middleware.FailureMode)
	}
	if len(config.Middleware.BypassPaths) != 2 {
		t.Errorf("Middleware.BypassPaths = %v, want the health and metrics defaults", config.Middleware.BypassPaths)
	}
}

func TestParseConfig_RedisAddrDefault(t *testing.T) {
	config, err := ParseConfig([]byte(`
store:
  backend: redis
middleware:
  failure_mode: closed
`))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if config.Store.Redis.Addr != "localhost:6379" {
		t.Errorf("Store.Redis.Addr = %v, want localhost:6379", config.Store.Redis.Addr)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "unknown backend",
			yaml: `
store:
  backend: etcd
`,
			wantErr: "store.backend",
		},
		{
			name: "redis requires explicit failure mode",
			yaml: `
store:
  backend: redis
`,
			wantErr: "failure_mode",
		},
		{
			name: "unknown failure mode",
			yaml: `
middleware:
  failure_mode: maybe
`,
			wantErr: "failure_mode",
		},
		{
			name: "bad bypass pattern",
			yaml: `
middleware:
  bypass_paths: ["(["]
`,
			wantErr: "bypass_paths",
		},
		{
			name: "bad redis ttl",
			yaml: `
store:
  backend: redis
  redis:
    ttl: "2 fortnights"
middleware:
  failure_mode: open
`,
			wantErr: "ttl",
		},
		{
			name: "bad redis timeout",
			yaml: `
store:
  backend: redis
  redis:
    timeout: soon
middleware:
  failure_mode: open
`,
			wantErr: "timeout",
		},
		{
			name: "negative guard rps",
			yaml: `
server:
  guard_rps: -1
`,
			wantErr: "guard_rps",
		},
		{
			name: "policy with unknown algorithm",
			yaml: `
policies:
  - name: p
    algorithm: sliding_window
    rate: 1
    period: 1
    burst: 1
`,
			wantErr: "unsupported algorithm",
		},
		{
			name: "policy with unknown scope",
			yaml: `
policies:
  - name: p
    rate: 1
    period: 1
    burst: 1
    scope: galaxy
`,
			wantErr: "unsupported scope",
		},
		{
			name: "policy with zero rate",
			yaml: `
policies:
  - name: p
    rate: 0
    period: 1
    burst: 1
`,
			wantErr: "rate",
		},
		{
			name: "policy with bad pattern",
			yaml: `
policies:
  - name: p
    rate: 1
    period: 1
    burst: 1
    path_pattern: "(["
`,
			wantErr: "path_pattern",
		},
		{
			name: "duplicate policy names",
			yaml: `
policies:
  - name: p
    rate: 1
    period: 1
    burst: 1
  - name: p
    rate: 2
    period: 1
    burst: 2
`,
			wantErr: "duplicate",
		},
		{
			name: "policy without name",
			yaml: `
policies:
  - rate: 1
    period: 1
    burst: 1
`,
			wantErr: "name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			if err == nil {
				t.Fatal("ParseConfig() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseConfig() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseConfig_GuardBurstDefault(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantBurst int
	}{
		{
			name: "rounded from fractional rps",
			yaml: `
server:
  guard_rps: 2.5
`,
			wantBurst: 3,
		},
		{
			name: "small rps still gets burst one",
			yaml: `
server:
  guard_rps: 0.2
`,
			wantBurst: 1,
		},
		{
			name: "explicit burst kept",
			yaml: `
server:
  guard_rps: 10
  guard_burst: 50
`,
			wantBurst: 50,
		},
		{
			name:      "guard disabled",
			yaml:      "server: {}\n",
			wantBurst: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := ParseConfig([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("ParseConfig() error = %v", err)
			}
			if config.Server.GuardBurst != tt.wantBurst {
				t.Errorf("Server.GuardBurst = %v, want %v", config.Server.GuardBurst, tt.wantBurst)
			}
		})
	}
}

func TestConfig_BuildPolicies(t *testing.T) {
	config, err := ParseConfig([]byte(`
policies:
  - name: first
    rate: 1
    period: 1
    burst: 1
  - name: second
    rate: 2
    period: 1
    burst: 2
    algorithm: leaky_bucket
`))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	policies, err := config.BuildPolicies()
	if err != nil {
		t.Fatalf("BuildPolicies() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("len(policies) = %v, want 2", len(policies))
	}

	// File order is the evaluation order.
	if policies[0].Name != "first" || policies[1].Name != "second" {
		t.Errorf("policy order = [%s %s], want [first second]", policies[0].Name, policies[1].Name)
	}
	if policies[1].Algorithm != AlgorithmLeakyBucket {
		t.Errorf("policies[1].Algorithm = %v, want %v", policies[1].Algorithm, AlgorithmLeakyBucket)
	}
	if !policies[0].Matches("GET", "/anything") {
		t.Error("default pattern should match any path")
	}
}

func TestGetConfigPath(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "ratelimiter_*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())
	tmpfile.Close()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:    "absolute path",
			input:   tmpfile.Name(),
			wantErr: false,
		},
		{
			name:    "missing relative path",
			input:   "nonexistent_config.yaml",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := GetConfigPath(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("GetConfigPath() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && path == "" {
				t.Error("GetConfigPath() returned empty path")
			}
		})
	}
}
