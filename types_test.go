package ratelimiter

import (
	"errors"
	"testing"
)

func TestPolicy_Matches(t *testing.T) {
	echoGet, err := PolicyConfig{
		Name: "echo", Rate: 1, Period: 1, Burst: 1,
		PathPattern: "^/echo$", Methods: []string{"GET"},
	}.ToPolicy()
	if err != nil {
		t.Fatalf("ToPolicy() error = %v", err)
	}
	anyMethod, err := PolicyConfig{
		Name: "api", Rate: 1, Period: 1, Burst: 1,
		PathPattern: "/api",
	}.ToPolicy()
	if err != nil {
		t.Fatalf("ToPolicy() error = %v", err)
	}

	tests := []struct {
		name   string
		policy *Policy
		method string
		path   string
		want   bool
	}{
		{
			name:   "method and path match",
			policy: echoGet,
			method: "GET",
			path:   "/echo",
			want:   true,
		},
		{
			name:   "method mismatch",
			policy: echoGet,
			method: "POST",
			path:   "/echo",
			want:   false,
		},
		{
			name:   "path mismatch",
			policy: echoGet,
			method: "GET",
			path:   "/other",
			want:   false,
		},
		{
			name:   "lowercase request method",
			policy: echoGet,
			method: "get",
			path:   "/echo",
			want:   true,
		},
		{
			name:   "anchored pattern rejects prefix",
			policy: echoGet,
			method: "GET",
			path:   "/echo/sub",
			want:   false,
		},
		{
			name:   "no method filter matches any method",
			policy: anyMethod,
			method: "DELETE",
			path:   "/api",
			want:   true,
		},
		{
			name:   "unanchored pattern matches substring",
			policy: anyMethod,
			method: "GET",
			path:   "/v1/api/search",
			want:   true,
		},
		{
			name:   "unanchored pattern still needs the substring",
			policy: anyMethod,
			method: "GET",
			path:   "/v1/other",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Matches(tt.method, tt.path); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.method, tt.path, got, tt.want)
			}
		})
	}
}

func TestPolicy_Validate(t *testing.T) {
	valid := func() PolicyConfig {
		return PolicyConfig{
			Name: "p", Algorithm: "token_bucket",
			Rate: 10, Period: 1, Burst: 10, Scope: "ip",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*PolicyConfig)
		wantErr error
	}{
		{
			name:   "valid policy",
			mutate: func(pc *PolicyConfig) {},
		},
		{
			name:    "unsupported algorithm",
			mutate:  func(pc *PolicyConfig) { pc.Algorithm = "fixed_window" },
			wantErr: ErrUnsupportedAlgorithm,
		},
		{
			name:    "unsupported scope",
			mutate:  func(pc *PolicyConfig) { pc.Scope = "planet" },
			wantErr: ErrUnsupportedScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := valid()
			tt.mutate(&pc)

			_, err := pc.ToPolicy()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ToPolicy() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ToPolicy() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicy_ValidateRejectsUncompiled(t *testing.T) {
	// A literal Policy never went through ToPolicy, so its pattern is nil.
	p := &Policy{
		Name: "literal", Algorithm: AlgorithmTokenBucket,
		Rate: 1, Period: 1, Burst: 1, Scope: ScopeGlobal, Cost: 1,
	}
	if err := p.Validate(); err == nil {
		t.Error("Validate() should reject a policy with an uncompiled pattern")
	}
}

func TestPolicyConfig_ToPolicy(t *testing.T) {
	tests := []struct {
		name    string
		config  PolicyConfig
		wantErr bool
		check   func(t *testing.T, p *Policy)
	}{
		{
			name:   "defaults applied",
			config: PolicyConfig{Name: "d", Rate: 5, Period: 1, Burst: 5},
			check: func(t *testing.T, p *Policy) {
				if p.Algorithm != AlgorithmTokenBucket {
					t.Errorf("Algorithm = %v, want %v", p.Algorithm, AlgorithmTokenBucket)
				}
				if p.Scope != ScopeIP {
					t.Errorf("Scope = %v, want %v", p.Scope, ScopeIP)
				}
				if p.PathPattern != ".*" {
					t.Errorf("PathPattern = %q, want \".*\"", p.PathPattern)
				}
				if p.Cost != 1 {
					t.Errorf("Cost = %v, want 1", p.Cost)
				}
			},
		},
		{
			name: "methods normalized to upper case",
			config: PolicyConfig{
				Name: "m", Rate: 1, Period: 1, Burst: 1,
				Methods: []string{"get", "Post"},
			},
			check: func(t *testing.T, p *Policy) {
				if len(p.Methods) != 2 || p.Methods[0] != "GET" || p.Methods[1] != "POST" {
					t.Errorf("Methods = %v, want [GET POST]", p.Methods)
				}
			},
		},
		{
			name:    "name required",
			config:  PolicyConfig{Rate: 1, Period: 1, Burst: 1},
			wantErr: true,
		},
		{
			name: "invalid path pattern",
			config: PolicyConfig{
				Name: "bad", Rate: 1, Period: 1, Burst: 1,
				PathPattern: "([",
			},
			wantErr: true,
		},
		{
			name:    "zero rate",
			config:  PolicyConfig{Name: "z", Rate: 0, Period: 1, Burst: 1},
			wantErr: true,
		},
		{
			name:    "negative burst",
			config:  PolicyConfig{Name: "n", Rate: 1, Period: 1, Burst: -1},
			wantErr: true,
		},
		{
			name:    "negative cost",
			config:  PolicyConfig{Name: "c", Rate: 1, Period: 1, Burst: 1, Cost: -2},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.config.ToPolicy()
			if (err != nil) != tt.wantErr {
				t.Errorf("ToPolicy() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.check != nil {
				tt.check(t, p)
			}
		})
	}
}

func TestIsStoreError(t *testing.T) {
	wrapped := &StoreError{Op: "get", Key: "k", Err: errors.New("connection refused")}

	if !IsStoreError(wrapped) {
		t.Error("IsStoreError() = false for a StoreError")
	}
	if IsStoreError(errors.New("plain")) {
		t.Error("IsStoreError() = true for a plain error")
	}
	if IsStoreError(nil) {
		t.Error("IsStoreError() = true for nil")
	}
}
