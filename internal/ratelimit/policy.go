package ratelimit

import "time"

// LimitConfig allows Max requests per fixed Window.
type LimitConfig struct {
	Window time.Duration
	Max    int64
}

// Seconds is the window length in whole seconds, never less than one.
func (c LimitConfig) Seconds() int64 {
	return max(int64(c.Window/time.Second), 1)
}

// Policy maps each scope to the limits enforced for it. A request must pass every limit of
// every scope it resolves to.
type Policy struct {
	Limits map[Scope][]LimitConfig
}

// NewPolicy builds a policy with one limit per scope. A zero Max disables the scope.
func NewPolicy(window time.Duration, globalMax, readMax, writeMax, adminMax int64) *Policy {
	p := &Policy{Limits: map[Scope][]LimitConfig{}}

	for scope, maxRequests := range map[Scope]int64{
		ScopeGlobal: globalMax,
		ScopeRead:   readMax,
		ScopeWrite:  writeMax,
		ScopeAdmin:  adminMax,
	} {
		if maxRequests > 0 {
			p.Limits[scope] = []LimitConfig{{Window: window, Max: maxRequests}}
		}
	}

	return p
}

// PolicyBuilder assembles a Policy limit by limit.
type PolicyBuilder struct {
	policy *Policy
}

// NewPolicyBuilder starts an empty policy.
func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{policy: &Policy{Limits: map[Scope][]LimitConfig{}}}
}

// AddLimit appends a limit of maxRequests per window to scope.
func (b *PolicyBuilder) AddLimit(scope Scope, maxRequests int64, window time.Duration) *PolicyBuilder {
	b.policy.Limits[scope] = append(b.policy.Limits[scope], LimitConfig{Window: window, Max: maxRequests})

	return b
}

// Build returns the assembled policy.
func (b *PolicyBuilder) Build() *Policy {
	return b.policy
}
