package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/serroba/abuse/internal/timelimit"
	"go.uber.org/zap"
)

// keyPattern is the counter key template for HTTP rate limits.
const keyPattern = "http:{{scope}}:{{window}}:{{client}}"

// LimitExceeded contains information about which limit was exceeded.
type LimitExceeded struct {
	Scope       Scope
	Config      LimitConfig
	Key         string
	WindowStart time.Time
	WindowEnd   time.Time
}

// PolicyLimiter enforces rate limits based on a policy and resolved scopes.
// Each limit is a fixed-window counter kept in the shared timelimit.Store.
type PolicyLimiter struct {
	store  timelimit.Store
	policy *Policy
	clock  timelimit.Clock
	logger *zap.Logger
}

// NewPolicyLimiter creates a new policy-based rate limiter.
func NewPolicyLimiter(store timelimit.Store, policy *Policy, clock timelimit.Clock, logger *zap.Logger) *PolicyLimiter {
	if clock == nil {
		clock = timelimit.RealClock{}
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &PolicyLimiter{
		store:  store,
		policy: policy,
		clock:  clock,
		logger: logger,
	}
}

// Allow checks if a request should be allowed based on the client key and applicable scopes.
// It returns true if the request is allowed, false if any limit is exceeded.
// The LimitExceeded return value provides details about which limit was hit (nil if allowed).
func (l *PolicyLimiter) Allow(ctx context.Context, clientKey string, scopes []Scope) (bool, *LimitExceeded, error) {
	for _, scope := range scopes {
		for _, limit := range l.policy.Limits[scope] {
			exceeded, err := l.check(ctx, clientKey, string(scope), scope, limit)
			if err != nil || exceeded != nil {
				return false, exceeded, err
			}
		}
	}

	return true, nil, nil
}

// AllowCustom applies endpoint-specific limits. Counters are keyed by the route template, so
// every request matching the same route shares them per client.
func (l *PolicyLimiter) AllowCustom(ctx context.Context, clientKey, route string, limits []LimitConfig) (bool, *LimitExceeded, error) {
	for _, limit := range limits {
		exceeded, err := l.check(ctx, clientKey, "custom"+route, ScopeCustom, limit)
		if err != nil || exceeded != nil {
			return false, exceeded, err
		}
	}

	return true, nil, nil
}

func (l *PolicyLimiter) check(
	ctx context.Context,
	clientKey, scopeKey string,
	scope Scope,
	limit LimitConfig,
) (*LimitExceeded, error) {
	limiter, err := timelimit.New(l.store, keyPattern, limit.Max, limit.Seconds(),
		timelimit.WithClock(l.clock),
		timelimit.WithLogger(l.logger),
	)
	if err != nil {
		return nil, err
	}

	limiter.
		SetParam("{{scope}}", scopeKey).
		SetParam("{{window}}", strconv.FormatInt(limit.Seconds(), 10)).
		SetParam("{{client}}", clientKey)

	blocked, err := limiter.Check(ctx)
	if err != nil || !blocked {
		return nil, err
	}

	return &LimitExceeded{
		Scope:       scope,
		Config:      limit,
		Key:         limiter.Key(),
		WindowStart: limiter.WindowStart(),
		WindowEnd:   limiter.Window().End(),
	}, nil
}
