package container

import (
	"time"

	"github.com/samber/do"
	"github.com/serroba/abuse/internal/ratelimit"
	"go.uber.org/zap"
)

// RateLimitPackage provides the HTTP rate limit policy, its limiter and scope resolver. The
// limiter keeps its counters in the configured backend.
func RateLimitPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*ratelimit.Policy, error) {
		opts := do.MustInvoke[*Options](i)

		return ratelimit.NewPolicy(
			time.Duration(opts.PolicyWindowSeconds)*time.Second,
			int64(opts.PolicyGlobal),
			int64(opts.PolicyRead),
			int64(opts.PolicyWrite),
			int64(opts.PolicyAdmin),
		), nil
	})

	do.Provide(injector, func(i *do.Injector) (*ratelimit.PolicyLimiter, error) {
		backend := do.MustInvoke[*Backend](i)
		policy := do.MustInvoke[*ratelimit.Policy](i)
		logger := do.MustInvoke[*zap.Logger](i)

		return ratelimit.NewPolicyLimiter(backend.Store, policy, nil, logger.Named("ratelimit")), nil
	})

	do.Provide(injector, func(_ *do.Injector) (ratelimit.ScopeResolver, error) {
		return ratelimit.NewOperationScopeResolver(), nil
	})
}
