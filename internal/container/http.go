package container

import (
	"maps"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	_ "github.com/danielgtaylor/huma/v2/formats/cbor" // CBOR format support for huma
	"github.com/go-chi/chi/v5"
	"github.com/samber/do"
	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/audit"
	"github.com/serroba/abuse/internal/captcha"
	"github.com/serroba/abuse/internal/handlers"
	"github.com/serroba/abuse/internal/health"
	"github.com/serroba/abuse/internal/messaging"
	"github.com/serroba/abuse/internal/metrics"
	"github.com/serroba/abuse/internal/middleware"
	"github.com/serroba/abuse/internal/ratelimit"
	"go.uber.org/zap"
)

// MetricsPackage provides the service metrics.
func MetricsPackage(injector *do.Injector) {
	do.Provide(injector, func(_ *do.Injector) (*metrics.Metrics, error) {
		return metrics.New(), nil
	})
}

// HTTPPackage provides the chi router and the huma API with every route registered.
func HTTPPackage(injector *do.Injector) {
	do.Provide(injector, func(_ *do.Injector) (*chi.Mux, error) {
		return chi.NewMux(), nil
	})

	do.Provide(injector, func(i *do.Injector) (huma.API, error) {
		opts := do.MustInvoke[*Options](i)
		router := do.MustInvoke[*chi.Mux](i)
		logger := do.MustInvoke[*zap.Logger](i)
		m := do.MustInvoke[*metrics.Metrics](i)
		backend := do.MustInvoke[*Backend](i)
		facade := do.MustInvoke[*abuse.Abuse](i)
		limiter := do.MustInvoke[*ratelimit.PolicyLimiter](i)
		resolver := do.MustInvoke[ratelimit.ScopeResolver](i)
		publish := do.MustInvoke[messaging.Publish[audit.LimitExceededEvent]](i)

		router.Handle("/metrics", m.Handler())

		api := humachi.New(router, huma.DefaultConfig("Abuse", "1.0.0"))
		api.UseMiddleware(
			middleware.RequestMeta(api),
			middleware.PolicyRateLimiter(api, limiter, resolver, publish, m, logger),
		)

		secrets := map[string]string{
			captcha.ReCaptcha.Name: opts.RecaptchaSecret,
			captcha.HCaptcha.Name:  opts.HcaptchaSecret,
			captcha.Turnstile.Name: opts.TurnstileSecret,
		}

		handlers.RegisterRoutes(api,
			handlers.NewCheckHandler(backend.Store, nil, m, logger),
			handlers.NewAdminHandler(facade, m, logger),
			handlers.NewCaptchaHandler(secrets, m, logger),
		)
		checkers := maps.Clone(backend.Checkers)
		checkers["audit-stream"] = health.NewRedisChecker(do.MustInvoke[*RedisClient](i).Client)
		health.RegisterRoutes(api, health.NewHandler(checkers))

		return api, nil
	})
}
