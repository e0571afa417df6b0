package handlers

import (
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/abuse/internal/ratelimit"
)

// RegisterRoutes registers the abuse API with per-endpoint rate limit configuration.
func RegisterRoutes(api huma.API, checks *CheckHandler, admin *AdminHandler, verify *CaptchaHandler) {
	// Checks are the hot path; they fall under the write scope of the default policy.
	huma.Register(api, huma.Operation{
		OperationID: "check",
		Method:      http.MethodPost,
		Path:        "/checks",
		Summary:     "Check a counter",
		Description: "Records one attempt for the resolved key and reports whether it is over the limit.",
		Tags:        []string{"Checks"},
	}, checks.Check)

	huma.Register(api, huma.Operation{
		OperationID:   "reset",
		Method:        http.MethodDelete,
		Path:          "/checks",
		Summary:       "Reset a counter",
		Description:   "Deletes the counter of the current window so the quota can be reused.",
		Tags:          []string{"Checks"},
		DefaultStatus: http.StatusNoContent,
	}, checks.Reset)

	huma.Register(api, huma.Operation{
		OperationID: "logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "List counters",
		Description: "Returns stored counters, newest window first.",
		Tags:        []string{"Admin"},
		Metadata: map[string]any{
			ratelimit.MetadataKey: ratelimit.EndpointConfig{Scope: ratelimit.ScopeAdmin},
		},
	}, admin.Logs)

	// Cleanup scans the whole store, so it gets its own tight limit.
	huma.Register(api, huma.Operation{
		OperationID: "cleanup",
		Method:      http.MethodPost,
		Path:        "/cleanup",
		Summary:     "Delete expired counters",
		Description: "Deletes every counter whose window started before the cutoff.",
		Tags:        []string{"Admin"},
		Metadata: map[string]any{
			ratelimit.MetadataKey: ratelimit.EndpointConfig{
				Limits: []ratelimit.LimitConfig{
					{Window: time.Minute, Max: 5},
					{Window: time.Hour, Max: 60},
				},
			},
		},
	}, admin.Cleanup)

	huma.Register(api, huma.Operation{
		OperationID: "captcha-verify",
		Method:      http.MethodPost,
		Path:        "/captcha/verify",
		Summary:     "Verify a challenge token",
		Description: "Verifies a reCAPTCHA, hCaptcha or Turnstile token with the provider.",
		Tags:        []string{"Captcha"},
		Metadata: map[string]any{
			ratelimit.MetadataKey: ratelimit.EndpointConfig{
				Limits: []ratelimit.LimitConfig{{Window: time.Minute, Max: 30}},
			},
		},
	}, verify.Verify)
}
