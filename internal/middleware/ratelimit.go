package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/abuse/internal/audit"
	"github.com/serroba/abuse/internal/handlers"
	"github.com/serroba/abuse/internal/messaging"
	"github.com/serroba/abuse/internal/metrics"
	"github.com/serroba/abuse/internal/ratelimit"
	"go.uber.org/zap"
)

// clientKey generates a unique key for rate limiting based on IP and User-Agent.
func clientKey(ctx huma.Context) string {
	ip := clientIP(ctx)
	ua := ctx.Header("User-Agent")

	hash := sha256.Sum256([]byte(ip + "|" + ua))

	return hex.EncodeToString(hash[:])
}

// PolicyRateLimiter returns a Huma middleware that applies policy-based rate limiting.
// It uses a ScopeResolver to determine which scopes apply to each request,
// then checks all applicable limits from the policy.
//
// Per-endpoint configuration can be provided via operation metadata using
// ratelimit.MetadataKey. This allows endpoints to:
//   - Disable rate limiting entirely (Disabled: true)
//   - Override the scope detection (Scope: ratelimit.ScopeRead)
//   - Define custom limits (Limits: []ratelimit.LimitConfig{...})
//
// Every rejected request is published as an audit event and counted in m. publish and m
// may be nil.
func PolicyRateLimiter(
	api huma.API,
	limiter *ratelimit.PolicyLimiter,
	resolver ratelimit.ScopeResolver,
	publish messaging.Publish[audit.LimitExceededEvent],
	m *metrics.Metrics,
	logger *zap.Logger,
) func(ctx huma.Context, next func(huma.Context)) {
	if publish == nil {
		publish = messaging.Discard[audit.LimitExceededEvent]
	}

	reject := func(ctx huma.Context, exceeded *ratelimit.LimitExceeded, path string) {
		if m != nil {
			m.ObserveThrottled(string(exceeded.Scope))
		}

		handleRateLimitExceeded(api, ctx, exceeded, path, publish, logger)
	}

	return func(ctx huma.Context, next func(huma.Context)) {
		path := getOperationPath(ctx)
		key := clientKey(ctx)

		var (
			allowed  bool
			exceeded *ratelimit.LimitExceeded
			err      error
		)

		cfg := ratelimit.EndpointConfigOf(ctx.Operation())

		switch cfg.Mode() {
		case ratelimit.ModeDisabled:
			logger.Debug("rate limiting disabled for endpoint",
				zap.String("path", path), zap.String("method", ctx.Method()))
			next(ctx)

			return
		case ratelimit.ModeCustom:
			if path == "" {
				logger.Error("missing operation in context for rate limiting")
				_ = huma.WriteErr(api, ctx, http.StatusInternalServerError, "internal server error",
					errors.New("missing operation in context"))

				return
			}

			allowed, exceeded, err = limiter.AllowCustom(ctx.Context(), key, path, cfg.Limits)
		default:
			allowed, exceeded, err = limiter.Allow(ctx.Context(), key, resolver.Resolve(ctx))
		}

		if err != nil {
			if m != nil {
				m.ObserveError(err)
			}

			logger.Error("rate limit check failed", zap.String("path", path), zap.Error(err))
			_ = huma.WriteErr(api, ctx, http.StatusInternalServerError, "internal server error", err)

			return
		}

		if !allowed {
			reject(ctx, exceeded, path)

			return
		}

		next(ctx)
	}
}

// getOperationPath extracts the path from the operation, if available.
func getOperationPath(ctx huma.Context) string {
	if op := ctx.Operation(); op != nil {
		return op.Path
	}

	return ""
}

// handleRateLimitExceeded logs, audits and responds to a rate limit exceeded condition.
func handleRateLimitExceeded(
	api huma.API,
	ctx huma.Context,
	exceeded *ratelimit.LimitExceeded,
	path string,
	publish messaging.Publish[audit.LimitExceededEvent],
	logger *zap.Logger,
) {
	msg := "rate limit exceeded"

	if exceeded != nil {
		msg = fmt.Sprintf("rate limit exceeded: %s scope, %d requests per %s",
			exceeded.Scope, exceeded.Config.Max, exceeded.Config.Window)

		logger.Warn("rate limit exceeded",
			zap.String("path", path),
			zap.String("method", ctx.Method()),
			zap.String("scope", string(exceeded.Scope)),
			zap.Int64("max", exceeded.Config.Max),
			zap.Duration("window", exceeded.Config.Window),
			zap.String("client_ip", clientIP(ctx)),
		)

		event := &audit.LimitExceededEvent{
			Key:         exceeded.Key,
			Limit:       exceeded.Config.Max,
			WindowStart: exceeded.WindowStart,
			Scope:       string(exceeded.Scope),
			ClientIP:    clientIP(ctx),
			UserAgent:   ctx.Header("User-Agent"),
			RequestID:   handlers.RequestMetaFromContext(ctx.Context()).RequestID,
			OccurredAt:  time.Now().UTC(),
		}

		if err := publish(ctx.Context(), event); err != nil {
			logger.Error("failed to publish audit event", zap.String("key", exceeded.Key), zap.Error(err))
		}

		ctx.SetHeader("Retry-After", strconv.FormatInt(retryAfter(exceeded.WindowEnd), 10))
	}

	_ = huma.WriteErr(api, ctx, http.StatusTooManyRequests, msg)
}

// retryAfter is the number of whole seconds until windowEnd, at least one.
func retryAfter(windowEnd time.Time) int64 {
	return max(int64(math.Ceil(time.Until(windowEnd).Seconds())), 1)
}
