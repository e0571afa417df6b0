package middleware_test

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"mime/multipart"
	"net/url"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/audit"
	"github.com/serroba/abuse/internal/metrics"
	"github.com/serroba/abuse/internal/middleware"
	"github.com/serroba/abuse/internal/ratelimit"
	"github.com/serroba/abuse/internal/store"
	"github.com/serroba/abuse/internal/timelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testHostAddr       = "192.168.1.1:12345"
	testUserAgent      = "TestAgent/1.0"
	testUserAgentShort = "TestAgent"
)

var errMultipartNotSupported = errors.New("multipart not supported in mock")

func newTestAPI() huma.API {
	return humachi.New(chi.NewMux(), huma.DefaultConfig("Test", "1.0.0"))
}

// mockHumaContext implements huma.Context for testing.
type mockHumaContext struct {
	headers         map[string]string
	responseHeaders map[string]string
	host            string
	remoteAddr      string
	written         []byte
	statusCode      int
	method          string
	operation       *huma.Operation
}

func newMockHumaContext() *mockHumaContext {
	return &mockHumaContext{
		headers:         make(map[string]string),
		responseHeaders: make(map[string]string),
		method:          "GET",
		host:            "api.example.com",
		remoteAddr:      testHostAddr,
	}
}

func (m *mockHumaContext) Operation() *huma.Operation {
	return m.operation
}
func (m *mockHumaContext) Context() context.Context              { return context.Background() }
func (m *mockHumaContext) TLS() *tls.ConnectionState             { return nil }
func (m *mockHumaContext) Version() huma.ProtoVersion            { return huma.ProtoVersion{} }
func (m *mockHumaContext) Method() string                        { return m.method }
func (m *mockHumaContext) Host() string                          { return m.host }
func (m *mockHumaContext) RemoteAddr() string                    { return m.remoteAddr }
func (m *mockHumaContext) URL() url.URL                          { return url.URL{} }
func (m *mockHumaContext) Param(_ string) string                 { return "" }
func (m *mockHumaContext) Query(_ string) string                 { return "" }
func (m *mockHumaContext) Header(name string) string             { return m.headers[name] }
func (m *mockHumaContext) EachHeader(_ func(name, value string)) {}
func (m *mockHumaContext) BodyReader() io.Reader                 { return nil }
func (m *mockHumaContext) GetMultipartForm() (*multipart.Form, error) {
	return nil, errMultipartNotSupported
}
func (m *mockHumaContext) SetReadDeadline(_ time.Time) error { return nil }
func (m *mockHumaContext) SetStatus(code int)                { m.statusCode = code }
func (m *mockHumaContext) Status() int                       { return m.statusCode }
func (m *mockHumaContext) AppendHeader(_, _ string)          {}
func (m *mockHumaContext) SetHeader(name, value string)      { m.responseHeaders[name] = value }
func (m *mockHumaContext) BodyWriter() io.Writer             { return &mockBodyWriter{ctx: m} }

type mockBodyWriter struct {
	ctx *mockHumaContext
}

func (w *mockBodyWriter) Write(p []byte) (n int, err error) {
	w.ctx.written = append(w.ctx.written, p...)

	return len(p), nil
}

// failingStore fails every operation.
type failingStore struct {
	timelimit.Store
}

func (failingStore) Count(context.Context, string, timelimit.Window) (int64, error) {
	return 0, abuse.Unavailable("count", errors.New("store error"))
}

// mockScopeResolver is a mock resolver for testing.
type mockScopeResolver struct {
	scopes []ratelimit.Scope
}

func (m *mockScopeResolver) Resolve(_ huma.Context) []ratelimit.Scope {
	return m.scopes
}

// eventSink captures published audit events.
type eventSink struct {
	events []*audit.LimitExceededEvent
	err    error
}

func (s *eventSink) publish(_ context.Context, event *audit.LimitExceededEvent) error {
	s.events = append(s.events, event)

	return s.err
}

func newLimiter(policy *ratelimit.Policy) *ratelimit.PolicyLimiter {
	return ratelimit.NewPolicyLimiter(store.NewMemoryStore(), policy, nil, nil)
}

func globalResolver() *mockScopeResolver {
	return &mockScopeResolver{scopes: []ratelimit.Scope{ratelimit.ScopeGlobal}}
}

func run(mw func(huma.Context, func(huma.Context)), ctx *mockHumaContext) bool {
	called := false

	mw(ctx, func(_ huma.Context) {
		called = true
	})

	return called
}

//nolint:maintidx // Test function with comprehensive coverage across many scenarios
func TestPolicyRateLimiter(t *testing.T) {
	t.Run("allows request when under limit", func(t *testing.T) {
		limiter := newLimiter(ratelimit.NewPolicyBuilder().
			AddLimit(ratelimit.ScopeGlobal, 10, time.Minute).
			Build())

		mw := middleware.PolicyRateLimiter(newTestAPI(), limiter, globalResolver(), nil, nil, zap.NewNop())

		ctx := newMockHumaContext()
		ctx.headers["User-Agent"] = testUserAgent

		assert.True(t, run(mw, ctx), "next should be called when allowed")
	})

	t.Run("returns 429 with retry-after when rate limited", func(t *testing.T) {
		limiter := newLimiter(ratelimit.NewPolicyBuilder().
			AddLimit(ratelimit.ScopeGlobal, 1, time.Minute).
			Build())

		mw := middleware.PolicyRateLimiter(newTestAPI(), limiter, globalResolver(), nil, nil, zap.NewNop())

		ctx := newMockHumaContext()
		ctx.headers["User-Agent"] = testUserAgent
		run(mw, ctx)

		ctx2 := newMockHumaContext()
		ctx2.headers["User-Agent"] = testUserAgent

		assert.False(t, run(mw, ctx2), "next should not be called when rate limited")
		assert.Equal(t, 429, ctx2.statusCode)
		assert.Contains(t, string(ctx2.written), "rate limit exceeded")
		assert.NotEmpty(t, ctx2.responseHeaders["Retry-After"])
	})

	t.Run("includes limit details in error message", func(t *testing.T) {
		limiter := newLimiter(ratelimit.NewPolicyBuilder().
			AddLimit(ratelimit.ScopeWrite, 1, time.Minute).
			Build())
		resolver := &mockScopeResolver{scopes: []ratelimit.Scope{ratelimit.ScopeWrite}}

		mw := middleware.PolicyRateLimiter(newTestAPI(), limiter, resolver, nil, nil, zap.NewNop())

		run(mw, newMockHumaContext())

		ctx2 := newMockHumaContext()
		run(mw, ctx2)

		assert.Contains(t, string(ctx2.written), "write scope")
		assert.Contains(t, string(ctx2.written), "1 requests per 1m0s")
	})

	t.Run("publishes an audit event and counts the rejection", func(t *testing.T) {
		limiter := newLimiter(ratelimit.NewPolicyBuilder().
			AddLimit(ratelimit.ScopeGlobal, 1, time.Minute).
			Build())
		sink := &eventSink{}
		m := metrics.New()

		mw := middleware.PolicyRateLimiter(newTestAPI(), limiter, globalResolver(), sink.publish, m, zap.NewNop())

		ctx := newMockHumaContext()
		ctx.headers["User-Agent"] = testUserAgent
		ctx.headers["X-Forwarded-For"] = "203.0.113.7"
		run(mw, ctx)
		assert.Empty(t, sink.events, "allowed requests are not audited")

		ctx2 := newMockHumaContext()
		ctx2.headers["User-Agent"] = testUserAgent
		ctx2.headers["X-Forwarded-For"] = "203.0.113.7"
		run(mw, ctx2)

		require.Len(t, sink.events, 1)
		event := sink.events[0]
		assert.Equal(t, "global", event.Scope)
		assert.Equal(t, int64(1), event.Limit)
		assert.Equal(t, "203.0.113.7", event.ClientIP)
		assert.Equal(t, testUserAgent, event.UserAgent)
		assert.Contains(t, event.Key, "http:global:60:")
		assert.False(t, event.WindowStart.IsZero())
	})

	t.Run("still rejects when publishing fails", func(t *testing.T) {
		limiter := newLimiter(ratelimit.NewPolicyBuilder().
			AddLimit(ratelimit.ScopeGlobal, 1, time.Minute).
			Build())
		sink := &eventSink{err: errors.New("broker down")}

		mw := middleware.PolicyRateLimiter(newTestAPI(), limiter, globalResolver(), sink.publish, nil, zap.NewNop())

		run(mw, newMockHumaContext())

		ctx2 := newMockHumaContext()
		assert.False(t, run(mw, ctx2))
		assert.Equal(t, 429, ctx2.statusCode)
	})

	t.Run("applies different limits per scope", func(t *testing.T) {
		limiter := newLimiter(ratelimit.NewPolicyBuilder().
			AddLimit(ratelimit.ScopeRead, 5, time.Minute).
			AddLimit(ratelimit.ScopeWrite, 2, time.Minute).
			Build())
		api := newTestAPI()

		readMW := middleware.PolicyRateLimiter(api, limiter,
			&mockScopeResolver{scopes: []ratelimit.Scope{ratelimit.ScopeRead}}, nil, nil, zap.NewNop())
		writeMW := middleware.PolicyRateLimiter(api, limiter,
			&mockScopeResolver{scopes: []ratelimit.Scope{ratelimit.ScopeWrite}}, nil, nil, zap.NewNop())

		for i := range 5 {
			assert.True(t, run(readMW, newMockHumaContext()), "read request %d should be allowed", i+1)
		}

		for i := range 2 {
			assert.True(t, run(writeMW, newMockHumaContext()), "write request %d should be allowed", i+1)
		}

		ctx := newMockHumaContext()
		assert.False(t, run(writeMW, ctx), "3rd write request should be denied")
		assert.Equal(t, 429, ctx.statusCode)
	})

	t.Run("returns 500 on store error", func(t *testing.T) {
		limiter := ratelimit.NewPolicyLimiter(failingStore{}, ratelimit.NewPolicyBuilder().
			AddLimit(ratelimit.ScopeGlobal, 10, time.Minute).
			Build(), nil, nil)
		m := metrics.New()

		mw := middleware.PolicyRateLimiter(newTestAPI(), limiter, globalResolver(), nil, m, zap.NewNop())

		ctx := newMockHumaContext()

		assert.False(t, run(mw, ctx))
		assert.Equal(t, 500, ctx.statusCode)
	})

	t.Run("skips rate limiting when disabled via metadata", func(t *testing.T) {
		limiter := newLimiter(ratelimit.NewPolicyBuilder().
			AddLimit(ratelimit.ScopeGlobal, 1, time.Minute).
			Build())

		mw := middleware.PolicyRateLimiter(newTestAPI(), limiter, globalResolver(), nil, nil, zap.NewNop())

		operation := &huma.Operation{
			Path: "/health",
			Metadata: map[string]any{
				ratelimit.MetadataKey: ratelimit.EndpointConfig{Disabled: true},
			},
		}

		for i := range 3 {
			ctx := newMockHumaContext()
			ctx.operation = operation

			assert.True(t, run(mw, ctx), "request %d should be allowed when disabled", i+1)
		}
	})

	t.Run("applies custom limits from metadata", func(t *testing.T) {
		limiter := newLimiter(ratelimit.NewPolicyBuilder().
			AddLimit(ratelimit.ScopeGlobal, 100, time.Minute).
			Build())

		mw := middleware.PolicyRateLimiter(newTestAPI(), limiter, globalResolver(), nil, nil, zap.NewNop())

		operation := &huma.Operation{
			Path: "/cleanup",
			Metadata: map[string]any{
				ratelimit.MetadataKey: ratelimit.EndpointConfig{
					Limits: []ratelimit.LimitConfig{{Window: time.Minute, Max: 2}},
				},
			},
		}

		for i := range 2 {
			ctx := newMockHumaContext()
			ctx.operation = operation

			assert.True(t, run(mw, ctx), "request %d should be allowed", i+1)
		}

		ctx := newMockHumaContext()
		ctx.operation = operation

		assert.False(t, run(mw, ctx))
		assert.Equal(t, 429, ctx.statusCode)
	})

	t.Run("custom limits need an operation path", func(t *testing.T) {
		limiter := newLimiter(ratelimit.NewPolicyBuilder().Build())

		mw := middleware.PolicyRateLimiter(newTestAPI(), limiter, globalResolver(), nil, nil, zap.NewNop())

		ctx := newMockHumaContext()
		ctx.operation = &huma.Operation{
			Metadata: map[string]any{
				ratelimit.MetadataKey: ratelimit.EndpointConfig{
					Limits: []ratelimit.LimitConfig{{Window: time.Minute, Max: 2}},
				},
			},
		}

		assert.False(t, run(mw, ctx))
		assert.Equal(t, 500, ctx.statusCode)
	})
}

func TestPolicyRateLimiter_ClientKey(t *testing.T) {
	// One request per client is allowed; a second request from the same client is rejected.
	newMiddleware := func() func(huma.Context, func(huma.Context)) {
		limiter := newLimiter(ratelimit.NewPolicyBuilder().
			AddLimit(ratelimit.ScopeGlobal, 1, time.Minute).
			Build())

		return middleware.PolicyRateLimiter(newTestAPI(), limiter, globalResolver(), nil, nil, zap.NewNop())
	}

	t.Run("different user agents are different clients", func(t *testing.T) {
		mw := newMiddleware()

		ctx1 := newMockHumaContext()
		ctx1.headers["User-Agent"] = testUserAgent
		assert.True(t, run(mw, ctx1))

		ctx2 := newMockHumaContext()
		ctx2.headers["User-Agent"] = "DifferentAgent/2.0"
		assert.True(t, run(mw, ctx2))
	})

	t.Run("uses the first X-Forwarded-For address", func(t *testing.T) {
		mw := newMiddleware()

		ctx1 := newMockHumaContext()
		ctx1.remoteAddr = "10.0.0.1:12345"
		ctx1.headers["X-Forwarded-For"] = "203.0.113.195, 70.41.3.18, 150.172.238.178"
		ctx1.headers["User-Agent"] = testUserAgentShort
		assert.True(t, run(mw, ctx1))

		ctx2 := newMockHumaContext()
		ctx2.remoteAddr = "10.0.0.2:54321"
		ctx2.headers["X-Forwarded-For"] = "203.0.113.195"
		ctx2.headers["User-Agent"] = testUserAgentShort
		assert.False(t, run(mw, ctx2), "same first XFF address is the same client")
	})

	t.Run("uses X-Real-IP when present", func(t *testing.T) {
		mw := newMiddleware()

		ctx1 := newMockHumaContext()
		ctx1.remoteAddr = "10.0.0.1:12345"
		ctx1.headers["X-Real-IP"] = "203.0.113.100"
		assert.True(t, run(mw, ctx1))

		ctx2 := newMockHumaContext()
		ctx2.remoteAddr = "10.0.0.2:54321"
		ctx2.headers["X-Real-IP"] = "203.0.113.100"
		assert.False(t, run(mw, ctx2))
	})

	t.Run("uses the peer address as is when it has no port", func(t *testing.T) {
		mw := newMiddleware()

		ctx1 := newMockHumaContext()
		ctx1.remoteAddr = "192.168.1.1"
		assert.True(t, run(mw, ctx1))

		ctx2 := newMockHumaContext()
		ctx2.remoteAddr = "192.168.1.1"
		assert.False(t, run(mw, ctx2))
	})
}
