package ratelimit_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/serroba/abuse/internal/ratelimit"
	"github.com/stretchr/testify/assert"
)

func humaContext(method string, op *huma.Operation) huma.Context {
	return humatest.NewContext(op, httptest.NewRequest(method, "/", nil), httptest.NewRecorder())
}

func withConfig(cfg any) *huma.Operation {
	return &huma.Operation{Metadata: map[string]any{ratelimit.MetadataKey: cfg}}
}

func TestOperationScopeResolver(t *testing.T) {
	t.Parallel()

	resolver := ratelimit.NewOperationScopeResolver()

	tests := []struct {
		name   string
		method string
		op     *huma.Operation
		want   ratelimit.Scope
	}{
		{"GET reads", http.MethodGet, nil, ratelimit.ScopeRead},
		{"HEAD reads", http.MethodHead, nil, ratelimit.ScopeRead},
		{"OPTIONS reads", http.MethodOptions, nil, ratelimit.ScopeRead},
		{"POST writes", http.MethodPost, nil, ratelimit.ScopeWrite},
		{"DELETE writes", http.MethodDelete, nil, ratelimit.ScopeWrite},
		{"unknown methods write", "PURGE", nil, ratelimit.ScopeWrite},
		{"operation without metadata uses the method", http.MethodGet, &huma.Operation{}, ratelimit.ScopeRead},
		{"unrelated metadata uses the method", http.MethodPost, &huma.Operation{Metadata: map[string]any{"other": 1}}, ratelimit.ScopeWrite},
		{"metadata scope wins over GET", http.MethodGet, withConfig(ratelimit.EndpointConfig{Scope: ratelimit.ScopeAdmin}), ratelimit.ScopeAdmin},
		{"metadata scope wins over POST", http.MethodPost, withConfig(ratelimit.EndpointConfig{Scope: ratelimit.ScopeRead}), ratelimit.ScopeRead},
		{
			"custom limits without a scope use the method",
			http.MethodPost,
			withConfig(ratelimit.EndpointConfig{Limits: []ratelimit.LimitConfig{{Window: time.Minute, Max: 5}}}),
			ratelimit.ScopeWrite,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			scopes := resolver.Resolve(humaContext(tt.method, tt.op))

			assert.Equal(t, []ratelimit.Scope{ratelimit.ScopeGlobal, tt.want}, scopes)
		})
	}
}

func TestOperationScopeResolver_MapMethod(t *testing.T) {
	t.Parallel()

	resolver := ratelimit.NewOperationScopeResolver().MapMethod(http.MethodDelete, ratelimit.ScopeAdmin)

	assert.Equal(t, []ratelimit.Scope{ratelimit.ScopeGlobal, ratelimit.ScopeAdmin},
		resolver.Resolve(humaContext(http.MethodDelete, nil)))
	assert.Equal(t, []ratelimit.Scope{ratelimit.ScopeGlobal, ratelimit.ScopeWrite},
		resolver.Resolve(humaContext(http.MethodPost, nil)))
}

func TestEndpointConfigOf(t *testing.T) {
	t.Parallel()

	limits := []ratelimit.LimitConfig{{Window: time.Minute, Max: 5}}

	tests := []struct {
		name string
		op   *huma.Operation
		want ratelimit.EndpointConfig
		mode ratelimit.Mode
	}{
		{"nil operation", nil, ratelimit.EndpointConfig{}, ratelimit.ModePolicy},
		{"no metadata", &huma.Operation{}, ratelimit.EndpointConfig{}, ratelimit.ModePolicy},
		{"wrong type", withConfig("nope"), ratelimit.EndpointConfig{}, ratelimit.ModePolicy},
		{"scope only", withConfig(ratelimit.EndpointConfig{Scope: ratelimit.ScopeAdmin}), ratelimit.EndpointConfig{Scope: ratelimit.ScopeAdmin}, ratelimit.ModePolicy},
		{"custom limits", withConfig(ratelimit.EndpointConfig{Limits: limits}), ratelimit.EndpointConfig{Limits: limits}, ratelimit.ModeCustom},
		{
			"disabled wins over limits",
			withConfig(ratelimit.EndpointConfig{Limits: limits, Disabled: true}),
			ratelimit.EndpointConfig{Limits: limits, Disabled: true},
			ratelimit.ModeDisabled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := ratelimit.EndpointConfigOf(tt.op)

			assert.Equal(t, tt.want, cfg)
			assert.Equal(t, tt.mode, cfg.Mode())
		})
	}
}
