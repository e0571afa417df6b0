package ratelimit

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// Scope groups requests that share a limit.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeRead   Scope = "read"
	ScopeWrite  Scope = "write"

	// ScopeAdmin covers log listing and cleanup.
	ScopeAdmin Scope = "admin"

	// ScopeCustom tags limits taken from endpoint metadata instead of the policy.
	ScopeCustom Scope = "custom"
)

// MetadataKey holds an EndpointConfig in huma.Operation.Metadata.
const MetadataKey = "rateLimit"

// Mode tells the middleware which limits apply to an operation.
type Mode int

const (
	// ModePolicy checks the policy limits of the resolved scopes.
	ModePolicy Mode = iota

	// ModeCustom checks only the endpoint's own limits.
	ModeCustom

	// ModeDisabled skips rate limiting.
	ModeDisabled
)

// EndpointConfig overrides the policy for one operation. Non-empty Limits replace the
// policy, in which case Scope is ignored.
type EndpointConfig struct {
	Scope    Scope
	Limits   []LimitConfig
	Disabled bool
}

// Mode reports how the config is enforced. Disabled wins over Limits.
func (c EndpointConfig) Mode() Mode {
	switch {
	case c.Disabled:
		return ModeDisabled
	case len(c.Limits) > 0:
		return ModeCustom
	default:
		return ModePolicy
	}
}

// EndpointConfigOf returns the config attached to op, or the zero config when op carries
// none.
func EndpointConfigOf(op *huma.Operation) EndpointConfig {
	if op == nil {
		return EndpointConfig{}
	}

	cfg, _ := op.Metadata[MetadataKey].(EndpointConfig)

	return cfg
}

// ScopeResolver determines which scopes apply to a request.
type ScopeResolver interface {
	Resolve(ctx huma.Context) []Scope
}

// OperationScopeResolver puts every request in ScopeGlobal plus one more scope: the one set
// in the operation metadata, otherwise the scope mapped to the HTTP method. Unmapped
// methods count as writes.
type OperationScopeResolver struct {
	methods map[string]Scope
}

// NewOperationScopeResolver maps the safe methods to ScopeRead.
func NewOperationScopeResolver() *OperationScopeResolver {
	return &OperationScopeResolver{
		methods: map[string]Scope{
			http.MethodGet:     ScopeRead,
			http.MethodHead:    ScopeRead,
			http.MethodOptions: ScopeRead,
		},
	}
}

// MapMethod assigns scope to requests using method.
func (r *OperationScopeResolver) MapMethod(method string, scope Scope) *OperationScopeResolver {
	r.methods[method] = scope

	return r
}

func (r *OperationScopeResolver) Resolve(ctx huma.Context) []Scope {
	if cfg := EndpointConfigOf(ctx.Operation()); cfg.Scope != "" {
		return []Scope{ScopeGlobal, cfg.Scope}
	}

	scope, ok := r.methods[ctx.Method()]
	if !ok {
		scope = ScopeWrite
	}

	return []Scope{ScopeGlobal, scope}
}
