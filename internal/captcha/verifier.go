// Package captcha verifies challenge tokens against reCAPTCHA-style siteverify endpoints.
// A Verifier is an abuse.Adapter whose Check reports a failed challenge as blocked.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/serroba/abuse/internal/abuse"
	"go.uber.org/zap"
)

// DefaultThreshold is the score boundary used when none is configured.
const DefaultThreshold = 0.5

// Result is the decoded siteverify response.
type Result struct {
	Success    bool     `json:"success"`
	Score      float64  `json:"score"`
	Hostname   string   `json:"hostname"`
	ErrorCodes []string `json:"error-codes"`
}

// Provider describes one verification service.
type Provider struct {
	Name     string
	Endpoint string

	// Safe decides whether a verified result is a human.
	Safe func(r Result, threshold float64) bool
}

var (
	// ReCaptcha scores run from 0.0 (bot) to 1.0 (human).
	ReCaptcha = Provider{
		Name:     "recaptcha",
		Endpoint: "https://www.google.com/recaptcha/api/siteverify",
		Safe: func(r Result, threshold float64) bool {
			return r.Success && r.Score > threshold
		},
	}

	// HCaptcha scores are risk scores from 0.0 (no risk) to 1.0 (confirmed threat).
	HCaptcha = Provider{
		Name:     "hcaptcha",
		Endpoint: "https://api.hcaptcha.com/siteverify",
		Safe: func(r Result, threshold float64) bool {
			return r.Success && r.Score < threshold
		},
	}

	// Turnstile has no score.
	Turnstile = Provider{
		Name:     "turnstile",
		Endpoint: "https://challenges.cloudflare.com/turnstile/v0/siteverify",
		Safe: func(r Result, _ float64) bool {
			return r.Success
		},
	}
)

// Providers indexes the built-in providers by name.
var Providers = map[string]Provider{
	ReCaptcha.Name: ReCaptcha,
	HCaptcha.Name:  HCaptcha,
	Turnstile.Name: Turnstile,
}

// Option configures a Verifier.
type Option func(*Verifier)

func WithThreshold(threshold float64) Option {
	return func(v *Verifier) {
		v.threshold = threshold
	}
}

// WithEndpoint overrides the provider's siteverify URL.
func WithEndpoint(endpoint string) Option {
	return func(v *Verifier) {
		v.endpoint = endpoint
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(v *Verifier) {
		v.httpClient = client
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// Verifier checks one challenge response for one client.
type Verifier struct {
	provider   Provider
	secret     string
	response   string
	remoteIP   string
	threshold  float64
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a verifier for the response token a client submitted.
func New(provider Provider, secret, response, remoteIP string, opts ...Option) *Verifier {
	v := &Verifier{
		provider:   provider,
		secret:     secret,
		response:   response,
		remoteIP:   remoteIP,
		threshold:  DefaultThreshold,
		endpoint:   provider.Endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Check returns true when the challenge failed.
func (v *Verifier) Check(ctx context.Context) (bool, error) {
	safe, err := v.IsSafe(ctx)
	if err != nil {
		return false, err
	}

	return !safe, nil
}

// IsSafe posts the token to the provider. An unreadable response counts as not safe.
func (v *Verifier) IsSafe(ctx context.Context) (bool, error) {
	form := url.Values{
		"secret":   {v.secret},
		"response": {v.response},
		"remoteip": {v.remoteIP},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("%s: create request: %w", v.provider.Name, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return false, abuse.Unavailable(v.provider.Name+" verify", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, abuse.Unavailable(v.provider.Name+" verify", err)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		v.logger.Warn("unreadable verification response",
			zap.String("provider", v.provider.Name),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)

		return false, nil
	}

	return v.provider.Safe(result, v.threshold), nil
}

func (v *Verifier) Logs(context.Context, int, int) ([]abuse.Record, error) {
	return nil, fmt.Errorf("%s logs: %w", v.provider.Name, abuse.ErrUnsupported)
}

func (v *Verifier) Cleanup(context.Context, time.Time) (bool, error) {
	return false, fmt.Errorf("%s cleanup: %w", v.provider.Name, abuse.ErrUnsupported)
}

// Compile-time check.
var _ abuse.Adapter = (*Verifier)(nil)
