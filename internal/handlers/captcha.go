package handlers

import (
	"context"
	"fmt"

	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/captcha"
	"github.com/serroba/abuse/internal/metrics"
	"go.uber.org/zap"
)

// CaptchaHandler verifies challenge tokens with the configured providers.
type CaptchaHandler struct {
	secrets map[string]string
	options []captcha.Option
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCaptchaHandler creates a handler. secrets maps provider names to their secret keys;
// providers without a secret are rejected.
func NewCaptchaHandler(
	secrets map[string]string,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts ...captcha.Option,
) *CaptchaHandler {
	return &CaptchaHandler{
		secrets: secrets,
		options: append([]captcha.Option{captcha.WithLogger(logger)}, opts...),
		metrics: m,
		logger:  logger,
	}
}

// Verify checks the token through the abuse facade.
func (h *CaptchaHandler) Verify(ctx context.Context, req *CaptchaRequest) (*CaptchaResponse, error) {
	provider, ok := captcha.Providers[req.Body.Provider]
	if !ok {
		return nil, toHTTPError(fmt.Errorf("%w: unknown provider %q", abuse.ErrConfiguration, req.Body.Provider))
	}

	secret := h.secrets[provider.Name]
	if secret == "" {
		return nil, toHTTPError(fmt.Errorf("%w: provider %q is not configured", abuse.ErrConfiguration, provider.Name))
	}

	meta := RequestMetaFromContext(ctx)
	verifier := captcha.New(provider, secret, req.Body.Response, meta.ClientIP, h.options...)

	abusive, err := abuse.New(verifier).Check(ctx)
	h.metrics.ObserveCheck(abusive, err)

	if err != nil {
		h.logger.Error("captcha verification failed", zap.String("provider", provider.Name), zap.Error(err))

		return nil, toHTTPError(err)
	}

	resp := &CaptchaResponse{}
	resp.Body.Abusive = abusive

	return resp, nil
}
