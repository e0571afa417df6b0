package handlers

import (
	"context"
	"maps"
	"slices"

	"github.com/serroba/abuse/internal/metrics"
	"github.com/serroba/abuse/internal/timelimit"
	"go.uber.org/zap"
)

// CheckHandler runs time-limit checks against the configured store.
type CheckHandler struct {
	store   timelimit.Store
	clock   timelimit.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCheckHandler creates a handler. A nil clock uses the system clock.
func NewCheckHandler(store timelimit.Store, clock timelimit.Clock, m *metrics.Metrics, logger *zap.Logger) *CheckHandler {
	if clock == nil {
		clock = timelimit.RealClock{}
	}

	return &CheckHandler{
		store:   store,
		clock:   clock,
		metrics: m,
		logger:  logger,
	}
}

// Check records an attempt and reports whether the counter is over its limit.
func (h *CheckHandler) Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error) {
	limiter, err := h.limiter(req.Body)
	if err != nil {
		return nil, toHTTPError(err)
	}

	blocked, err := limiter.Check(ctx)
	h.metrics.ObserveCheck(blocked, err)

	if err != nil {
		h.logger.Error("check failed", zap.String("key", limiter.Key()), zap.Error(err))

		return nil, toHTTPError(err)
	}

	remaining, err := limiter.Remaining(ctx)
	if err != nil {
		h.metrics.ObserveError(err)

		return nil, toHTTPError(err)
	}

	resp := &CheckResponse{}
	resp.Body.Key = limiter.Key()
	resp.Body.Blocked = blocked
	resp.Body.Remaining = remaining
	resp.Body.Limit = limiter.Limit()
	resp.Body.WindowStart = limiter.WindowStart()

	return resp, nil
}

// Reset clears the counter for the current window.
func (h *CheckHandler) Reset(ctx context.Context, req *ResetRequest) (*struct{}, error) {
	limiter, err := h.limiter(req.Body)
	if err != nil {
		return nil, toHTTPError(err)
	}

	if err := limiter.Reset(ctx); err != nil {
		h.metrics.ObserveError(err)
		h.logger.Error("reset failed", zap.String("key", limiter.Key()), zap.Error(err))

		return nil, toHTTPError(err)
	}

	h.logger.Info("counter reset", zap.String("key", limiter.Key()))

	return nil, nil //nolint:nilnil // huma answers 204 for a nil output
}

// limiter builds a limiter for body. Params are applied in token order so the resolved key
// does not depend on map iteration.
func (h *CheckHandler) limiter(body CounterBody) (*timelimit.Limiter, error) {
	limiter, err := timelimit.New(h.store, body.Key, body.Limit, body.WindowSeconds,
		timelimit.WithClock(h.clock),
		timelimit.WithLogger(h.logger),
	)
	if err != nil {
		return nil, err
	}

	for _, token := range slices.Sorted(maps.Keys(body.Params)) {
		limiter.SetParam(token, body.Params[token])
	}

	return limiter, nil
}
