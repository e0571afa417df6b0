package handlers

import (
	"context"
	"fmt"

	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/metrics"
	"github.com/serroba/abuse/internal/timelimit"
	"go.uber.org/zap"
)

// AdminHandler exposes log listing and cleanup through the abuse facade.
type AdminHandler struct {
	abuse   *abuse.Abuse
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAdminHandler creates a handler for the given facade.
func NewAdminHandler(a *abuse.Abuse, m *metrics.Metrics, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		abuse:   a,
		metrics: m,
		logger:  logger,
	}
}

// Logs returns one page of stored counters.
func (h *AdminHandler) Logs(ctx context.Context, req *LogsRequest) (*LogsResponse, error) {
	records, err := h.abuse.Logs(ctx, req.Offset, req.Limit)
	if err != nil {
		h.metrics.ObserveError(err)
		h.logger.Error("list logs failed", zap.Error(err))

		return nil, toHTTPError(err)
	}

	resp := &LogsResponse{}
	resp.Body.Records = records

	if resp.Body.Records == nil {
		resp.Body.Records = []abuse.Record{}
	}

	return resp, nil
}

// Cleanup deletes counters whose window started before the cutoff.
func (h *AdminHandler) Cleanup(ctx context.Context, req *CleanupRequest) (*CleanupResponse, error) {
	cutoff, err := timelimit.ParseCutoff(req.Body.Before)
	if err != nil {
		return nil, toHTTPError(fmt.Errorf("%w: %w", abuse.ErrConfiguration, err))
	}

	complete, err := h.abuse.Cleanup(ctx, cutoff)
	if err != nil {
		h.metrics.ObserveError(err)
		h.logger.Error("cleanup failed", zap.Time("cutoff", cutoff), zap.Error(err))

		return nil, toHTTPError(err)
	}

	h.metrics.ObserveCleanup(complete)
	h.logger.Info("cleanup finished", zap.Time("cutoff", cutoff), zap.Bool("complete", complete))

	resp := &CleanupResponse{}
	resp.Body.Complete = complete

	return resp, nil
}
