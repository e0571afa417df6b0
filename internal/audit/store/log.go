package store

import (
	"context"

	"github.com/serroba/abuse/internal/audit"
	"go.uber.org/zap"
)

// Log is an audit.Store that writes every event as a structured log entry.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a new logging audit store.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) SaveLimitExceeded(_ context.Context, event *audit.LimitExceededEvent) error {
	l.logger.Info("limit exceeded",
		zap.String("key", event.Key),
		zap.Int64("limit", event.Limit),
		zap.Time("windowStart", event.WindowStart),
		zap.String("scope", event.Scope),
		zap.String("clientIp", event.ClientIP),
		zap.String("userAgent", event.UserAgent),
		zap.String("requestId", event.RequestID),
		zap.Time("occurredAt", event.OccurredAt),
	)

	return nil
}

// Compile-time check.
var _ audit.Store = (*Log)(nil)
