// Package audit carries limit-exceeded events from the API to the consumer process.
package audit

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/serroba/abuse/internal/messaging"
	"go.uber.org/zap"
)

// Store persists audit events.
type Store interface {
	SaveLimitExceeded(ctx context.Context, event *LimitExceededEvent) error
}

// Stores saves every event to each of its stores. All stores are tried; the errors of the
// failing ones are joined.
type Stores []Store

func (s Stores) SaveLimitExceeded(ctx context.Context, event *LimitExceededEvent) error {
	errs := make([]error, 0, len(s))
	for _, store := range s {
		errs = append(errs, store.SaveLimitExceeded(ctx, event))
	}

	return errors.Join(errs...)
}

// NewPublish returns the publish function used by the rate limit middleware.
func NewPublish(publisher message.Publisher) messaging.Publish[LimitExceededEvent] {
	return messaging.NewPublishFunc[LimitExceededEvent](publisher, TopicLimitExceeded)
}

// NewConsumer subscribes store to the limit-exceeded topic.
func NewConsumer(
	subscriber message.Subscriber,
	store Store,
	logger *zap.Logger,
	opts ...messaging.ConsumerOption,
) *messaging.Consumer[LimitExceededEvent] {
	return messaging.NewConsumer[LimitExceededEvent](
		subscriber, TopicLimitExceeded, store.SaveLimitExceeded, logger, opts...,
	)
}

// Compile-time check.
var _ Store = Stores(nil)
