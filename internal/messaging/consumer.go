package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// Handler processes a single event. Returning an error nacks the message.
type Handler[T any] func(ctx context.Context, event *T) error

// Outcome is what happened to one delivered message.
type Outcome string

const (
	// OutcomeProcessed messages were handled and acked.
	OutcomeProcessed Outcome = "processed"

	// OutcomeDropped messages could not be decoded and were acked without handling.
	OutcomeDropped Outcome = "dropped"

	// OutcomeFailed messages were nacked for redelivery.
	OutcomeFailed Outcome = "failed"
)

// Observer is told the outcome of every message a consumer receives.
type Observer func(topic string, outcome Outcome)

// ConsumerOption configures a Consumer.
type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	observe Observer
}

// WithObserver reports message outcomes to observe.
func WithObserver(observe Observer) ConsumerOption {
	return func(o *consumerOptions) {
		o.observe = observe
	}
}

// Consumer decodes JSON events from one topic and passes them to a typed handler.
type Consumer[T any] struct {
	subscriber message.Subscriber
	topic      string
	handler    Handler[T]
	observe    Observer
	logger     *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer creates a consumer of topic. Nothing is received until Start.
func NewConsumer[T any](
	subscriber message.Subscriber,
	topic string,
	handler Handler[T],
	logger *zap.Logger,
	opts ...ConsumerOption,
) *Consumer[T] {
	o := consumerOptions{observe: func(string, Outcome) {}}
	for _, opt := range opts {
		opt(&o)
	}

	return &Consumer[T]{
		subscriber: subscriber,
		topic:      topic,
		handler:    handler,
		observe:    o.observe,
		logger:     logger.With(zap.String("topic", topic)),
		done:       make(chan struct{}),
	}
}

func (c *Consumer[T]) Topic() string {
	return c.topic
}

// Start subscribes and handles messages in a background goroutine until ctx ends or
// Shutdown is called.
func (c *Consumer[T]) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	msgs, err := c.subscriber.Subscribe(ctx, c.topic)
	if err != nil {
		cancel()

		return fmt.Errorf("subscribe to %s: %w", c.topic, err)
	}

	c.cancel = cancel

	go func() {
		defer close(c.done)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				c.observe(c.topic, c.handle(ctx, msg))
			}
		}
	}()

	return nil
}

// handle acks undecodable payloads, since redelivery cannot fix them, and nacks handler
// failures.
func (c *Consumer[T]) handle(ctx context.Context, msg *message.Message) Outcome {
	logger := c.logger.With(zap.String("message_id", msg.UUID))

	var event T
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		logger.Error("dropping undecodable event", zap.Error(err))
		msg.Ack()

		return OutcomeDropped
	}

	if err := c.handler(ctx, &event); err != nil {
		logger.Warn("event handling failed, requesting redelivery", zap.Error(err))
		msg.Nack()

		return OutcomeFailed
	}

	msg.Ack()
	logger.Debug("event processed")

	return OutcomeProcessed
}

// Shutdown stops receiving and waits for the message in flight. It does nothing before
// Start.
func (c *Consumer[T]) Shutdown() error {
	if c.cancel == nil {
		return nil
	}

	c.cancel()
	<-c.done

	return nil
}
