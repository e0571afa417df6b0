package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runnable is a consumer a ConsumerGroup can run.
type Runnable interface {
	Topic() string
	Start(ctx context.Context) error
	Shutdown() error
}

// ConsumerGroup runs consumers that share one subscriber and closes the subscriber once
// they stop.
type ConsumerGroup struct {
	subscriber message.Subscriber
	consumers  []Runnable
	logger     *zap.Logger

	mu   sync.Mutex
	stop context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// NewConsumerGroup creates a group reading from subscriber.
func NewConsumerGroup(subscriber message.Subscriber, logger *zap.Logger, consumers ...Runnable) *ConsumerGroup {
	return &ConsumerGroup{
		subscriber: subscriber,
		consumers:  consumers,
		logger:     logger,
	}
}

// Add registers consumers. It must be called before Run.
func (g *ConsumerGroup) Add(consumers ...Runnable) {
	g.consumers = append(g.consumers, consumers...)
}

// Run starts every consumer and blocks until ctx ends or Shutdown is called. When one
// consumer fails to start the others are stopped and its error is returned.
func (g *ConsumerGroup) Run(ctx context.Context) error {
	if len(g.consumers) == 0 {
		return errors.New("consumer group has no consumers")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.mu.Lock()
	g.stop = cancel
	g.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)

	for _, c := range g.consumers {
		eg.Go(func() error {
			if err := c.Start(ctx); err != nil {
				return fmt.Errorf("start %s consumer: %w", c.Topic(), err)
			}

			g.logger.Info("consumer started", zap.String("topic", c.Topic()))

			<-ctx.Done()

			return c.Shutdown()
		})
	}

	err := eg.Wait()

	g.logger.Info("consumer group stopped", zap.Int("consumers", len(g.consumers)), zap.Error(err))

	return errors.Join(err, g.close())
}

// Shutdown ends Run and closes the subscriber.
func (g *ConsumerGroup) Shutdown() error {
	g.mu.Lock()
	stop := g.stop
	g.mu.Unlock()

	if stop != nil {
		stop()
	}

	return g.close()
}

func (g *ConsumerGroup) close() error {
	g.closeOnce.Do(func() {
		g.closeErr = g.subscriber.Close()
	})

	return g.closeErr
}
