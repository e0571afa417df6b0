package container

import (
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/samber/do"
	"github.com/serroba/abuse/internal/audit"
	auditstore "github.com/serroba/abuse/internal/audit/store"
	"github.com/serroba/abuse/internal/messaging"
	"github.com/serroba/abuse/internal/metrics"
	"go.uber.org/zap"
)

const auditConsumerGroup = "abuse-audit"

// PublisherGroupPackage provides the Redis Streams publisher and the typed audit publish
// function.
func PublisherGroupPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*messaging.PublisherGroup, error) {
		client := do.MustInvoke[*RedisClient](i)
		logger := do.MustInvoke[*zap.Logger](i)

		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
			Client:     client.Client,
			Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
		}, messaging.NewZapLogger(logger))
		if err != nil {
			return nil, err
		}

		return messaging.NewPublisherGroup(publisher), nil
	})

	do.Provide(injector, func(i *do.Injector) (messaging.Publish[audit.LimitExceededEvent], error) {
		group := do.MustInvoke[*messaging.PublisherGroup](i)

		return audit.NewPublish(group.Publisher()), nil
	})
}

// ConsumerGroupPackage provides the consumer group that records audit events. Events are
// logged, and counted per offender in the counter store unless the backend is in-memory.
func ConsumerGroupPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*messaging.ConsumerGroup, error) {
		opts := do.MustInvoke[*Options](i)
		client := do.MustInvoke[*RedisClient](i)
		logger := do.MustInvoke[*zap.Logger](i)
		m := do.MustInvoke[*metrics.Metrics](i)

		subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        client.Client,
			Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
			ConsumerGroup: auditConsumerGroup,
		}, messaging.NewZapLogger(logger))
		if err != nil {
			return nil, err
		}

		stores := audit.Stores{auditstore.NewLog(logger.Named("audit"))}

		if opts.Backend != BackendMemory {
			backend, err := do.Invoke[*Backend](i)
			if err != nil {
				_ = subscriber.Close()

				return nil, err
			}

			window := time.Duration(opts.OffenderWindowSeconds) * time.Second
			stores = append(stores, auditstore.NewOffenders(backend.Store, window))
		}

		observe := messaging.WithObserver(func(topic string, outcome messaging.Outcome) {
			m.ObserveAuditEvent(topic, string(outcome))
		})

		group := messaging.NewConsumerGroup(subscriber, logger)
		group.Add(audit.NewConsumer(subscriber, stores, logger, observe))

		return group, nil
	})
}
