package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/samber/do"
	"github.com/serroba/abuse/internal/container"
	"github.com/serroba/abuse/internal/messaging"
	"github.com/serroba/abuse/internal/metrics"
	"go.uber.org/zap"
)

func registerPackages(injector *do.Injector, options *container.Options) {
	do.ProvideValue(injector, options)
	container.LoggerPackage(injector)
	container.RedisPackage(injector)
	container.StorePackage(injector)
	container.MetricsPackage(injector)
	container.ConsumerGroupPackage(injector)
}

func main() {
	_ = godotenv.Load()

	cli := humacli.New(func(hooks humacli.Hooks, options *container.Options) {
		injector := do.New()
		registerPackages(injector, options)

		logger := do.MustInvoke[*zap.Logger](injector)

		// humacli calls OnStop on SIGINT or SIGTERM; cancelling ctx ends group.Run.
		ctx, cancel := context.WithCancel(context.Background())
		stopped := make(chan struct{})

		hooks.OnStart(func() {
			defer close(stopped)

			group := do.MustInvoke[*messaging.ConsumerGroup](injector)
			m := do.MustInvoke[*metrics.Metrics](injector)

			router := chi.NewMux()
			router.Handle("/metrics", m.Handler())

			server := &http.Server{
				Addr:              fmt.Sprintf(":%d", options.Port),
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", zap.Error(err))
				}
			}()

			logger.Info("consumer starting", zap.Int("metrics_port", options.Port))

			err := group.Run(ctx)
			if err != nil {
				logger.Error("consumer group stopped", zap.Error(err))
			}

			shutdown(server, injector, logger)

			if err != nil && ctx.Err() == nil {
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			cancel()
			<-stopped
		})
	})

	cli.Run()
}

func shutdown(server *http.Server, injector *do.Injector, logger *zap.Logger) {
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	if err := injector.Shutdown(); err != nil {
		logger.Error("service shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
}
