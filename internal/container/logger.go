package container

import (
	"github.com/samber/do"
	"go.uber.org/zap"
)

// LoggerPackage provides a *zap.Logger. LogFormat "json" selects the production config.
func LoggerPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*zap.Logger, error) {
		opts := do.MustInvoke[*Options](i)

		if opts.LogFormat == "json" {
			return zap.NewProduction()
		}

		return zap.NewDevelopment()
	})
}
