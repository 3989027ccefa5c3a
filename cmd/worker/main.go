package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"connectreward/pkg/config"
	"connectreward/pkg/db"
	"connectreward/pkg/featureflags"
	"connectreward/pkg/gen"
	"connectreward/pkg/hashistack/secretmanager"
	"connectreward/pkg/logger"
	"connectreward/pkg/minio"
	"connectreward/pkg/otelcol"
	"connectreward/pkg/profiling"
	"connectreward/pkg/task"
	"connectreward/services/expiry"
	"connectreward/services/ledger"
	"connectreward/services/notification"
	"connectreward/services/settings"
)

// The worker consumes notification and expiry tasks and schedules the
// daily expiry sweep.
func main() {
	opts := []fx.Option{
		configModule(),
		logger.Module,
		db.Module,
		gen.Module,
		otelcol.Module,
		profiling.Module,
		task.Client,
		task.Server,
		featureflags.Module,
		minio.Client,
		ledger.Module,
		settings.Module,
		notification.Module,
		notification.WorkerModule,
		expiry.Module,
		expiry.WorkerModule,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

func configModule() fx.Option {
	if secretmanager.Enabled() {
		return fx.Options(secretmanager.Module, config.RemoteModule)
	}
	return config.Module
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})
