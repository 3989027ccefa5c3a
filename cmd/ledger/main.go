package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"connectreward/internal/httpapi"
	"connectreward/pkg/config"
	"connectreward/pkg/db"
	"connectreward/pkg/gen"
	"connectreward/pkg/hashistack/secretmanager"
	"connectreward/pkg/hashistack/servicediscover"
	"connectreward/pkg/health"
	"connectreward/pkg/logger"
	"connectreward/pkg/otelcol"
	"connectreward/pkg/profiling"
	"connectreward/pkg/redis"
	"connectreward/pkg/sequence"
	"connectreward/pkg/server"
	"connectreward/pkg/task"
	"connectreward/services/award"
	"connectreward/services/bootstrap"
	"connectreward/services/catalog"
	"connectreward/services/ledger"
	"connectreward/services/notification"
	"connectreward/services/plan"
	"connectreward/services/referral"
	"connectreward/services/settings"
)

func main() {
	opts := []fx.Option{
		configModule(),
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		task.Client,
		sequence.Module,
		otelcol.Module,
		profiling.Module,
		health.Module,
		ledger.Module,
		settings.Module,
		plan.Module,
		catalog.Module,
		referral.Module,
		notification.Module,
		award.Module,
		bootstrap.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		server.ProvideGRPCServer,
		health.GRPC,
		servicediscover.Module,
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
