package expiry

import (
	"context"

	"connectreward/pkg/featureflags"
	"connectreward/pkg/minio"
	"connectreward/pkg/taskname"
	"connectreward/services/settings"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("expiry.service",
	fx.Provide(
		NewService,
		func(s *settings.Service) Tenants { return s },
		provideArchiver,
		provideFlags,
	),
)

// WorkerModule registers the expiry handlers and the daily scheduler.
var WorkerModule = fx.Module("expiry.worker",
	fx.Provide(NewScheduler),
	fx.Invoke(registerHandlers, StartScheduler),
)

func registerHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.LedgerExpiryTenant, s.HandleExpiryTask)
	mux.HandleFunc(taskname.LedgerExpiryRun, s.HandleExpiryRunTask)
}

type archiverParams struct {
	fx.In
	Archiver *minio.Archiver `optional:"true"`
}

func provideArchiver(p archiverParams) Archiver {
	if p.Archiver == nil {
		return nil
	}
	return p.Archiver
}

type flagParams struct {
	fx.In
	Flags featureflags.FeatureFlag `optional:"true"`
}

type featureFlags struct {
	ff featureflags.FeatureFlag
}

func (f featureFlags) ExpiryEnabled(ctx context.Context, tenantID string) bool {
	return f.ff.Enabled(ctx, tenantID, ExpiryFeature, true)
}

func provideFlags(p flagParams) Flags {
	if p.Flags == nil {
		return nil
	}
	return featureFlags{ff: p.Flags}
}
