package health

import (
	"context"
	"time"

	"go.uber.org/fx"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const grpcProbeInterval = 10 * time.Second

var GRPC = fx.Module("health.grpc", fx.Invoke(WatchGRPC))

// WatchGRPC mirrors the dependency checks onto the grpc health service.
func WatchGRPC(lc fx.Lifecycle, svc HealthService, hs *grpchealth.Server) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(grpcProbeInterval)
				defer ticker.Stop()
				for {
					hs.SetServingStatus("", servingStatus(svc.Check(ctx)))
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func servingStatus(h *Health) healthpb.HealthCheckResponse_ServingStatus {
	if h.Status == StatusHealthy {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
