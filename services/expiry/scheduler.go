package expiry

import (
	"context"
	"time"

	"connectreward/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultRunHour = 2

type Scheduler struct {
	service *Service
	hour    int
	cancel  context.CancelFunc
}

type SchedulerParams struct {
	fx.In
	Service *Service
	Config  *config.Config `optional:"true"`
}

func NewScheduler(p SchedulerParams) *Scheduler {
	hour := defaultRunHour
	if p.Config != nil && p.Config.Ledger.ExpiryHour >= 0 && p.Config.Ledger.ExpiryHour < 24 {
		hour = p.Config.Ledger.ExpiryHour
	}
	return &Scheduler{service: p.Service, hour: hour}
}

// StartScheduler runs the daily loop for the lifetime of the fx app.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			s.cancel = cancel
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if s.cancel != nil {
				s.cancel()
			}
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started points expiry scheduler", zap.Int("hour_utc", s.hour))

	for {
		now := time.Now().UTC()
		next := nextRunTime(now, s.hour, 0)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)
		select {
		case <-time.After(sleepDuration):
			s.runDaily(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context) {
	start := time.Now()
	zap.L().Info("[Scheduler] Running daily expiry enqueue job")

	n, err := s.service.EnqueueAllTenants(ctx)
	if err != nil {
		zap.L().Error("[Scheduler] failed enqueue all tenants", zap.Int("enqueued", n), zap.Error(err))
		return
	}

	zap.L().Info("[Scheduler] Finished enqueue all tenants",
		zap.Int("enqueued", n),
		zap.Duration("duration", time.Since(start)),
	)
}

// nextRunTime returns the next occurrence of hour:minute strictly after now.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
