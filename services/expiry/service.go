package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"connectreward/pkg/task"
	"connectreward/pkg/taskname"
	"connectreward/services/ledger"
	"connectreward/services/notification"
	"connectreward/services/settings"
	"connectreward/services/tier"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// ExpiryFeature gates a tenant out of the daily sweep when switched off.
	ExpiryFeature = "points_expiry"

	tenantPageSize = 250
	lotBatchSize   = 200
	enqueueWorkers = 8
)

// Tenants lists tenants and their settings.
type Tenants interface {
	ListTenantIDs(ctx context.Context, after string, limit int) ([]string, string, error)
	GetSettings(ctx context.Context, tenantID string) (settings.TenantSettings, error)
}

// Archiver stores a run report under key.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// Flags reports whether a tenant takes part in the daily sweep.
type Flags interface {
	ExpiryEnabled(ctx context.Context, tenantID string) bool
}

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	enqueuer  task.Enqueuer
	tenants   Tenants
	projector *ledger.Projector
	notifier  notification.Notifier
	archiver  Archiver
	flags     Flags
	now       func() time.Time
}

type Params struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Enqueuer  task.Enqueuer `optional:"true"`
	Tenants   Tenants
	Projector *ledger.Projector
	Notifier  notification.Notifier `optional:"true"`
	Archiver  Archiver              `optional:"true"`
	Flags     Flags                 `optional:"true"`
}

func NewService(p Params) *Service {
	notifier := p.Notifier
	if notifier == nil {
		notifier = notification.Discard{}
	}
	return &Service{
		db:        p.DB,
		node:      p.Node,
		enqueuer:  p.Enqueuer,
		tenants:   p.Tenants,
		projector: p.Projector,
		notifier:  notifier,
		archiver:  p.Archiver,
		flags:     p.Flags,
		now:       time.Now,
	}
}

// EnqueueTenant schedules one tenant's expiry run. The task id is keyed by
// tenant and day so a second enqueue on the same day is dropped.
func (s *Service) EnqueueTenant(ctx context.Context, tenantID string) error {
	if s.enqueuer == nil {
		return fmt.Errorf("expiry: no task queue configured")
	}

	payload, err := json.Marshal(tenantPayload{TenantID: tenantID})
	if err != nil {
		return err
	}
	t := asynq.NewTask(taskname.LedgerExpiryTenant, payload)

	taskID := fmt.Sprintf("expiry:%s:%s", tenantID, s.now().UTC().Format("20060102"))
	_, err = s.enqueuer.Enqueue(ctx, t,
		asynq.TaskID(taskID),
		asynq.Queue(taskname.QueueLow),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Minute),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}

	zap.L().Info("enqueued expiry job",
		zap.String("tenant_id", tenantID),
		zap.String("task_id", taskID),
	)
	return nil
}

// EnqueueAllTenants pages through every tenant and enqueues its expiry run.
// It returns how many tenants were enqueued.
func (s *Service) EnqueueAllTenants(ctx context.Context) (int, error) {
	var total atomic.Int64
	var failed atomic.Int64
	var skipped atomic.Int64
	cursor := ""

	for {
		ids, next, err := s.tenants.ListTenantIDs(ctx, cursor, tenantPageSize)
		if err != nil {
			return int(total.Load()), err
		}
		if len(ids) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(enqueueWorkers)
		for _, id := range ids {
			g.Go(func() error {
				if s.flags != nil && !s.flags.ExpiryEnabled(gctx, id) {
					skipped.Add(1)
					return nil
				}
				if err := s.EnqueueTenant(gctx, id); err != nil {
					failed.Add(1)
					zap.L().Error("failed enqueue expiry job", zap.String("tenant_id", id), zap.Error(err))
					return nil
				}
				total.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return int(total.Load()), err
		}

		if next == "" {
			break
		}
		cursor = next
	}

	zap.L().Info("finished enqueue all expiry jobs",
		zap.Int64("total_tenants", total.Load()),
		zap.Int64("skipped", skipped.Load()),
		zap.Int64("failed", failed.Load()),
	)
	if failed.Load() > 0 {
		return int(total.Load()), fmt.Errorf("expiry: %d tenants failed to enqueue", failed.Load())
	}
	return int(total.Load()), nil
}

// HandleExpiryTask is the worker entry point for a tenant's expiry run.
func (s *Service) HandleExpiryTask(ctx context.Context, t *asynq.Task) error {
	var payload tenantPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid expiry payload", zap.Error(err))
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zap.L().Info("Processing expiry task", zap.String("tenant_id", payload.TenantID))

	job, err := s.RunExpiry(ctx, payload.TenantID)
	if err != nil {
		zap.L().Error("failed to process expiry job",
			zap.String("tenant_id", payload.TenantID),
			zap.Error(err),
		)
		return err
	}

	zap.L().Info("Finished expiry task",
		zap.String("tenant_id", payload.TenantID),
		zap.Int64("lots_expired", job.LotsExpired),
		zap.Int64("points_expired", job.PointsExpired),
	)
	return nil
}

// HandleExpiryRunTask fans a manual run out to every tenant.
func (s *Service) HandleExpiryRunTask(ctx context.Context, _ *asynq.Task) error {
	_, err := s.EnqueueAllTenants(ctx)
	return err
}

type accountExpiry struct {
	accountID    string
	tenantID     string
	points       int64
	previousTier tier.Tier
	tier         tier.Tier
}

// RunExpiry writes expired entries for every unspent lot of the tenant older
// than its expiration window.
func (s *Service) RunExpiry(ctx context.Context, tenantID string) (*Job, error) {
	started := s.now().UTC()
	job := &Job{
		ID:        s.node.Generate().String(),
		TenantID:  tenantID,
		Status:    JobRunning,
		StartedAt: &started,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, ledger.StorageError("failed to create expiry job", err)
	}

	ts, err := s.tenants.GetSettings(ctx, tenantID)
	if err != nil {
		return job, s.finish(ctx, job, nil, err)
	}

	cutoff, ok := ts.ExpiryCutoff(started)
	if !ok {
		return job, s.finish(ctx, job, nil, nil)
	}
	job.Cutoff = &cutoff
	th := ts.Thresholds()

	accounts := make(map[string]*accountExpiry)
	for {
		lots, err := s.projector.Store().ExpirableLots(ctx, tenantID, cutoff, lotBatchSize)
		if err != nil {
			return job, s.finish(ctx, job, accounts, err)
		}

		for _, lot := range lots {
			proj, err := s.projector.ExpireLot(ctx, th, lot)
			if err != nil {
				return job, s.finish(ctx, job, accounts, err)
			}
			if proj == nil {
				continue
			}

			amount := -proj.Entries[0].Amount
			job.LotsExpired++
			job.PointsExpired += amount

			acc, ok := accounts[proj.AccountID]
			if !ok {
				acc = &accountExpiry{accountID: proj.AccountID, tenantID: proj.TenantID, previousTier: proj.PreviousTier}
				accounts[proj.AccountID] = acc
			}
			acc.points += amount
			acc.tier = proj.Tier
		}

		if len(lots) < lotBatchSize {
			break
		}
	}

	return job, s.finish(ctx, job, accounts, nil)
}

func (s *Service) finish(ctx context.Context, job *Job, accounts map[string]*accountExpiry, runErr error) error {
	completed := s.now().UTC()
	job.CompletedAt = &completed
	job.Status = JobSuccess
	if runErr != nil {
		job.Status = JobFailed
		job.ErrorMsg = runErr.Error()
	}

	if len(accounts) > 0 {
		meta, _ := json.Marshal(map[string]any{"accounts": len(accounts)})
		job.Metadata = datatypes.JSON(meta)
	}

	if err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).Updates(map[string]any{
		"status":         job.Status,
		"cutoff":         job.Cutoff,
		"lots_expired":   job.LotsExpired,
		"points_expired": job.PointsExpired,
		"error_msg":      job.ErrorMsg,
		"completed_at":   job.CompletedAt,
		"metadata":       job.Metadata,
	}).Error; err != nil {
		zap.L().Error("failed to update expiry job", zap.String("job_id", job.ID), zap.Error(err))
	}

	s.archive(ctx, job, accounts)
	s.notify(ctx, accounts)
	return runErr
}

type accountReport struct {
	AccountID    string    `json:"account_id"`
	Points       int64     `json:"points"`
	PreviousTier tier.Tier `json:"previous_tier"`
	Tier         tier.Tier `json:"tier"`
}

type runReport struct {
	Job      *Job            `json:"job"`
	Accounts []accountReport `json:"accounts"`
}

// ArchiveKey is the object key of a run report.
func ArchiveKey(job *Job) string {
	return fmt.Sprintf("expiry/%s/%s.json", job.TenantID, job.ID)
}

// archive uploads the run report. A failed upload only logs; the job row
// stays the source of truth.
func (s *Service) archive(ctx context.Context, job *Job, accounts map[string]*accountExpiry) {
	if s.archiver == nil {
		return
	}

	report := runReport{Job: job, Accounts: make([]accountReport, 0, len(accounts))}
	for _, a := range accounts {
		report.Accounts = append(report.Accounts, accountReport{
			AccountID:    a.accountID,
			Points:       a.points,
			PreviousTier: a.previousTier,
			Tier:         a.tier,
		})
	}
	sort.Slice(report.Accounts, func(i, j int) bool {
		return report.Accounts[i].AccountID < report.Accounts[j].AccountID
	})

	body, err := json.Marshal(report)
	if err != nil {
		zap.L().Warn("failed to encode expiry report", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := s.archiver.Archive(ctx, ArchiveKey(job), body); err != nil {
		zap.L().Warn("failed to archive expiry report", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// notify runs after the expired entries committed, including on a partial
// run that stopped on an error.
func (s *Service) notify(ctx context.Context, accounts map[string]*accountExpiry) {
	var events []notification.Event
	for accountID, a := range accounts {
		events = append(events, notification.NewEvent(a.tenantID, accountID, -a.points, notification.KindPointsExpired,
			"Points Expired",
			fmt.Sprintf("%d points expired from your balance.", a.points),
		))
		if a.previousTier != "" && a.previousTier != a.tier {
			events = append(events, notification.NewEvent(a.tenantID, accountID, 0, notification.KindTierChange,
				"Tier Updated",
				fmt.Sprintf("You are now %s tier.", a.tier.Label()),
			))
		}
	}
	if len(events) == 0 {
		return
	}
	if err := s.notifier.Notify(ctx, events...); err != nil {
		zap.L().Warn("failed to publish expiry notifications", zap.Error(err))
	}
}

func (s *Service) Jobs(ctx context.Context, tenantID string) ([]*Job, error) {
	var out []*Job
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at desc").Find(&out).Error
	return out, err
}
