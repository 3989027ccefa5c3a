package plan

import (
	"context"
	"fmt"
	"time"

	"connectreward/pkg/db/option"
	"connectreward/pkg/repository"
	"connectreward/services/ledger"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AdmissionSlot is locked while a (tenant, resource) count is checked and a
// new row inserted, so concurrent creations cannot both pass a stale count.
type AdmissionSlot struct {
	TenantID  string    `gorm:"column:tenant_id;primaryKey"`
	Resource  Resource  `gorm:"column:resource;primaryKey;type:varchar(32)"`
	Admitted  int64     `gorm:"column:admitted;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

type Resolver interface {
	PlanOf(ctx context.Context, tenantID string) (Plan, error)
}

type Guard struct {
	db    *gorm.DB
	plans Resolver
	slots repository.Repository[AdmissionSlot]
	// attempts bounds retries on concurrency conflicts.
	attempts int
}

type GuardParams struct {
	fx.In
	DB    *gorm.DB
	Plans Resolver
}

func NewGuard(p GuardParams) *Guard {
	return &Guard{
		db:       p.DB,
		plans:    p.Plans,
		slots:    repository.ProvideStore[AdmissionSlot](p.DB),
		attempts: ledger.DefaultRetryAttempts,
	}
}

// Counter returns the current number of resources inside tx.
type Counter func(tx *gorm.DB) (int64, error)

// Insert creates the resource inside tx.
type Insert func(tx *gorm.DB) error

// Admit re-checks the plan limit and runs insert in one transaction that
// holds the (tenant, resource) slot lock. insert and counter must use tx.
func (g *Guard) Admit(ctx context.Context, tenantID string, resource Resource, counter Counter, insert Insert) error {
	if err := ledger.RequireID("tenant_id", tenantID); err != nil {
		return err
	}
	p, err := g.plans.PlanOf(ctx, tenantID)
	if err != nil {
		return err
	}

	return ledger.Retry(ctx, g.attempts, func() error {
		return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := g.lockSlot(ctx, tx, tenantID, resource); err != nil {
				return err
			}

			count, err := counter(tx)
			if err != nil {
				return ledger.StorageError("failed to count "+string(resource), err)
			}

			if IsAtLimit(p, resource, count) {
				zap.L().Info("admission rejected",
					zap.String("tenant_id", tenantID),
					zap.String("resource", string(resource)),
					zap.String("plan", string(p)),
					zap.Int64("count", count),
				)
				return ledger.LimitExceededError(fmt.Sprintf("%s plan allows at most %d %s", p, Limit(p, resource), resource))
			}

			if err := insert(tx); err != nil {
				return ledger.StorageError("failed to create "+string(resource), err)
			}

			return tx.Model(&AdmissionSlot{}).
				Where("tenant_id = ? AND resource = ?", tenantID, resource).
				Updates(map[string]any{
					"admitted":   gorm.Expr("admitted + 1"),
					"updated_at": time.Now().UTC(),
				}).Error
		})
	})
}

func (g *Guard) lockSlot(ctx context.Context, tx *gorm.DB, tenantID string, resource Resource) error {
	slot := &AdmissionSlot{TenantID: tenantID, Resource: resource, UpdatedAt: time.Now().UTC()}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(slot).Error; err != nil {
		return ledger.StorageError("failed to create admission slot", err)
	}

	locked, err := g.slots.WithTrx(tx).FindOne(ctx, &AdmissionSlot{TenantID: tenantID, Resource: resource}, option.WithLockingUpdate())
	if err != nil {
		return ledger.StorageError("failed to lock admission slot", err)
	}
	if locked == nil {
		return ledger.ConflictError("admission slot not visible yet")
	}
	return nil
}

func Models() []any {
	return []any{&AdmissionSlot{}}
}
