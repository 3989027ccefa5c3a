package bootstrap

import (
	"context"
	"fmt"

	"connectreward/pkg/config"
	"connectreward/pkg/db"
	"connectreward/services/catalog"
	"connectreward/services/expiry"
	"connectreward/services/ledger"
	"connectreward/services/notification"
	"connectreward/services/plan"
	"connectreward/services/referral"
	"connectreward/services/settings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	config   *config.Config
	settings *settings.Service
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Config   *config.Config
	Settings *settings.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		config:   p.Config,
		settings: p.Settings,
	}
}

// Models lists every table owned by the service.
func Models() []any {
	var models []any
	models = append(models, settings.Models()...)
	models = append(models, plan.Models()...)
	models = append(models, ledger.Models()...)
	models = append(models, referral.Models()...)
	models = append(models, catalog.Models()...)
	models = append(models, notification.Models()...)
	models = append(models, expiry.Models()...)
	return models
}

// Migrate brings the schema up to date when DATABASE.AUTO_MIGRATE is set.
func (s *Service) Migrate() error {
	if !s.config.Database.AutoMigrate {
		zap.L().Info("[bootstrap] auto migrate disabled")
		return nil
	}
	if err := db.Migrate(s.db, Models()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	zap.L().Info("[bootstrap] schema migrated", zap.Int("tables", len(Models())))
	return nil
}

// SeedTenant creates the configured default tenant on an empty database.
// It returns nil, nil when no tenant is configured or tenants already exist.
func (s *Service) SeedTenant(ctx context.Context) (*settings.Tenant, error) {
	name := s.config.Bootstrap.TenantName
	if name == "" {
		return nil, nil
	}

	ids, _, err := s.settings.ListTenantIDs(ctx, "", 1)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		zap.L().Info("[bootstrap] tenants already exist, skipping seed")
		return nil, nil
	}

	p := plan.Free
	if s.config.Bootstrap.TenantPlan != "" {
		if p, err = plan.Parse(s.config.Bootstrap.TenantPlan); err != nil {
			return nil, err
		}
	}

	t, err := s.settings.CreateTenant(ctx, settings.CreateTenantParams{Name: name, Plan: p})
	if err != nil {
		return nil, err
	}
	zap.L().Info("[bootstrap] default tenant created", zap.String("tenant_id", t.ID), zap.String("tenant_name", t.Name))
	return t, nil
}
