package settings

import (
	"context"
	"strings"
	"time"

	"connectreward/pkg/config"
	"connectreward/pkg/db/option"
	"connectreward/pkg/repository"
	"connectreward/services/ledger"
	"connectreward/services/plan"
	"connectreward/services/tier"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultCacheTTL = 5 * time.Minute

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	tenants repository.Repository[Tenant]
	cache   *Cache
}

type Params struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config `optional:"true"`
}

func NewService(p Params) *Service {
	ttl := defaultCacheTTL
	if p.Config != nil && p.Config.Ledger.SettingsCacheTTL > 0 {
		ttl = p.Config.Ledger.SettingsCacheTTL
	}
	return &Service{
		db:      p.DB,
		node:    p.Node,
		tenants: repository.ProvideStore[Tenant](p.DB),
		cache:   NewCache(ttl),
	}
}

type CreateTenantParams struct {
	Name     string          `json:"name"`
	Plan     plan.Plan       `json:"plan"`
	Settings *TenantSettings `json:"settings,omitempty"`
}

func (s *Service) CreateTenant(ctx context.Context, p CreateTenantParams) (*Tenant, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, ledger.ValidationError("name is required")
	}
	if p.Plan == "" {
		p.Plan = plan.Free
	}
	if !p.Plan.Valid() {
		return nil, ledger.ValidationError("unknown plan")
	}

	ts := Defaults()
	if p.Settings != nil {
		ts = *p.Settings
	}
	if err := ts.Validate(); err != nil {
		return nil, err
	}

	t := &Tenant{
		ID:       s.node.Generate().String(),
		Name:     p.Name,
		Plan:     p.Plan,
		Settings: datatypes.NewJSONType(ts),
	}
	if err := s.tenants.Create(ctx, t); err != nil {
		return nil, ledger.StorageError("failed to create tenant", err)
	}

	zap.L().Info("tenant created", zap.String("tenant_id", t.ID), zap.String("plan", string(t.Plan)))
	return t, nil
}

func (s *Service) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	if err := ledger.RequireID("tenant_id", tenantID); err != nil {
		return nil, err
	}
	t, err := s.cache.GetOrLoad(ctx, tenantID, func(ctx context.Context) (Tenant, error) {
		found, err := s.tenants.FindOne(ctx, &Tenant{ID: tenantID})
		if err != nil {
			return Tenant{}, ledger.StorageError("failed to read tenant", err)
		}
		if found == nil {
			return Tenant{}, ledger.NotFoundError("tenant not found")
		}
		return *found, nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Service) GetSettings(ctx context.Context, tenantID string) (TenantSettings, error) {
	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return TenantSettings{}, err
	}
	return t.Settings.Data(), nil
}

// UpdateSettings validates and replaces the tenant's settings.
func (s *Service) UpdateSettings(ctx context.Context, tenantID string, ts TenantSettings) (TenantSettings, error) {
	if err := ts.Validate(); err != nil {
		return TenantSettings{}, err
	}

	res := s.db.WithContext(ctx).Model(&Tenant{}).Where("id = ?", tenantID).Updates(map[string]any{
		"settings":   datatypes.NewJSONType(ts),
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return TenantSettings{}, ledger.StorageError("failed to update tenant settings", res.Error)
	}
	if res.RowsAffected == 0 {
		return TenantSettings{}, ledger.NotFoundError("tenant not found")
	}

	s.cache.Invalidate(tenantID)
	zap.L().Info("tenant settings updated", zap.String("tenant_id", tenantID))
	return ts, nil
}

func (s *Service) UpdatePlan(ctx context.Context, tenantID string, p plan.Plan) error {
	if !p.Valid() {
		return ledger.ValidationError("unknown plan")
	}

	res := s.db.WithContext(ctx).Model(&Tenant{}).Where("id = ?", tenantID).Updates(map[string]any{
		"plan":       p,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return ledger.StorageError("failed to update tenant plan", res.Error)
	}
	if res.RowsAffected == 0 {
		return ledger.NotFoundError("tenant not found")
	}

	s.cache.Invalidate(tenantID)
	return nil
}

func (s *Service) PlanOf(ctx context.Context, tenantID string) (plan.Plan, error) {
	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return t.Plan, nil
}

func (s *Service) Thresholds(ctx context.Context, tenantID string) (tier.Thresholds, error) {
	ts, err := s.GetSettings(ctx, tenantID)
	if err != nil {
		return tier.Thresholds{}, err
	}
	return ts.Thresholds(), nil
}

// ListTenantIDs pages through tenant ids in id order. An empty next cursor
// means the last page was returned.
func (s *Service) ListTenantIDs(ctx context.Context, after string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = 250
	}

	tenants, err := s.tenants.Find(ctx, nil,
		option.ApplyOperator(option.Condition{Field: "id", Operator: option.GT, Value: after}),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
		option.WithLimit(limit),
	)
	if err != nil {
		return nil, "", ledger.StorageError("failed to list tenants", err)
	}

	ids := make([]string, 0, len(tenants))
	for _, t := range tenants {
		ids = append(ids, t.ID)
	}

	next := ""
	if len(ids) == limit {
		next = ids[len(ids)-1]
	}
	return ids, next, nil
}
