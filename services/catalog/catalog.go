package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"connectreward/pkg/db/option"
	"connectreward/pkg/errutil"
	"connectreward/pkg/repository"
	"connectreward/services/ledger"
	"connectreward/services/plan"
	"connectreward/services/tier"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Catalog owns the tenant-scoped records that feed the award engine:
// customer accounts, services, rewards, redemptions and team members.
type Catalog struct {
	db          *gorm.DB
	node        *snowflake.Node
	guard       *plan.Guard
	accounts    repository.Repository[ledger.Account]
	services    repository.Repository[Service]
	rewards     repository.Repository[Reward]
	redemptions repository.Repository[Redemption]
	members     repository.Repository[TeamMember]
}

type Params struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Guard *plan.Guard
}

func New(p Params) *Catalog {
	return &Catalog{
		db:          p.DB,
		node:        p.Node,
		guard:       p.Guard,
		accounts:    repository.ProvideStore[ledger.Account](p.DB),
		services:    repository.ProvideStore[Service](p.DB),
		rewards:     repository.ProvideStore[Reward](p.DB),
		redemptions: repository.ProvideStore[Redemption](p.DB),
		members:     repository.ProvideStore[TeamMember](p.DB),
	}
}

type CreateAccountParams struct {
	TenantID   string `json:"-"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
}

// CreateAccount opens a customer points account at zero balance.
func (c *Catalog) CreateAccount(ctx context.Context, p CreateAccountParams) (*ledger.Account, error) {
	if err := ledger.RequireID("tenant_id", p.TenantID); err != nil {
		return nil, err
	}
	acc := &ledger.Account{
		ID:         c.node.Generate().String(),
		TenantID:   p.TenantID,
		ExternalID: p.ExternalID,
		Name:       p.Name,
		Email:      p.Email,
		Tier:       tier.Bronze,
	}

	err := c.guard.Admit(ctx, p.TenantID, plan.Customers,
		func(tx *gorm.DB) (int64, error) {
			return c.accounts.WithTrx(tx).Count(ctx, &ledger.Account{TenantID: p.TenantID})
		},
		func(tx *gorm.DB) error {
			return c.accounts.WithTrx(tx).Create(ctx, acc)
		},
	)
	if err != nil {
		return nil, err
	}

	zap.L().Info("account created", zap.String("tenant_id", acc.TenantID), zap.String("account_id", acc.ID))
	return acc, nil
}

type CreateServiceParams struct {
	TenantID    string `json:"-"`
	Name        string `json:"name"`
	PointsValue int64  `json:"points_value"`
}

func (c *Catalog) CreateService(ctx context.Context, p CreateServiceParams) (*Service, error) {
	if err := ledger.RequireID("tenant_id", p.TenantID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, ledger.ValidationError("name is required")
	}
	if p.PointsValue < 0 {
		return nil, ledger.ValidationError("points_value must not be negative")
	}

	svc := &Service{
		ID:          c.node.Generate().String(),
		TenantID:    p.TenantID,
		Name:        p.Name,
		PointsValue: p.PointsValue,
		Active:      true,
	}
	if err := c.services.Create(ctx, svc); err != nil {
		return nil, ledger.StorageError("failed to create service", err)
	}
	return svc, nil
}

// ServiceTx returns the tenant's service, or nil when it does not exist.
func (c *Catalog) ServiceTx(ctx context.Context, tx *gorm.DB, tenantID, serviceID string) (*Service, error) {
	svc, err := c.services.WithTrx(tx).FindOne(ctx, &Service{ID: serviceID, TenantID: tenantID})
	if err != nil {
		return nil, ledger.StorageError("failed to read service", err)
	}
	return svc, nil
}

type CreateRewardParams struct {
	TenantID     string    `json:"-"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	PointsCost   int64     `json:"points_cost"`
	MinTier      tier.Tier `json:"min_tier"`
	QuantityLeft *int64    `json:"quantity_left"`
}

func (p CreateRewardParams) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return ledger.ValidationError("name is required")
	}
	if p.PointsCost <= 0 {
		return ledger.ValidationError("points_cost must be positive")
	}
	if p.MinTier != "" && !p.MinTier.Valid() {
		return ledger.ValidationError("unknown min_tier")
	}
	if p.QuantityLeft != nil && *p.QuantityLeft < 0 {
		return ledger.ValidationError("quantity_left must not be negative")
	}
	return nil
}

// CreateReward adds an active reward within the tenant's plan limit.
func (c *Catalog) CreateReward(ctx context.Context, p CreateRewardParams) (*Reward, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.MinTier == "" {
		p.MinTier = tier.Bronze
	}

	r := &Reward{
		ID:           c.node.Generate().String(),
		TenantID:     p.TenantID,
		Name:         p.Name,
		Description:  p.Description,
		PointsCost:   p.PointsCost,
		MinTier:      p.MinTier,
		Active:       true,
		QuantityLeft: p.QuantityLeft,
	}

	err := c.guard.Admit(ctx, p.TenantID, plan.Rewards,
		func(tx *gorm.DB) (int64, error) {
			return c.rewards.WithTrx(tx).Count(ctx, &Reward{TenantID: p.TenantID})
		},
		func(tx *gorm.DB) error {
			return c.rewards.WithTrx(tx).Create(ctx, r)
		},
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Catalog) Reward(ctx context.Context, rewardID string) (*Reward, error) {
	if err := ledger.RequireID("reward_id", rewardID); err != nil {
		return nil, err
	}
	r, err := c.rewards.FindOne(ctx, &Reward{ID: rewardID})
	if err != nil {
		return nil, ledger.StorageError("failed to read reward", err)
	}
	if r == nil {
		return nil, ledger.NotFoundError("reward not found")
	}
	return r, nil
}

func (c *Catalog) SetRewardActive(ctx context.Context, rewardID string, active bool) error {
	res := c.db.WithContext(ctx).Model(&Reward{}).Where("id = ?", rewardID).
		Updates(map[string]any{"active": active, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return ledger.StorageError("failed to update reward", res.Error)
	}
	if res.RowsAffected == 0 {
		return ledger.NotFoundError("reward not found")
	}
	return nil
}

// TakeStockTx decrements a finite reward's stock by one. It fails with a
// limit error when the stock is already exhausted; unlimited rewards are
// left untouched.
func (c *Catalog) TakeStockTx(ctx context.Context, tx *gorm.DB, r *Reward) error {
	if r.QuantityLeft == nil {
		return nil
	}

	res := tx.WithContext(ctx).Model(&Reward{}).
		Where("id = ? AND quantity_left IS NOT NULL AND quantity_left > 0", r.ID).
		Updates(map[string]any{
			"quantity_left": gorm.Expr("quantity_left - 1"),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return ledger.StorageError("failed to update reward stock", res.Error)
	}
	if res.RowsAffected == 0 {
		return ledger.LimitExceededError("reward is out of stock")
	}
	return nil
}

func (c *Catalog) CreateRedemptionTx(ctx context.Context, tx *gorm.DB, r *Redemption) error {
	if r.ID == "" {
		r.ID = c.node.Generate().String()
	}
	if r.Status == "" {
		r.Status = RedemptionPending
	}
	if r.Code == "" {
		r.Code = "RDM-" + r.ID
	}
	if err := c.redemptions.WithTrx(tx).Create(ctx, r); err != nil {
		return ledger.StorageError("failed to create redemption", err)
	}
	return nil
}

func (c *Catalog) LinkRedemptionEntryTx(ctx context.Context, tx *gorm.DB, redemptionID, entryID string) error {
	if err := c.redemptions.WithTrx(tx).Update(ctx, redemptionID, &map[string]any{"entry_id": entryID}); err != nil {
		return ledger.StorageError("failed to link redemption entry", err)
	}
	return nil
}

func (c *Catalog) Redemptions(ctx context.Context, accountID string) ([]*Redemption, error) {
	out, err := c.redemptions.Find(ctx, &Redemption{AccountID: accountID},
		option.WithSortBy(option.QuerySortBy{OrderBy: "desc"}))
	if err != nil {
		return nil, ledger.StorageError("failed to list redemptions", err)
	}
	return out, nil
}

type AddTeamMemberParams struct {
	TenantID string `json:"-"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

// AddTeamMember adds a staff seat within the tenant's plan limit.
func (c *Catalog) AddTeamMember(ctx context.Context, p AddTeamMemberParams) (*TeamMember, error) {
	if err := ledger.RequireID("tenant_id", p.TenantID); err != nil {
		return nil, err
	}
	email := strings.ToLower(strings.TrimSpace(p.Email))
	if email == "" {
		return nil, ledger.ValidationError("email is required")
	}
	role := p.Role
	if role == "" {
		role = "staff"
	}

	m := &TeamMember{
		ID:       c.node.Generate().String(),
		TenantID: p.TenantID,
		Email:    email,
		Name:     p.Name,
		Role:     role,
	}

	err := c.guard.Admit(ctx, p.TenantID, plan.TeamMembers,
		func(tx *gorm.DB) (int64, error) {
			return c.members.WithTrx(tx).Count(ctx, &TeamMember{TenantID: p.TenantID})
		},
		func(tx *gorm.DB) error {
			err := c.members.WithTrx(tx).Create(ctx, m)
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ledger.ValidationError("team member already exists", errutil.Detail{Field: "email", Message: "already taken"})
			}
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}
