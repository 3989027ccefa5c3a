package referral

import (
	"context"
	"fmt"
	"strings"
	"time"

	"connectreward/pkg/db/option"
	"connectreward/pkg/repository"
	"connectreward/services/ledger"
	"connectreward/services/plan"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	guard     *plan.Guard
	referrals repository.Repository[Referral]
	accounts  repository.Repository[ledger.Account]
}

type Params struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Guard *plan.Guard
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		guard:     p.Guard,
		referrals: repository.ProvideStore[Referral](p.DB),
		accounts:  repository.ProvideStore[ledger.Account](p.DB),
	}
}

type CreateParams struct {
	TenantID          string `json:"-"`
	ReferrerAccountID string `json:"referrer_account_id"`
	RefereeName       string `json:"referee_name"`
	RefereeEmail      string `json:"referee_email"`
	RefereePhone      string `json:"referee_phone"`
	ServiceID         string `json:"service_id"`
	Notes             string `json:"notes"`
}

// CreateReferral records a new pending referral within the tenant's plan
// limit.
func (s *Service) CreateReferral(ctx context.Context, p CreateParams) (*Referral, error) {
	if err := ledger.RequireID("tenant_id", p.TenantID); err != nil {
		return nil, err
	}
	if err := ledger.RequireID("referrer_account_id", p.ReferrerAccountID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.RefereeName) == "" {
		return nil, ledger.ValidationError("referee_name is required")
	}

	acc, err := s.accounts.FindOne(ctx, &ledger.Account{ID: p.ReferrerAccountID, TenantID: p.TenantID})
	if err != nil {
		return nil, ledger.StorageError("failed to read referrer", err)
	}
	if acc == nil {
		return nil, ledger.NotFoundError("referrer account not found")
	}

	r := &Referral{
		ID:                s.node.Generate().String(),
		TenantID:          p.TenantID,
		ReferrerAccountID: acc.ID,
		RefereeName:       p.RefereeName,
		RefereeEmail:      p.RefereeEmail,
		RefereePhone:      p.RefereePhone,
		ServiceID:         p.ServiceID,
		Notes:             p.Notes,
		Status:            StatusPending,
	}

	err = s.guard.Admit(ctx, p.TenantID, plan.Referrals,
		func(tx *gorm.DB) (int64, error) {
			return s.referrals.WithTrx(tx).Count(ctx, &Referral{TenantID: p.TenantID})
		},
		func(tx *gorm.DB) error {
			return s.referrals.WithTrx(tx).Create(ctx, r)
		},
	)
	if err != nil {
		return nil, err
	}

	zap.L().Info("referral created",
		zap.String("tenant_id", r.TenantID),
		zap.String("referral_id", r.ID),
		zap.String("referrer_account_id", r.ReferrerAccountID),
	)
	return r, nil
}

func (s *Service) Get(ctx context.Context, referralID string) (*Referral, error) {
	if err := ledger.RequireID("referral_id", referralID); err != nil {
		return nil, err
	}
	r, err := s.referrals.FindOne(ctx, &Referral{ID: referralID})
	if err != nil {
		return nil, ledger.StorageError("failed to read referral", err)
	}
	if r == nil {
		return nil, ledger.NotFoundError("referral not found")
	}
	return r, nil
}

// LockTx reads the referral with a write lock held until tx ends.
func (s *Service) LockTx(ctx context.Context, tx *gorm.DB, referralID string) (*Referral, error) {
	if err := ledger.RequireID("referral_id", referralID); err != nil {
		return nil, err
	}
	r, err := s.referrals.WithTrx(tx).FindOne(ctx, &Referral{ID: referralID}, option.WithLockingUpdate())
	if err != nil {
		return nil, ledger.StorageError("failed to lock referral", err)
	}
	if r == nil {
		return nil, ledger.NotFoundError("referral not found")
	}
	return r, nil
}

// MoveTx moves a locked referral to a new non-won status.
func (s *Service) MoveTx(ctx context.Context, tx *gorm.DB, r *Referral, to Status) error {
	if to == StatusWon {
		return ledger.ValidationError("won is reached only by completing the referral")
	}
	if !CanTransition(r.Status, to) {
		return ledger.ValidationError(fmt.Sprintf("cannot move referral from %s to %s", r.Status, to))
	}

	res := tx.WithContext(ctx).Model(&Referral{}).
		Where("id = ? AND status = ?", r.ID, r.Status).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return ledger.StorageError("failed to update referral", res.Error)
	}
	if res.RowsAffected == 0 {
		return ledger.ConflictError("referral changed concurrently")
	}
	r.Status = to
	return nil
}

// MarkWonTx records the award on a locked referral. It only succeeds while
// points_awarded is still zero.
func (s *Service) MarkWonTx(ctx context.Context, tx *gorm.DB, r *Referral, points int64) error {
	if !CanTransition(r.Status, StatusWon) {
		return ledger.ValidationError(fmt.Sprintf("cannot complete referral in status %s", r.Status))
	}

	now := time.Now().UTC()
	res := tx.WithContext(ctx).Model(&Referral{}).
		Where("id = ? AND points_awarded = 0 AND status <> ?", r.ID, StatusWon).
		Updates(map[string]any{
			"status":         StatusWon,
			"points_awarded": points,
			"won_at":         now,
			"updated_at":     now,
		})
	if res.Error != nil {
		return ledger.StorageError("failed to complete referral", res.Error)
	}
	if res.RowsAffected == 0 {
		return ledger.ConflictError("referral already completed")
	}
	r.Status = StatusWon
	r.PointsAwarded = points
	r.WonAt = &now
	return nil
}

// CountWonTx counts the referrer's won referrals as seen by tx.
func (s *Service) CountWonTx(ctx context.Context, tx *gorm.DB, referrerAccountID string) (int64, error) {
	n, err := s.referrals.WithTrx(tx).Count(ctx, &Referral{ReferrerAccountID: referrerAccountID, Status: StatusWon})
	if err != nil {
		return 0, ledger.StorageError("failed to count won referrals", err)
	}
	return n, nil
}

func (s *Service) ListByReferrer(ctx context.Context, accountID string) ([]*Referral, error) {
	out, err := s.referrals.Find(ctx, &Referral{ReferrerAccountID: accountID},
		option.WithSortBy(option.QuerySortBy{OrderBy: "desc"}))
	if err != nil {
		return nil, ledger.StorageError("failed to list referrals", err)
	}
	return out, nil
}
