package ledger

import (
	"context"
	"time"

	"connectreward/pkg/config"
	"connectreward/pkg/db/option"
	"connectreward/pkg/repository"
	"connectreward/services/tier"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ThresholdsResolver supplies the tier thresholds configured for a tenant.
type ThresholdsResolver interface {
	Thresholds(ctx context.Context, tenantID string) (tier.Thresholds, error)
}

// Projector keeps accounts.balance and accounts.tier in step with the ledger.
type Projector struct {
	db         *gorm.DB
	store      *Store
	accounts   repository.Repository[Account]
	thresholds ThresholdsResolver
	attempts   int
	now        func() time.Time
}

type ProjectorParams struct {
	fx.In
	DB         *gorm.DB
	Store      *Store
	Config     *config.Config     `optional:"true"`
	Thresholds ThresholdsResolver `optional:"true"`
}

func NewProjector(p ProjectorParams) *Projector {
	attempts := DefaultRetryAttempts
	if p.Config != nil && p.Config.Ledger.RetryAttempts > 0 {
		attempts = p.Config.Ledger.RetryAttempts
	}
	return &Projector{
		db:         p.DB,
		store:      p.Store,
		accounts:   repository.ProvideStore[Account](p.DB),
		thresholds: p.Thresholds,
		attempts:   attempts,
		now:        time.Now,
	}
}

type ApplyParams struct {
	AccountID    string
	Amount       int64
	Type         EntryType
	Description  string
	ReferralID   string
	RedemptionID string
	ReferenceID  string
	LotID        string
	Metadata     map[string]any
}

type Projection struct {
	AccountID    string              `json:"account_id"`
	TenantID     string              `json:"tenant_id"`
	Balance      int64               `json:"balance"`
	Tier         tier.Tier           `json:"tier"`
	PreviousTier tier.Tier           `json:"previous_tier"`
	Version      int64               `json:"version"`
	Entries      []*PointTransaction `json:"entries,omitempty"`
}

func (p *Projection) TierChanged() bool {
	return p.PreviousTier != "" && p.PreviousTier != p.Tier
}

// Reconciliation reports the outcome of recomputing an account from history.
type Reconciliation struct {
	Projection
	CachedBalance int64 `json:"cached_balance"`
	RawSum        int64 `json:"raw_sum"`
	Corrected     bool  `json:"corrected"`
}

// Project applies one signed amount to a running balance. The balance never
// goes below zero; the entry itself keeps the requested amount.
func Project(balance, amount int64) int64 {
	next := balance + amount
	if next < 0 {
		return 0
	}
	return next
}

// Fold replays entries in order with Project.
func Fold(entries []*PointTransaction) int64 {
	var balance int64
	for _, e := range entries {
		balance = Project(balance, e.Amount)
	}
	return balance
}

func (s *Projector) Store() *Store {
	return s.store
}

func (s *Projector) ThresholdsFor(ctx context.Context, tenantID string) (tier.Thresholds, error) {
	if s.thresholds == nil {
		return tier.Default, nil
	}
	return s.thresholds.Thresholds(ctx, tenantID)
}

func (s *Projector) Account(ctx context.Context, accountID string) (*Account, error) {
	if err := RequireID("account_id", accountID); err != nil {
		return nil, err
	}
	acc, err := s.accounts.FindOne(ctx, &Account{ID: accountID})
	if err != nil {
		return nil, StorageError("failed to read account", err)
	}
	if acc == nil {
		return nil, NotFoundError("account not found")
	}
	return acc, nil
}

// CurrentBalance returns the projected balance of the account.
func (s *Projector) CurrentBalance(ctx context.Context, accountID string) (int64, error) {
	acc, err := s.Account(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// LockAccount reads the account row with a write lock held until tx ends.
func (s *Projector) LockAccount(ctx context.Context, tx *gorm.DB, accountID string) (*Account, error) {
	if err := RequireID("account_id", accountID); err != nil {
		return nil, err
	}
	acc, err := s.accounts.WithTrx(tx).FindOne(ctx, &Account{ID: accountID}, option.WithLockingUpdate())
	if err != nil {
		return nil, StorageError("failed to lock account", err)
	}
	if acc == nil {
		return nil, NotFoundError("account not found")
	}
	return acc, nil
}

// ApplyTx appends one entry and moves the cached balance and tier inside the
// caller's transaction. The caller owns commit, rollback and retry.
func (s *Projector) ApplyTx(ctx context.Context, tx *gorm.DB, th tier.Thresholds, p ApplyParams) (*Projection, error) {
	acc, err := s.LockAccount(ctx, tx, p.AccountID)
	if err != nil {
		return nil, err
	}

	entry, err := s.store.Append(ctx, tx, AppendParams{
		TenantID:     acc.TenantID,
		AccountID:    acc.ID,
		Amount:       p.Amount,
		Type:         p.Type,
		Description:  p.Description,
		ReferralID:   p.ReferralID,
		RedemptionID: p.RedemptionID,
		ReferenceID:  p.ReferenceID,
		LotID:        p.LotID,
		Metadata:     p.Metadata,
	})
	if err != nil {
		return nil, err
	}

	balance := Project(acc.Balance, p.Amount)
	newTier := th.Of(balance)

	if err := s.writeCache(ctx, tx, acc, balance, newTier); err != nil {
		return nil, err
	}

	return &Projection{
		AccountID:    acc.ID,
		TenantID:     acc.TenantID,
		Balance:      balance,
		Tier:         newTier,
		PreviousTier: acc.Tier,
		Version:      acc.Version + 1,
		Entries:      []*PointTransaction{entry},
	}, nil
}

func (s *Projector) writeCache(ctx context.Context, tx *gorm.DB, acc *Account, balance int64, t tier.Tier) error {
	res := tx.WithContext(ctx).Model(&Account{}).
		Where("id = ? AND version = ?", acc.ID, acc.Version).
		Updates(map[string]any{
			"balance":    balance,
			"tier":       t,
			"version":    gorm.Expr("version + 1"),
			"updated_at": s.now().UTC(),
		})
	if res.Error != nil {
		return StorageError("failed to update account balance", res.Error)
	}
	if res.RowsAffected == 0 {
		return ConflictError("account changed concurrently")
	}
	return nil
}

// ApplyAndProject appends one entry and updates the cached balance and tier
// atomically, retrying on concurrency conflicts.
func (s *Projector) ApplyAndProject(ctx context.Context, p ApplyParams) (*Projection, error) {
	acc, err := s.Account(ctx, p.AccountID)
	if err != nil {
		return nil, err
	}

	th, err := s.ThresholdsFor(ctx, acc.TenantID)
	if err != nil {
		return nil, err
	}

	var out *Projection
	err = s.Transact(ctx, func(tx *gorm.DB) error {
		proj, err := s.ApplyTx(ctx, tx, th, p)
		if err != nil {
			return err
		}
		out = proj
		return nil
	})
	if err != nil {
		return nil, err
	}

	Observe(out)
	return out, nil
}

// Transact runs fn in a transaction, retrying the whole transaction on
// concurrency conflicts.
func (s *Projector) Transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return Retry(ctx, s.attempts, func() error {
		return s.db.WithContext(ctx).Transaction(fn)
	})
}

// Observe records committed entries in the ledger metrics.
func Observe(projections ...*Projection) {
	for _, p := range projections {
		if p == nil {
			continue
		}
		for _, e := range p.Entries {
			entriesAppended.WithLabelValues(string(e.Type)).Inc()
		}
	}
}

// Reconcile recomputes the cached balance and tier from the ledger and
// corrects any drift.
func (s *Projector) Reconcile(ctx context.Context, accountID string) (*Reconciliation, error) {
	acc, err := s.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}

	th, err := s.ThresholdsFor(ctx, acc.TenantID)
	if err != nil {
		return nil, err
	}

	var out *Reconciliation
	err = s.Transact(ctx, func(tx *gorm.DB) error {
		locked, err := s.LockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		entries, err := s.store.listTx(ctx, tx, accountID)
		if err != nil {
			return err
		}

		var raw int64
		for _, e := range entries {
			raw += e.Amount
		}
		balance := Fold(entries)
		t := th.Of(balance)

		out = &Reconciliation{
			Projection: Projection{
				AccountID:    locked.ID,
				TenantID:     locked.TenantID,
				Balance:      balance,
				Tier:         t,
				PreviousTier: locked.Tier,
				Version:      locked.Version,
			},
			CachedBalance: locked.Balance,
			RawSum:        raw,
		}

		if balance == locked.Balance && t == locked.Tier {
			return nil
		}

		zap.L().Warn("ledger drift corrected",
			zap.String("account_id", accountID),
			zap.Int64("cached_balance", locked.Balance),
			zap.Int64("ledger_balance", balance),
			zap.String("cached_tier", string(locked.Tier)),
			zap.String("ledger_tier", string(t)),
		)

		if err := s.writeCache(ctx, tx, locked, balance, t); err != nil {
			return err
		}
		out.Corrected = true
		out.Version = locked.Version + 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.Corrected {
		reconcileDrift.Inc()
	}
	return out, nil
}

// ExpireLot writes an expired entry for whatever is left of the lot. It
// returns nil when the lot was already spent.
func (s *Projector) ExpireLot(ctx context.Context, th tier.Thresholds, lot *CreditLot) (*Projection, error) {
	var out *Projection
	err := s.Transact(ctx, func(tx *gorm.DB) error {
		out = nil
		if _, err := s.LockAccount(ctx, tx, lot.AccountID); err != nil {
			return err
		}

		current, err := s.store.lotTx(ctx, tx, lot.ID)
		if err != nil {
			return err
		}
		if current == nil || current.Remaining <= 0 {
			return nil
		}

		proj, err := s.ApplyTx(ctx, tx, th, ApplyParams{
			AccountID:   current.AccountID,
			Amount:      -current.Remaining,
			Type:        EntryExpired,
			Description: "Points expired",
			LotID:       current.ID,
			Metadata: map[string]any{
				"lot_created_at": current.CreatedAt,
				"source_entry":   current.EntryID,
			},
		})
		if err != nil {
			return err
		}
		out = proj
		return nil
	})
	if err != nil {
		return nil, err
	}

	Observe(out)
	return out, nil
}
