package award

import (
	"context"
	"fmt"
	"strings"

	"connectreward/pkg/errutil"
	"connectreward/pkg/sequence"
	"connectreward/services/catalog"
	"connectreward/services/ledger"
	"connectreward/services/notification"
	"connectreward/services/plan"
	"connectreward/services/referral"
	"connectreward/services/settings"
	"connectreward/services/tier"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Settings is the tenant configuration the engine reads before each award.
type Settings interface {
	GetSettings(ctx context.Context, tenantID string) (settings.TenantSettings, error)
	PlanOf(ctx context.Context, tenantID string) (plan.Plan, error)
}

// Engine turns business events into ledger entries. Every operation runs in
// one retried transaction and publishes notifications only after commit.
type Engine struct {
	projector *ledger.Projector
	settings  Settings
	referrals *referral.Service
	catalog   *catalog.Catalog
	codes     sequence.Generator
	notifier  notification.Notifier
}

type Params struct {
	fx.In
	Projector *ledger.Projector
	Settings  Settings
	Referrals *referral.Service
	Catalog   *catalog.Catalog
	Codes     sequence.Generator    `optional:"true"`
	Notifier  notification.Notifier `optional:"true"`
}

func NewEngine(p Params) *Engine {
	notifier := p.Notifier
	if notifier == nil {
		notifier = notification.Discard{}
	}
	return &Engine{
		projector: p.Projector,
		settings:  p.Settings,
		referrals: p.Referrals,
		catalog:   p.Catalog,
		codes:     p.Codes,
		notifier:  notifier,
	}
}

// Outcome is the account state after an award operation.
type Outcome struct {
	AccountID    string                     `json:"account_id"`
	TenantID     string                     `json:"tenant_id"`
	Balance      int64                      `json:"balance"`
	Tier         tier.Tier                  `json:"tier"`
	PreviousTier tier.Tier                  `json:"previous_tier"`
	Entries      []*ledger.PointTransaction `json:"entries"`
	// Duplicate is set when the event had already been applied.
	Duplicate bool `json:"duplicate"`
}

func (o *Outcome) TierChanged() bool {
	return o.PreviousTier != "" && o.PreviousTier != o.Tier
}

func merge(projections ...*ledger.Projection) *Outcome {
	out := &Outcome{}
	for _, p := range projections {
		if p == nil {
			continue
		}
		if out.AccountID == "" {
			out.AccountID = p.AccountID
			out.TenantID = p.TenantID
			out.PreviousTier = p.PreviousTier
		}
		out.Balance = p.Balance
		out.Tier = p.Tier
		out.Entries = append(out.Entries, p.Entries...)
	}
	return out
}

func (e *Engine) current(ctx context.Context, accountID string) (*Outcome, error) {
	acc, err := e.projector.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		AccountID:    acc.ID,
		TenantID:     acc.TenantID,
		Balance:      acc.Balance,
		Tier:         acc.Tier,
		PreviousTier: acc.Tier,
		Duplicate:    true,
	}, nil
}

// publish sends events after commit. A failed publish is logged and does
// not undo the award.
func (e *Engine) publish(ctx context.Context, out *Outcome, events ...notification.Event) {
	if out != nil && out.TierChanged() {
		events = append(events, notification.NewEvent(out.TenantID, out.AccountID, 0, notification.KindTierChange,
			"Tier Updated",
			fmt.Sprintf("You are now %s tier.", out.Tier.Label()),
		))
	}
	if len(events) == 0 {
		return
	}
	if err := e.notifier.Notify(ctx, events...); err != nil {
		zap.L().Warn("failed to publish notifications", zap.Int("events", len(events)), zap.Error(err))
	}
}

// CompletionResult describes a referral completion.
type CompletionResult struct {
	Outcome
	Referral  *referral.Referral `json:"referral"`
	WonCount  int64              `json:"won_count"`
	Milestone bool               `json:"milestone"`
}

// CompleteReferral moves a referral to won and awards the referrer. A
// referral that is already won is returned unchanged with Duplicate set.
func (e *Engine) CompleteReferral(ctx context.Context, referralID string) (*CompletionResult, error) {
	res, err := e.completeReferral(ctx, referralID)
	if res != nil {
		observe("complete_referral", err, &res.Outcome)
	} else {
		observe("complete_referral", err, nil)
	}
	return res, err
}

func (e *Engine) completeReferral(ctx context.Context, referralID string) (*CompletionResult, error) {
	ref, err := e.referrals.Get(ctx, referralID)
	if err != nil {
		return nil, err
	}
	if ref.Status == referral.StatusWon {
		return e.duplicateCompletion(ctx, ref)
	}
	if !referral.CanTransition(ref.Status, referral.StatusWon) {
		return nil, ledger.ValidationError(fmt.Sprintf("cannot complete referral in status %s", ref.Status))
	}

	ts, err := e.settings.GetSettings(ctx, ref.TenantID)
	if err != nil {
		return nil, err
	}
	th := ts.Thresholds()

	var res *CompletionResult
	err = e.projector.Transact(ctx, func(tx *gorm.DB) error {
		res = nil

		locked, err := e.referrals.LockTx(ctx, tx, referralID)
		if err != nil {
			return err
		}
		if locked.Status == referral.StatusWon || locked.PointsAwarded != 0 {
			res = &CompletionResult{Referral: locked, Outcome: Outcome{Duplicate: true}}
			return nil
		}

		// Completions for one referrer serialize on the referrer's row, so each
		// one counts every win committed before it.
		if _, err := e.projector.LockAccount(ctx, tx, locked.ReferrerAccountID); err != nil {
			return err
		}

		base := ts.PointsPerReferral
		if locked.ServiceID != "" {
			svc, err := e.catalog.ServiceTx(ctx, tx, locked.TenantID, locked.ServiceID)
			if err != nil {
				return err
			}
			if svc != nil {
				base = svc.PointsValue
			}
		}

		if err := e.referrals.MarkWonTx(ctx, tx, locked, base); err != nil {
			return err
		}

		won, err := e.referrals.CountWonTx(ctx, tx, locked.ReferrerAccountID)
		if err != nil {
			return err
		}

		var projections []*ledger.Projection
		if base > 0 {
			proj, err := e.projector.ApplyTx(ctx, tx, th, ledger.ApplyParams{
				AccountID:   locked.ReferrerAccountID,
				Amount:      base,
				Type:        ledger.EntryEarned,
				Description: "Referral completed: " + locked.RefereeName,
				ReferralID:  locked.ID,
			})
			if err != nil {
				return err
			}
			projections = append(projections, proj)
		}

		milestone := ts.MilestoneReached(won)
		if milestone {
			proj, err := e.projector.ApplyTx(ctx, tx, th, ledger.ApplyParams{
				AccountID:   locked.ReferrerAccountID,
				Amount:      ts.MilestoneBonus,
				Type:        ledger.EntryEarned,
				Description: fmt.Sprintf("Milestone bonus: %d completed referrals", won),
				ReferralID:  locked.ID,
				Metadata:    map[string]any{"won_count": won},
			})
			if err != nil {
				return err
			}
			projections = append(projections, proj)
		}

		res = &CompletionResult{
			Outcome:   *merge(projections...),
			Referral:  locked,
			WonCount:  won,
			Milestone: milestone,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Duplicate {
		return e.duplicateCompletion(ctx, res.Referral)
	}
	if res.AccountID == "" {
		// Nothing was credited; report the referrer's unchanged balance.
		cur, err := e.current(ctx, res.Referral.ReferrerAccountID)
		if err != nil {
			return nil, err
		}
		cur.Duplicate = false
		res.Outcome = *cur
	}

	ledger.Observe(projectionsOf(res.Outcome)...)
	zap.L().Info("referral completed",
		zap.String("tenant_id", res.Referral.TenantID),
		zap.String("referral_id", res.Referral.ID),
		zap.String("account_id", res.Referral.ReferrerAccountID),
		zap.Int64("points", res.Referral.PointsAwarded),
		zap.Bool("milestone", res.Milestone),
	)

	events := []notification.Event{
		notification.NewEvent(res.TenantID, res.AccountID, res.Referral.PointsAwarded, notification.KindReferralUpdate,
			"Referral Complete!",
			fmt.Sprintf("Your referral for %s is complete! +%d points earned.", res.Referral.RefereeName, res.Referral.PointsAwarded),
		),
	}
	if res.Milestone {
		events = append(events, notification.NewEvent(res.TenantID, res.AccountID, ts.MilestoneBonus, notification.KindAchievement,
			"Milestone Bonus!",
			fmt.Sprintf("You've completed %d referrals! +%d bonus points.", res.WonCount, ts.MilestoneBonus),
		))
	}
	e.publish(ctx, &res.Outcome, events...)
	return res, nil
}

func (e *Engine) duplicateCompletion(ctx context.Context, ref *referral.Referral) (*CompletionResult, error) {
	cur, err := e.current(ctx, ref.ReferrerAccountID)
	if err != nil {
		return nil, err
	}
	zap.L().Info("referral already completed", zap.String("referral_id", ref.ID))
	return &CompletionResult{Outcome: *cur, Referral: ref}, nil
}

func projectionsOf(o Outcome) []*ledger.Projection {
	if len(o.Entries) == 0 {
		return nil
	}
	return []*ledger.Projection{{AccountID: o.AccountID, Entries: o.Entries}}
}

// TransitionResult describes a referral status change.
type TransitionResult struct {
	Referral   *referral.Referral `json:"referral"`
	Completion *CompletionResult  `json:"completion,omitempty"`
}

// TransitionReferral moves a referral along its pipeline. Moving to won is
// the same as CompleteReferral.
func (e *Engine) TransitionReferral(ctx context.Context, referralID string, to referral.Status) (*TransitionResult, error) {
	if !to.Valid() {
		return nil, ledger.ValidationError("unknown referral status")
	}
	if to == referral.StatusWon {
		c, err := e.CompleteReferral(ctx, referralID)
		if err != nil {
			return nil, err
		}
		return &TransitionResult{Referral: c.Referral, Completion: c}, nil
	}

	var moved *referral.Referral
	err := e.projector.Transact(ctx, func(tx *gorm.DB) error {
		locked, err := e.referrals.LockTx(ctx, tx, referralID)
		if err != nil {
			return err
		}
		if err := e.referrals.MoveTx(ctx, tx, locked, to); err != nil {
			return err
		}
		moved = locked
		return nil
	})
	observe("transition_referral", err, nil)
	if err != nil {
		return nil, err
	}

	e.publish(ctx, nil, notification.NewEvent(moved.TenantID, moved.ReferrerAccountID, 0, notification.KindReferralUpdate,
		"Referral Status Updated",
		fmt.Sprintf("Your referral for %s is now: %s", moved.RefereeName, to.Label()),
	))
	return &TransitionResult{Referral: moved}, nil
}

type AdjustParams struct {
	AccountID string `json:"-"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	ActorID   string `json:"actor_id"`
}

// AdjustPoints records a staff adjustment. The entry keeps the requested
// amount; the projected balance does not go below zero.
func (e *Engine) AdjustPoints(ctx context.Context, p AdjustParams) (*Outcome, error) {
	out, err := e.adjustPoints(ctx, p)
	observe("adjust_points", err, out)
	return out, err
}

func (e *Engine) adjustPoints(ctx context.Context, p AdjustParams) (*Outcome, error) {
	if p.Amount == 0 {
		return nil, ledger.ValidationError("amount must not be zero")
	}
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		reason = "Manual adjustment"
	}

	var meta map[string]any
	if p.ActorID != "" {
		meta = map[string]any{"actor_id": p.ActorID}
	}

	proj, err := e.projector.ApplyAndProject(ctx, ledger.ApplyParams{
		AccountID:   p.AccountID,
		Amount:      p.Amount,
		Type:        ledger.EntryAdjusted,
		Description: reason,
		Metadata:    meta,
	})
	if err != nil {
		return nil, err
	}
	out := merge(proj)

	title := "Points Adjusted"
	sign := ""
	if p.Amount > 0 {
		title = "Points Awarded"
		sign = "+"
	}
	e.publish(ctx, out, notification.NewEvent(out.TenantID, out.AccountID, p.Amount, notification.KindRewardEarned,
		title, fmt.Sprintf("%s%d points: %s", sign, p.Amount, reason),
	))
	return out, nil
}

type ReviewParams struct {
	AccountID string `json:"-"`
	ReviewID  string `json:"review_id"`
	HasPhoto  bool   `json:"has_photo"`
}

// VerifyReview credits review points once per review.
func (e *Engine) VerifyReview(ctx context.Context, p ReviewParams) (*Outcome, error) {
	out, err := e.verifyReview(ctx, p)
	observe("verify_review", err, out)
	return out, err
}

func (e *Engine) verifyReview(ctx context.Context, p ReviewParams) (*Outcome, error) {
	if p.ReviewID == "" {
		return nil, ledger.ValidationError("review_id is required")
	}

	acc, err := e.projector.Account(ctx, p.AccountID)
	if err != nil {
		return nil, err
	}
	ts, err := e.settings.GetSettings(ctx, acc.TenantID)
	if err != nil {
		return nil, err
	}

	amount := ts.ReviewPoints
	description := "Review verified"
	if p.HasPhoto {
		amount += ts.PhotoReviewBonus
		description = "Review verified with photo"
	}
	if amount <= 0 {
		return e.current(ctx, p.AccountID)
	}

	ref := "review:" + p.ReviewID
	var proj *ledger.Projection
	duplicate := false
	err = e.projector.Transact(ctx, func(tx *gorm.DB) error {
		proj, duplicate = nil, false
		if _, err := e.projector.LockAccount(ctx, tx, p.AccountID); err != nil {
			return err
		}

		existing, err := e.projector.Store().FindByReference(ctx, tx, p.AccountID, ref)
		if err != nil {
			return err
		}
		if existing != nil {
			duplicate = true
			return nil
		}

		proj, err = e.projector.ApplyTx(ctx, tx, ts.Thresholds(), ledger.ApplyParams{
			AccountID:   p.AccountID,
			Amount:      amount,
			Type:        ledger.EntryEarned,
			Description: description,
			ReferenceID: ref,
			Metadata:    map[string]any{"review_id": p.ReviewID, "has_photo": p.HasPhoto},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		return e.current(ctx, p.AccountID)
	}

	ledger.Observe(proj)
	out := merge(proj)
	e.publish(ctx, out, notification.NewEvent(out.TenantID, out.AccountID, amount, notification.KindRewardEarned,
		"Review Verified!",
		fmt.Sprintf("Your review has been verified. +%d points earned!", amount),
	))
	return out, nil
}

type RedeemParams struct {
	AccountID string `json:"-"`
	RewardID  string `json:"reward_id"`
}

type RedemptionResult struct {
	Outcome
	Redemption *catalog.Redemption `json:"redemption"`
}

// Redeem exchanges points for a reward. The debit, the stock decrement and
// the redemption record commit together or not at all.
func (e *Engine) Redeem(ctx context.Context, p RedeemParams) (*RedemptionResult, error) {
	res, err := e.redeem(ctx, p)
	if res != nil {
		observe("redeem", err, &res.Outcome)
	} else {
		observe("redeem", err, nil)
	}
	return res, err
}

func (e *Engine) redeem(ctx context.Context, p RedeemParams) (*RedemptionResult, error) {
	acc, err := e.projector.Account(ctx, p.AccountID)
	if err != nil {
		return nil, err
	}

	reward, err := e.catalog.Reward(ctx, p.RewardID)
	if err != nil {
		return nil, err
	}
	if reward.TenantID != acc.TenantID {
		return nil, ledger.NotFoundError("reward not found")
	}
	if !reward.Active {
		return nil, ledger.ValidationError("reward is not available")
	}

	pl, err := e.settings.PlanOf(ctx, acc.TenantID)
	if err != nil {
		return nil, err
	}
	if !plan.CanRedeem(pl) {
		return nil, ledger.LimitExceededError(fmt.Sprintf("%s plan does not include reward redemptions", pl))
	}

	ts, err := e.settings.GetSettings(ctx, acc.TenantID)
	if err != nil {
		return nil, err
	}

	code := ""
	if e.codes != nil {
		if code, err = e.codes.NextRedemptionCode(ctx, acc.TenantID); err != nil {
			zap.L().Warn("failed to generate redemption code", zap.Error(err))
			code = ""
		}
	}

	var res *RedemptionResult
	err = e.projector.Transact(ctx, func(tx *gorm.DB) error {
		res = nil

		locked, err := e.projector.LockAccount(ctx, tx, p.AccountID)
		if err != nil {
			return err
		}
		if required := reward.MinTier; required != "" && !locked.Tier.AtLeast(required) {
			return ledger.ValidationError(fmt.Sprintf("reward requires %s tier", required),
				errutil.Detail{Field: "min_tier", Message: fmt.Sprintf("account is %s", locked.Tier)})
		}
		if locked.Balance < reward.PointsCost {
			return ledger.InsufficientBalanceError(locked.Balance, reward.PointsCost)
		}

		if err := e.catalog.TakeStockTx(ctx, tx, reward); err != nil {
			return err
		}

		red := &catalog.Redemption{
			TenantID:   locked.TenantID,
			AccountID:  locked.ID,
			RewardID:   reward.ID,
			Code:       code,
			PointsCost: reward.PointsCost,
		}
		if err := e.catalog.CreateRedemptionTx(ctx, tx, red); err != nil {
			return err
		}

		proj, err := e.projector.ApplyTx(ctx, tx, ts.Thresholds(), ledger.ApplyParams{
			AccountID:    locked.ID,
			Amount:       -reward.PointsCost,
			Type:         ledger.EntryRedeemed,
			Description:  "Redeemed: " + reward.Name,
			RedemptionID: red.ID,
		})
		if err != nil {
			return err
		}

		red.EntryID = proj.Entries[0].ID
		if err := e.catalog.LinkRedemptionEntryTx(ctx, tx, red.ID, red.EntryID); err != nil {
			return err
		}

		res = &RedemptionResult{Outcome: *merge(proj), Redemption: red}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ledger.Observe(projectionsOf(res.Outcome)...)
	zap.L().Info("reward redeemed",
		zap.String("tenant_id", res.TenantID),
		zap.String("account_id", res.AccountID),
		zap.String("reward_id", reward.ID),
		zap.String("code", res.Redemption.Code),
	)

	e.publish(ctx, &res.Outcome, notification.NewEvent(res.TenantID, res.AccountID, -reward.PointsCost, notification.KindRedemption,
		"Reward Redeemed",
		fmt.Sprintf("You redeemed %s for %d points. Code: %s", reward.Name, reward.PointsCost, res.Redemption.Code),
	))
	return res, nil
}
