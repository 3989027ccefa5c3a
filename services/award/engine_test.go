package award

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"connectreward/services/catalog"
	"connectreward/services/ledger"
	"connectreward/services/notification"
	"connectreward/services/plan"
	"connectreward/services/referral"
	"connectreward/services/settings"
	"connectreward/services/testutil"
	"connectreward/services/tier"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification.Event
}

func (r *recordingNotifier) Notify(_ context.Context, events ...notification.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingNotifier) kinds() []notification.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notification.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type failingCodes struct{}

func (failingCodes) NextRedemptionCode(context.Context, string) (string, error) {
	return "", errors.New("redis unavailable")
}

type harness struct {
	db        *gorm.DB
	engine    *Engine
	settings  *settings.Service
	catalog   *catalog.Catalog
	referrals *referral.Service
	projector *ledger.Projector
	notifier  *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, testutil.NewTestDB)
}

func newHarnessOn(t *testing.T, open func(*testing.T, ...any) *gorm.DB) *harness {
	t.Helper()

	models := []any{&settings.Tenant{}, &plan.AdmissionSlot{}}
	models = append(models, ledger.Models()...)
	models = append(models, referral.Models()...)
	models = append(models, catalog.Models()...)
	db := open(t, models...)
	node := testutil.NewNode(t)

	st := settings.NewService(settings.Params{DB: db, Node: node})
	guard := plan.NewGuard(plan.GuardParams{DB: db, Plans: st})
	projector := ledger.NewProjector(ledger.ProjectorParams{
		DB:         db,
		Store:      ledger.NewStore(db, node),
		Thresholds: st,
	})
	refs := referral.NewService(referral.Params{DB: db, Node: node, Guard: guard})
	cat := catalog.New(catalog.Params{DB: db, Node: node, Guard: guard})
	notifier := &recordingNotifier{}

	return &harness{
		db:        db,
		settings:  st,
		catalog:   cat,
		referrals: refs,
		projector: projector,
		notifier:  notifier,
		engine: NewEngine(Params{
			Projector: projector,
			Settings:  st,
			Referrals: refs,
			Catalog:   cat,
			Codes:     failingCodes{},
			Notifier:  notifier,
		}),
	}
}

func (h *harness) tenant(t *testing.T, p plan.Plan) string {
	t.Helper()
	tn, err := h.settings.CreateTenant(context.Background(), settings.CreateTenantParams{Name: "Acme Roofing", Plan: p})
	require.NoError(t, err)
	return tn.ID
}

func (h *harness) account(t *testing.T, tenantID string) *ledger.Account {
	t.Helper()
	acc, err := h.catalog.CreateAccount(context.Background(), catalog.CreateAccountParams{TenantID: tenantID, Name: "Jane"})
	require.NoError(t, err)
	return acc
}

func (h *harness) referral(t *testing.T, tenantID, accountID, serviceID string) *referral.Referral {
	t.Helper()
	r, err := h.referrals.CreateReferral(context.Background(), referral.CreateParams{
		TenantID:          tenantID,
		ReferrerAccountID: accountID,
		RefereeName:       "Bob",
		ServiceID:         serviceID,
	})
	require.NoError(t, err)
	return r
}

func (h *harness) fund(t *testing.T, accountID string, amount int64) {
	t.Helper()
	_, err := h.engine.AdjustPoints(context.Background(), AdjustParams{AccountID: accountID, Amount: amount, Reason: "opening balance"})
	require.NoError(t, err)
}

func (h *harness) entries(t *testing.T, accountID string) []*ledger.PointTransaction {
	t.Helper()
	list, err := h.projector.Store().ListByAccount(context.Background(), accountID)
	require.NoError(t, err)
	return list
}

func (h *harness) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	b, err := h.projector.CurrentBalance(context.Background(), accountID)
	require.NoError(t, err)
	return b
}

func TestCompleteReferralIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenantID := h.tenant(t, plan.Pro)
	acc := h.account(t, tenantID)
	ref := h.referral(t, tenantID, acc.ID, "")

	first, err := h.engine.CompleteReferral(ctx, ref.ID)
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.EqualValues(t, 500, first.Balance)
	require.EqualValues(t, 500, first.Referral.PointsAwarded)
	require.Equal(t, referral.StatusWon, first.Referral.Status)

	second, err := h.engine.CompleteReferral(ctx, ref.ID)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.EqualValues(t, 500, second.Balance)

	require.EqualValues(t, 500, h.balance(t, acc.ID))
	require.Len(t, h.entries(t, acc.ID), 1)
	require.Contains(t, h.notifier.kinds(), notification.KindReferralUpdate)
}

func TestCompleteReferralConcurrently(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenantID := h.tenant(t, plan.Pro)
	acc := h.account(t, tenantID)
	ref := h.referral(t, tenantID, acc.ID, "")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.CompleteReferral(ctx, ref.ID)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 500, h.balance(t, acc.ID))
	require.Len(t, h.entries(t, acc.ID), 1)
}

func TestMilestoneScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenantID := h.tenant(t, plan.Pro)
	acc := h.account(t, tenantID)

	for i := 1; i <= 5; i++ {
		ref := h.referral(t, tenantID, acc.ID, "")
		res, err := h.engine.CompleteReferral(ctx, ref.ID)
		require.NoError(t, err)
		require.EqualValues(t, i, res.WonCount)

		if i < 5 {
			require.False(t, res.Milestone)
			require.Len(t, res.Entries, 1)
			require.Len(t, h.entries(t, acc.ID), i)
			continue
		}

		require.True(t, res.Milestone)
		require.Len(t, res.Entries, 2)
		require.EqualValues(t, 500, res.Entries[0].Amount)
		require.EqualValues(t, 500, res.Entries[1].Amount)
		require.Contains(t, res.Entries[1].Description, "Milestone")
		require.EqualValues(t, 500, res.Referral.PointsAwarded)
		require.Equal(t, tier.Silver, res.PreviousTier)
		require.Equal(t, tier.Gold, res.Tier)
	}

	require.EqualValues(t, 3000, h.balance(t, acc.ID))
	require.Len(t, h.entries(t, acc.ID), 6)

	got, err := h.projector.Account(ctx, acc.ID)
	require.NoError(t, err)
	require.Equal(t, tier.Gold, got.Tier)

	kinds := h.notifier.kinds()
	require.Contains(t, kinds, notification.KindAchievement)
	require.Contains(t, kinds, notification.KindTierChange)

	ok, err := h.projector.Store().VerifyChain(ctx, acc.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestConcurrentCompletionsPayOneMilestone(t *testing.T) {
	h := newHarnessOn(t, testutil.NewFileDB)
	ctx := context.Background()
	tenantID := h.tenant(t, plan.Pro)
	acc := h.account(t, tenantID)

	refs := make([]*referral.Referral, 5)
	for i := range refs {
		refs[i] = h.referral(t, tenantID, acc.ID, "")
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(refs))
	for _, ref := range refs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := h.engine.CompleteReferral(ctx, id)
			errs <- err
		}(ref.ID)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	entries := h.entries(t, acc.ID)
	require.Len(t, entries, 6)

	milestones := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Description, "Milestone bonus") {
			milestones++
		}
	}
	require.Equal(t, 1, milestones)
	require.EqualValues(t, 3000, h.balance(t, acc.ID))

	got, err := h.projector.Account(ctx, acc.ID)
	require.NoError(t, err)
	require.Equal(t, tier.Gold, got.Tier)
}

func TestEntryPointsRejectEmptyIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenantID := h.tenant(t, plan.Pro)
	acc := h.account(t, tenantID)
	h.fund(t, acc.ID, 1000)

	_, err := h.catalog.CreateReward(ctx, catalog.CreateRewardParams{TenantID: tenantID, Name: "Mug", PointsCost: 100})
	require.NoError(t, err)

	_, err = h.engine.Redeem(ctx, RedeemParams{AccountID: acc.ID})
	require.True(t, errors.Is(err, ledger.ErrValidation))
	require.EqualValues(t, 1000, h.balance(t, acc.ID))
	require.Len(t, h.entries(t, acc.ID), 1)

	_, err = h.engine.AdjustPoints(ctx, AdjustParams{Amount: 50, Reason: "bonus"})
	require.True(t, errors.Is(err, ledger.ErrValidation))
	require.EqualValues(t, 1000, h.balance(t, acc.ID))

	_, err = h.engine.VerifyReview(ctx, ReviewParams{ReviewID: "rv-1"})
	require.True(t, errors.Is(err, ledger.ErrValidation))

	_, err = h.engine.CompleteReferral(ctx, "")
	require.True(t, errors.Is(err, ledger.ErrValidation))

	_, err = h.referrals.CreateReferral(ctx, referral.CreateParams{TenantID: tenantID, RefereeName: "Bob"})
	require.True(t, errors.Is(err, ledger.ErrValidation))

	_, err = h.catalog.CreateAccount(ctx, catalog.CreateAccountParams{Name: "Jane"})
	require.True(t, errors.Is(err, ledger.ErrValidation))

	var n int64
	require.NoError(t, h.db.Model(&ledger.Account{}).Count(&n).Error)
	require.EqualValues(t, 1, n)
}

func TestCompleteReferralUsesServicePoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenantID := h.tenant(t, plan.Pro)
	acc := h.account(t, tenantID)

	svc, err := h.catalog.CreateService(ctx, catalog.CreateServiceParams{TenantID: tenantID, Name: "Full roof", PointsValue: 750})
	require.NoError(t, err)
	ref := h.referral(t, tenantID, acc.ID, svc.ID)

	res, err := h.engine.CompleteReferral(ctx, ref.ID)
	require.NoError(t, err)
	require.EqualValues(t, 750, res.Balance)
	require.EqualValues(t, 750, res.Referral.PointsAwarded)
	require.Equal(t, ref.ID, res.Entries[0].ReferralID)
}

func TestTransitionReferral(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenantID := h.tenant(t, plan.Pro)
	acc := h.account(t, tenantID)

	ref := h.referral(t, tenantID, acc.ID, "")
	res, err := h.engine.TransitionReferral(ctx, ref.ID, referral.StatusContacted)
	require.NoError(t, err)
	require.Equal(t, referral.StatusContacted, res.Referral.Status)
	require.Nil(t, res.Completion)

	res, err = h.engine.TransitionReferral(ctx, ref.ID, referral.StatusWon)
	require.NoError(t, err)
	require.NotNil(t, res.Completion)
	require.EqualValues(t, 500, res.Completion.Balance)

	_, err = h.engine.TransitionReferral(ctx, ref.ID, referral.StatusLost)
	require.True(t, errors.Is(err, ledger.ErrValidation))

	lost := h.referral(t, tenantID, acc.ID, "")
	_, err = h.engine.TransitionReferral(ctx, lost.ID, referral.StatusLost)
	require.NoError(t, err)

	_, err = h.engine.CompleteReferral(ctx, lost.ID)
	require.True(t, errors.Is(err, ledger.ErrValidation))
	require.EqualValues(t, 500, h.balance(t, acc.ID))

	got, err := h.referrals.Get(ctx, lost.ID)
	require.NoError(t, err)
	require.Zero(t, got.PointsAwarded)

	_, err = h.engine.TransitionReferral(ctx, ref.ID, referral.Status("archived"))
	require.True(t, errors.Is(err, ledger.ErrValidation))
}

func TestAdjustPointsClamp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenantID := h.tenant(t, plan.Pro)
	acc := h.account(t, tenantID)

	h.fund(t, acc.ID, 1200)
	got, err := h.projector.Account(ctx, acc.ID)
	require.NoError(t, err)
	require.Equal(t, tier.Silver, got.Tier)

	out, err := h.engine.AdjustPoints(ctx, AdjustParams{AccountID: acc.ID, Amount: -1500, Reason: "correction"})
	require.NoError(t, err)
	require.Zero(t, out.Balance)
	require.Equal(t, tier.Bronze, out.Tier)
	require.EqualValues(t, -1500, out.Entries[0].Amount)
	require.Equal(t, ledger.EntryAdjusted, out.Entries[0].Type)

	raw, err := h.projector.Store().RawSum(ctx, acc.ID)
	require.NoError(t, err)
	require.EqualValues(t, -300, raw)

	rec, err := h.projector.Reconcile(ctx, acc.ID)
	require.NoError(t, err)
	require.False(t, rec.Corrected)
	require.Zero(t, rec.Balance)

	_, err = h.engine.AdjustPoints(ctx, AdjustParams{AccountID: acc.ID})
	require.True(t, errors.Is(err, ledger.ErrValidation))

	_, err = h.engine.AdjustPoints(ctx, AdjustParams{AccountID: "missing", Amount: 5})
	require.True(t, errors.Is(err, ledger.ErrNotFound))
}

func TestVerifyReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenantID := h.tenant(t, plan.Pro)
	acc := h.account(t, tenantID)

	out, err := h.engine.VerifyReview(ctx, ReviewParams{AccountID: acc.ID, ReviewID: "rv-1", HasPhoto: true})
	require.NoError(t, err)
	require.EqualValues(t, 35, out.Balance)

	again, err := h.engine.VerifyReview(ctx, ReviewParams{AccountID: acc.ID, ReviewID: "rv-1", HasPhoto: true})
	require.NoError(t, err)
	require.True(t, again.Duplicate)
	require.EqualValues(t, 35, again.Balance)

	out, err = h.engine.VerifyReview(ctx, ReviewParams{AccountID: acc.ID, ReviewID: "rv-2"})
	require.NoError(t, err)
	require.EqualValues(t, 60, out.Balance)
	require.Len(t, h.entries(t, acc.ID), 2)

	_, err = h.engine.VerifyReview(ctx, ReviewParams{AccountID: acc.ID})
	require.True(t, errors.Is(err, ledger.ErrValidation))
}

func TestRedeemBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenantID := h.tenant(t, plan.Pro)
	acc := h.account(t, tenantID)
	h.fund(t, acc.ID, 500)

	tooMuch, err := h.catalog.CreateReward(ctx, catalog.CreateRewardParams{TenantID: tenantID, Name: "Drone", PointsCost: 501})
	require.NoError(t, err)
	exact, err := h.catalog.CreateReward(ctx, catalog.CreateRewardParams{TenantID: tenantID, Name: "Gift card", PointsCost: 500})
	require.NoError(t, err)

	_, err = h.engine.Redeem(ctx, RedeemParams{AccountID: acc.ID, RewardID: tooMuch.ID})
	require.True(t, errors.Is(err, ledger.ErrInsufficientBalance))
	require.Len(t, h.entries(t, acc.ID), 1)
	require.EqualValues(t, 500, h.balance(t, acc.ID))

	res, err := h.engine.Redeem(ctx, RedeemParams{AccountID: acc.ID, RewardID: exact.ID})
	require.NoError(t, err)
	require.Zero(t, res.Balance)
	require.Equal(t, catalog.RedemptionPending, res.Redemption.Status)
	require.Equal(t, "RDM-"+res.Redemption.ID, res.Redemption.Code)
	require.Equal(t, res.Entries[0].ID, res.Redemption.EntryID)
	require.Equal(t, res.Redemption.ID, res.Entries[0].RedemptionID)
	require.EqualValues(t, -500, res.Entries[0].Amount)
	require.Contains(t, h.notifier.kinds(), notification.KindRedemption)

	lots, err := h.projector.Store().Lots(ctx, acc.ID)
	require.NoError(t, err)
	require.Empty(t, lots)
}

func TestRedeemBlockedOnFreePlan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenantID := h.tenant(t, plan.Free)
	acc := h.account(t, tenantID)
	h.fund(t, acc.ID, 1000)

	r, err := h.catalog.CreateReward(ctx, catalog.CreateRewardParams{TenantID: tenantID, Name: "Mug", PointsCost: 100})
	require.NoError(t, err)

	_, err = h.engine.Redeem(ctx, RedeemParams{AccountID: acc.ID, RewardID: r.ID})
	require.True(t, errors.Is(err, ledger.ErrLimitExceeded))
	require.EqualValues(t, 1000, h.balance(t, acc.ID))
}

func TestRedeemInventoryExhaustionRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenantID := h.tenant(t, plan.Pro)
	first := h.account(t, tenantID)
	second := h.account(t, tenantID)
	h.fund(t, first.ID, 500)
	h.fund(t, second.ID, 500)

	qty := int64(1)
	r, err := h.catalog.CreateReward(ctx, catalog.CreateRewardParams{TenantID: tenantID, Name: "Jacket", PointsCost: 300, QuantityLeft: &qty})
	require.NoError(t, err)

	_, err = h.engine.Redeem(ctx, RedeemParams{AccountID: first.ID, RewardID: r.ID})
	require.NoError(t, err)

	_, err = h.engine.Redeem(ctx, RedeemParams{AccountID: second.ID, RewardID: r.ID})
	require.True(t, errors.Is(err, ledger.ErrLimitExceeded))
	require.EqualValues(t, 500, h.balance(t, second.ID))
	require.Len(t, h.entries(t, second.ID), 1)

	var n int64
	require.NoError(t, h.db.Model(&catalog.Redemption{}).Where("account_id = ?", second.ID).Count(&n).Error)
	require.Zero(t, n)
}

func TestRedeemRequiresTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenantID := h.tenant(t, plan.Pro)
	acc := h.account(t, tenantID)
	h.fund(t, acc.ID, 900)

	r, err := h.catalog.CreateReward(ctx, catalog.CreateRewardParams{TenantID: tenantID, Name: "VIP", PointsCost: 100, MinTier: tier.Gold})
	require.NoError(t, err)

	_, err = h.engine.Redeem(ctx, RedeemParams{AccountID: acc.ID, RewardID: r.ID})
	require.True(t, errors.Is(err, ledger.ErrValidation))

	require.NoError(t, h.catalog.SetRewardActive(ctx, r.ID, false))
	h.fund(t, acc.ID, 3000)
	_, err = h.engine.Redeem(ctx, RedeemParams{AccountID: acc.ID, RewardID: r.ID})
	require.True(t, errors.Is(err, ledger.ErrValidation))
}
