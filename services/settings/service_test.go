package settings

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"connectreward/pkg/errutil"
	"connectreward/services/ledger"
	"connectreward/services/plan"
	"connectreward/services/testutil"
	"connectreward/services/tier"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newService(t *testing.T) *Service {
	t.Helper()
	db := testutil.NewTestDB(t, &Tenant{})
	return NewService(Params{DB: db, Node: testutil.NewNode(t)})
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())

	bad := Defaults()
	bad.PointsPerReferral = -1
	bad.PointsExpirationMonths = 7
	err := bad.Validate()
	require.True(t, errors.Is(err, ledger.ErrValidation))

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Len(t, be.Details, 2)

	th := tier.Thresholds{0, 500, 400, 900}
	withTiers := Defaults()
	withTiers.TierThresholds = &th
	err = withTiers.Validate()
	require.True(t, errors.Is(err, tier.ErrInvalidThresholds))
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
}

func TestMilestoneReached(t *testing.T) {
	s := Defaults()
	for i := int64(1); i <= 4; i++ {
		require.False(t, s.MilestoneReached(i))
	}
	require.True(t, s.MilestoneReached(5))
	require.False(t, s.MilestoneReached(6))
	require.True(t, s.MilestoneReached(10))

	s.MilestoneThreshold = 0
	require.False(t, s.MilestoneReached(5))
}

func TestExpiryCutoff(t *testing.T) {
	now := time.Date(2025, 10, 18, 0, 0, 0, 0, time.UTC)
	s := Defaults()
	_, ok := s.ExpiryCutoff(now)
	require.False(t, ok)

	s.PointsExpirationMonths = 12
	cutoff, ok := s.ExpiryCutoff(now)
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 10, 18, 0, 0, 0, 0, time.UTC), cutoff)
}

func TestCreateTenantDefaults(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	tn, err := svc.CreateTenant(ctx, CreateTenantParams{Name: "Acme Roofing"})
	require.NoError(t, err)
	require.Equal(t, plan.Free, tn.Plan)

	ts, err := svc.GetSettings(ctx, tn.ID)
	require.NoError(t, err)
	require.Equal(t, Defaults(), ts)

	th, err := svc.Thresholds(ctx, tn.ID)
	require.NoError(t, err)
	require.Equal(t, tier.Default, th)

	_, err = svc.CreateTenant(ctx, CreateTenantParams{Name: " "})
	require.True(t, errors.Is(err, ledger.ErrValidation))
}

func TestUpdateSettingsInvalidatesCache(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	tn, err := svc.CreateTenant(ctx, CreateTenantParams{Name: "Acme", Plan: plan.Growth})
	require.NoError(t, err)

	_, err = svc.GetSettings(ctx, tn.ID)
	require.NoError(t, err)

	th := tier.Thresholds{0, 100, 200, 300}
	next := Defaults()
	next.PointsPerReferral = 750
	next.TierThresholds = &th
	_, err = svc.UpdateSettings(ctx, tn.ID, next)
	require.NoError(t, err)

	got, err := svc.GetSettings(ctx, tn.ID)
	require.NoError(t, err)
	require.EqualValues(t, 750, got.PointsPerReferral)
	require.Equal(t, th, got.Thresholds())

	_, err = svc.UpdateSettings(ctx, "missing", Defaults())
	require.True(t, errors.Is(err, ledger.ErrNotFound))

	bad := Defaults()
	bad.MilestoneBonus = -5
	_, err = svc.UpdateSettings(ctx, tn.ID, bad)
	require.True(t, errors.Is(err, ledger.ErrValidation))
}

func TestUpdatePlan(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	tn, err := svc.CreateTenant(ctx, CreateTenantParams{Name: "Acme"})
	require.NoError(t, err)

	p, err := svc.PlanOf(ctx, tn.ID)
	require.NoError(t, err)
	require.Equal(t, plan.Free, p)

	require.NoError(t, svc.UpdatePlan(ctx, tn.ID, plan.Pro))
	p, err = svc.PlanOf(ctx, tn.ID)
	require.NoError(t, err)
	require.Equal(t, plan.Pro, p)
}

func TestListTenantIDs(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.CreateTenant(ctx, CreateTenantParams{Name: "t"})
		require.NoError(t, err)
	}

	var all []string
	cursor := ""
	for {
		ids, next, err := svc.ListTenantIDs(ctx, cursor, 2)
		require.NoError(t, err)
		all = append(all, ids...)
		if next == "" {
			break
		}
		cursor = next
	}
	require.Len(t, all, 5)
}

func TestCacheSingleflight(t *testing.T) {
	c := NewCache(time.Minute)
	var loads atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tn, err := c.GetOrLoad(context.Background(), "t1", func(context.Context) (Tenant, error) {
				loads.Add(1)
				<-release
				return Tenant{ID: "t1", Plan: plan.Pro}, nil
			})
			require.NoError(t, err)
			require.Equal(t, plan.Pro, tn.Plan)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	require.LessOrEqual(t, loads.Load(), int32(2))

	_, ok := c.Get("t1")
	require.True(t, ok)
	c.Invalidate("t1")
	_, ok = c.Get("t1")
	require.False(t, ok)
}

func TestCacheTTL(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set(Tenant{ID: "t1"})

	_, ok := c.Get("t1")
	require.True(t, ok)

	c.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, ok = c.Get("t1")
	require.False(t, ok)
}
