package plan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"connectreward/pkg/errutil"
	"connectreward/services/ledger"
	"connectreward/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type staticPlans map[string]Plan

func (s staticPlans) PlanOf(_ context.Context, tenantID string) (Plan, error) {
	p, ok := s[tenantID]
	if !ok {
		return "", ledger.NotFoundError("tenant not found")
	}
	return p, nil
}

type widget struct {
	ID       string `gorm:"primaryKey"`
	TenantID string `gorm:"index"`
}

func TestIsAtLimit(t *testing.T) {
	cases := []struct {
		plan     Plan
		resource Resource
		count    int64
		want     bool
	}{
		{Free, Customers, 49, false},
		{Free, Customers, 50, true},
		{Free, Rewards, 3, true},
		{Free, Referrals, 24, false},
		{Free, TeamMembers, 1, true},
		{Starter, Customers, 199, false},
		{Starter, TeamMembers, 3, true},
		{Growth, Rewards, 24, false},
		{Growth, Referrals, 500, true},
		{Pro, Customers, 1_000_000, false},
		{Pro, TeamMembers, 1_000_000, false},
		{Plan("enterprise"), Rewards, 3, true},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, IsAtLimit(tc.plan, tc.resource, tc.count), "%s/%s/%d", tc.plan, tc.resource, tc.count)
	}
}

func TestCanRedeem(t *testing.T) {
	require.False(t, CanRedeem(Free))
	require.True(t, CanRedeem(Starter))
	require.True(t, CanRedeem(Pro))
	require.False(t, CanRedeem(Plan("")))
}

func TestParse(t *testing.T) {
	p, err := Parse("Growth")
	require.NoError(t, err)
	require.Equal(t, Growth, p)

	_, err = Parse("platinum")
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
}

func newGuard(t *testing.T, plans staticPlans) (*Guard, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &AdmissionSlot{}, &widget{})
	return NewGuard(GuardParams{DB: db, Plans: plans}), db
}

func admitWidget(g *Guard, tenantID, id string) error {
	return g.Admit(context.Background(), tenantID, Rewards,
		func(tx *gorm.DB) (int64, error) {
			var n int64
			err := tx.Model(&widget{}).Where("tenant_id = ?", tenantID).Count(&n).Error
			return n, err
		},
		func(tx *gorm.DB) error {
			return tx.Create(&widget{ID: id, TenantID: tenantID}).Error
		},
	)
}

func TestAdmitRespectsLimit(t *testing.T) {
	g, db := newGuard(t, staticPlans{"t1": Free})

	for i := 0; i < 3; i++ {
		require.NoError(t, admitWidget(g, "t1", fmt.Sprintf("w%d", i)))
	}

	err := admitWidget(g, "t1", "w3")
	require.Error(t, err)
	require.True(t, errors.Is(err, ledger.ErrLimitExceeded))
	require.Equal(t, errutil.StatusForbidden, errutil.StatusOf(err))

	var n int64
	require.NoError(t, db.Model(&widget{}).Count(&n).Error)
	require.EqualValues(t, 3, n)
}

func TestAdmitConcurrentCreationsNeverExceedLimit(t *testing.T) {
	g, db := newGuard(t, staticPlans{"t1": Starter})

	var wg sync.WaitGroup
	var admitted, rejected atomic.Int64
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := admitWidget(g, "t1", fmt.Sprintf("w%d", i))
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ledger.ErrLimitExceeded):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 10, admitted.Load())
	require.EqualValues(t, 15, rejected.Load())

	var n int64
	require.NoError(t, db.Model(&widget{}).Where("tenant_id = ?", "t1").Count(&n).Error)
	require.EqualValues(t, 10, n)

	var slot AdmissionSlot
	require.NoError(t, db.Where("tenant_id = ? AND resource = ?", "t1", Rewards).First(&slot).Error)
	require.EqualValues(t, 10, slot.Admitted)
}

func TestAdmitInsertFailureRollsBack(t *testing.T) {
	g, db := newGuard(t, staticPlans{"t1": Pro})

	err := g.Admit(context.Background(), "t1", Customers,
		func(tx *gorm.DB) (int64, error) { return 0, nil },
		func(tx *gorm.DB) error { return errors.New("boom") },
	)
	require.True(t, errors.Is(err, ledger.ErrStorageFailure))

	var slot AdmissionSlot
	err = db.Where("tenant_id = ?", "t1").First(&slot).Error
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestAdmitUnknownTenant(t *testing.T) {
	g, _ := newGuard(t, staticPlans{})

	err := admitWidget(g, "nope", "w1")
	require.True(t, errors.Is(err, ledger.ErrNotFound))
}
