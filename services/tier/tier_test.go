package tier

import (
	"errors"
	"testing"

	"connectreward/pkg/errutil"

	"github.com/stretchr/testify/require"
)

func TestTierOfDefaults(t *testing.T) {
	cases := []struct {
		balance int64
		want    Tier
	}{
		{0, Bronze},
		{999, Bronze},
		{1000, Silver},
		{2999, Silver},
		{3000, Gold},
		{7499, Gold},
		{7500, Platinum},
		{1_000_000, Platinum},
		{-50, Bronze},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, TierOf(tc.balance), "balance=%d", tc.balance)
	}
}

func TestTierOfMonotonic(t *testing.T) {
	prev := TierOf(0)
	for b := int64(0); b <= 10_000; b++ {
		cur := TierOf(b)
		require.GreaterOrEqual(t, cur.Rank(), prev.Rank(), "balance=%d", b)
		if b < 1000 {
			require.Equal(t, Bronze, cur)
		}
		prev = cur
	}
}

func TestNextTier(t *testing.T) {
	next, need, ok := NextTier(1200)
	require.True(t, ok)
	require.Equal(t, Gold, next)
	require.EqualValues(t, 1800, need)

	next, need, ok = NextTier(0)
	require.True(t, ok)
	require.Equal(t, Silver, next)
	require.EqualValues(t, 1000, need)

	_, _, ok = NextTier(7500)
	require.False(t, ok)
}

func TestProgressPercent(t *testing.T) {
	require.InDelta(t, 0, ProgressPercent(0), 0.0001)
	require.InDelta(t, 50, ProgressPercent(500), 0.0001)
	require.InDelta(t, 0, ProgressPercent(1000), 0.0001)
	require.InDelta(t, 10, ProgressPercent(1200), 0.0001)
	require.InDelta(t, 100, ProgressPercent(7500), 0.0001)
	require.InDelta(t, 100, ProgressPercent(50_000), 0.0001)
	require.InDelta(t, 0, ProgressPercent(-10), 0.0001)
}

func TestThresholdsValidate(t *testing.T) {
	require.NoError(t, Default.Validate())
	require.NoError(t, Thresholds{0, 10, 20, 30}.Validate())

	for _, th := range []Thresholds{
		{5, 1000, 3000, 7500},
		{0, 1000, 1000, 7500},
		{0, 3000, 1000, 7500},
		{0, -1, 3000, 7500},
	} {
		err := th.Validate()
		require.Error(t, err, "thresholds=%v", th)
		require.True(t, errors.Is(err, ErrInvalidThresholds))
		require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
	}
}

func TestCustomThresholds(t *testing.T) {
	th := Thresholds{0, 100, 200, 300}
	require.Equal(t, Silver, th.Of(150))
	require.Equal(t, Platinum, th.Of(300))

	s := th.Summarize(150)
	require.Equal(t, Silver, s.Tier)
	require.Equal(t, Gold, s.NextTier)
	require.EqualValues(t, 50, s.PointsToNext)
	require.InDelta(t, 50, s.ProgressPercent, 0.0001)
}

func TestParseAndRank(t *testing.T) {
	tr, err := Parse(" Gold ")
	require.NoError(t, err)
	require.Equal(t, Gold, tr)
	require.True(t, Gold.AtLeast(Silver))
	require.False(t, Bronze.AtLeast(Silver))

	_, err = Parse("diamond")
	require.Error(t, err)
}
