package featureflags

import (
	"context"
	"testing"

	"connectreward/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestEnabledWithoutClient(t *testing.T) {
	ff := ProvideFeatureFlag(FeatureParams{Config: &config.Config{}})

	require.True(t, ff.Enabled(context.Background(), "tenant-1", "points_expiry", true))
	require.False(t, ff.Enabled(context.Background(), "tenant-1", "points_expiry", false))
}
