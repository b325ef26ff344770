package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 3, cfg.Dunning.MaxRetries)
	require.Equal(t, []int{1, 3, 7}, cfg.Dunning.RetryIntervalDays)
	require.Equal(t, 14, cfg.Dunning.GracePeriodDays)
	require.True(t, cfg.Dunning.NotifyOnFirstFailure)
	require.True(t, cfg.Dunning.NotifyOnFinalFailure)
	require.False(t, cfg.Dunning.GraceExtensionResetsAttempts)

	require.Equal(t, "stripe", cfg.Gateway.Provider)
	require.Equal(t, 30*time.Second, cfg.Gateway.ChargeTimeout)

	require.Equal(t, 5*time.Second, cfg.Scheduler.PollInterval)
	require.Equal(t, 50, cfg.Scheduler.BatchSize)
	require.Equal(t, 2*time.Minute, cfg.Scheduler.LeaseDuration)
	require.Equal(t, 5, cfg.Scheduler.MaxInfraAttempts)

	require.Equal(t, "dunning:notifications", cfg.Redis.Queue)
	require.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DUNNING_DUNNING_MAX_RETRIES", "5")
	t.Setenv("DUNNING_GATEWAY_PROVIDER", "airwallex")
	t.Setenv("DUNNING_SERVER_ADDR", ":9090")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Dunning.MaxRetries)
	require.Equal(t, "airwallex", cfg.Gateway.Provider)
	require.Equal(t, ":9090", cfg.Server.Addr)
}
