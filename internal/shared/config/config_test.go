package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/keypool")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "postgres", cfg.DatabaseDriver)
	require.Equal(t, 5*time.Minute, cfg.PoolRefreshTTL)
	require.Equal(t, 30*time.Second, cfg.CallTimeout)
	require.Equal(t, 60*time.Second, cfg.StreamReadTimeout)
	require.Equal(t, "https://api.openai.com/v1", cfg.UpstreamBaseURL)
	require.True(t, cfg.AutoMigrate)
	require.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "file:keypool.db")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("POOL_REFRESH_TTL", "90")
	t.Setenv("CALL_TIMEOUT", "10s")
	t.Setenv("DEFAULT_RATE_LIMIT", "5")
	t.Setenv("ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.DatabaseDriver)
	require.Equal(t, 90*time.Second, cfg.PoolRefreshTTL)
	require.Equal(t, 10*time.Second, cfg.CallTimeout)
	require.Equal(t, 5, cfg.DefaultRateLimit)
	require.True(t, cfg.IsProduction())
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("DATABASE_URL", "x")
	t.Setenv("DATABASE_DRIVER", "oracle")

	_, err := Load()
	require.Error(t, err)
}

func TestGetEnvDuration_InvalidFallsBack(t *testing.T) {
	t.Setenv("SOME_DURATION", "soon")
	require.Equal(t, time.Minute, getEnvDuration("SOME_DURATION", time.Minute))
}

func TestLoadStoreSettings_NoValidation(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_DRIVER", "mysql")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	s := LoadStoreSettings()
	require.Equal(t, "mysql", s.DatabaseDriver)
	require.Empty(t, s.DatabaseURL)
	require.Equal(t, "redis://localhost:6379/0", s.RedisURL)
}
