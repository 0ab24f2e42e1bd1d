package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "serializable", cfg.Database.TxIsolation)
	assert.Equal(t, 1, cfg.Database.ConflictRetries)
	assert.True(t, cfg.Transfers.RevertBlockOnAttendance)
	assert.Equal(t, 5*time.Minute, cfg.Transfers.StatsCacheTTL)
	assert.Equal(t, 50, cfg.Audit.BatchSize)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("TRANSFER_REVERT_BLOCK_ON_ATTENDANCE", "false")
	t.Setenv("TRANSFER_STATS_CACHE_TTL", "90s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Transfers.RevertBlockOnAttendance)
	assert.Equal(t, 90*time.Second, cfg.Transfers.StatsCacheTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestParseDurationFallback(t *testing.T) {
	assert.Equal(t, time.Minute, parseDuration("nope", time.Minute))
	assert.Equal(t, time.Second, parseDuration("", time.Second))
}

func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
