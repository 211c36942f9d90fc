package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("dispatch_service")
	require.NoError(t, err)
	assert.Equal(t, "dispatch_service", cfg.App.Name)
	assert.Equal(t, 5, cfg.Dispatch.Concurrency)
	assert.Equal(t, time.Minute, cfg.Dispatch.RetryUnit)
	assert.Equal(t, 3, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.ExpiryDeadline)
	assert.Equal(t, "@every 1m", cfg.Scheduler.RecoverySchedule)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.VisibilityTimeout)
	assert.Equal(t, "comms.jobs", cfg.NATS.JobSubjectPrefix)
	assert.Equal(t, "smtp", cfg.Providers.DefaultEmail)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("APP_DISPATCH_CONCURRENCY", "12")
	t.Setenv("APP_SCHEDULER_EXPIRY_DEADLINE", "2h")
	t.Setenv("APP_PROVIDERS_SMS_API_KEY", "secret")

	cfg, err := Load("dispatch_service")
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Dispatch.Concurrency)
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.ExpiryDeadline)
	assert.Equal(t, "secret", cfg.Providers.SMS.APIKey)
}

func TestLoad_FileAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
log:
  level: warn
dispatch:
  concurrency: 8
providers:
  mock:
    enabled: true
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("APP_REDIS_ADDR=redis:6380\n"), 0o600))
	require.NoError(t, os.Unsetenv("APP_REDIS_ADDR"))
	t.Cleanup(func() { _ = os.Unsetenv("APP_REDIS_ADDR") })

	cfg, err := Load("public_api_service")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Dispatch.Concurrency)
	assert.True(t, cfg.Providers.Mock.Enabled)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
}
