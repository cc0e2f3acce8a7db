package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "publish-scheduler", cfg.App.Name)
	assert.Equal(t, ContentModeLog, cfg.Content.Mode)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 365*24*time.Hour, cfg.Scheduler.Horizon)
	assert.Equal(t, time.Duration(0), cfg.Scheduler.MinLeadTime)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.ClaimTTL)
	assert.Equal(t, time.Minute, cfg.Retry.InitialDelay)
	assert.Equal(t, 30*time.Minute, cfg.Retry.MaxDelay)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, 10*time.Second, cfg.Executor.Timeout)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.False(t, cfg.NATS.Enabled)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
database:
  path: /var/lib/scheduler/schedules.db
content:
  mode: HTTP
  base_url: http://content.local
  headers:
    authorization: Bearer token
scheduler:
  poll_interval: 5s
  max_retries: 5
retry:
  initial_delay: 30s
`)

	t.Setenv("PUBLISHER_SCHEDULER_WORKERS", "8")
	t.Setenv("PUBLISHER_HTTP_ADDR", ":9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/lib/scheduler/schedules.db", cfg.Database.Path)
	assert.Equal(t, ContentModeHTTP, cfg.Content.Mode)
	assert.Equal(t, "http://content.local", cfg.Content.BaseURL)
	assert.Equal(t, "Bearer token", cfg.Content.Headers["authorization"])
	assert.Equal(t, 5*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 5, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"http without base url", "content:\n  mode: http\n", "content.base_url"},
		{"nats mode without nats", "content:\n  mode: nats\n", "nats.enabled"},
		{"unknown mode", "content:\n  mode: carrier-pigeon\n", "content.mode"},
		{"retries out of range", "scheduler:\n  max_retries: 11\n", "max_retries"},
		{"claim ttl below timeout", "scheduler:\n  claim_ttl: 5s\n", "claim_ttl"},
		{"bad backoff", "retry:\n  multiplier: 0.5\n", "multiplier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
