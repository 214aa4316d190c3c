package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./storage", cfg.StoragePath)
	assert.Empty(t, cfg.SandboxRoot)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 8765, cfg.WSPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, 500, cfg.Limits.MaxConcurrentExecutions)
	assert.Equal(t, 65536, cfg.Limits.MaxLineBytes)
	assert.Zero(t, cfg.Limits.DefaultExecutionTimeoutSeconds)
	assert.Equal(t, 256, cfg.Limits.SubscriberQueueSize)
	assert.Equal(t, 1024, cfg.Limits.StepLogBufferSize)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STORAGE_PATH", "/var/lib/stepflow")
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("AUTH_TOKEN", "sekret")
	t.Setenv("SANDBOX_ROOT", "/srv/workspace")
	t.Setenv("MAX_CONCURRENT_EXECUTIONS", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/stepflow", cfg.StoragePath)
	assert.Equal(t, "/srv/workspace", cfg.SandboxRoot)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "sekret", cfg.Auth.Token)
	assert.Equal(t, 10, cfg.Limits.MaxConcurrentExecutions)
}
