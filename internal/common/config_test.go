package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, "development", config.Environment)
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, 2000, config.Orchestration.CmrMaxPageSize)
	assert.Equal(t, 10, config.Queue.SmallBatchSize)
	assert.Equal(t, 1, config.Queue.LargeBatchSize)
	assert.True(t, config.Orchestration.UseServiceQueues)
	require.NoError(t, config.Validate())
}

func TestLoadFromFiles_Overrides(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.toml")
	override := filepath.Join(dir, "override.toml")

	require.NoError(t, os.WriteFile(base, []byte(`
environment = "production"

[server]
port = 9090

[orchestration]
max_errors_for_job = 5
`), 0644))

	require.NoError(t, os.WriteFile(override, []byte(`
[server]
port = 9191
`), 0644))

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, 9191, config.Server.Port, "later file should win")
	assert.Equal(t, 5, config.Orchestration.MaxErrorsForJob)
	assert.True(t, config.IsProduction())
	// Untouched values keep their defaults.
	assert.Equal(t, 3, config.Orchestration.WorkItemRetryLimit)
}

func TestLoadFromFiles_EnvOverrides(t *testing.T) {
	t.Setenv("HARMONY_SERVER_PORT", "7777")
	t.Setenv("HARMONY_USE_SERVICE_QUEUES", "false")
	t.Setenv("HARMONY_MAX_ERRORS_FOR_JOB", "42")

	config, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, 7777, config.Server.Port)
	assert.False(t, config.Orchestration.UseServiceQueues)
	assert.Equal(t, 42, config.Orchestration.MaxErrorsForJob)
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles("/nonexistent/harmony.toml")
	assert.Error(t, err)
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()

	ApplyFlagOverrides(config, 3000, "0.0.0.0")
	assert.Equal(t, 3000, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)

	// Zero values leave the config untouched.
	ApplyFlagOverrides(config, 0, "")
	assert.Equal(t, 3000, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = -1 }},
		{"zero page size", func(c *Config) { c.Orchestration.CmrMaxPageSize = 0 }},
		{"negative retries", func(c *Config) { c.Orchestration.WorkItemRetryLimit = -1 }},
		{"oversized small batch", func(c *Config) { c.Queue.SmallBatchSize = 11 }},
		{"bad duration", func(c *Config) { c.Queue.VisibilityTimeout = "soon" }},
		{"percent above 100", func(c *Config) { c.Orchestration.MaxPercentErrorsForJob = 101 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestDuration(t *testing.T) {
	assert.Equal(t, int64(90000), Duration("90s", 0).Milliseconds())
	assert.Equal(t, int64(1000), Duration("garbage", Duration("1s", 0)).Milliseconds())
}
