package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.Scheduler.MaxParallel)
	assert.Equal(t, 60, cfg.Scheduler.StaleTimeoutMinutes)
	assert.Equal(t, 2, cfg.Agent.MaxRetries)
	assert.Equal(t, 60, cfg.Cooldown.CooldownMinutes)
	assert.Equal(t, 3, cfg.Cooldown.ConsecutiveThreshold)
	assert.Equal(t, 300, cfg.Cooldown.FailureWindowSeconds)
	assert.Equal(t, 10, cfg.Learning.MaxRelevant)
	assert.Equal(t, 2, cfg.Verify.MaxFixAttempts)
	assert.True(t, cfg.Gates.Enabled)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Scheduler.MaxParallel, cfg.Scheduler.MaxParallel)
}

func TestLoadYAML(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".autodev")
	require.NoError(t, os.MkdirAll(dir, 0755))

	yaml := `
scheduler:
  max_parallel: 5
  stale_timeout_minutes: 30
agent:
  binary: myagent
cooldown:
  cooldown_minutes: 15
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Scheduler.MaxParallel)
	assert.Equal(t, 30, cfg.Scheduler.StaleTimeoutMinutes)
	assert.Equal(t, "myagent", cfg.Agent.Binary)
	assert.Equal(t, 15, cfg.Cooldown.CooldownMinutes)
	// Untouched sections keep defaults.
	assert.Equal(t, 300, cfg.Gates.TestTimeoutSeconds)
}

func TestLoadJSON(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".autodev")
	require.NoError(t, os.MkdirAll(dir, 0755))

	js := `{"scheduler": {"max_parallel": 2, "poll_interval_seconds": 1, "grace_seconds": 2, "stale_timeout_minutes": 60, "max_memory_percent": 90, "min_available_mb": 512}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(js), 0644))

	cfg, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Scheduler.MaxParallel)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUTODEV_MAX_PARALLEL", "7")
	t.Setenv("AUTODEV_AGENT_BINARY", "other-agent")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Scheduler.MaxParallel)
	assert.Equal(t, "other-agent", cfg.Agent.Binary)
}

func TestClampMaxParallel(t *testing.T) {
	t.Setenv("AUTODEV_MAX_PARALLEL", "99")
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, MaxParallelCeiling, cfg.Scheduler.MaxParallel)
}
