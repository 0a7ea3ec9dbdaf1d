package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeiouboy/ris-pdm-performance/internal/validation"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Realtime.GracePeriod)
	assert.Equal(t, 1, cfg.Validation.Thresholds.MaxDateDiscrepancyDays)
	assert.Equal(t, 5, cfg.Validation.Thresholds.MaxWorkItemCountDelta)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dashboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":8080"
redis:
  addr: "localhost:6379"
cache:
  backend: redis
sync:
  interval: 1m
validation:
  thresholds:
    max_work_item_count_delta: 3
realtime:
  offline: true
targets:
  - project_id: PMP
    team_id: Platform
`), 0o644))
	t.Setenv("AZURE_DEVOPS_PAT", "from-env")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 30*time.Minute, cfg.Sync.SnapshotTTL, "unset keys keep defaults")
	assert.Equal(t, 3, cfg.Validation.Thresholds.MaxWorkItemCountDelta)
	assert.Equal(t, 1, cfg.Validation.Thresholds.MaxDateDiscrepancyDays)
	assert.True(t, cfg.Realtime.Offline)
	assert.Equal(t, "from-env", cfg.AzureDevOps.PAT)
	require.Len(t, cfg.Targets, 1)
	assert.Equal(t, "Platform", cfg.Targets[0].TeamID)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"redis cache without addr", func(c *Config) { c.Cache.Backend = "redis" }},
		{"unknown bus", func(c *Config) { c.EventBus.Backend = "kafka" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"poll interval below floor", func(c *Config) { c.Realtime.PollInterval = time.Second }},
		{"target without team", func(c *Config) { c.Targets = append(c.Targets, validation.Target{ProjectID: "p"}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadWithoutPathUsesDefaults(t *testing.T) {
	t.Setenv("PDM_REDIS_ADDR", "redis:6379")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, ":3001", cfg.Server.Addr)
}

func TestLoadFromMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
