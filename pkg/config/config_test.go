package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ModeLocal, cfg.Mode)
	assert.Equal(t, "memory", cfg.StorageProvider)
	assert.Equal(t, "local", cfg.EventBusProvider)
	assert.True(t, cfg.Dedup.Enabled)
	assert.Equal(t, 60, cfg.Dedup.WindowSeconds)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 60, cfg.Breaker.TimeoutSeconds)
	assert.Equal(t, 3, cfg.Breaker.HalfOpenRequests)
	assert.Equal(t, 10, cfg.Health.CheckIntervalSeconds)
	assert.Equal(t, 24, cfg.Conversation.MaxSessionAgeHours)
	assert.Equal(t, 100, cfg.Conversation.MaxTurnsPerSession)
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vextir.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: local
storage_provider: bolt
storage_path: /tmp/vextir-test
dedup:
  enabled: true
  window_seconds: 30
  max_cache_size: 500
conversation:
  max_session_age_hours: 2
  max_turns_per_session: 10
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bolt", cfg.StorageProvider)
	assert.Equal(t, "/tmp/vextir-test", cfg.StoragePath)
	assert.Equal(t, 30, cfg.Dedup.WindowSeconds)
	assert.Equal(t, 500, cfg.Dedup.MaxCacheSize)
	assert.Equal(t, 2, cfg.Conversation.MaxSessionAgeHours)
	// Untouched sections keep defaults.
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvMode, "cloud")
	t.Setenv(EnvStorageProvider, "bolt")
	t.Setenv(EnvEventBus, "redis")
	t.Setenv(EnvStoragePath, "/var/lib/vextir")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ModeCloud, cfg.Mode)
	assert.Equal(t, "bolt", cfg.StorageProvider)
	assert.Equal(t, "redis", cfg.EventBusProvider)
	assert.Equal(t, "/var/lib/vextir", cfg.StoragePath)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RuntimeConfig)
	}{
		{"unknown mode", func(c *RuntimeConfig) { c.Mode = "hybrid" }},
		{"zero dedup window", func(c *RuntimeConfig) { c.Dedup.WindowSeconds = 0 }},
		{"zero history", func(c *RuntimeConfig) { c.Replay.MaxHistorySize = 0 }},
		{"zero failure threshold", func(c *RuntimeConfig) { c.Breaker.FailureThreshold = 0 }},
		{"zero health interval", func(c *RuntimeConfig) { c.Health.CheckIntervalSeconds = 0 }},
		{"zero session bounds", func(c *RuntimeConfig) { c.Conversation.MaxTurnsPerSession = 0 }},
		{"zero bus queue", func(c *RuntimeConfig) { c.Bus.QueueSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 60*time.Second, cfg.DedupWindow())
	assert.Equal(t, 60*time.Second, cfg.BreakerTimeout())
	assert.Equal(t, 10*time.Second, cfg.HealthInterval())
	assert.Equal(t, 24*time.Hour, cfg.DeadLetterTTL())
}

func TestParseBool(t *testing.T) {
	assert.True(t, ParseBool("true", false))
	assert.False(t, ParseBool("0", true))
	assert.True(t, ParseBool("", true))
	assert.False(t, ParseBool("junk", false))
}
