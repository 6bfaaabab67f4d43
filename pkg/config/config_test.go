package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigDir(t *testing.T) {
	cfg := &Config{configDir: "/test/config"}
	assert.Equal(t, "/test/config", cfg.ConfigDir())
}

func TestConfigStats(t *testing.T) {
	cfg := &Config{
		Queue: &QueueConfig{
			WorkerCount:            4,
			MaxConcurrentPerTenant: 2,
		},
		Retention: &RetentionConfig{
			SessionRetentionDays: 90,
		},
	}

	stats := cfg.Stats()
	assert.Equal(t, 4, stats.WorkerCount)
	assert.Equal(t, 2, stats.MaxConcurrentPerTenant)
	assert.Equal(t, 90, stats.RetentionDays)
}

func TestConfigStats_NilSections(t *testing.T) {
	cfg := &Config{}
	stats := cfg.Stats()
	assert.Equal(t, ConfigStats{}, stats)
}

func TestDefaultDefaults(t *testing.T) {
	d := DefaultDefaults()
	assert.Equal(t, 50, d.MaxToolCalls)
	assert.Equal(t, 1*time.Hour, d.ApprovalWaitTimeout)
}
