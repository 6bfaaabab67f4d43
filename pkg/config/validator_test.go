package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Queue:     DefaultQueueConfig(),
		Defaults:  DefaultDefaults(),
		Retention: DefaultRetentionConfig(),
	}
}

func TestValidateAll_Valid(t *testing.T) {
	require.NoError(t, NewValidator(validConfig()).ValidateAll())
}

// Per-field queue validation cases already live in queue_test.go
// (TestValidateQueue), exercising Validator.validateQueue directly.

func TestValidateDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Defaults.MaxToolCalls = -1
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_tool_calls")

	cfg = validConfig()
	cfg.Defaults.ApprovalWaitTimeout = -1 * time.Second
	err = NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approval_wait_timeout")
}

func TestValidateDefaults_Nil(t *testing.T) {
	cfg := validConfig()
	cfg.Defaults = nil
	require.NoError(t, NewValidator(cfg).ValidateAll())
}

func TestValidateRetention(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.SessionRetentionDays = -1
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_retention_days")

	cfg = validConfig()
	cfg.Retention.EventTTL = -1 * time.Second
	err = NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event_ttl")

	cfg = validConfig()
	cfg.Retention.CleanupInterval = 0
	err = NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleanup_interval")
}

func TestValidateRetention_Nil(t *testing.T) {
	cfg := validConfig()
	cfg.Retention = nil
	require.NoError(t, NewValidator(cfg).ValidateAll())
}
