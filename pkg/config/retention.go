package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// SessionRetentionDays is how many days to keep a run (and its
	// snapshot/approval/job rows) after it reaches a terminal
	// state before pkg/cleanup hard-deletes it. run_events is never
	// subject to this — the audit log outlives the run.
	SessionRetentionDays int `yaml:"session_retention_days"`

	// EventTTL is the maximum age of a terminal (succeeded/failed) jobs
	// row before pkg/cleanup deletes it — dispatch-record exhaust, not
	// the audit trail.
	EventTTL time.Duration `yaml:"event_ttl"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionRetentionDays: 365,
		EventTTL:             1 * time.Hour,
		CleanupInterval:      12 * time.Hour,
	}
}
