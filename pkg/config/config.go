// Package config loads and validates the kernel process's static
// configuration: job queue tuning, retention policy, and two cross-cutting
// defaults (tool-call budget, approval wait timeout), which are loaded and
// validated but not read outside this package.
//
// Database connectivity (pkg/database) and registry/layer paths
// (pkg/flow's FSRegistryProvider) are loaded independently from their own
// env vars — they are not threaded through Config, the same split the
// teacher kept between database config and its YAML-driven Config.
package config

// Config is the umbrella configuration object returned by Initialize()
// and used throughout the process.
type Config struct {
	configDir string // Configuration directory path (for reference)

	Defaults  *Defaults
	Queue     *QueueConfig
	Retention *RetentionConfig
}

// Initialize is defined in loader.go

// ConfigStats summarizes loaded configuration for startup logging.
type ConfigStats struct {
	WorkerCount            int
	MaxConcurrentPerTenant int
	RetentionDays          int
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() ConfigStats {
	stats := ConfigStats{}
	if c.Queue != nil {
		stats.WorkerCount = c.Queue.WorkerCount
		stats.MaxConcurrentPerTenant = c.Queue.MaxConcurrentPerTenant
	}
	if c.Retention != nil {
		stats.RetentionDays = c.Retention.SessionRetentionDays
	}
	return stats
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}
