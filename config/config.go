// Package config manages the cadence configuration: TOML file loading via
// viper, defaults, and hot reload of scheduler pacing values.
package config

import "time"

// Config represents the cadence engine configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the tick loop and execution policy
type SchedulerConfig struct {
	TickIntervalSeconds      int `mapstructure:"tick_interval_seconds"`      // How often the scheduler looks for due jobs (default: 5)
	MaxConcurrent            int `mapstructure:"max_concurrent"`             // Upper bound on simultaneously running executions (default: 3)
	DefaultRetryCount        int `mapstructure:"default_retry_count"`        // Retries after the original attempt (default: 3)
	DefaultTimeoutMs         int `mapstructure:"default_timeout_ms"`         // Per-execution timeout when params omit one (default: 300000)
	RateLimitCooldownMinutes int `mapstructure:"rate_limit_cooldown_minutes"` // Global pause after a downstream rate-limit signal (default: 30)
	ExecutionRetentionDays   int `mapstructure:"execution_retention_days"`   // TTL for finished execution rows (default: 90)
}

// RateLimitConfig configures request pacing and retry backoff
type RateLimitConfig struct {
	MinRequestIntervalMs int     `mapstructure:"min_request_interval_ms"` // Minimum gap between paced requests (default: 2000)
	BackoffMultiplier    float64 `mapstructure:"backoff_multiplier"`      // Exponential retry backoff base (default: 2.0)
	MaxBackoffMs         int     `mapstructure:"max_backoff_ms"`          // Backoff ceiling (default: 300000)
}

// LogConfig configures logger output
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// Default values applied when the config file omits a field or sets it <= 0.
const (
	DefaultTickIntervalSeconds      = 5
	DefaultMaxConcurrent            = 3
	DefaultRetryCount               = 3
	DefaultTimeoutMs                = 300_000
	DefaultRateLimitCooldownMinutes = 30
	DefaultExecutionRetentionDays   = 90
	DefaultMinRequestIntervalMs     = 2000
	DefaultBackoffMultiplier        = 2.0
	DefaultMaxBackoffMs             = 300_000
)

// ApplyDefaults fills zero or negative fields with defaults. Load calls this;
// it is exported for tests and for callers that build a Config by hand.
func (c *Config) ApplyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "cadence.db"
	}
	if c.Scheduler.TickIntervalSeconds <= 0 {
		c.Scheduler.TickIntervalSeconds = DefaultTickIntervalSeconds
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		c.Scheduler.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Scheduler.DefaultRetryCount < 0 {
		c.Scheduler.DefaultRetryCount = DefaultRetryCount
	}
	if c.Scheduler.DefaultTimeoutMs <= 0 {
		c.Scheduler.DefaultTimeoutMs = DefaultTimeoutMs
	}
	if c.Scheduler.RateLimitCooldownMinutes <= 0 {
		c.Scheduler.RateLimitCooldownMinutes = DefaultRateLimitCooldownMinutes
	}
	if c.Scheduler.ExecutionRetentionDays <= 0 {
		c.Scheduler.ExecutionRetentionDays = DefaultExecutionRetentionDays
	}
	if c.RateLimit.MinRequestIntervalMs < 0 {
		c.RateLimit.MinRequestIntervalMs = DefaultMinRequestIntervalMs
	}
	if c.RateLimit.BackoffMultiplier <= 0 {
		c.RateLimit.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.RateLimit.MaxBackoffMs <= 0 {
		c.RateLimit.MaxBackoffMs = DefaultMaxBackoffMs
	}
}

// TickInterval returns the tick interval as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalSeconds) * time.Second
}

// DefaultTimeout returns the per-execution timeout as a duration.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Scheduler.DefaultTimeoutMs) * time.Millisecond
}

// RateLimitCooldown returns the global pause window as a duration.
func (c *Config) RateLimitCooldown() time.Duration {
	return time.Duration(c.Scheduler.RateLimitCooldownMinutes) * time.Minute
}
