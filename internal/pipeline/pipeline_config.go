package pipeline

import (
	"fmt"
	"time"
)

// Config holds pipeline execution settings
type Config struct {
	// DefaultConcurrency bounds simultaneous executions of a stage when no
	// per-stage override is set.
	DefaultConcurrency int `toml:"default_concurrency"`

	// StageConcurrency overrides the limit for individual stages, keyed by
	// stage name.
	StageConcurrency map[string]int `toml:"stage_concurrency"`

	// SlotTimeout bounds how long an executor waits for a concurrency slot.
	SlotTimeout time.Duration `toml:"slot_timeout"`

	// SlotPollInterval is the sleep between slot acquisition attempts.
	SlotPollInterval time.Duration `toml:"slot_poll_interval"`

	// Workers is the size of the dispatch worker pool.
	Workers int `toml:"workers"`

	// QueueSize bounds the dispatch queue.
	QueueSize int `toml:"queue_size"`

	// DispatchTimeout bounds how long a dispatch blocks on a full queue.
	DispatchTimeout time.Duration `toml:"dispatch_timeout"`

	// DedupWindow is how recently an identical running pipeline must have
	// started for a new trigger to be treated as a duplicate.
	DedupWindow time.Duration `toml:"dedup_window"`

	// DefaultRetryAfter is the backoff applied when a rate-limited fetch is
	// pushed to the retry backlog.
	DefaultRetryAfter time.Duration `toml:"default_retry_after"`
}

// DefaultConfig returns pipeline defaults
func DefaultConfig() Config {
	return Config{
		DefaultConcurrency: 8,
		StageConcurrency:   map[string]int{},
		SlotTimeout:        60 * time.Second,
		SlotPollInterval:   500 * time.Millisecond,
		Workers:            16,
		QueueSize:          1024,
		DispatchTimeout:    10 * time.Second,
		DedupWindow:        10 * time.Second,
		DefaultRetryAfter:  time.Hour,
	}
}

// ConcurrencyFor returns the concurrency limit for a stage.
func (c Config) ConcurrencyFor(stage string) int {
	if n, ok := c.StageConcurrency[stage]; ok && n > 0 {
		return n
	}
	return c.DefaultConcurrency
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.DefaultConcurrency < 1 {
		return fmt.Errorf("pipeline default_concurrency must be >= 1")
	}
	for stage, n := range c.StageConcurrency {
		if StageIndex(stage) < 0 {
			return fmt.Errorf("unknown stage in stage_concurrency: %s", stage)
		}
		if n < 1 {
			return fmt.Errorf("stage_concurrency for %s must be >= 1", stage)
		}
	}
	if c.SlotTimeout <= 0 {
		return fmt.Errorf("pipeline slot_timeout must be positive")
	}
	if c.SlotPollInterval <= 0 {
		return fmt.Errorf("pipeline slot_poll_interval must be positive")
	}
	if c.Workers < 1 {
		return fmt.Errorf("pipeline workers must be >= 1")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("pipeline queue_size must be >= 1")
	}
	if c.DedupWindow < 0 {
		return fmt.Errorf("pipeline dedup_window must be >= 0")
	}
	if c.DefaultRetryAfter <= 0 {
		return fmt.Errorf("pipeline default_retry_after must be positive")
	}
	return nil
}

// QuotaConfig holds quota tracker settings
type QuotaConfig struct {
	// ResetHourUTC is the wall-clock hour (UTC) at which daily API quotas
	// reset when no explicit reset time is supplied.
	ResetHourUTC int `toml:"reset_hour_utc"`
}

// DefaultQuotaConfig returns quota defaults. 08:00 UTC is midnight Pacific
// standard time, the reset point for the daily YouTube quota.
func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{ResetHourUTC: 8}
}

// Validate checks the configuration for consistency
func (c QuotaConfig) Validate() error {
	if c.ResetHourUTC < 0 || c.ResetHourUTC > 23 {
		return fmt.Errorf("quota reset_hour_utc must be in 0..23")
	}
	return nil
}

// SweeperConfig holds retry sweep settings
type SweeperConfig struct {
	Enabled    bool          `toml:"enabled"`
	Interval   time.Duration `toml:"interval"`
	BatchSize  int           `toml:"batch_size"`
	RetryAfter time.Duration `toml:"retry_after"`
}

// DefaultSweeperConfig returns sweeper defaults
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Enabled:    true,
		Interval:   5 * time.Minute,
		BatchSize:  50,
		RetryAfter: time.Hour,
	}
}

// Validate checks the configuration for consistency
func (c SweeperConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval <= 0 {
		return fmt.Errorf("sweeper interval must be positive")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("sweeper batch_size must be >= 1")
	}
	if c.RetryAfter <= 0 {
		return fmt.Errorf("sweeper retry_after must be positive")
	}
	return nil
}
