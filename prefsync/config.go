package prefsync

import (
	"time"

	"go.uber.org/zap"
)

// SyncConfig controls the remote client and the scheduler.
type SyncConfig struct {
	BaseURL   string
	AuthToken string
	DeviceID  string

	Timeout time.Duration // per-request HTTP timeout (default 15s)
	Retry   RetryConfig   // retry settings (zero uses defaults)

	// Interval is how often an authenticated session reconciles with the
	// server. MinSyncGap suppresses redundant rounds when the user
	// force-syncs repeatedly. Both are tuning constants, not behavior.
	Interval   time.Duration // default 1m
	MinSyncGap time.Duration // default 10s

	Logger *zap.Logger // nil means no logging
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = DefaultRetryConfig()
	}
	if c.Interval == 0 {
		c.Interval = time.Minute
	}
	if c.MinSyncGap == 0 {
		c.MinSyncGap = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
