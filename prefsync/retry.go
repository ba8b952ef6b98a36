// ABOUTME: Retry logic with exponential backoff for remote preference calls.
// ABOUTME: Transient network and server failures retry; auth and conflict do not.
package prefsync

import (
	"context"
	"errors"
	"time"
)

// RetryConfig controls retry behavior.
type RetryConfig struct {
	MaxAttempts int           // maximum number of attempts (default: 3)
	InitialWait time.Duration // wait before first retry (default: 400ms)
	MaxWait     time.Duration // maximum wait between retries (default: 15s)
	Multiplier  float64       // backoff multiplier (default: 2.0)
}

// DefaultRetryConfig returns sensible defaults for a background sync.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		InitialWait: 400 * time.Millisecond,
		MaxWait:     15 * time.Second,
		Multiplier:  2.0,
	}
}

// Retryable returns true if the error should trigger another attempt.
// Auth errors need re-login and conflicts need a re-fetch, so neither
// is retried blindly.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNetworkFailure) || errors.Is(err, ErrServerError)
}

// WithRetry executes fn with backoff. Returns the result on success, or a
// SyncError after exhausting retries.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op string, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	wait := cfg.InitialWait

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		if !Retryable(err) || attempt == cfg.MaxAttempts {
			return zero, &SyncError{Op: op, Err: err, Retries: attempt}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}

		wait = time.Duration(float64(wait) * cfg.Multiplier)
		if cfg.MaxWait > 0 && wait > cfg.MaxWait {
			wait = cfg.MaxWait
		}
	}

	return zero, &SyncError{Op: op, Err: ErrNetworkFailure, Retries: cfg.MaxAttempts}
}
