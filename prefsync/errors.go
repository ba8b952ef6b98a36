// ABOUTME: Typed errors for preference sync operations.
// ABOUTME: Enables programmatic error handling with errors.Is() and errors.As().
package prefsync

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic handling.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrTokenExpired   = errors.New("token expired")
	ErrNetworkFailure = errors.New("network failure")
	ErrServerError    = errors.New("server error")
	ErrConflict       = errors.New("version conflict")
	ErrStorage        = errors.New("local storage failure")
	ErrNotConfigured  = errors.New("sync not configured")
)

// SyncError wraps errors with operation context.
type SyncError struct {
	Op      string // "fetch", "push", "login", "refresh"
	Err     error  // underlying typed error
	Retries int    // attempts made
	Detail  string // server message if any
}

func (e *SyncError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s failed after %d attempts: %v (%s)", e.Op, e.Retries, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Retries, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err means the session must re-authenticate
// before any further sync attempt.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrTokenExpired)
}
