// Package apierr defines the control plane's error kinds as Go
// error values and types, independent of how internal/server renders them
// onto the wire.
package apierr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel kinds matched with errors.Is. Handlers translate these (and the
// structured types below) into the HTTP status/body shape in
// internal/server/response.go.
var (
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrValidationFailure     = errors.New("validation failure")
	ErrRateLimited           = errors.New("rate limited")
	ErrNotFound              = errors.New("not found")
	ErrInternal              = errors.New("internal error")
)

// ConflictError is returned by the Lock Manager when acquisition is blocked.
// It carries the exact {path, heldBy} rows the caller needs to retry
// intelligently.
type ConflictError struct {
	Conflicts []PathConflict
}

// PathConflict is one contested path and the session currently holding it.
type PathConflict struct {
	Path   string `json:"path"`
	HeldBy string `json:"heldBy"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lock conflict on %d path(s)", len(e.Conflicts))
}

// ProviderError wraps a non-success response from the Agent or VCS
// Provider. It is non-fatal at the HTTP level (callers get 200 with a
// failure result so webhook senders don't retry) but fatal at session
// level (the session transitions to failed).
type ProviderError struct {
	Provider string
	Cause    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// ProviderRateLimitError is a ProviderError specialization carrying the
// upstream rate-limit reset time. The core never block-waits on it; it is
// currently surfaced to the caller as a plain ProviderError.
type ProviderRateLimitError struct {
	Provider string
	ResetAt  time.Time
}

func (e *ProviderRateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited until %s", e.Provider, e.ResetAt.Format(time.RFC3339))
}

// AsConflict extracts a *ConflictError from err, if present.
func AsConflict(err error) (*ConflictError, bool) {
	var c *ConflictError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}

// AsProviderError extracts a *ProviderError from err, if present.
func AsProviderError(err error) (*ProviderError, bool) {
	var p *ProviderError
	if errors.As(err, &p) {
		return p, true
	}
	return nil, false
}
