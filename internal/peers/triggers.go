package peers

// This file contains failover trigger definitions.

import (
	"context"
	"errors"
	"net"
	"slices"
)

// Trigger name constants for logging.
const (
	TriggerStatusCode = "status_code"
	TriggerTimeout    = "timeout"
	TriggerConnection = "connection"
)

// FailoverTrigger defines conditions that move a sync attempt to the next
// upstream. Implementations check one failure class and return true when the
// walk should continue.
//
// The trigger set is pluggable. The stock triggers cover:
//   - Status codes (429 throttling, 5xx upstream errors)
//   - Timeouts (context deadline exceeded)
//   - Connection failures (network errors)
type FailoverTrigger interface {
	// ShouldFailover returns true if the error/status warrants trying another upstream.
	// statusCode is the HTTP status code (0 if not applicable).
	ShouldFailover(err error, statusCode int) bool

	// Name returns the trigger name for logging.
	Name() string
}

// StatusCodeTrigger fires on specific HTTP status codes.
// A drained key manager answers 503, and another upstream may still hold
// material, so 503 belongs in the set alongside the usual 5xx codes.
type StatusCodeTrigger struct {
	codes []int
}

// NewStatusCodeTrigger creates a trigger that fires on the given status codes.
// Common usage: NewStatusCodeTrigger(429, 500, 502, 503, 504).
func NewStatusCodeTrigger(codes ...int) *StatusCodeTrigger {
	return &StatusCodeTrigger{codes: codes}
}

// ShouldFailover returns true if statusCode matches any configured code.
func (t *StatusCodeTrigger) ShouldFailover(_ error, statusCode int) bool {
	return slices.Contains(t.codes, statusCode)
}

// Name returns TriggerStatusCode for logging.
func (t *StatusCodeTrigger) Name() string {
	return TriggerStatusCode
}

// TimeoutTrigger fires on context deadline exceeded errors.
// This covers both the per-attempt deadline and upstream response timeouts.
type TimeoutTrigger struct{}

// NewTimeoutTrigger creates a trigger that fires on context.DeadlineExceeded.
func NewTimeoutTrigger() *TimeoutTrigger {
	return &TimeoutTrigger{}
}

// ShouldFailover returns true if err wraps context.DeadlineExceeded.
func (t *TimeoutTrigger) ShouldFailover(err error, _ int) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// Name returns TriggerTimeout for logging.
func (t *TimeoutTrigger) Name() string {
	return TriggerTimeout
}

// ConnectionTrigger fires on network connection errors.
// This catches connection refused, DNS failures, network unreachable, etc.
type ConnectionTrigger struct{}

// NewConnectionTrigger creates a trigger that fires on net.Error.
func NewConnectionTrigger() *ConnectionTrigger {
	return &ConnectionTrigger{}
}

// ShouldFailover returns true if err wraps a net.Error.
func (t *ConnectionTrigger) ShouldFailover(err error, _ int) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Name returns TriggerConnection for logging.
func (t *ConnectionTrigger) Name() string {
	return TriggerConnection
}

// DefaultTriggers returns the standard set of failover triggers:
//   - 429 (throttled), 500, 502, 503, 504 status codes
//   - Timeout errors (context deadline exceeded)
//   - Network connection errors
func DefaultTriggers() []FailoverTrigger {
	return []FailoverTrigger{
		NewStatusCodeTrigger(429, 500, 502, 503, 504),
		NewTimeoutTrigger(),
		NewConnectionTrigger(),
	}
}

// ShouldFailover checks if any trigger fires for the given error/status.
// Returns true on the first matching trigger.
// Returns false if the triggers slice is empty or nil.
func ShouldFailover(triggers []FailoverTrigger, err error, statusCode int) bool {
	return FindMatchingTrigger(triggers, err, statusCode) != nil
}

// FindMatchingTrigger returns the first trigger that fires for the given
// error/status. Returns nil if no trigger matches. Useful for logging which
// trigger caused the failover.
func FindMatchingTrigger(triggers []FailoverTrigger, err error, statusCode int) FailoverTrigger {
	for _, trigger := range triggers {
		if trigger.ShouldFailover(err, statusCode) {
			return trigger
		}
	}
	return nil
}
