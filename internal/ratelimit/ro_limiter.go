// Package ratelimit provides rate limiting for key delivery endpoints.
// This file provides reactive rate limiting using samber/ro.
//
// Reactive rate limiting is an ALTERNATIVE to TokenBucket, not a replacement.
// Use the reactive operators for stream processing scenarios.
// Use TokenBucket for synchronous request/response scenarios.
//
// When to use reactive rate limiting:
//   - Throttling pool event streams before they reach the sync worker
//   - Capping per-user alert floods
//   - Async pipelines with backpressure
//
// When to use TokenBucket:
//   - Request handlers
//   - Per-SAE admission checks
package ratelimit

import (
	"time"

	"github.com/samber/ro"
	roratelimit "github.com/samber/ro/plugins/ratelimit/native"
)

// DefaultInterval is the default rate limit interval (1 minute).
const DefaultInterval = time.Minute

// normalizeInterval returns the interval, defaulting to DefaultInterval if zero.
func normalizeInterval(interval time.Duration) time.Duration {
	if interval == 0 {
		return DefaultInterval
	}
	return interval
}

// Limit applies rate limiting to an observable stream using the ro native plugin.
// Items exceeding the rate limit are delayed (backpressure).
//
// The keyGetter function extracts a key from each item for rate limiting.
// Items with the same key share a rate limit bucket.
// Use an empty string key for global rate limiting.
//
// Example:
//
//	// Cap low-pool alerts per user
//	limited := ratelimit.Limit(alerts, 5, time.Minute, func(a Alert) string {
//	    return a.UserID
//	})
func Limit[T any](
	source ro.Observable[T],
	count int64,
	interval time.Duration,
	keyGetter func(T) string,
) ro.Observable[T] {
	return ro.Pipe1(
		source,
		roratelimit.NewRateLimiter[T](count, normalizeInterval(interval), keyGetter),
	)
}

// LimitGlobal applies a global rate limit to all items in the stream.
// All items share a single rate limit bucket.
//
// Example:
//
//	// Cap sync triggers to 30 per minute
//	limited := ratelimit.LimitGlobal(triggers, 30, time.Minute)
func LimitGlobal[T any](
	source ro.Observable[T],
	count int64,
	interval time.Duration,
) ro.Observable[T] {
	return Limit(source, count, interval, func(_ T) string { return "" })
}

// NewLimitOperator creates a reusable rate limiter operator.
// This is useful when the same rate limit applies to multiple streams.
//
// Example:
//
//	op := ratelimit.NewLimitOperator[Alert](5, time.Minute, func(a Alert) string {
//	    return a.UserID
//	})
//	limited := ro.Pipe1(alerts, op)
func NewLimitOperator[T any](
	count int64,
	interval time.Duration,
	keyGetter func(T) string,
) func(ro.Observable[T]) ro.Observable[T] {
	return roratelimit.NewRateLimiter[T](count, normalizeInterval(interval), keyGetter)
}

// NewGlobalLimitOperator creates a reusable global rate limiter operator.
// All items share a single rate limit bucket.
func NewGlobalLimitOperator[T any](
	count int64,
	interval time.Duration,
) func(ro.Observable[T]) ro.Observable[T] {
	return NewLimitOperator[T](count, interval, func(_ T) string { return "" })
}
