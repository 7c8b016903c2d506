// Package ratelimit provides rate limiting for key delivery endpoints.
//
// The package abstracts over two limiting styles:
//   - Token bucket: golang.org/x/time/rate for synchronous request handling
//   - Reactive: samber/ro operators for event stream throttling
//
// All token bucket limiters track two dimensions: RPM (requests per minute)
// and KPM (keys per minute). Key material is the scarce resource here, so a
// caller that stays under its request budget can still be throttled for
// drawing too many keys per window.
//
// Basic usage:
//
//	limiter := ratelimit.NewTokenBucketLimiter(100, 500) // 100 RPM, 500 KPM
//
//	// Check if the request is allowed (non-blocking)
//	if !limiter.Allow(ctx) {
//		return ErrRateLimitExceeded
//	}
//
//	// Record keys actually handed out after the response is assembled
//	err := limiter.ConsumeKeys(ctx, delivered)
package ratelimit

import (
	"context"
	"errors"
)

// Common errors returned by rate limiters.
var (
	// ErrRateLimitExceeded is returned when a rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("ratelimit: rate limit exceeded")

	// ErrContextCancelled is returned when the context is canceled during a blocking operation.
	ErrContextCancelled = errors.New("ratelimit: context canceled")
)

// Usage represents the current usage and limits for a rate limiter.
type Usage struct {
	// RequestsUsed is the number of requests consumed in the current window.
	RequestsUsed int `json:"requests_used"`

	// RequestsLimit is the maximum number of requests allowed per minute.
	RequestsLimit int `json:"requests_limit"`

	// KeysUsed is the number of keys drawn in the current window.
	KeysUsed int `json:"keys_used"`

	// KeysLimit is the maximum number of keys allowed per minute.
	KeysLimit int `json:"keys_limit"`

	// RequestsRemaining is the number of requests remaining in the current window.
	RequestsRemaining int `json:"requests_remaining"`

	// KeysRemaining is the number of keys remaining in the current window.
	KeysRemaining int `json:"keys_remaining"`
}

// Limiter defines the interface for rate limiting operations.
// All implementations must be safe for concurrent use.
//
// Limiters track two dimensions:
//   - Requests per minute (RPM): number of API calls allowed
//   - Keys per minute (KPM): total key material a caller may draw
//
// Typical workflow:
//  1. Call Allow() in the middleware to admit or reject the request
//  2. Call ReserveKeys() with the requested count before touching the pool
//  3. After delivery, call ConsumeKeys() with the count actually handed out
//  4. Limits can be updated dynamically via SetLimit() (config reload)
type Limiter interface {
	// Allow checks if a request is allowed under the current rate limits.
	// This is a non-blocking operation that returns immediately.
	// Returns true if the request can proceed, false if rate limited.
	Allow(ctx context.Context) bool

	// Wait blocks until a request is allowed or the context is canceled.
	// Returns nil when the request is allowed to proceed.
	// Returns ErrContextCancelled if the context is canceled before capacity is available.
	Wait(ctx context.Context) error

	// SetLimit updates the rate limits dynamically.
	// rpm: requests per minute limit (0 = unlimited)
	// kpm: keys per minute limit (0 = unlimited)
	SetLimit(rpm, kpm int)

	// GetUsage returns the current usage statistics.
	GetUsage() Usage

	// ReserveKeys checks whether n keys fit in the current key budget.
	// This is a non-blocking optimistic check used before drawing from the
	// pool. Returns true if the keys can be drawn, false if the draw would
	// exceed the KPM limit. Actual accounting happens via ConsumeKeys after
	// delivery, which may record fewer keys than reserved on a partial
	// response.
	ReserveKeys(n int) bool

	// ConsumeKeys records keys actually delivered in a response.
	// This blocks if recording them would exceed the KPM limit.
	// Returns ErrContextCancelled if the context is canceled while waiting.
	ConsumeKeys(ctx context.Context, n int) error
}
