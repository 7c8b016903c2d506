package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// unlimitedRate substitutes for zero or negative limits.
const unlimitedRate = 1_000_000

// TokenBucketLimiter implements Limiter using golang.org/x/time/rate.
//
// It uses two separate token bucket limiters:
//   - requestLimiter: tracks requests per minute (RPM)
//   - keyLimiter: tracks keys per minute (KPM)
//
// The token bucket algorithm provides smooth rate limiting without the
// boundary burst problem of fixed windows. Burst is set equal to the limit
// so a caller can consume the full minute's capacity instantly, then the
// bucket refills gradually.
//
// Thread safety: All methods are safe for concurrent use.
type TokenBucketLimiter struct {
	requestLimiter *rate.Limiter
	keyLimiter     *rate.Limiter
	rpmLimit       int
	kpmLimit       int
	mu             sync.RWMutex // Protects limit fields and limiter updates
}

// NewTokenBucketLimiter creates a new token bucket rate limiter.
//
// Parameters:
//   - rpm: requests per minute limit (0 or negative = unlimited)
//   - kpm: keys per minute limit (0 or negative = unlimited)
//
// The limiters are configured with:
//   - Rate: limit/60.0 (convert per-minute to per-second)
//   - Burst: limit (allow the full minute's capacity instantly)
func NewTokenBucketLimiter(rpm, kpm int) *TokenBucketLimiter {
	if rpm <= 0 {
		rpm = unlimitedRate
	}
	if kpm <= 0 {
		kpm = unlimitedRate
	}

	return &TokenBucketLimiter{
		requestLimiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		keyLimiter:     rate.NewLimiter(rate.Limit(float64(kpm)/60.0), kpm),
		rpmLimit:       rpm,
		kpmLimit:       kpm,
	}
}

// Allow checks if a request is allowed under the current RPM limit.
// This is a non-blocking operation.
//
// Note: This only checks the request limit, not the key limit.
// Key accounting is handled separately via ReserveKeys/ConsumeKeys.
func (l *TokenBucketLimiter) Allow(_ context.Context) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.requestLimiter.Allow()
}

// Wait blocks until a request is allowed or the context is canceled.
// Returns ErrContextCancelled if the context is canceled while waiting.
func (l *TokenBucketLimiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	limiter := l.requestLimiter
	l.mu.RUnlock()

	if err := limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ErrContextCancelled
		}
		return err
	}
	return nil
}

// SetLimit updates the rate limits dynamically.
//
// The method is thread-safe and creates new limiters with updated rates.
// Zero or negative values are treated as unlimited.
func (l *TokenBucketLimiter) SetLimit(rpm, kpm int) {
	if rpm <= 0 {
		rpm = unlimitedRate
	}
	if kpm <= 0 {
		kpm = unlimitedRate
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.requestLimiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	l.keyLimiter = rate.NewLimiter(rate.Limit(float64(kpm)/60.0), kpm)
	l.rpmLimit = rpm
	l.kpmLimit = kpm
}

// GetUsage returns the current usage statistics.
//
// Note: golang.org/x/time/rate doesn't expose remaining tokens directly.
// The bucket fill level from Tokens() is close enough for status reporting.
func (l *TokenBucketLimiter) GetUsage() Usage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	requestsRemaining := clampUsage(int(l.requestLimiter.Tokens()), l.rpmLimit)
	keysRemaining := clampUsage(int(l.keyLimiter.Tokens()), l.kpmLimit)

	return Usage{
		RequestsUsed:      l.rpmLimit - requestsRemaining,
		RequestsLimit:     l.rpmLimit,
		KeysUsed:          l.kpmLimit - keysRemaining,
		KeysLimit:         l.kpmLimit,
		RequestsRemaining: requestsRemaining,
		KeysRemaining:     keysRemaining,
	}
}

func clampUsage(remaining, limit int) int {
	if remaining < 0 {
		return 0
	}
	if remaining > limit {
		return limit
	}
	return remaining
}

// ReserveKeys checks if n keys fit in the current key budget.
// This is a non-blocking optimistic check used before drawing from the pool.
//
// Note: This doesn't actually take the keys, it just checks availability.
// Actual accounting happens via ConsumeKeys after delivery.
func (l *TokenBucketLimiter) ReserveKeys(n int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	reservation := l.keyLimiter.ReserveN(time.Now(), n)
	if !reservation.OK() {
		return false
	}

	// Cancel the reservation, this is a check, not a draw
	reservation.Cancel()
	return true
}

// ConsumeKeys records keys actually delivered in a response.
// This blocks if recording them would exceed the KPM limit.
//
// Returns ErrContextCancelled if the context is canceled while waiting.
func (l *TokenBucketLimiter) ConsumeKeys(ctx context.Context, n int) error {
	l.mu.RLock()
	limiter := l.keyLimiter
	l.mu.RUnlock()

	if err := limiter.WaitN(ctx, n); err != nil {
		if ctx.Err() != nil {
			return ErrContextCancelled
		}
		return err
	}
	return nil
}
