package ratelimit

import "time"

// NormalizeInterval exports normalizeInterval for testing.
var NormalizeInterval = normalizeInterval

// Verify NormalizeInterval has the expected type at compile time.
var _ func(time.Duration) time.Duration = NormalizeInterval

// GetRPMLimit returns the RPM limit (for testing).
func (l *TokenBucketLimiter) GetRPMLimit() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rpmLimit
}

// GetKPMLimit returns the KPM limit (for testing).
func (l *TokenBucketLimiter) GetKPMLimit() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.kpmLimit
}
