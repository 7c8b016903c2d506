package ratelimit

import "sync"

// Registry hands out one Limiter per SAE, created lazily on first use.
// Every SAE gets the same configured limits; SetLimits propagates a new
// configuration to both existing limiters and future ones.
//
// Thread safety: all methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]Limiter
	rpm      int
	kpm      int
}

// NewRegistry creates a registry with the given default limits.
// Zero or negative limits mean unlimited, same as NewTokenBucketLimiter.
func NewRegistry(rpm, kpm int) *Registry {
	return &Registry{
		limiters: make(map[string]Limiter),
		rpm:      rpm,
		kpm:      kpm,
	}
}

// For returns the limiter for the given SAE, creating it if needed.
// An empty SAE ID shares the anonymous limiter, so unidentified callers
// compete for one budget instead of minting fresh ones.
func (r *Registry) For(saeID string) Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[saeID]; ok {
		return l
	}

	l := NewTokenBucketLimiter(r.rpm, r.kpm)
	r.limiters[saeID] = l
	return l
}

// SetLimits updates the default limits and pushes them to every existing
// limiter. Used on config reload.
func (r *Registry) SetLimits(rpm, kpm int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rpm = rpm
	r.kpm = kpm
	for _, l := range r.limiters {
		l.SetLimit(rpm, kpm)
	}
}

// Usage returns the usage snapshot for every SAE seen so far.
func (r *Registry) Usage() map[string]Usage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Usage, len(r.limiters))
	for saeID, l := range r.limiters {
		out[saeID] = l.GetUsage()
	}
	return out
}

// Len returns the number of per-SAE limiters created so far.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}
