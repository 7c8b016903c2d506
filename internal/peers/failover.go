package peers

import (
	"context"
	"slices"
	"time"
)

// FailoverSelector implements priority-based upstream selection.
// It prefers the primary (highest priority) upstream and walks down the
// priority order when an attempt fails with a trigger condition.
type FailoverSelector struct {
	triggers []FailoverTrigger
	timeout  time.Duration
}

// NewFailoverSelector creates a failover selector with the given per-attempt
// timeout. If timeout is 0, defaults to 5 seconds.
// If triggers is empty, uses DefaultTriggers().
func NewFailoverSelector(timeout time.Duration, triggers ...FailoverTrigger) *FailoverSelector {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if len(triggers) == 0 {
		triggers = DefaultTriggers()
	}
	return &FailoverSelector{
		triggers: triggers,
		timeout:  timeout,
	}
}

// Select returns the highest priority healthy upstream.
// To actually walk the fallback chain, use TryInOrder instead.
func (s *FailoverSelector) Select(_ context.Context, upstreams []Info) (Info, error) {
	if len(upstreams) == 0 {
		return Info{}, ErrNoUpstreams
	}

	healthy := FilterHealthy(upstreams)
	if len(healthy) == 0 {
		return Info{}, ErrAllUpstreamsUnhealthy
	}

	sorted := sortByPriority(healthy)
	return sorted[0], nil
}

// Name returns the strategy name for logging and configuration.
func (s *FailoverSelector) Name() string {
	return StrategyFailover
}

// Timeout returns the configured per-attempt timeout.
func (s *FailoverSelector) Timeout() time.Duration {
	return s.timeout
}

// Triggers returns the configured failover triggers.
func (s *FailoverSelector) Triggers() []FailoverTrigger {
	return s.triggers
}

// sortByPriority returns upstreams sorted by priority descending (highest first).
// Makes a copy to avoid mutating the input slice.
func sortByPriority(upstreams []Info) []Info {
	sorted := make([]Info, len(upstreams))
	copy(sorted, upstreams)
	slices.SortStableFunc(sorted, func(a, b Info) int {
		return b.Priority - a.Priority // Descending
	})
	return sorted
}

// TryInOrder walks upstreams in priority order until one attempt succeeds:
//  1. Try the highest priority healthy upstream under the per-attempt timeout.
//  2. If the attempt fails with a trigger condition, move to the next.
//  3. Any other failure is final for the upstream that produced it.
//
// A key draw consumes material on the remote side, so attempts run strictly
// one at a time, never as a parallel race.
//
// try is called to perform the actual request against an upstream.
// Returns the upstream that answered, or the last error seen.
func (s *FailoverSelector) TryInOrder(
	ctx context.Context,
	upstreams []Info,
	try func(context.Context, Info) (statusCode int, err error),
) (Info, error) {
	if len(upstreams) == 0 {
		return Info{}, ErrNoUpstreams
	}

	healthy := FilterHealthy(upstreams)
	if len(healthy) == 0 {
		return Info{}, ErrAllUpstreamsUnhealthy
	}

	sorted := sortByPriority(healthy)

	var lastErr error
	for _, up := range sorted {
		if err := ctx.Err(); err != nil {
			return Info{}, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		statusCode, err := try(attemptCtx, up)
		cancel()

		if err == nil {
			return up, nil
		}
		lastErr = err

		if !ShouldFailover(s.triggers, err, statusCode) {
			return up, err
		}
	}

	return Info{}, lastErr
}
