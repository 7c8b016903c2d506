package peers

import (
	"context"
	"sync/atomic"
)

// RoundRobinSelector cycles through upstreams in order.
// Uses an atomic counter for thread-safe operation without mutex overhead.
type RoundRobinSelector struct {
	index uint64 // Atomic counter for current position
}

// NewRoundRobinSelector creates a new round-robin selector.
func NewRoundRobinSelector() *RoundRobinSelector {
	return &RoundRobinSelector{}
}

// Select picks the next healthy upstream in round-robin order.
// Returns ErrNoUpstreams if the upstreams slice is empty.
// Returns ErrAllUpstreamsUnhealthy if no upstreams pass health checks.
func (s *RoundRobinSelector) Select(_ context.Context, upstreams []Info) (Info, error) {
	if len(upstreams) == 0 {
		return Info{}, ErrNoUpstreams
	}

	healthy := FilterHealthy(upstreams)
	if len(healthy) == 0 {
		return Info{}, ErrAllUpstreamsUnhealthy
	}

	next := atomic.AddUint64(&s.index, 1) - 1
	return healthy[next%uint64(len(healthy))], nil
}

// Name returns the strategy name for logging and configuration.
func (s *RoundRobinSelector) Name() string {
	return StrategyRoundRobin
}
