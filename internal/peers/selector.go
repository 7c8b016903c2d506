// Package peers provides upstream selection strategies for key synchronization.
//
// This package handles upstream selection (choosing which key manager to pull
// from), which is distinct from key selection within the shared pool (handled
// by pool).
//
// The selection layer sits above the sync worker:
//
//	Sync trigger -> Selector (pick upstream) -> HTTP fetch -> UserPool (store keys)
//
// Available selection strategies:
//   - round_robin: Rotate through upstreams sequentially
//   - failover: Try upstreams in priority order until one succeeds (default)
package peers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
)

// Strategy constants for configuration.
const (
	StrategyRoundRobin = "round_robin"
	StrategyFailover   = "failover"
)

// Common errors returned by selectors.
var (
	// ErrNoUpstreams is returned when no upstreams are configured.
	ErrNoUpstreams = errors.New("peers: no upstreams configured")

	// ErrAllUpstreamsUnhealthy is returned when all upstreams fail health checks.
	ErrAllUpstreamsUnhealthy = errors.New("peers: all upstreams unhealthy")
)

// Selector defines the interface for upstream selection strategies.
// Implementations choose which key manager to pull from on a sync cycle.
type Selector interface {
	// Select chooses an upstream from the pool based on the strategy.
	// Returns ErrNoUpstreams if the upstreams slice is empty.
	// Returns ErrAllUpstreamsUnhealthy if no upstreams pass health checks.
	Select(ctx context.Context, upstreams []Info) (Info, error)

	// Name returns the strategy name for logging and configuration.
	Name() string
}

// Peer identifies a remote key manager.
type Peer struct {
	Name    string
	BaseURL string
}

// Info wraps a peer with selection metadata.
// This contains all information needed for an upstream choice.
type Info struct {
	Peer      Peer
	IsHealthy func() bool
	Priority  int
}

// Healthy returns true if the upstream is currently healthy.
// Returns true if no health check function is configured.
func (i Info) Healthy() bool {
	if i.IsHealthy == nil {
		return true
	}
	return i.IsHealthy()
}

// FilterHealthy returns only healthy upstreams from the input slice.
// Uses lo.Filter for functional-style filtering.
func FilterHealthy(upstreams []Info) []Info {
	return lo.Filter(upstreams, func(i Info, _ int) bool {
		return i.Healthy()
	})
}

// NewSelector creates a Selector based on the strategy name.
// Returns an error if the strategy is unknown.
//
// Default strategy is "failover" when strategy is the empty string.
func NewSelector(strategy string, timeout time.Duration) (Selector, error) {
	if strategy == "" {
		strategy = StrategyFailover
	}

	switch strategy {
	case StrategyRoundRobin:
		return NewRoundRobinSelector(), nil
	case StrategyFailover:
		return NewFailoverSelector(timeout), nil
	default:
		return nil, fmt.Errorf("peers: unknown strategy %q", strategy)
	}
}
