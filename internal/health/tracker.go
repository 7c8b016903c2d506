package health

import (
	"sync"

	"github.com/rs/zerolog"
)

// Tracker manages per-peer circuit breakers. Circuits are created lazily
// the first time a peer is referenced, so configuration changes that add
// peers need no tracker restart.
type Tracker struct {
	circuits map[string]*CircuitBreaker
	logger   *zerolog.Logger
	config   CircuitBreakerConfig
	mu       sync.RWMutex
}

// NewTracker creates a Tracker with the given circuit configuration.
func NewTracker(cfg CircuitBreakerConfig, logger *zerolog.Logger) *Tracker {
	return &Tracker{
		circuits: make(map[string]*CircuitBreaker),
		config:   cfg,
		logger:   logger,
	}
}

// GetOrCreateCircuit returns the circuit breaker for a peer, creating it
// if necessary.
func (t *Tracker) GetOrCreateCircuit(peer string) *CircuitBreaker {
	t.mu.RLock()
	cb, exists := t.circuits[peer]
	t.mu.RUnlock()

	if exists {
		return cb
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring the write lock.
	if cb, exists = t.circuits[peer]; exists {
		return cb
	}

	cb = NewCircuitBreaker(peer, t.config, t.logger)
	t.circuits[peer] = cb

	if t.logger != nil {
		t.logger.Debug().Str("peer", peer).Msg("created circuit breaker")
	}

	return cb
}

// IsHealthyFunc returns a closure reporting whether a peer is usable.
// CLOSED and HALF-OPEN both count as healthy; only OPEN is unhealthy.
func (t *Tracker) IsHealthyFunc(peer string) func() bool {
	return func() bool {
		return t.GetOrCreateCircuit(peer).State() != StateOpen
	}
}

// GetState returns the circuit state for a peer.
// A peer without a circuit yet is healthy by definition.
func (t *Tracker) GetState(peer string) State {
	t.mu.RLock()
	cb, exists := t.circuits[peer]
	t.mu.RUnlock()

	if !exists {
		return StateClosed
	}
	return cb.State()
}

// RecordSuccess records a successful operation against a peer.
func (t *Tracker) RecordSuccess(peer string) {
	t.GetOrCreateCircuit(peer).ReportSuccess()
}

// RecordFailure records a failed operation against a peer.
func (t *Tracker) RecordFailure(peer string, err error) {
	cb := t.GetOrCreateCircuit(peer)
	cb.ReportFailure(err)

	if t.logger != nil {
		t.logger.Debug().
			Str("peer", peer).
			Str("state", cb.State().String()).
			Err(err).
			Msg("recorded failure")
	}
}

// AllStates returns a snapshot of every tracked circuit's state.
func (t *Tracker) AllStates() map[string]State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make(map[string]State, len(t.circuits))
	for name, cb := range t.circuits {
		states[name] = cb.State()
	}
	return states
}
