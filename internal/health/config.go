// Package health provides circuit breakers and recovery probing for the
// remote endpoints a KME depends on: its peer KME and the upstream key
// managers the Local KM syncs from.
//
// The package implements:
//   - Circuit breaker state machine (CLOSED -> OPEN -> HALF-OPEN -> CLOSED)
//   - Per-peer failure tracking with lazy circuit creation
//   - Periodic recovery probes against peers with OPEN circuits
//
// An open circuit short-circuits cross-KME calls so a dead peer fails fast
// instead of consuming the request deadline on every attempt.
package health

import "time"

// Default configuration values.
const (
	DefaultFailureThreshold = 5     // consecutive failures to open circuit
	DefaultOpenDurationMS   = 30000 // 30 seconds before half-open
	DefaultHalfOpenProbes   = 3     // probes allowed in half-open state
	DefaultProbeIntervalMS  = 10000 // 10 seconds between recovery probes
	DefaultProbesEnabled    = true
)

// CircuitBreakerConfig defines circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens. Default: 5.
	FailureThreshold int `yaml:"failure_threshold" toml:"failure_threshold"`

	// OpenDurationMS is how long the circuit stays open before probing
	// recovery, in milliseconds. Default: 30000.
	OpenDurationMS int `yaml:"open_duration_ms" toml:"open_duration_ms"`

	// HalfOpenProbes is the number of probe requests allowed in half-open
	// state. All must succeed for the circuit to close. Default: 3.
	HalfOpenProbes int `yaml:"half_open_probes" toml:"half_open_probes"`
}

// GetFailureThreshold returns the configured failure threshold or default 5.
func (c *CircuitBreakerConfig) GetFailureThreshold() int {
	if c.FailureThreshold <= 0 {
		return DefaultFailureThreshold
	}
	return c.FailureThreshold
}

// GetOpenDuration returns the open duration, default 30s.
func (c *CircuitBreakerConfig) GetOpenDuration() time.Duration {
	if c.OpenDurationMS <= 0 {
		return time.Duration(DefaultOpenDurationMS) * time.Millisecond
	}
	return time.Duration(c.OpenDurationMS) * time.Millisecond
}

// GetHalfOpenProbes returns the configured half-open probes or default 3.
func (c *CircuitBreakerConfig) GetHalfOpenProbes() int {
	if c.HalfOpenProbes <= 0 {
		return DefaultHalfOpenProbes
	}
	return c.HalfOpenProbes
}

// ProbeConfig defines recovery probe behavior.
type ProbeConfig struct {
	Enabled    *bool `yaml:"enabled" toml:"enabled"`
	IntervalMS int   `yaml:"interval_ms" toml:"interval_ms"`
}

// GetInterval returns the probe interval, default 10s.
func (c *ProbeConfig) GetInterval() time.Duration {
	if c.IntervalMS <= 0 {
		return time.Duration(DefaultProbeIntervalMS) * time.Millisecond
	}
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// IsEnabled reports whether recovery probes run. Defaults to true.
func (c *ProbeConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return DefaultProbesEnabled
	}
	return *c.Enabled
}

// Config combines circuit breaker and probe configuration.
type Config struct {
	Probe          ProbeConfig          `yaml:"probe" toml:"probe"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`
}
