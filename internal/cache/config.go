package cache

import (
	"errors"
	"fmt"
)

// Mode represents the cache operating mode.
type Mode string

const (
	// ModeSingle uses a local Ristretto cache (default).
	ModeSingle Mode = "single"

	// ModeDisabled uses a noop cache; every read misses.
	ModeDisabled Mode = "disabled"
)

// Config defines cache configuration.
// Use Validate() to check for configuration errors before creating a cache.
type Config struct {
	Mode      Mode            `yaml:"mode" toml:"mode"`
	Ristretto RistrettoConfig `yaml:"ristretto" toml:"ristretto"`
}

// RistrettoConfig configures the Ristretto local cache.
type RistrettoConfig struct {
	// NumCounters is the number of 4-bit access counters.
	// Recommended: 10x the expected max item count.
	NumCounters int64 `yaml:"num_counters" toml:"num_counters"`

	// MaxCost is the maximum memory the cache may hold, in bytes of
	// cached values.
	MaxCost int64 `yaml:"max_cost" toml:"max_cost"`

	// BufferItems is the number of keys per Get buffer. Default 64.
	BufferItems int64 `yaml:"buffer_items" toml:"buffer_items"`
}

// GetEffectiveMode returns the configured mode, defaulting to single.
func (c *Config) GetEffectiveMode() Mode {
	if c.Mode == "" {
		return ModeSingle
	}
	return c.Mode
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.GetEffectiveMode() {
	case ModeSingle:
		// Zero sizing means defaults, explicit negatives are mistakes
		if c.Ristretto.NumCounters < 0 {
			return errors.New("cache: ristretto.num_counters must be >= 0")
		}
		if c.Ristretto.MaxCost < 0 {
			return errors.New("cache: ristretto.max_cost must be >= 0")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("cache: unknown mode %q", c.Mode)
	}
	return nil
}

// DefaultRistrettoConfig returns sizing suited to the identity and
// peer-status entries this cache holds: small values, modest cardinality.
func DefaultRistrettoConfig() RistrettoConfig {
	return RistrettoConfig{
		NumCounters: 100_000,
		MaxCost:     16 << 20, // 16 MB
		BufferItems: 64,
	}
}

// DefaultConfig returns a single-mode configuration with default sizing.
func DefaultConfig() Config {
	return Config{
		Mode:      ModeSingle,
		Ristretto: DefaultRistrettoConfig(),
	}
}
