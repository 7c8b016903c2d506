package cache

import (
	"context"
	"fmt"
)

// New creates a Cache from the configuration. The context parameter is
// unused by the local backends but kept so the signature survives a
// future backend that dials out during initialization.
func New(_ context.Context, cfg *Config) (Cache, error) {
	log := logger()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.GetEffectiveMode() {
	case ModeSingle:
		rc := cfg.Ristretto
		if rc.NumCounters == 0 || rc.MaxCost == 0 {
			rc = DefaultRistrettoConfig()
		}
		return newRistrettoCache(rc)
	case ModeDisabled:
		return newNoopCache(), nil
	default:
		log.Error().Str("mode", string(cfg.Mode)).Msg("unknown cache mode")
		return nil, fmt.Errorf("cache: unknown mode %q", cfg.Mode)
	}
}
