package di

import (
	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"

	"github.com/qkdnet/kmed/internal/config"
	"github.com/qkdnet/kmed/internal/ratelimit"
)

// RateLimitService wraps the per-SAE limiter registry. Registry is nil
// when rate limiting is disabled; the middleware treats nil as
// unlimited.
type RateLimitService struct {
	Registry *ratelimit.Registry
}

// NewRateLimits creates the registry from configuration. Limit changes
// hot-reload into existing limiters; flipping enabled needs a restart.
func NewRateLimits(i do.Injector) (*RateLimitService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	cfg := cfgSvc.Config

	if !cfg.RateLimit.Enabled {
		return &RateLimitService{}, nil
	}

	svc := &RateLimitService{
		Registry: ratelimit.NewRegistry(
			cfg.RateLimit.GetRequestsPerMinute(),
			cfg.RateLimit.GetKeysPerMinute(),
		),
	}
	svc.startWatching(cfgSvc)

	return svc, nil
}

// startWatching pushes reloaded limits into the registry, which fans
// them out to every per-SAE limiter already minted.
func (s *RateLimitService) startWatching(cfgSvc *ConfigService) {
	if cfgSvc.watcher == nil {
		return
	}

	cfgSvc.watcher.OnReload(func(newCfg *config.Config) error {
		rpm := newCfg.RateLimit.GetRequestsPerMinute()
		kpm := newCfg.RateLimit.GetKeysPerMinute()
		s.Registry.SetLimits(rpm, kpm)
		log.Info().
			Int("requests_per_minute", rpm).
			Int("keys_per_minute", kpm).
			Msg("Rate limits updated via hot-reload")
		return nil
	})
}
