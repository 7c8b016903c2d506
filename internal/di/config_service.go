// Package di assembles the kmed service graph with samber/do v2. Each
// service file wraps one subsystem, RegisterSingletons lists them in
// dependency order, and Container owns the injector lifecycle for the
// kmed commands.
package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"

	"github.com/qkdnet/kmed/internal/config"
)

// ConfigPathKey is the named key under which the composition root
// provides the config file path.
const ConfigPathKey = "config.path"

// ConfigService wraps the loaded configuration with hot-reload support.
// Reads during request handling go through Get, a lock-free atomic
// load, so in-flight requests keep the config they started with while
// new requests see the reloaded one.
type ConfigService struct {
	runtime *config.Runtime
	watcher *config.Watcher
	Config  *config.Config
	path    string
}

var _ config.RuntimeConfig = (*ConfigService)(nil)

// Get returns the current configuration.
func (c *ConfigService) Get() *config.Config {
	return c.runtime.Get()
}

// StartWatching begins watching the config file and swaps the runtime
// config on every successful reload. Call after the container is fully
// built; the context controls the watcher lifetime.
func (c *ConfigService) StartWatching(ctx context.Context) {
	if c.watcher == nil {
		return
	}

	c.watcher.OnReload(func(newCfg *config.Config) error {
		c.runtime.Store(newCfg)
		c.Config = newCfg
		log.Info().Str("path", c.path).Msg("Config hot-reloaded")
		return nil
	})

	go func() {
		if err := c.watcher.Watch(ctx); err != nil {
			log.Error().Err(err).Msg("Config watcher stopped")
		}
	}()

	log.Info().Str("path", c.path).Msg("Config file watcher started")
}

// Shutdown implements do.Shutdowner.
func (c *ConfigService) Shutdown() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// NewConfig loads the configuration from the provided path and prepares
// a watcher. The watcher is created but not started; StartWatching runs
// it once the container is up.
func NewConfig(i do.Injector) (*ConfigService, error) {
	path := do.MustInvokeNamed[string](i, ConfigPathKey)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	svc := &ConfigService{
		runtime: config.NewRuntime(cfg),
		Config:  cfg,
		path:    path,
	}

	// Hot-reload is optional; a watcher that cannot be created only
	// costs the reload feature.
	watcher, err := config.NewWatcher(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Config watcher creation failed, hot-reload disabled")
	} else {
		svc.watcher = watcher
	}

	return svc, nil
}
