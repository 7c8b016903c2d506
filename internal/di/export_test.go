package di

import "github.com/qkdnet/kmed/internal/config"

// Exported for testing.
// This file provides access to unexported identifiers needed by tests in package di_test.

// GetWatcher returns the watcher for testing purposes.
func (c *ConfigService) GetWatcher() *config.Watcher {
	return c.watcher
}

// NewConfigServiceWithNilWatcher creates a ConfigService over cfg with hot-reload disabled.
func NewConfigServiceWithNilWatcher(cfg *config.Config) *ConfigService {
	return &ConfigService{
		runtime: config.NewRuntime(cfg),
		Config:  cfg,
	}
}
