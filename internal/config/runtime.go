package config

import "sync/atomic"

// Runtime provides atomic access to configuration for hot-reload support.
// Reads are lock-free, so in-flight requests finish with the config they
// started with while new requests observe the updated one.
//
// Store() is called by the config watcher when a file change is detected.
// Components call Get() per request or per operation so they see the
// latest configuration.
//
// Example usage:
//
//	runtime := config.NewRuntime(initialConfig)
//
//	// In a request handler or component:
//	cfg := runtime.Get()
//	limit := cfg.KME.GetMaxKeysPerRequest()
//
//	// In the config watcher callback:
//	runtime.Store(newConfig)
type Runtime struct {
	ptr atomic.Pointer[Config]
}

// NewRuntime creates a new Runtime with the given initial configuration.
// The initial config is stored and immediately available via Get().
func NewRuntime(initial *Config) *Runtime {
	r := &Runtime{}
	r.ptr.Store(initial)
	return r
}

// Get returns the current configuration atomically.
func (r *Runtime) Get() *Config {
	return r.ptr.Load()
}

// Store atomically swaps in a new configuration. Readers see either the
// old config or the new one, never a partial state.
func (r *Runtime) Store(cfg *Config) {
	r.ptr.Store(cfg)
}

// RuntimeConfig interface implementation.
var _ RuntimeConfig = (*Runtime)(nil)
