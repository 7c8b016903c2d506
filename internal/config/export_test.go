package config

import (
	"github.com/qkdnet/kmed/internal/cache"
	"github.com/qkdnet/kmed/internal/health"
)

// Test helpers with all fields initialized for exhaustruct compliance.

// MakeTestConfig returns a minimal valid Config with all fields set.
func MakeTestConfig() *Config {
	return &Config{
		KME:       MakeTestKMEConfig(),
		Pool:      MakeTestPoolConfig(),
		LocalKM:   MakeTestLocalKMConfig(),
		Logging:   MakeTestLoggingConfig(),
		Health:    MakeTestHealthConfig(),
		Server:    MakeTestServerConfig(),
		Cache:     MakeTestCacheConfig(),
		RateLimit: MakeTestRateLimitConfig(),
	}
}

// MakeTestKMEConfig returns a minimal KMEConfig with all fields set.
func MakeTestKMEConfig() KMEConfig {
	return KMEConfig{
		ID:                RoleMaster,
		AttachedSAEID:     "sae-1",
		Peers:             []PeerConfig{},
		DirectMode:        nil,
		MaxKeysPerRequest: 0,
		MaxKeySizeBits:    0,
		MinKeySizeBits:    0,
	}
}

// MakeTestPoolConfig returns a minimal PoolConfig with all fields set.
func MakeTestPoolConfig() PoolConfig {
	return PoolConfig{
		DefaultKeySize:       32,
		MaxKeyCount:          100,
		BatchSize:            10,
		RefillThreshold:      50,
		GenerateIntervalSecs: 1,
		AcquireTimeoutSecs:   1,
		SnapshotPath:         "",
	}
}

// MakeTestLocalKMConfig returns a minimal LocalKMConfig with all fields set.
func MakeTestLocalKMConfig() LocalKMConfig {
	return LocalKMConfig{
		ID:                 "km-1",
		UpstreamURLs:       []string{},
		DBPath:             "",
		SyncIntervalHours:  0,
		LowThreshold:       0,
		EmergencyThreshold: 0,
		DefaultPoolSize:    0,
	}
}

// MakeTestServerConfig returns a minimal ServerConfig with all fields set.
func MakeTestServerConfig() ServerConfig {
	return ServerConfig{
		Listen: "127.0.0.1:8010",
		TLS: TLSConfig{
			Enabled:      false,
			CertFile:     "",
			KeyFile:      "",
			ClientCAFile: "",
		},
		TimeoutMS:     60000,
		MaxConcurrent: 0,
		MaxBodyBytes:  0,
		EnableHTTP2:   false,
	}
}

// MakeTestLoggingConfig returns a minimal LoggingConfig with all fields set.
func MakeTestLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
		Pretty: false,
	}
}

// MakeTestHealthConfig returns a minimal health.Config with all fields set.
func MakeTestHealthConfig() health.Config {
	return health.Config{
		Probe: health.ProbeConfig{
			Enabled:    boolPtr(true),
			IntervalMS: 10000,
		},
		CircuitBreaker: health.CircuitBreakerConfig{
			OpenDurationMS:   30000,
			FailureThreshold: 5,
			HalfOpenProbes:   3,
		},
	}
}

// MakeTestCacheConfig returns a minimal cache.Config with all fields set.
func MakeTestCacheConfig() cache.Config {
	return cache.Config{
		Mode:      cache.ModeDisabled,
		Ristretto: cache.DefaultRistrettoConfig(),
	}
}

// MakeTestRateLimitConfig returns a minimal RateLimitConfig with all fields set.
func MakeTestRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           false,
		RequestsPerMinute: 0,
		KeysPerMinute:     0,
	}
}

// boolPtr returns a pointer to a bool.
func boolPtr(b bool) *bool {
	return &b
}
