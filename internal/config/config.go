// Package config provides configuration loading and parsing for kmed.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"github.com/qkdnet/kmed/internal/cache"
	"github.com/qkdnet/kmed/internal/health"
)

// KME role identifiers. The master runs the shared pool engine and
// generates keys; a slave delegates generation to the master over the
// internal endpoints.
const (
	RoleMaster = "1"
	RoleSlave  = "2"
)

// Built-in defaults. Sizes are bytes unless the name says bits.
const (
	DefaultKeySizeBytes       = 32
	DefaultMaxKeyCount        = 1000
	DefaultBatchSize          = 100
	DefaultRefillThreshold    = 500
	DefaultGenerateInterval   = 30 * time.Second
	DefaultAcquireTimeout     = 5 * time.Second
	DefaultMaxKeysPerRequest  = 128
	DefaultMaxKeySizeBits     = 8192
	DefaultMinKeySizeBits     = 64
	DefaultSyncInterval       = 24 * time.Hour
	DefaultLowThreshold       = 0.10
	DefaultEmergencyThreshold = 0.05
	DefaultUserPoolSize       = 10
	DefaultSnapshotPath       = "shared_pool.json"
	DefaultLocalKMDBPath      = "local_km.db"
)

// Log level constants.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// RuntimeConfig defines the interface for accessing runtime configuration
// that supports hot-reload. Components that need to observe config changes
// should use this interface instead of holding a direct *Config pointer,
// which would become stale after hot-reload.
type RuntimeConfig interface {
	Get() *Config
}

// InvalidRoleError is returned when kme.id is not a known role.
type InvalidRoleError struct {
	Role string
}

func (e InvalidRoleError) Error() string {
	return fmt.Sprintf("config: kme.id must be %q (master) or %q (slave), got %q", RoleMaster, RoleSlave, e.Role)
}

// InvalidThresholdError is returned when a pool threshold is outside [0, 1].
type InvalidThresholdError struct {
	Name  string
	Value float64
}

func (e InvalidThresholdError) Error() string {
	return fmt.Sprintf("config: %s must be within [0, 1], got %v", e.Name, e.Value)
}

// Config represents the complete kmed configuration.
type Config struct {
	KME       KMEConfig       `yaml:"kme" toml:"kme"`
	Pool      PoolConfig      `yaml:"pool" toml:"pool"`
	LocalKM   LocalKMConfig   `yaml:"local_km" toml:"local_km"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Health    health.Config   `yaml:"health" toml:"health"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Cache     cache.Config    `yaml:"cache" toml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// KMEConfig identifies this KME and its peers on the internal interface.
type KMEConfig struct {
	// ID selects the role: "1" master (default), "2" slave.
	ID string `yaml:"id" toml:"id"`

	// AttachedSAEID is the SAE served directly by this KME. Used by the
	// peer scanner to answer which SAEs live behind which KME.
	AttachedSAEID string `yaml:"attached_sae_id" toml:"attached_sae_id"`

	// Peers lists the other KMEs: broadcast targets for key-store
	// mutations, and for the slave role the first peer is the master.
	Peers []PeerConfig `yaml:"peers" toml:"peers"`

	// DirectMode controls the scanner-miss fallback: treat the caller as
	// master and the path id as slave when no peer claims the SAE.
	// Enabled by default; disable when scanner discovery is authoritative.
	DirectMode *bool `yaml:"direct_mode" toml:"direct_mode"`

	// ETSI request caps. Sizes are bits, as reported on the status
	// endpoint.
	MaxKeysPerRequest int `yaml:"max_keys_per_request" toml:"max_keys_per_request"`
	MaxKeySizeBits    int `yaml:"max_key_size_bits" toml:"max_key_size_bits"`
	MinKeySizeBits    int `yaml:"min_key_size_bits" toml:"min_key_size_bits"`
}

// PeerConfig describes one peer KME.
type PeerConfig struct {
	Name    string `yaml:"name" toml:"name"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

// GetEffectiveID returns the KME id, defaulting to the master role.
func (k *KMEConfig) GetEffectiveID() string {
	if k.ID == "" {
		return RoleMaster
	}
	return k.ID
}

// IsMaster reports whether this KME runs the shared pool engine.
func (k *KMEConfig) IsMaster() bool {
	return k.GetEffectiveID() != RoleSlave
}

// IsDirectModeEnabled reports whether the scanner-miss fallback is active.
// Defaults to true.
func (k *KMEConfig) IsDirectModeEnabled() bool {
	if k.DirectMode == nil {
		return true
	}
	return *k.DirectMode
}

// GetMaxKeysPerRequest returns the per-request key cap, default 128.
func (k *KMEConfig) GetMaxKeysPerRequest() int {
	if k.MaxKeysPerRequest <= 0 {
		return DefaultMaxKeysPerRequest
	}
	return k.MaxKeysPerRequest
}

// GetMaxKeySizeBits returns the maximum requestable key size, default 8192.
func (k *KMEConfig) GetMaxKeySizeBits() int {
	if k.MaxKeySizeBits <= 0 {
		return DefaultMaxKeySizeBits
	}
	return k.MaxKeySizeBits
}

// GetMinKeySizeBits returns the minimum requestable key size, default 64.
func (k *KMEConfig) GetMinKeySizeBits() int {
	if k.MinKeySizeBits <= 0 {
		return DefaultMinKeySizeBits
	}
	return k.MinKeySizeBits
}

// MasterPeer returns the peer a slave delegates pool operations to.
// Returns None for the master role or when no peers are configured.
func (k *KMEConfig) MasterPeer() mo.Option[PeerConfig] {
	if k.IsMaster() || len(k.Peers) == 0 {
		return mo.None[PeerConfig]()
	}
	return mo.Some(k.Peers[0])
}

// PoolConfig tunes the shared pool engine. Sizes are bytes.
type PoolConfig struct {
	DefaultKeySize       int    `yaml:"default_key_size" toml:"default_key_size"`
	MaxKeyCount          int    `yaml:"max_key_count" toml:"max_key_count"`
	BatchSize            int    `yaml:"batch_size" toml:"batch_size"`
	RefillThreshold      int    `yaml:"refill_threshold" toml:"refill_threshold"`
	GenerateIntervalSecs int    `yaml:"generate_interval_secs" toml:"generate_interval_secs"`
	AcquireTimeoutSecs   int    `yaml:"acquire_timeout_secs" toml:"acquire_timeout_secs"`
	SnapshotPath         string `yaml:"snapshot_path" toml:"snapshot_path"`
}

// GetDefaultKeySize returns the shared-pool key size in bytes, default 32.
func (p *PoolConfig) GetDefaultKeySize() int {
	if p.DefaultKeySize <= 0 {
		return DefaultKeySizeBytes
	}
	return p.DefaultKeySize
}

// GetMaxKeyCount returns the available-queue capacity, default 1000.
func (p *PoolConfig) GetMaxKeyCount() int {
	if p.MaxKeyCount <= 0 {
		return DefaultMaxKeyCount
	}
	return p.MaxKeyCount
}

// GetBatchSize returns the refill batch size, default 100.
func (p *PoolConfig) GetBatchSize() int {
	if p.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return p.BatchSize
}

// GetRefillThreshold returns the refill watermark, default 500.
func (p *PoolConfig) GetRefillThreshold() int {
	if p.RefillThreshold <= 0 {
		return DefaultRefillThreshold
	}
	return p.RefillThreshold
}

// GetGenerateInterval returns the refill-loop sleep, default 30s.
func (p *PoolConfig) GetGenerateInterval() time.Duration {
	if p.GenerateIntervalSecs <= 0 {
		return DefaultGenerateInterval
	}
	return time.Duration(p.GenerateIntervalSecs) * time.Second
}

// GetAcquireTimeout returns how long enc_keys waits on a drained pool,
// default 5s.
func (p *PoolConfig) GetAcquireTimeout() time.Duration {
	if p.AcquireTimeoutSecs <= 0 {
		return DefaultAcquireTimeout
	}
	return time.Duration(p.AcquireTimeoutSecs) * time.Second
}

// GetAcquireTimeoutOption returns the acquire timeout as an Option.
// Returns None when unset so callers can distinguish "default" from
// an explicit value.
func (p *PoolConfig) GetAcquireTimeoutOption() mo.Option[time.Duration] {
	if p.AcquireTimeoutSecs <= 0 {
		return mo.None[time.Duration]()
	}
	return mo.Some(time.Duration(p.AcquireTimeoutSecs) * time.Second)
}

// GetSnapshotPath returns the snapshot file location.
func (p *PoolConfig) GetSnapshotPath() string {
	if p.SnapshotPath == "" {
		return DefaultSnapshotPath
	}
	return p.SnapshotPath
}

// LocalKMConfig tunes the Local Key Manager and its sync worker.
type LocalKMConfig struct {
	ID                 string   `yaml:"id" toml:"id"`
	UpstreamURLs       []string `yaml:"upstream_urls" toml:"upstream_urls"`
	DBPath             string   `yaml:"db_path" toml:"db_path"`
	SyncIntervalHours  int      `yaml:"sync_interval_hours" toml:"sync_interval_hours"`
	LowThreshold       float64  `yaml:"low_threshold" toml:"low_threshold"`
	EmergencyThreshold float64  `yaml:"emergency_threshold" toml:"emergency_threshold"`
	DefaultPoolSize    int      `yaml:"default_pool_size" toml:"default_pool_size"`
}

// GetSyncInterval returns the scheduled sync cadence, default 24h.
func (l *LocalKMConfig) GetSyncInterval() time.Duration {
	if l.SyncIntervalHours <= 0 {
		return DefaultSyncInterval
	}
	return time.Duration(l.SyncIntervalHours) * time.Hour
}

// GetLowThreshold returns the warn-and-sync watermark, default 0.10.
func (l *LocalKMConfig) GetLowThreshold() float64 {
	if l.LowThreshold <= 0 {
		return DefaultLowThreshold
	}
	return l.LowThreshold
}

// GetEmergencyThreshold returns the emergency sync watermark, default 0.05.
func (l *LocalKMConfig) GetEmergencyThreshold() float64 {
	if l.EmergencyThreshold <= 0 {
		return DefaultEmergencyThreshold
	}
	return l.EmergencyThreshold
}

// GetDBPath returns the sqlite database location.
func (l *LocalKMConfig) GetDBPath() string {
	if l.DBPath == "" {
		return DefaultLocalKMDBPath
	}
	return l.DBPath
}

// GetDefaultPoolSize returns the pool size for registrations that do not
// specify one, default 10.
func (l *LocalKMConfig) GetDefaultPoolSize() int {
	if l.DefaultPoolSize <= 0 {
		return DefaultUserPoolSize
	}
	return l.DefaultPoolSize
}

// ServerConfig defines server-level settings.
type ServerConfig struct {
	Listen        string    `yaml:"listen" toml:"listen"`
	TLS           TLSConfig `yaml:"tls" toml:"tls"`
	TimeoutMS     int       `yaml:"timeout_ms" toml:"timeout_ms"`
	MaxConcurrent int       `yaml:"max_concurrent" toml:"max_concurrent"`
	MaxBodyBytes  int64     `yaml:"max_body_bytes" toml:"max_body_bytes"`
	EnableHTTP2   bool      `yaml:"enable_http2" toml:"enable_http2"`
}

// TLSConfig enables HTTPS with optional client-certificate identity.
type TLSConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	CertFile     string `yaml:"cert_file" toml:"cert_file"`
	KeyFile      string `yaml:"key_file" toml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file" toml:"client_ca_file"`
}

// GetTimeoutOption returns the request timeout as an Option.
func (s *ServerConfig) GetTimeoutOption() mo.Option[time.Duration] {
	if s.TimeoutMS <= 0 {
		return mo.None[time.Duration]()
	}
	return mo.Some(time.Duration(s.TimeoutMS) * time.Millisecond)
}

// GetMaxConcurrentOption returns the concurrency cap as an Option.
// None means unlimited.
func (s *ServerConfig) GetMaxConcurrentOption() mo.Option[int] {
	if s.MaxConcurrent <= 0 {
		return mo.None[int]()
	}
	return mo.Some(s.MaxConcurrent)
}

// GetMaxBodyBytes returns the request body cap, default 1 MiB.
func (s *ServerConfig) GetMaxBodyBytes() int64 {
	if s.MaxBodyBytes <= 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
}

// RateLimitConfig defines per-SAE request rate limiting.
// Disabled unless explicitly enabled.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" toml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" toml:"requests_per_minute"`
	KeysPerMinute     int  `yaml:"keys_per_minute" toml:"keys_per_minute"`
}

// GetRequestsPerMinute returns the per-SAE rate, default 600.
func (r *RateLimitConfig) GetRequestsPerMinute() int {
	if r.RequestsPerMinute <= 0 {
		return 600
	}
	return r.RequestsPerMinute
}

// GetKeysPerMinute returns the per-SAE key budget. Zero means no key
// budget; only the request rate applies.
func (r *RateLimitConfig) GetKeysPerMinute() int {
	if r.KeysPerMinute < 0 {
		return 0
	}
	return r.KeysPerMinute
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // json, console, pretty
	Output string `yaml:"output" toml:"output"` // stdout, stderr, or file path
	Pretty bool   `yaml:"pretty" toml:"pretty"` // force colored console output
}

// ParseLevel converts the configured level to zerolog.Level.
// Returns zerolog.InfoLevel for unknown values.
func (l *LoggingConfig) ParseLevel() zerolog.Level {
	switch strings.ToLower(l.Level) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
