// Package localkm runs the local key manager: a per-user key pool with a
// background worker that keeps pools replenished from an upstream key
// manager. The manager delegates storage to userpool and shapes its
// boundary documents the way the shared-pool KME does, with the serving
// KME id stamped on every response and sizes reported in bits.
package localkm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/tidwall/sjson"

	"github.com/qkdnet/kmed/internal/events"
	"github.com/qkdnet/kmed/internal/keygen"
	"github.com/qkdnet/kmed/internal/userpool"
)

const (
	// DefaultSyncInterval is the scheduled sync cadence.
	DefaultSyncInterval = 24 * time.Hour

	// DefaultEmergencyThreshold triggers an emergency sync for a pool
	// under 5% available.
	DefaultEmergencyThreshold = 0.05

	// KeySizeBits is the fixed key size as boundary documents report it.
	KeySizeBits = userpool.KeySizeBytes * 8
)

// Errors callers are expected to branch on.
var (
	ErrBusy        = errors.New("localkm: sync already running")
	ErrNoUpstream  = errors.New("localkm: no upstream configured")
	ErrNoKeysFound = errors.New("localkm: no requested keys on record")
	ErrPartial     = errors.New("localkm: some requested keys missing")
)

// Config defines the configuration for a Manager.
type Config struct {
	// ID identifies this key manager on the wire (local_km_id).
	ID string

	// SyncInterval is the scheduled sync cadence. Default 24h.
	SyncInterval time.Duration

	// EmergencyThreshold is the available/pool_size_limit ratio under
	// which a pool gets an emergency sync. Default 0.05.
	EmergencyThreshold float64
}

// Manager wraps the per-user pool with sync scheduling and the
// ETSI-shaped boundary methods. All methods are safe for concurrent
// use; mutating work goes through the store, which serializes itself.
type Manager struct {
	id                 string
	store              *userpool.Store
	bus                *events.Bus
	client             *SyncClient
	syncInterval       time.Duration
	emergencyThreshold float64

	syncMu sync.Mutex

	timesMu  sync.Mutex
	lastSync time.Time
	nextSync time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithSyncClient sets the upstream sync client. Without one, every
// upstream sync fails with ErrNoUpstream and only the emergency
// fallback can replenish pools.
func WithSyncClient(client *SyncClient) Option {
	return func(m *Manager) {
		m.client = client
	}
}

// WithBus sets the trigger bus shared with the worker.
func WithBus(bus *events.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// New creates a Manager over an opened store and restores the sync
// schedule from the store's config table. A database that has never
// synced schedules the first pass immediately.
func New(ctx context.Context, cfg Config, store *userpool.Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("localkm: store required")
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: local km id required", userpool.ErrValidation)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.EmergencyThreshold <= 0 {
		cfg.EmergencyThreshold = DefaultEmergencyThreshold
	}

	m := &Manager{
		id:                 cfg.ID,
		store:              store,
		bus:                events.NewBus(events.DefaultBusBuffer),
		syncInterval:       cfg.SyncInterval,
		emergencyThreshold: cfg.EmergencyThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.loadSyncTimes(ctx)

	log.Info().
		Str("local_km_id", cfg.ID).
		Dur("sync_interval", cfg.SyncInterval).
		Float64("emergency_threshold", cfg.EmergencyThreshold).
		Time("next_sync", m.NextSyncTime()).
		Msg("Created local key manager")

	return m, nil
}

// ID returns this key manager's wire identity.
func (m *Manager) ID() string {
	return m.id
}

// Store exposes the underlying per-user pool for the admin surface.
func (m *Manager) Store() *userpool.Store {
	return m.store
}

// Close shuts the trigger bus. The store is closed by its owner.
func (m *Manager) Close() {
	m.bus.Close()
}

// TriggerSync enqueues a sync request for the worker. An empty saeID
// targets every eligible user. Returns false when the queue is full or
// closed.
func (m *Manager) TriggerSync(reason events.Reason, saeID string) bool {
	return m.bus.Publish(events.SyncTrigger{Reason: reason, UserID: saeID})
}

// LastSyncTime returns when the last sync pass finished, zero before
// the first one.
func (m *Manager) LastSyncTime() time.Time {
	m.timesMu.Lock()
	defer m.timesMu.Unlock()
	return m.lastSync
}

// NextSyncTime returns when the next scheduled sync is due.
func (m *Manager) NextSyncTime() time.Time {
	m.timesMu.Lock()
	defer m.timesMu.Unlock()
	return m.nextSync
}

// ScheduledSyncDue reports whether the scheduled sync time has passed.
func (m *Manager) ScheduledSyncDue() bool {
	m.timesMu.Lock()
	defer m.timesMu.Unlock()
	return !time.Now().Before(m.nextSync)
}

// EmergencyPools returns the users whose pools sit under the emergency
// threshold.
func (m *Manager) EmergencyPools(ctx context.Context) ([]string, error) {
	pools, err := m.store.LowPools(ctx)
	if err != nil {
		return nil, err
	}

	return lo.FilterMap(pools, func(p userpool.PoolStatus, _ int) (string, bool) {
		if p.PoolSizeLimit <= 0 {
			return "", false
		}
		ratio := float64(p.Available) / float64(p.PoolSizeLimit)
		return p.SAEID, ratio < m.emergencyThreshold
	}), nil
}

// UserStatus returns the status document for one user's pool.
func (m *Manager) UserStatus(ctx context.Context, saeID string) ([]byte, error) {
	status, err := m.store.PoolStatus(ctx, saeID)
	if err != nil {
		return nil, err
	}

	doc, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("localkm: encode status: %w", err)
	}
	return m.annotate(doc), nil
}

// EncKeys draws keys for a sender from the receiver's pool. sizeBits is
// bit-valued at this boundary; zero means the fixed 8192. Delivery that
// leaves the receiver's pool low enqueues a threshold sync.
func (m *Manager) EncKeys(ctx context.Context, senderSAE, receiverSAE string, number, sizeBits int) ([]byte, error) {
	if number <= 0 {
		number = 1
	}
	if sizeBits == 0 {
		sizeBits = KeySizeBits
	}
	if sizeBits%8 != 0 {
		return nil, fmt.Errorf("%w: %d bits is not a whole byte count", userpool.ErrKeySize, sizeBits)
	}

	keys, err := m.store.KeysForReceiver(ctx, senderSAE, receiverSAE, number, sizeBits/8)
	if err != nil {
		return nil, err
	}

	doc, err := json.Marshal(keyContainer{Keys: wireKeys(keys)})
	if err != nil {
		return nil, fmt.Errorf("localkm: encode keys: %w", err)
	}

	m.nudgeIfLow(ctx, receiverSAE)

	return m.annotate(doc), nil
}

// DecKeys fetches previously delivered keys by id for the caller: keys
// delivered to the caller plus keys the caller owns. A hit on every id
// returns the full set; a partial hit returns what exists alongside
// ErrPartial; no hits fail with ErrNoKeysFound.
func (m *Manager) DecKeys(ctx context.Context, callerSAE string, keyIDs []string) ([]byte, error) {
	if len(keyIDs) == 0 {
		return nil, fmt.Errorf("%w: key_IDs required", userpool.ErrValidation)
	}

	keys, err := m.store.KeysByIDs(ctx, callerSAE, keyIDs)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNoKeysFound
	}

	doc, err := json.Marshal(keyContainer{Keys: wireKeys(keys)})
	if err != nil {
		return nil, fmt.Errorf("localkm: encode keys: %w", err)
	}
	doc = m.annotate(doc)

	if len(keys) < len(lo.Uniq(keyIDs)) {
		return doc, ErrPartial
	}
	return doc, nil
}

// keyContainer is the wire shape of a key delivery.
type keyContainer struct {
	Keys []keygen.Record `json:"keys"`
}

// annotate stamps the fields every boundary document carries: the
// serving KME and the bit-valued key size.
func (m *Manager) annotate(doc []byte) []byte {
	doc, _ = sjson.SetBytes(doc, "source_KME_ID", m.id)
	doc, _ = sjson.SetBytes(doc, "key_size", KeySizeBits)
	return doc
}

// nudgeIfLow enqueues a threshold sync when the pool has just dropped
// under the low watermark.
func (m *Manager) nudgeIfLow(ctx context.Context, saeID string) {
	status, err := m.store.PoolStatus(ctx, saeID)
	if err != nil || !status.IsLow {
		return
	}
	if m.TriggerSync(events.ReasonThreshold, saeID) {
		log.Debug().
			Str("sae_id", saeID).
			Int("available", status.Available).
			Msg("Pool low after delivery, threshold sync enqueued")
	}
}

// wireKeys converts stored rows into their wire shape.
func wireKeys(keys []userpool.Key) []keygen.Record {
	return lo.Map(keys, func(k userpool.Key, _ int) keygen.Record {
		return keygen.Record{
			ID:       k.KeyID,
			Material: base64.StdEncoding.EncodeToString(k.KeyMaterial),
		}
	})
}

// loadSyncTimes restores the sync schedule from the config table.
func (m *Manager) loadSyncTimes(ctx context.Context) {
	now := time.Now().UTC()
	m.timesMu.Lock()
	defer m.timesMu.Unlock()

	m.nextSync = now

	stored, err := m.store.GetConfig(ctx, userpool.ConfigKeyLastSyncTime)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read last sync time")
		return
	}
	raw, ok := stored.Get()
	if !ok {
		return
	}

	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		log.Warn().Str("value", raw).Err(err).Msg("Unparseable last sync time, scheduling immediately")
		return
	}
	m.lastSync = last
	m.nextSync = last.Add(m.syncInterval)
}
