package userpool

import (
	"time"

	"github.com/google/uuid"
)

// KeyState tracks a key through its one-way lifecycle. A used key never
// returns to available; the row survives so fetch-by-id keeps working.
type KeyState string

const (
	KeyAvailable KeyState = "available"
	KeyUsed      KeyState = "used"
)

// User is one registered SAE and the size limit of its key pool.
type User struct {
	SAEID         string    `gorm:"column:sae_id;size:64;primaryKey;check:length(sae_id) >= 1"`
	Email         string    `gorm:"size:255;not null"`
	PoolSizeLimit int       `gorm:"not null;check:pool_size_limit >= 1"`
	CreatedAt     time.Time `gorm:"not null"`
	LastRefillAt  *time.Time
}

// Key is one 1024-byte key owned by a user. UsedBySAEID is empty until
// the key is delivered to a sender.
type Key struct {
	KeyID       string     `gorm:"column:key_id;size:36;primaryKey"`
	SAEID       string     `gorm:"column:sae_id;size:64;not null;index"`
	KeyMaterial []byte     `gorm:"not null;check:length(key_material) >= 1"`
	State       KeyState   `gorm:"size:16;not null;check:state IN ('available', 'used')"`
	CreatedAt   time.Time  `gorm:"not null"`
	UsedAt      *time.Time `gorm:"column:used_at"`
	UsedBySAEID string     `gorm:"column:used_by_sae_id;size:64"`
}

// KMConfig is one row of the local key manager's key-value table.
// The row that must always exist once a sync has run is last_sync_time.
type KMConfig struct {
	Key       string    `gorm:"size:64;primaryKey;check:length(key) >= 1"`
	Value     string    `gorm:"size:255;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName keeps the legacy singular table name.
func (KMConfig) TableName() string {
	return "local_km_config"
}

// Keys of the KMConfig table written by the sync worker.
const (
	ConfigKeyLastSyncTime = "last_sync_time"
	ConfigKeyNextSyncTime = "next_sync_time"
)

// SyncLog is one audit row per sync attempt, successful or not.
type SyncLog struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Reason        string    `gorm:"size:16;not null"`
	UserCount     int       `gorm:"not null"`
	RequestedKeys int       `gorm:"not null"`
	DeliveredKeys int       `gorm:"not null"`
	Fallback      string    `gorm:"size:32"`
	Error         string    `gorm:"size:1024"`
	StartedAt     time.Time `gorm:"not null"`
	FinishedAt    time.Time `gorm:"not null"`
}

// PoolStatus is the point-in-time state of one user's pool.
// IsLow holds when available/pool_size_limit drops under the low
// threshold; equality is not low.
type PoolStatus struct {
	SAEID         string `json:"sae_id,omitempty"`
	Total         int    `json:"total"`
	Available     int    `json:"available"`
	Used          int    `json:"used"`
	IsLow         bool   `json:"is_low"`
	PoolSizeLimit int    `json:"pool_size_limit"`
}

// RegistrationResult reports what RegisterUser created.
type RegistrationResult struct {
	SAEID         string `json:"sae_id"`
	PoolSize      int    `json:"pool_size"`
	KeysGenerated int    `json:"keys_generated"`
}
