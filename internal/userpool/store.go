// Package userpool persists per-user key pools in sqlite: a users table,
// a child keys table, the local key manager's config rows, and a sync
// audit log. Every key is exactly 1024 bytes and moves one way from
// available to used; used rows are kept so fetch-by-id keeps working
// after delivery.
package userpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/samber/mo"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // registers the pure-Go "sqlite" driver

	"github.com/qkdnet/kmed/internal/keygen"
)

// KeySizeBytes is the only key size this pool stores.
const KeySizeBytes = 1024

// DefaultLowThreshold marks a pool low under 10% available.
const DefaultLowThreshold = 0.10

// Errors callers are expected to branch on.
var (
	ErrValidation       = errors.New("userpool: invalid argument")
	ErrAlreadyExists    = errors.New("userpool: user already registered")
	ErrUserNotFound     = errors.New("userpool: user not found")
	ErrInsufficientKeys = errors.New("userpool: insufficient available keys")
	ErrKeySize          = errors.New("userpool: keys are fixed at 1024 bytes")
)

// Config defines the configuration for a Store.
type Config struct {
	// DSN locates the sqlite database, e.g. "file:local_km.db".
	DSN string

	// LowThreshold is the available/pool_size_limit ratio under which a
	// pool reports IsLow. Default 0.10.
	LowThreshold float64
}

// Store is the relational per-user pool.
// All methods are safe for concurrent use.
type Store struct {
	db           *gorm.DB
	lowThreshold float64
}

// Open opens the sqlite database behind dsn and migrates the schema.
// The connection pool is pinned to one connection; sqlite permits a
// single writer, so this serializes every write without busy retries.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: dsn required", ErrValidation)
	}
	if cfg.LowThreshold <= 0 {
		cfg.LowThreshold = DefaultLowThreshold
	}

	dialector := gormsqlite.New(gormsqlite.Config{DriverName: "sqlite", DSN: cfg.DSN})
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("userpool: open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("userpool: unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&User{}, &Key{}, &KMConfig{}, &SyncLog{}); err != nil {
		return nil, fmt.Errorf("userpool: migrate schema: %w", err)
	}

	log.Info().
		Str("dsn", cfg.DSN).
		Float64("low_threshold", cfg.LowThreshold).
		Msg("Opened per-user key pool store")

	return &Store{db: db, lowThreshold: cfg.LowThreshold}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LowThreshold returns the ratio under which pools report IsLow.
func (s *Store) LowThreshold() float64 {
	return s.lowThreshold
}

// RegisterUser creates a user with poolSize freshly generated available
// keys. A second registration for the same SAE id fails with
// ErrAlreadyExists.
func (s *Store) RegisterUser(ctx context.Context, saeID, email string, poolSize int) (RegistrationResult, error) {
	if saeID == "" {
		return RegistrationResult{}, fmt.Errorf("%w: sae_id required", ErrValidation)
	}
	if poolSize < 1 {
		return RegistrationResult{}, fmt.Errorf("%w: initial pool size must be positive, got %d", ErrValidation, poolSize)
	}

	batch, err := keygen.GenerateBatch(poolSize, KeySizeBytes)
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("userpool: generate initial pool: %w", err)
	}
	rows, err := keyRows(saeID, batch)
	if err != nil {
		return RegistrationResult{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing User
		switch err := tx.First(&existing, "sae_id = ?", saeID).Error; {
		case err == nil:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, saeID)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("userpool: look up user: %w", err)
		}

		user := User{
			SAEID:         saeID,
			Email:         email,
			PoolSizeLimit: poolSize,
			CreatedAt:     time.Now().UTC(),
		}
		if err := tx.Create(&user).Error; err != nil {
			return fmt.Errorf("userpool: create user: %w", err)
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("userpool: store initial keys: %w", err)
		}
		return nil
	})
	if err != nil {
		return RegistrationResult{}, err
	}

	log.Info().
		Str("sae_id", saeID).
		Int("pool_size", poolSize).
		Msg("Registered user pool")

	return RegistrationResult{SAEID: saeID, PoolSize: poolSize, KeysGenerated: len(rows)}, nil
}

// KeysForReceiver marks the oldest number available keys of the receiver
// as used by the sender and returns them. Delivery is all or nothing:
// fewer available than requested fails with ErrInsufficientKeys and
// changes nothing.
func (s *Store) KeysForReceiver(ctx context.Context, senderSAE, receiverSAE string, number, sizeBytes int) ([]Key, error) {
	if senderSAE == "" || receiverSAE == "" {
		return nil, fmt.Errorf("%w: sender and receiver sae_id required", ErrValidation)
	}
	if number < 1 {
		return nil, fmt.Errorf("%w: number must be positive, got %d", ErrValidation, number)
	}
	if sizeBytes != KeySizeBytes {
		return nil, fmt.Errorf("%w: requested %d", ErrKeySize, sizeBytes)
	}

	var delivered []Key
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadUser(tx, receiverSAE); err != nil {
			return err
		}

		var candidates []Key
		err := tx.
			Where("sae_id = ? AND state = ?", receiverSAE, KeyAvailable).
			Order("created_at ASC, key_id ASC").
			Limit(number).
			Find(&candidates).Error
		if err != nil {
			return fmt.Errorf("userpool: select available keys: %w", err)
		}
		if len(candidates) < number {
			return fmt.Errorf("%w: %s has %d of %d", ErrInsufficientKeys, receiverSAE, len(candidates), number)
		}

		now := time.Now().UTC()
		ids := lo.Map(candidates, func(k Key, _ int) string { return k.KeyID })
		err = tx.Model(&Key{}).
			Where("key_id IN ?", ids).
			Updates(map[string]any{
				"state":          KeyUsed,
				"used_at":        now,
				"used_by_sae_id": senderSAE,
			}).Error
		if err != nil {
			return fmt.Errorf("userpool: mark keys used: %w", err)
		}

		for i := range candidates {
			candidates[i].State = KeyUsed
			candidates[i].UsedAt = &now
			candidates[i].UsedBySAEID = senderSAE
		}
		delivered = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("sender_sae", senderSAE).
		Str("receiver_sae", receiverSAE).
		Int("delivered", len(delivered)).
		Msg("Delivered user pool keys")

	return delivered, nil
}

// KeysByIDs returns the keys among keyIDs the caller may read: keys
// delivered to the caller plus keys the caller owns. Ids not on record
// are omitted from the result, never an error.
func (s *Store) KeysByIDs(ctx context.Context, callerSAE string, keyIDs []string) ([]Key, error) {
	if callerSAE == "" {
		return nil, fmt.Errorf("%w: caller sae_id required", ErrValidation)
	}
	if len(keyIDs) == 0 {
		return nil, nil
	}

	var keys []Key
	err := s.db.WithContext(ctx).
		Where("key_id IN ?", keyIDs).
		Where("used_by_sae_id = ? OR sae_id = ?", callerSAE, callerSAE).
		Order("created_at ASC, key_id ASC").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("userpool: select keys by id: %w", err)
	}
	return keys, nil
}

// PoolStatus reports the current state of one user's pool.
func (s *Store) PoolStatus(ctx context.Context, saeID string) (PoolStatus, error) {
	var status PoolStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := loadUser(tx, saeID)
		if err != nil {
			return err
		}

		var counts struct {
			Total     int
			Available int
		}
		err = tx.Model(&Key{}).
			Select("COUNT(*) AS total, COUNT(CASE WHEN state = 'available' THEN 1 END) AS available").
			Where("sae_id = ?", saeID).
			Scan(&counts).Error
		if err != nil {
			return fmt.Errorf("userpool: count keys: %w", err)
		}

		status = s.newPoolStatus(saeID, counts.Total, counts.Available, user.PoolSizeLimit)
		return nil
	})
	return status, err
}

// RefillPool generates fresh keys for the user: up to n when n is
// positive, and never past pool_size_limit minus the available count.
// Returns the number added, zero for an already full pool.
func (s *Store) RefillPool(ctx context.Context, saeID string, n int) (int, error) {
	if saeID == "" {
		return 0, fmt.Errorf("%w: sae_id required", ErrValidation)
	}

	added := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := loadUser(tx, saeID)
		if err != nil {
			return err
		}

		var available int64
		err = tx.Model(&Key{}).
			Where("sae_id = ? AND state = ?", saeID, KeyAvailable).
			Count(&available).Error
		if err != nil {
			return fmt.Errorf("userpool: count available keys: %w", err)
		}

		room := user.PoolSizeLimit - int(available)
		if room <= 0 {
			return nil
		}
		if n > 0 && n < room {
			room = n
		}

		batch, err := keygen.GenerateBatch(room, KeySizeBytes)
		if err != nil {
			return fmt.Errorf("userpool: generate refill: %w", err)
		}
		rows, err := keyRows(saeID, batch)
		if err != nil {
			return err
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("userpool: store refill keys: %w", err)
		}
		if err := stampRefill(tx, saeID); err != nil {
			return err
		}

		added = len(rows)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if added > 0 {
		log.Info().
			Str("sae_id", saeID).
			Int("added", added).
			Msg("Refilled user pool")
	}
	return added, nil
}

// AddKeys stores externally delivered records as available keys for the
// user, as a refill would. Records whose id is already on record are
// skipped. Every record must decode to exactly 1024 bytes or the whole
// batch is rejected and nothing is stored.
func (s *Store) AddKeys(ctx context.Context, saeID string, records []keygen.Record) (int, error) {
	if saeID == "" {
		return 0, fmt.Errorf("%w: sae_id required", ErrValidation)
	}
	if len(records) == 0 {
		return 0, nil
	}

	rows, err := keyRows(saeID, records)
	if err != nil {
		return 0, err
	}

	added := 0
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadUser(tx, saeID); err != nil {
			return err
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
		if res.Error != nil {
			return fmt.Errorf("userpool: store delivered keys: %w", res.Error)
		}
		added = int(res.RowsAffected)

		return stampRefill(tx, saeID)
	})
	if err != nil {
		return 0, err
	}

	log.Info().
		Str("sae_id", saeID).
		Int("added", added).
		Int("received", len(records)).
		Msg("Materialized delivered keys")

	return added, nil
}

// DeleteUser removes the user and every key row it owns.
func (s *Store) DeleteUser(ctx context.Context, saeID string) error {
	if saeID == "" {
		return fmt.Errorf("%w: sae_id required", ErrValidation)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadUser(tx, saeID); err != nil {
			return err
		}
		if err := tx.Where("sae_id = ?", saeID).Delete(&Key{}).Error; err != nil {
			return fmt.Errorf("userpool: delete user keys: %w", err)
		}
		if err := tx.Where("sae_id = ?", saeID).Delete(&User{}).Error; err != nil {
			return fmt.Errorf("userpool: delete user: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("sae_id", saeID).Msg("Deleted user pool")
	return nil
}

// poolCounts is the row shape of the per-user aggregate query.
type poolCounts struct {
	SAEID         string `gorm:"column:sae_id"`
	PoolSizeLimit int
	Total         int
	Available     int
}

// AllPools returns the status of every registered pool, sorted by SAE id.
func (s *Store) AllPools(ctx context.Context) ([]PoolStatus, error) {
	var rows []poolCounts
	err := s.db.WithContext(ctx).
		Table("users").
		Select("users.sae_id AS sae_id, users.pool_size_limit AS pool_size_limit, COUNT(keys.key_id) AS total, COUNT(CASE WHEN keys.state = 'available' THEN 1 END) AS available").
		Joins("LEFT JOIN keys ON keys.sae_id = users.sae_id").
		Group("users.sae_id, users.pool_size_limit").
		Order("users.sae_id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("userpool: aggregate pools: %w", err)
	}

	return lo.Map(rows, func(r poolCounts, _ int) PoolStatus {
		return s.newPoolStatus(r.SAEID, r.Total, r.Available, r.PoolSizeLimit)
	}), nil
}

// LowPools returns only the pools whose IsLow holds.
func (s *Store) LowPools(ctx context.Context) ([]PoolStatus, error) {
	pools, err := s.AllPools(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(pools, func(p PoolStatus, _ int) bool { return p.IsLow }), nil
}

// Users returns every registered user, sorted by SAE id.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).Order("sae_id ASC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("userpool: list users: %w", err)
	}
	return users, nil
}

// TotalIssued counts keys in the used state across all users.
func (s *Store) TotalIssued(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Key{}).Where("state = ?", KeyUsed).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("userpool: count issued keys: %w", err)
	}
	return n, nil
}

// SetConfig upserts one row of the local_km_config table.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: config key required", ErrValidation)
	}

	row := KMConfig{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("userpool: upsert config %s: %w", key, err)
	}
	return nil
}

// GetConfig reads one row of the local_km_config table; None when the
// key has never been written.
func (s *Store) GetConfig(ctx context.Context, key string) (mo.Option[string], error) {
	var row KMConfig
	switch err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error; {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return mo.None[string](), nil
	case err != nil:
		return mo.None[string](), fmt.Errorf("userpool: read config %s: %w", key, err)
	}
	return mo.Some(row.Value), nil
}

// AppendSyncLog writes one audit row. A zero ID gets a fresh UUID and a
// zero FinishedAt is stamped now.
func (s *Store) AppendSyncLog(ctx context.Context, entry SyncLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("userpool: append sync log: %w", err)
	}
	return nil
}

// RecentSyncLogs returns up to n audit rows, newest first.
func (s *Store) RecentSyncLogs(ctx context.Context, n int) ([]SyncLog, error) {
	if n <= 0 {
		n = 20
	}
	var logs []SyncLog
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(n).Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("userpool: read sync log: %w", err)
	}
	return logs, nil
}

func (s *Store) newPoolStatus(saeID string, total, available, limit int) PoolStatus {
	return PoolStatus{
		SAEID:         saeID,
		Total:         total,
		Available:     available,
		Used:          total - available,
		IsLow:         isLow(available, limit, s.lowThreshold),
		PoolSizeLimit: limit,
	}
}

// isLow reports available/limit < threshold. Equality is not low.
func isLow(available, limit int, threshold float64) bool {
	if limit <= 0 {
		return false
	}
	return float64(available)/float64(limit) < threshold
}

// loadUser fetches a user row inside tx, mapping a miss to
// ErrUserNotFound.
func loadUser(tx *gorm.DB, saeID string) (User, error) {
	var user User
	switch err := tx.First(&user, "sae_id = ?", saeID).Error; {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, saeID)
	case err != nil:
		return User{}, fmt.Errorf("userpool: look up user: %w", err)
	}
	return user, nil
}

func stampRefill(tx *gorm.DB, saeID string) error {
	now := time.Now().UTC()
	err := tx.Model(&User{}).Where("sae_id = ?", saeID).Update("last_refill_at", now).Error
	if err != nil {
		return fmt.Errorf("userpool: stamp refill time: %w", err)
	}
	return nil
}

// keyRows converts records into available rows for one owner. CreatedAt
// gets a strictly increasing microsecond offset within the batch so
// oldest-first ordering stays exact on a coarse clock.
func keyRows(saeID string, batch []keygen.Record) ([]Key, error) {
	now := time.Now().UTC()
	rows := make([]Key, 0, len(batch))
	for i, rec := range batch {
		material, err := rec.Bytes()
		if err != nil {
			return nil, fmt.Errorf("userpool: decode key %s: %w", rec.ID, err)
		}
		if len(material) != KeySizeBytes {
			return nil, fmt.Errorf("%w: key %s is %d bytes", ErrKeySize, rec.ID, len(material))
		}
		rows = append(rows, Key{
			KeyID:       rec.ID,
			SAEID:       saeID,
			KeyMaterial: material,
			State:       KeyAvailable,
			CreatedAt:   now.Add(time.Duration(i) * time.Microsecond),
		})
	}
	return rows, nil
}
