package di

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"

	"github.com/qkdnet/kmed/internal/pool"
)

// SharedPoolService wraps the shared key pool engine. Only the master
// role runs one; on a slave Pool is nil and every draw crosses the wire.
type SharedPoolService struct {
	Pool *pool.SharedPool
}

// PoolClientService wraps the role-aware pool client handed to the
// handlers and the key store.
type PoolClientService struct {
	Client pool.Client
}

// RefillerService wraps the generation loop. Master role only; the
// composition root starts Run on its serve context.
type RefillerService struct {
	Refiller *pool.Refiller
}

// NewSharedPool creates the pool engine on the master role and restores
// the last snapshot when one exists. Reserved keys are never restored;
// a restart returns in-flight reservations to nobody.
func NewSharedPool(i do.Injector) (*SharedPoolService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	cfg := cfgSvc.Config

	if !cfg.KME.IsMaster() {
		return &SharedPoolService{}, nil
	}

	snapshots := pool.NewSnapshotStore(cfg.Pool.GetSnapshotPath())
	p, err := pool.New(pool.Config{
		Capacity:     cfg.Pool.GetMaxKeyCount(),
		KeySizeBytes: cfg.Pool.GetDefaultKeySize(),
	}, pool.WithSnapshotStore(snapshots))
	if err != nil {
		return nil, fmt.Errorf("create shared pool: %w", err)
	}

	state, err := snapshots.Load()
	switch {
	case err == nil:
		p.Restore(state)
	case errors.Is(err, pool.ErrNoSnapshot):
		// First boot, nothing to restore.
	default:
		log.Warn().Err(err).Str("path", snapshots.Path()).
			Msg("Snapshot unreadable, starting with an empty pool")
	}

	return &SharedPoolService{Pool: p}, nil
}

// Shutdown implements do.Shutdowner.
func (s *SharedPoolService) Shutdown() error {
	if s.Pool != nil {
		s.Pool.Close()
	}
	return nil
}

// NewPoolClient selects the client for this role: local engine access
// on the master, the master's internal endpoints over HTTP on a slave.
// The slave client shares the peer's circuit breaker, so a dead master
// fails fast instead of burning the acquire timeout on every request.
func NewPoolClient(i do.Injector) (*PoolClientService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	cfg := cfgSvc.Config
	kmeID := cfg.KME.GetEffectiveID()

	if cfg.KME.IsMaster() {
		poolSvc := do.MustInvoke[*SharedPoolService](i)
		return &PoolClientService{Client: pool.NewLocalClient(poolSvc.Pool, kmeID)}, nil
	}

	master, ok := cfg.KME.MasterPeer().Get()
	if !ok {
		return nil, errors.New("di: slave role requires kme.peers with the master first")
	}

	trackerSvc := do.MustInvoke[*HealthTrackerService](i)
	client := pool.NewRemoteClient(
		master.BaseURL,
		kmeID,
		cfg.Pool.GetDefaultKeySize()*8,
		pool.WithAcquireTimeout(cfg.Pool.GetAcquireTimeout()),
		pool.WithCircuit(trackerSvc.Tracker.GetOrCreateCircuit(master.Name)),
	)
	return &PoolClientService{Client: client}, nil
}

// NewRefiller creates the generation loop for the master's pool.
func NewRefiller(i do.Injector) (*RefillerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	poolSvc := do.MustInvoke[*SharedPoolService](i)

	if poolSvc.Pool == nil {
		return &RefillerService{}, nil
	}

	cfg := cfgSvc.Config
	refiller := pool.NewRefiller(poolSvc.Pool, pool.RefillConfig{
		Threshold: cfg.Pool.GetRefillThreshold(),
		BatchSize: cfg.Pool.GetBatchSize(),
		Interval:  cfg.Pool.GetGenerateInterval(),
	})
	return &RefillerService{Refiller: refiller}, nil
}
