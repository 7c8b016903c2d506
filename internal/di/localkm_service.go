package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"

	"github.com/qkdnet/kmed/internal/events"
	"github.com/qkdnet/kmed/internal/localkm"
	"github.com/qkdnet/kmed/internal/userpool"
)

// LocalKMService wraps the Local Key Manager: the sqlite-backed user
// pool, the manager, and the sync worker. All fields are nil when
// local_km.id is unset; the handler layer then skips the per-user
// surface entirely.
type LocalKMService struct {
	Manager *localkm.Manager
	Worker  *localkm.Worker

	store *userpool.Store
	bus   *events.Bus
}

// Enabled reports whether a Local Key Manager was configured.
func (s *LocalKMService) Enabled() bool {
	return s.Manager != nil
}

// NewLocalKM builds the Local Key Manager from configuration. Upstream
// KMEs from local_km.upstream_urls are tried in listed order, gated by
// the shared circuit tracker.
func NewLocalKM(i do.Injector) (*LocalKMService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	cfg := cfgSvc.Config

	if cfg.LocalKM.ID == "" {
		return &LocalKMService{}, nil
	}

	store, err := userpool.Open(userpool.Config{
		DSN:          cfg.LocalKM.GetDBPath(),
		LowThreshold: cfg.LocalKM.GetLowThreshold(),
	})
	if err != nil {
		return nil, fmt.Errorf("open user pool: %w", err)
	}

	bus := events.NewBus(events.DefaultBusBuffer)
	opts := []localkm.Option{localkm.WithBus(bus)}

	if len(cfg.LocalKM.UpstreamURLs) > 0 {
		trackerSvc := do.MustInvoke[*HealthTrackerService](i)
		upstreams := localkm.UpstreamsFromURLs(cfg.LocalKM.UpstreamURLs, trackerSvc.Tracker)

		client, err := localkm.NewSyncClient(upstreams, localkm.WithTracker(trackerSvc.Tracker))
		if err != nil {
			closeStore(store)
			return nil, fmt.Errorf("create sync client: %w", err)
		}
		opts = append(opts, localkm.WithSyncClient(client))
	}

	manager, err := localkm.New(context.Background(), localkm.Config{
		ID:                 cfg.LocalKM.ID,
		SyncInterval:       cfg.LocalKM.GetSyncInterval(),
		EmergencyThreshold: cfg.LocalKM.GetEmergencyThreshold(),
	}, store, opts...)
	if err != nil {
		closeStore(store)
		return nil, fmt.Errorf("create local key manager: %w", err)
	}

	return &LocalKMService{
		Manager: manager,
		Worker:  localkm.NewWorker(manager, localkm.WorkerConfig{}),
		store:   store,
		bus:     bus,
	}, nil
}

// Shutdown implements do.Shutdowner: the bus closes first so the worker
// stops receiving triggers, then the database.
func (s *LocalKMService) Shutdown() error {
	if s.bus != nil {
		s.bus.Close()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func closeStore(store *userpool.Store) {
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close user pool store")
	}
}
