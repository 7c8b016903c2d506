package localkm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/ro"

	"github.com/qkdnet/kmed/internal/events"
)

// DefaultWorkerTick is the worker's drain cadence.
const DefaultWorkerTick = time.Minute

// WorkerConfig tunes the worker loop.
type WorkerConfig struct {
	// Tick is the drain cadence. Default one minute.
	Tick time.Duration

	// Pipeline shapes the trigger stream: rate cap and batch window.
	Pipeline events.PipelineConfig
}

// Worker drives the sync cadence: each tick drains the batched trigger
// queue, fires the scheduled sync when due, and scans pools for
// emergency refills. One worker per manager; the trigger bus has a
// single subscriber.
type Worker struct {
	manager  *Manager
	tick     time.Duration
	pipeline events.PipelineConfig

	mu      sync.Mutex
	pending []events.SyncTrigger
}

// NewWorker creates a Worker over a manager.
func NewWorker(manager *Manager, cfg WorkerConfig) *Worker {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultWorkerTick
	}
	return &Worker{
		manager:  manager,
		tick:     cfg.Tick,
		pipeline: cfg.Pipeline,
	}
}

// Run blocks until ctx is canceled, processing triggers and timers.
func (w *Worker) Run(ctx context.Context) {
	stream := ro.Pipe1(
		events.TriggerPipeline(w.pipeline, w.manager.bus.Stream()),
		events.DebugLog[[]events.SyncTrigger](&log.Logger, "sync-triggers"),
	)
	sub := events.Subscribe(stream,
		func(batch []events.SyncTrigger) {
			w.mu.Lock()
			w.pending = append(w.pending, batch...)
			w.mu.Unlock()
		},
		func(err error) {
			log.Warn().Err(err).Msg("Trigger stream failed")
		},
		func() {},
	)
	defer sub.Unsubscribe()

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	log.Info().Dur("tick", w.tick).Msg("Sync worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Sync worker stopped")
			return
		case <-ticker.C:
			w.runCycle(ctx)
		}
	}
}

// runCycle is one tick: drain queued triggers, fire the scheduled sync
// when due, scan for pools under the emergency threshold.
func (w *Worker) runCycle(ctx context.Context) {
	for _, tr := range w.drain() {
		w.runSync(ctx, tr.Reason, userList(tr))
	}

	if w.manager.ScheduledSyncDue() {
		w.runSync(ctx, events.ReasonScheduled, nil)
	}

	emergencies, err := w.manager.EmergencyPools(ctx)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("Emergency pool scan failed")
	case len(emergencies) > 0:
		log.Warn().
			Strs("users", emergencies).
			Msg("Pools under the emergency threshold")
		w.runSync(ctx, events.ReasonEmergency, emergencies)
	}
}

func (w *Worker) drain() []events.SyncTrigger {
	w.mu.Lock()
	defer w.mu.Unlock()

	drained := w.pending
	w.pending = nil
	return drained
}

func (w *Worker) runSync(ctx context.Context, reason events.Reason, users []string) {
	if _, err := w.manager.Sync(ctx, reason, users); err != nil && !errors.Is(err, ErrBusy) {
		log.Warn().
			Err(err).
			Str("reason", string(reason)).
			Msg("Sync pass failed")
	}
}

func userList(tr events.SyncTrigger) []string {
	if tr.UserID == "" {
		return nil
	}
	return []string{tr.UserID}
}
