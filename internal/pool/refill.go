package pool

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RefillConfig tunes the background generation loop.
type RefillConfig struct {
	// Threshold is the queue depth that triggers generation.
	Threshold int

	// BatchSize caps how many keys one pass generates.
	BatchSize int

	// Interval is the sleep between passes.
	Interval time.Duration
}

// Refiller keeps the available queue topped up. It runs only on the master
// role; the composition root never constructs one for a slave.
type Refiller struct {
	pool *SharedPool
	cfg  RefillConfig
}

// NewRefiller creates a Refiller for the given pool.
func NewRefiller(p *SharedPool, cfg RefillConfig) *Refiller {
	return &Refiller{pool: p, cfg: cfg}
}

// Run loops until the context is canceled, generating a batch whenever the
// available queue sits below the threshold. Generation failures are logged
// and retried on the next pass; the loop never brings the process down.
func (r *Refiller) Run(ctx context.Context) {
	log.Info().
		Int("threshold", r.cfg.Threshold).
		Int("batch_size", r.cfg.BatchSize).
		Dur("interval", r.cfg.Interval).
		Msg("Starting pool refill loop")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// First pass immediately so a cold start does not wait a full interval
	r.RunOnce()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping pool refill loop")
			return
		case <-ticker.C:
			r.RunOnce()
		}
	}
}

// RunOnce performs a single refill pass: if the queue is below the
// threshold and capacity remains, generate one batch.
func (r *Refiller) RunOnce() {
	st := r.pool.Status()
	if st.Available >= r.cfg.Threshold {
		return
	}

	room := st.Capacity - st.Available
	if room <= 0 {
		return
	}

	n := r.cfg.BatchSize
	if n > room {
		n = room
	}

	added, err := r.pool.AddBatch(n)
	if err != nil {
		log.Error().Err(err).Msg("Pool refill pass failed")
		return
	}

	log.Debug().
		Int("added", added).
		Int("available_before", st.Available).
		Msg("Refilled shared pool")
}
