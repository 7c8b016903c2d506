// Package pool implements the shared key pool for the master KME: a bounded
// FIFO of pre-generated keys, a reservation ledger for keys handed out but
// not yet consumed, and lifetime counters. All state lives under a single
// monitor so acquisition can block on a condition variable until keys arrive.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/mo"

	"github.com/qkdnet/kmed/internal/keygen"
)

// Common errors returned by SharedPool.
var (
	ErrNoKeys = errors.New("pool: no keys available before deadline")
	ErrClosed = errors.New("pool: closed")
)

// Config defines the configuration for a SharedPool.
type Config struct {
	// Capacity bounds the available queue.
	Capacity int

	// KeySizeBytes is the size of every key the pool generates.
	KeySizeBytes int
}

// Status is a point-in-time snapshot of pool state.
type Status struct {
	Available      int               `json:"available_keys"`
	Reserved       int               `json:"reserved_keys"`
	TotalStored    int               `json:"total_available"`
	Capacity       int               `json:"max_capacity"`
	TotalGenerated uint64            `json:"total_generated"`
	TotalRetrieved uint64            `json:"total_retrieved"`
	PerRequester   map[string]uint64 `json:"per_kme_retrieved"`
	UtilizationPct float64           `json:"utilization_pct"`
}

// SharedPool holds the master KME's key inventory.
// All methods are safe for concurrent use.
type SharedPool struct {
	mu        sync.Mutex
	notEmpty  *sync.Cond
	available []keygen.Record
	reserved  map[string]keygen.Record

	totalGenerated uint64
	totalRetrieved uint64
	perRequester   map[string]uint64

	capacity     int
	keySizeBytes int
	closed       bool

	store     *SnapshotStore
	persistMu sync.Mutex

	events chan Event
}

// Option configures a SharedPool.
type Option func(*SharedPool)

// WithSnapshotStore enables durable snapshots. The pool writes the whole
// state after every mutation that changes the available queue.
func WithSnapshotStore(store *SnapshotStore) Option {
	return func(p *SharedPool) {
		p.store = store
	}
}

// WithEventBuffer sets the capacity of the event channel. Default 64.
// Events are dropped, never blocked on, when no subscriber keeps up.
func WithEventBuffer(n int) Option {
	return func(p *SharedPool) {
		p.events = make(chan Event, n)
	}
}

// New creates a SharedPool with an empty available queue.
func New(cfg Config, opts ...Option) (*SharedPool, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("pool: capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.KeySizeBytes <= 0 {
		return nil, fmt.Errorf("pool: key size must be positive, got %d", cfg.KeySizeBytes)
	}

	p := &SharedPool{
		available:    make([]keygen.Record, 0, cfg.Capacity),
		reserved:     make(map[string]keygen.Record),
		perRequester: make(map[string]uint64),
		capacity:     cfg.Capacity,
		keySizeBytes: cfg.KeySizeBytes,
		events:       make(chan Event, 64),
	}
	p.notEmpty = sync.NewCond(&p.mu)

	for _, opt := range opts {
		opt(p)
	}

	log.Info().
		Int("capacity", cfg.Capacity).
		Int("key_size_bytes", cfg.KeySizeBytes).
		Msg("Created shared key pool")

	return p, nil
}

// KeySizeBytes returns the size of the keys this pool holds.
func (p *SharedPool) KeySizeBytes() int {
	return p.keySizeBytes
}

// AddBatch generates up to n keys and appends them to the available queue,
// capped by remaining capacity. Returns the number of keys added. Waiters
// blocked in Acquire are woken whenever the queue grows.
func (p *SharedPool) AddBatch(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}

	room := p.capacity - len(p.available)
	if room <= 0 {
		p.mu.Unlock()
		return 0, nil
	}
	if n > room {
		n = room
	}

	batch, err := keygen.GenerateBatch(n, p.keySizeBytes)
	if err != nil {
		p.mu.Unlock()
		return 0, fmt.Errorf("pool: generate batch: %w", err)
	}

	p.available = append(p.available, batch...)
	p.totalGenerated += uint64(len(batch))
	availableNow := len(p.available)
	p.notEmpty.Broadcast()
	p.mu.Unlock()

	p.emit(Event{Kind: EventAdded, Count: len(batch), Available: availableNow})
	p.persist()

	log.Debug().
		Int("added", len(batch)).
		Int("available", availableNow).
		Msg("Added key batch to shared pool")

	return len(batch), nil
}

// AddRecords appends pre-built keys to the available queue, capped by
// remaining capacity. Returns the number accepted. Used by the master
// pool client's add path; generation normally goes through AddBatch.
func (p *SharedPool) AddRecords(recs []keygen.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}

	room := p.capacity - len(p.available)
	if room <= 0 {
		p.mu.Unlock()
		return 0, nil
	}
	if len(recs) > room {
		recs = recs[:room]
	}

	p.available = append(p.available, recs...)
	p.totalGenerated += uint64(len(recs))
	availableNow := len(p.available)
	p.notEmpty.Broadcast()
	p.mu.Unlock()

	p.emit(Event{Kind: EventAdded, Count: len(recs), Available: availableNow})
	p.persist()

	return len(recs), nil
}

// Acquire removes up to n keys from the front of the available queue,
// blocking while the queue is empty until the context expires. With
// remove=false the keys move into the reservation ledger; with remove=true
// they leave the pool entirely and count as retrieved.
//
// Returns the keys obtained before the deadline, which may be fewer than n.
// Returns ErrNoKeys when the deadline passes with nothing obtained.
func (p *SharedPool) Acquire(ctx context.Context, n int, requester string, remove bool) ([]keygen.Record, error) {
	if n <= 0 {
		return nil, nil
	}

	// Wake waiters when the caller gives up
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.notEmpty.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()

	taken := make([]keygen.Record, 0, n)
	for len(taken) < n {
		for len(p.available) == 0 && !p.closed && ctx.Err() == nil {
			p.notEmpty.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			if len(taken) > 0 {
				return taken, nil
			}
			return nil, ErrClosed
		}
		if ctx.Err() != nil {
			break
		}

		key := p.available[0]
		p.available = p.available[1:]
		if remove {
			p.totalRetrieved++
		} else {
			p.reserved[key.ID] = key
		}
		p.perRequester[requester]++
		taken = append(taken, key)
	}

	availableNow := len(p.available)
	p.mu.Unlock()

	if len(taken) == 0 {
		return nil, ErrNoKeys
	}

	kind := EventReserved
	if remove {
		kind = EventRetrieved
	}
	p.emit(Event{Kind: kind, Count: len(taken), Available: availableNow})
	p.persist()

	log.Debug().
		Str("requester", requester).
		Int("requested", n).
		Int("obtained", len(taken)).
		Bool("remove", remove).
		Msg("Acquired keys from shared pool")

	return taken, nil
}

// ByID looks a key up by id, checking the reservation ledger first and the
// available queue second. With remove=true the key leaves the pool entirely
// and counts as retrieved; otherwise a copy is returned and state is
// untouched. Returns None when the id is unknown.
func (p *SharedPool) ByID(keyID, requester string, remove bool) mo.Option[keygen.Record] {
	p.mu.Lock()

	if key, ok := p.reserved[keyID]; ok {
		if remove {
			delete(p.reserved, keyID)
			p.totalRetrieved++
			p.perRequester[requester]++
			p.mu.Unlock()
			p.emit(Event{Kind: EventConsumed, Count: 1})
			return mo.Some(key)
		}
		p.mu.Unlock()
		return mo.Some(key)
	}

	for i, key := range p.available {
		if key.ID != keyID {
			continue
		}
		if remove {
			p.available = append(p.available[:i], p.available[i+1:]...)
			p.totalRetrieved++
			p.perRequester[requester]++
			availableNow := len(p.available)
			p.mu.Unlock()
			p.emit(Event{Kind: EventConsumed, Count: 1, Available: availableNow})
			p.persist()
			return mo.Some(key)
		}
		p.mu.Unlock()
		return mo.Some(key)
	}

	p.mu.Unlock()
	return mo.None[keygen.Record]()
}

// Release returns reserved keys to the front of the available queue,
// preserving their original order. Ids not present in the reservation
// ledger are skipped. Used to roll back a partially filled acquisition.
func (p *SharedPool) Release(recs []keygen.Record) int {
	if len(recs) == 0 {
		return 0
	}

	p.mu.Lock()

	released := 0
	for i := len(recs) - 1; i >= 0; i-- {
		key, ok := p.reserved[recs[i].ID]
		if !ok {
			continue
		}
		delete(p.reserved, recs[i].ID)
		p.available = append([]keygen.Record{key}, p.available...)
		released++
	}

	availableNow := len(p.available)
	if released > 0 {
		p.notEmpty.Broadcast()
	}
	p.mu.Unlock()

	if released > 0 {
		p.emit(Event{Kind: EventReleased, Count: released, Available: availableNow})
		p.persist()
	}

	return released
}

// Status returns a snapshot of the pool state.
func (p *SharedPool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	per := make(map[string]uint64, len(p.perRequester))
	for k, v := range p.perRequester {
		per[k] = v
	}

	stored := len(p.available) + len(p.reserved)
	return Status{
		Available:      len(p.available),
		Reserved:       len(p.reserved),
		TotalStored:    stored,
		Capacity:       p.capacity,
		TotalGenerated: p.totalGenerated,
		TotalRetrieved: p.totalRetrieved,
		PerRequester:   per,
		UtilizationPct: float64(stored) / float64(p.capacity) * 100,
	}
}

// Restore seeds the available queue and counters from a snapshot.
// The reservation ledger starts empty: reservations do not survive a
// restart, so in-flight encryptions lose their keys.
func (p *SharedPool) Restore(state SnapshotState) int {
	p.mu.Lock()

	n := len(state.Keys)
	if n > p.capacity {
		n = p.capacity
	}
	p.available = append(p.available[:0], state.Keys[:n]...)
	p.totalGenerated = state.TotalGenerated
	p.totalRetrieved = state.TotalRetrieved
	if n > 0 {
		p.notEmpty.Broadcast()
	}
	p.mu.Unlock()

	log.Info().
		Int("restored", n).
		Uint64("total_generated", state.TotalGenerated).
		Uint64("total_retrieved", state.TotalRetrieved).
		Msg("Restored shared pool from snapshot")

	return n
}

// Close marks the pool closed and wakes all waiters. Blocked Acquire calls
// return what they have collected so far, or ErrClosed. The event channel
// stays open so late emitters cannot panic; subscribers stop through their
// own context.
func (p *SharedPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.notEmpty.Broadcast()
	p.mu.Unlock()
}

// Events exposes the pool's event stream.
func (p *SharedPool) Events() <-chan Event {
	return p.events
}

func (p *SharedPool) emit(ev Event) {
	ev.At = time.Now()
	select {
	case p.events <- ev:
	default:
		// Slow or absent subscriber; drop rather than block the pool
	}
}

// persist writes the current state through the snapshot store, if any.
// Captures are taken after acquiring the persist lock, so concurrent
// mutations cannot write an older state over a newer one.
func (p *SharedPool) persist() {
	if p.store == nil {
		return
	}

	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	p.mu.Lock()
	state := p.snapshotStateLocked()
	p.mu.Unlock()

	if err := p.store.Save(state); err != nil {
		log.Warn().Err(err).Msg("Failed to write pool snapshot")
	}
}

func (p *SharedPool) snapshotStateLocked() SnapshotState {
	keys := make([]keygen.Record, len(p.available))
	copy(keys, p.available)
	return SnapshotState{
		Keys:           keys,
		TotalGenerated: p.totalGenerated,
		TotalRetrieved: p.totalRetrieved,
		Timestamp:      time.Now().UTC(),
	}
}
