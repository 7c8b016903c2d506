// Package events wires pool activity and sync demand into reactive streams
// using samber/ro.
//
// IMPORTANT: samber/ro is pre-1.0. Use cautiously and monitor releases for
// breaking changes.
//
// Use this package when:
//   - Feeding the sync worker (trigger bus, ticker, batching)
//   - Reacting to shared pool drain events
//   - Coordinating graceful shutdown across goroutines
//
// Do NOT use this package when:
//   - Simple request/response (use standard handlers)
//   - Small, bounded data (use samber/lo instead)
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/ro"
)

// Reason labels what provoked a sync trigger.
type Reason string

const (
	// ReasonScheduled marks the periodic background sync.
	ReasonScheduled Reason = "scheduled"

	// ReasonThreshold marks a user pool dropping under its low watermark.
	ReasonThreshold Reason = "threshold"

	// ReasonEmergency marks a delivery that found the pool empty.
	ReasonEmergency Reason = "emergency"

	// ReasonManual marks an operator-requested sync.
	ReasonManual Reason = "manual"
)

// SyncTrigger asks the sync worker to top up key material.
// An empty UserID means every registered user.
type SyncTrigger struct {
	Reason Reason    `json:"reason"`
	UserID string    `json:"user_id,omitempty"`
	At     time.Time `json:"at"`
}

// Bus fans sync triggers from producers (delivery handlers, admin endpoints,
// watchers) into a single stream for the sync worker.
//
// Stream hands the underlying channel to one subscriber; calling it more than
// once splits items between subscribers, so wire exactly one pipeline per bus.
type Bus struct {
	mu     sync.RWMutex
	ch     chan SyncTrigger
	closed bool
}

// DefaultBusBuffer is the trigger backlog a Bus holds before dropping.
const DefaultBusBuffer = 64

// NewBus creates a trigger bus. buffer <= 0 uses DefaultBusBuffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBusBuffer
	}
	return &Bus{ch: make(chan SyncTrigger, buffer)}
}

// Publish enqueues a trigger without blocking. A full or closed bus drops the
// trigger and returns false; the periodic sync will cover the loss.
func (b *Bus) Publish(tr SyncTrigger) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false
	}
	if tr.At.IsZero() {
		tr.At = time.Now()
	}

	select {
	case b.ch <- tr:
		return true
	default:
		log.Warn().
			Str("reason", string(tr.Reason)).
			Str("user_id", tr.UserID).
			Msg("Trigger bus full, trigger dropped")
		return false
	}
}

// Stream returns the bus as an observable. The stream completes when the bus
// is closed.
func (b *Bus) Stream() ro.Observable[SyncTrigger] {
	return ro.FromChannel(b.ch)
}

// Close stops the bus. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
