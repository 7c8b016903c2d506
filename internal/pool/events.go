package pool

import "time"

// EventKind labels a pool state transition.
type EventKind string

const (
	// EventAdded fires when keys enter the available queue.
	EventAdded EventKind = "added"

	// EventReserved fires when keys move from available to reserved.
	EventReserved EventKind = "reserved"

	// EventRetrieved fires when keys leave the pool straight from the
	// available queue.
	EventRetrieved EventKind = "retrieved"

	// EventConsumed fires when a key is removed by id.
	EventConsumed EventKind = "consumed"

	// EventReleased fires when reserved keys return to the queue.
	EventReleased EventKind = "released"
)

// Event describes one pool mutation. Count is the number of keys moved and
// Available the queue depth after the mutation, when it changed.
type Event struct {
	Kind      EventKind `json:"kind"`
	Count     int       `json:"count"`
	Available int       `json:"available"`
	At        time.Time `json:"at"`
}
