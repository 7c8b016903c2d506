// Package keystore binds delivered keys to SAE pairs. Each entry holds
// the ordered keys one (master, slave) pair shares; appends are
// idempotent per key id, and mutations optionally fan out to peer KMEs
// so both ends of a link see the same bindings.
package keystore

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/qkdnet/kmed/internal/keygen"
	"github.com/qkdnet/kmed/internal/pool"
)

// pairKey identifies a key-store entry by the SAE pair that owns it.
// Direction matters: (master, slave) and (slave, master) are distinct
// entries.
type pairKey struct {
	master string
	slave  string
}

// Store maps SAE pairs to their shared keys.
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	entries  map[pairKey][]keygen.Record
	client   pool.Client
	notifier PeerNotifier
}

// New creates a Store. The pool client backs GetNewKey; a nil notifier
// disables peer fan-out.
func New(client pool.Client, notifier PeerNotifier) *Store {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Store{
		entries:  make(map[pairKey][]keygen.Record),
		client:   client,
		notifier: notifier,
	}
}

// AppendKeys stores keys under the (master, slave) pair, skipping ids the
// entry already holds. With broadcast, peers mirror the append through
// their key-exchange endpoint; only the keys actually added are sent.
// Returns the number added.
func (s *Store) AppendKeys(ctx context.Context, master, slave string, keys []keygen.Record, broadcast bool) int {
	if len(keys) == 0 {
		return 0
	}

	k := pairKey{master: master, slave: slave}

	s.mu.Lock()
	entry := s.entries[k]
	present := make(map[string]bool, len(entry))
	for _, rec := range entry {
		present[rec.ID] = true
	}

	added := make([]keygen.Record, 0, len(keys))
	for _, rec := range keys {
		if present[rec.ID] {
			continue
		}
		present[rec.ID] = true
		entry = append(entry, rec)
		added = append(added, rec)
	}
	s.entries[k] = entry
	stored := len(entry)
	s.mu.Unlock()

	if len(added) == 0 {
		return 0
	}

	log.Debug().
		Str("master_sae", master).
		Str("slave_sae", slave).
		Int("added", len(added)).
		Int("stored", stored).
		Bool("broadcast", broadcast).
		Msg("Appended keys to store")

	if broadcast {
		s.notifier.KeysAppended(ctx, master, slave, added)
	}
	return len(added)
}

// RemoveKeys drops keys from the (master, slave) pair by id. Ids the
// entry does not hold are skipped, never an error. With broadcast, peers
// mirror the removal; only the keys actually dropped are sent. Returns
// the number removed.
func (s *Store) RemoveKeys(ctx context.Context, master, slave string, keys []keygen.Record, broadcast bool) int {
	if len(keys) == 0 {
		return 0
	}

	drop := make(map[string]bool, len(keys))
	for _, rec := range keys {
		drop[rec.ID] = true
	}

	k := pairKey{master: master, slave: slave}

	s.mu.Lock()
	entry := s.entries[k]
	kept := make([]keygen.Record, 0, len(entry))
	removed := make([]keygen.Record, 0, len(keys))
	for _, rec := range entry {
		if drop[rec.ID] {
			removed = append(removed, rec)
			continue
		}
		kept = append(kept, rec)
	}
	if len(kept) == 0 {
		delete(s.entries, k)
	} else {
		s.entries[k] = kept
	}
	s.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}

	log.Debug().
		Str("master_sae", master).
		Str("slave_sae", slave).
		Int("removed", len(removed)).
		Bool("broadcast", broadcast).
		Msg("Removed keys from store")

	if broadcast {
		s.notifier.KeysRemoved(ctx, master, slave, removed)
	}
	return len(removed)
}

// GetKeys returns a copy of the keys stored under the (master, slave)
// pair, in append order.
func (s *Store) GetKeys(master, slave string) []keygen.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry := s.entries[pairKey{master: master, slave: slave}]
	out := make([]keygen.Record, len(entry))
	copy(out, entry)
	return out
}

// CountKeys reports how many keys the (master, slave) pair holds.
func (s *Store) CountKeys(master, slave string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[pairKey{master: master, slave: slave}])
}

// FindKeys resolves ids against both directions of a pair. Each id is
// looked up under (master, slave) first and (slave, master) second; the
// first direction holding it wins. Found keys come back in request order,
// alongside the ids with no match in either direction.
func (s *Store) FindKeys(master, slave string, ids []string) (found []keygen.Record, missing []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	forward := indexByID(s.entries[pairKey{master: master, slave: slave}])
	reverse := indexByID(s.entries[pairKey{master: slave, slave: master}])

	for _, id := range ids {
		if rec, ok := forward[id]; ok {
			found = append(found, rec)
			continue
		}
		if rec, ok := reverse[id]; ok {
			found = append(found, rec)
			continue
		}
		missing = append(missing, id)
	}
	return found, missing
}

// GetNewKey obtains a fresh key through the pool client. With
// remove=false the key stays reserved on the master for the matching
// decryption fetch.
func (s *Store) GetNewKey(ctx context.Context, sizeBits int, remove bool) (keygen.Record, error) {
	return s.client.GetKey(ctx, sizeBits, remove)
}

func indexByID(recs []keygen.Record) map[string]keygen.Record {
	idx := make(map[string]keygen.Record, len(recs))
	for _, rec := range recs {
		idx[rec.ID] = rec
	}
	return idx
}
