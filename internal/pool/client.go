package pool

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/mo"

	"github.com/qkdnet/kmed/internal/keygen"
)

// Client is the role-aware facade over the shared pool. The master role
// talks to the local engine; the slave role crosses to the master KME over
// its internal endpoints. Select the implementation once at startup.
type Client interface {
	// GetKey returns one key of the given size. Requests for the pool's
	// default size draw from the pool; any other size synthesizes a
	// one-off key that never touches pool state. With remove=false the
	// pool key is reserved, with remove=true it is consumed outright.
	GetKey(ctx context.Context, sizeBits int, remove bool) (keygen.Record, error)

	// GetKeyByID looks a key up by id in the reservation ledger and the
	// available queue. Returns None when the id is unknown.
	GetKeyByID(ctx context.Context, keyID string, remove bool) (mo.Option[keygen.Record], error)

	// AddKey feeds one key into the pool. The slave role has no pool to
	// feed, so there it is a logged no-op.
	AddKey(ctx context.Context, rec keygen.Record) error
}

// synthesizeOneOff builds a key outside the pool for a non-default size
// request. The result is never persisted and never enters pool state.
func synthesizeOneOff(sizeBits int) (keygen.Record, error) {
	rec, err := keygen.Generate(sizeBits / 8)
	if err != nil {
		return keygen.Record{}, fmt.Errorf("pool: synthesize one-off key: %w", err)
	}

	log.Debug().
		Str("key_id", rec.ID).
		Int("size_bits", sizeBits).
		Msg("Synthesized one-off key outside the shared pool")

	return rec, nil
}

// LocalClient serves the master role by delegating to the local engine.
type LocalClient struct {
	pool  *SharedPool
	kmeID string
}

// NewLocalClient creates a Client backed by the local pool engine.
func NewLocalClient(p *SharedPool, kmeID string) *LocalClient {
	return &LocalClient{pool: p, kmeID: kmeID}
}

// GetKey implements Client.
func (c *LocalClient) GetKey(ctx context.Context, sizeBits int, remove bool) (keygen.Record, error) {
	if sizeBits > 0 && sizeBits != c.pool.KeySizeBytes()*8 {
		return synthesizeOneOff(sizeBits)
	}

	recs, err := c.pool.Acquire(ctx, 1, c.kmeID, remove)
	if err != nil {
		return keygen.Record{}, err
	}
	return recs[0], nil
}

// GetKeyByID implements Client.
func (c *LocalClient) GetKeyByID(_ context.Context, keyID string, remove bool) (mo.Option[keygen.Record], error) {
	return c.pool.ByID(keyID, c.kmeID, remove), nil
}

// AddKey implements Client.
func (c *LocalClient) AddKey(_ context.Context, rec keygen.Record) error {
	accepted, err := c.pool.AddRecords([]keygen.Record{rec})
	if err != nil {
		return err
	}
	if accepted == 0 {
		log.Warn().Str("key_id", rec.ID).Msg("Pool at capacity, key dropped")
	}
	return nil
}

var _ Client = (*LocalClient)(nil)
