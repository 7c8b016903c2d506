package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/mo"

	"github.com/qkdnet/kmed/internal/health"
	"github.com/qkdnet/kmed/internal/keygen"
)

const (
	maxAttempts  = 2
	retryBackoff = 500 * time.Millisecond
)

// SharedKeyRequest asks the master to hand out keys from its pool.
// The keys move into the master's reservation ledger until consumed.
type SharedKeyRequest struct {
	KMEID   string `json:"kme_id"`
	Count   int    `json:"count"`
	Timeout int    `json:"timeout"`
}

// SharedKeyResponse carries the keys the master handed out.
type SharedKeyResponse struct {
	Keys  []keygen.Record `json:"keys"`
	Count int             `json:"count"`
	KMEID string          `json:"kme_id"`
}

// ReservedKeyRequest looks up a key by id on the master, optionally
// consuming it.
type ReservedKeyRequest struct {
	KeyID  string `json:"key_id"`
	KMEID  string `json:"kme_id"`
	Remove bool   `json:"remove"`
}

// ReservedKeyResponse carries a key looked up by id on the master.
type ReservedKeyResponse struct {
	Key      keygen.Record `json:"key"`
	KeyID    string        `json:"key_id"`
	Consumed bool          `json:"consumed"`
}

// RemoteClient serves the slave role by crossing to the master KME's
// internal endpoints. Transport errors get one retry with a short
// backoff; the optional circuit breaker sheds calls to a dead master.
type RemoteClient struct {
	baseURL         string
	kmeID           string
	client          *http.Client
	circuit         *health.CircuitBreaker
	defaultSizeBits int
	acquireTimeout  time.Duration
}

// RemoteOption configures a RemoteClient.
type RemoteOption func(*RemoteClient)

// WithHTTPClient sets the HTTP client used for master calls.
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(c *RemoteClient) {
		c.client = client
	}
}

// WithCircuit guards master calls with a circuit breaker.
func WithCircuit(cb *health.CircuitBreaker) RemoteOption {
	return func(c *RemoteClient) {
		c.circuit = cb
	}
}

// WithAcquireTimeout sets how long the master may hold a shared-key
// request open waiting for keys. Default 5 seconds.
func WithAcquireTimeout(d time.Duration) RemoteOption {
	return func(c *RemoteClient) {
		c.acquireTimeout = d
	}
}

// NewRemoteClient creates a Client that fulfils requests through the
// master KME at baseURL. kmeID identifies this KME to the master;
// defaultSizeBits is the pool's key size, requests for any other size
// are synthesized locally.
func NewRemoteClient(baseURL, kmeID string, defaultSizeBits int, opts ...RemoteOption) *RemoteClient {
	c := &RemoteClient{
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		kmeID:           kmeID,
		defaultSizeBits: defaultSizeBits,
		acquireTimeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		// The master may hold a shared-key request open for the full
		// acquire timeout, so the transport backstop sits well above it.
		c.client = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

// GetKey implements Client. Default-size requests draw from the master's
// pool; the master reserves the key, and remove=true consumes it there
// with a follow-up call.
func (c *RemoteClient) GetKey(ctx context.Context, sizeBits int, remove bool) (keygen.Record, error) {
	if sizeBits > 0 && sizeBits != c.defaultSizeBits {
		return synthesizeOneOff(sizeBits)
	}

	var out SharedKeyResponse
	status, err := c.postJSON(ctx, "/internal/get_shared_key", SharedKeyRequest{
		KMEID:   c.kmeID,
		Count:   1,
		Timeout: c.timeoutSeconds(ctx),
	}, &out)
	if err != nil {
		return keygen.Record{}, err
	}

	switch {
	case status == http.StatusOK && len(out.Keys) > 0:
		key := out.Keys[0]
		if remove {
			c.consumeReserved(ctx, key.ID)
		}
		return key, nil
	case status == http.StatusServiceUnavailable:
		return keygen.Record{}, ErrNoKeys
	default:
		return keygen.Record{}, fmt.Errorf("pool: master get_shared_key returned %d", status)
	}
}

// GetKeyByID implements Client.
func (c *RemoteClient) GetKeyByID(ctx context.Context, keyID string, remove bool) (mo.Option[keygen.Record], error) {
	var out ReservedKeyResponse
	status, err := c.postJSON(ctx, "/internal/get_reserved_key", ReservedKeyRequest{
		KeyID:  keyID,
		KMEID:  c.kmeID,
		Remove: remove,
	}, &out)
	if err != nil {
		return mo.None[keygen.Record](), err
	}

	switch status {
	case http.StatusOK:
		return mo.Some(out.Key), nil
	case http.StatusNotFound:
		return mo.None[keygen.Record](), nil
	default:
		return mo.None[keygen.Record](), fmt.Errorf("pool: master get_reserved_key returned %d", status)
	}
}

// AddKey implements Client. The slave role has no pool to feed.
func (c *RemoteClient) AddKey(_ context.Context, rec keygen.Record) error {
	log.Warn().
		Str("key_id", rec.ID).
		Msg("AddKey has no effect in the slave role, key dropped")
	return nil
}

// consumeReserved tells the master to drop a key from its reservation
// ledger. Best effort: the key was already delivered to the caller.
func (c *RemoteClient) consumeReserved(ctx context.Context, keyID string) {
	status, err := c.postJSON(ctx, "/internal/get_reserved_key", ReservedKeyRequest{
		KeyID:  keyID,
		KMEID:  c.kmeID,
		Remove: true,
	}, nil)
	if err != nil || status != http.StatusOK {
		log.Warn().
			Str("key_id", keyID).
			Int("status", status).
			Err(err).
			Msg("Failed to consume reserved key on master")
	}
}

// timeoutSeconds converts the acquire window into the wire field,
// capped by the caller's remaining deadline. Minimum one second.
func (c *RemoteClient) timeoutSeconds(ctx context.Context) int {
	timeout := c.acquireTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// postJSON posts a JSON body and decodes a 200 response into out when
// out is non-nil. Transport errors get one retry after a short backoff;
// HTTP error statuses are returned to the caller without retry.
func (c *RemoteClient) postJSON(ctx context.Context, path string, in, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("pool: encode %s request: %w", path, err)
	}

	var (
		status  int
		lastErr error
	)
	for attempt := range maxAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(retryBackoff):
			}
			log.Debug().
				Str("path", path).
				Int("attempt", attempt+1).
				Msg("Retrying master call")
		}

		status, lastErr = c.roundTrip(ctx, path, body, out)
		if lastErr == nil {
			return status, nil
		}
		// An open circuit will not close within the backoff window
		if errors.Is(lastErr, health.ErrCircuitOpen) {
			return status, lastErr
		}
	}
	return status, lastErr
}

func (c *RemoteClient) roundTrip(ctx context.Context, path string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("pool: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var done func(err error)
	if c.circuit != nil {
		done, err = c.circuit.Allow()
		if err != nil {
			return 0, err
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if done != nil {
			done(err)
		}
		return 0, fmt.Errorf("pool: call master %s: %w", path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if done != nil {
		// A drained pool answers 503. That is the master alive and
		// talking, not a peer failure.
		if resp.StatusCode != http.StatusServiceUnavailable && health.ShouldCountAsFailure(resp.StatusCode, nil) {
			done(fmt.Errorf("pool: master returned %d", resp.StatusCode))
		} else {
			done(nil)
		}
	}

	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("pool: decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

var _ Client = (*RemoteClient)(nil)
