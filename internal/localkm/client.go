package localkm

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

	"github.com/qkdnet/kmed/internal/health"
	"github.com/qkdnet/kmed/internal/peers"
)

const (
	// SyncPath is where upstream key managers serve sync requests.
	SyncPath = "/api/v1/user-keys/sync"

	// DefaultSyncDeadline bounds one upstream attempt.
	DefaultSyncDeadline = 30 * time.Second

	maxAttempts  = 2
	retryBackoff = 500 * time.Millisecond
)

// SyncClient pushes sync requests to the upstream key managers.
// Upstreams are walked in priority order through the failover selector;
// transport errors get one retry with a short backoff, and each
// upstream's circuit sheds calls while it is open.
type SyncClient struct {
	upstreams []peers.Info
	selector  *peers.FailoverSelector
	tracker   *health.Tracker
	client    *http.Client
}

// ClientOption configures a SyncClient.
type ClientOption func(*SyncClient)

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *SyncClient) {
		c.client = client
	}
}

// WithTracker guards upstream calls with per-upstream circuits.
func WithTracker(tracker *health.Tracker) ClientOption {
	return func(c *SyncClient) {
		c.tracker = tracker
	}
}

// WithSelector replaces the failover selector, usually to shorten the
// per-attempt deadline.
func WithSelector(selector *peers.FailoverSelector) ClientOption {
	return func(c *SyncClient) {
		c.selector = selector
	}
}

// NewSyncClient creates a client over the given upstreams.
func NewSyncClient(upstreams []peers.Info, opts ...ClientOption) (*SyncClient, error) {
	if len(upstreams) == 0 {
		return nil, peers.ErrNoUpstreams
	}

	c := &SyncClient{
		upstreams: upstreams,
		selector:  peers.NewFailoverSelector(DefaultSyncDeadline),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		// The per-attempt deadline comes from the selector; the
		// transport timeout is only a backstop above it.
		c.client = &http.Client{Timeout: DefaultSyncDeadline + 5*time.Second}
	}
	return c, nil
}

// UpstreamsFromURLs builds the upstream list for a SyncClient. The
// first URL gets the highest priority; a nil tracker leaves every
// upstream permanently healthy.
func UpstreamsFromURLs(urls []string, tracker *health.Tracker) []peers.Info {
	infos := make([]peers.Info, 0, len(urls))
	for i, raw := range urls {
		name := strings.TrimSuffix(raw, "/")
		info := peers.Info{
			Peer:     peers.Peer{Name: name, BaseURL: name},
			Priority: len(urls) - i,
		}
		if tracker != nil {
			info.IsHealthy = tracker.IsHealthyFunc(name)
		}
		infos = append(infos, info)
	}
	return infos
}

// Sync posts the request to the first upstream that answers.
func (c *SyncClient) Sync(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return SyncResponse{}, fmt.Errorf("localkm: encode sync request: %w", err)
	}

	var out SyncResponse
	up, err := c.selector.TryInOrder(ctx, c.upstreams, func(attemptCtx context.Context, up peers.Info) (int, error) {
		return c.postSync(attemptCtx, up, body, &out)
	})
	if err != nil {
		return SyncResponse{}, err
	}

	log.Debug().
		Str("upstream", up.Peer.Name).
		Int("users", len(req.Users)).
		Int("delivered", out.TotalKeysDelivered).
		Msg("Upstream sync answered")

	return out, nil
}

// postSync posts the body to one upstream. Transport errors get one
// retry after a short backoff; HTTP rejections are returned without
// retry.
func (c *SyncClient) postSync(ctx context.Context, up peers.Info, body []byte, out *SyncResponse) (int, error) {
	var (
		status  int
		lastErr error
	)
	for attempt := range maxAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return status, ctx.Err()
			case <-time.After(retryBackoff):
			}
			log.Debug().
				Str("upstream", up.Peer.Name).
				Int("attempt", attempt+1).
				Msg("Retrying upstream sync")
		}

		status, lastErr = c.roundTrip(ctx, up, body, out)
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

func (c *SyncClient) roundTrip(ctx context.Context, up peers.Info, body []byte, out *SyncResponse) (int, error) {
	url := strings.TrimSuffix(up.Peer.BaseURL, "/") + SyncPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("localkm: create sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var done func(err error)
	if c.tracker != nil {
		done, err = c.tracker.GetOrCreateCircuit(up.Peer.Name).Allow()
		if err != nil {
			return 0, err
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if done != nil {
			done(err)
		}
		return 0, fmt.Errorf("localkm: call upstream %s: %w", up.Peer.Name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if done != nil {
		if health.ShouldCountAsFailure(resp.StatusCode, nil) {
			done(fmt.Errorf("localkm: upstream returned %d", resp.StatusCode))
		} else {
			done(nil)
		}
	}

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("localkm: upstream sync returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("localkm: decode sync response: %w", err)
	}
	return resp.StatusCode, nil
}
