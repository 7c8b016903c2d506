package keystore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qkdnet/kmed/internal/health"
	"github.com/qkdnet/kmed/internal/keygen"
)

const (
	notifyAttempts = 2
	notifyBackoff  = 500 * time.Millisecond
)

// KeyExchangeRequest mirrors an append or a removal to a peer KME so both
// sides bind the same key ids to the same SAE pair.
type KeyExchangeRequest struct {
	MasterSAEID string          `json:"master_sae_id"`
	SlaveSAEID  string          `json:"slave_sae_id"`
	Keys        []keygen.Record `json:"keys"`
}

// PeerNotifier mirrors key-store mutations to peer KMEs.
type PeerNotifier interface {
	// KeysAppended tells peers to append keys under the pair.
	KeysAppended(ctx context.Context, master, slave string, keys []keygen.Record)

	// KeysRemoved tells peers to drop keys under the pair.
	KeysRemoved(ctx context.Context, master, slave string, keys []keygen.Record)
}

// NopNotifier drops every notification. Single-KME deployments and tests
// use it in place of HTTP fan-out.
type NopNotifier struct{}

// KeysAppended implements PeerNotifier.
func (NopNotifier) KeysAppended(context.Context, string, string, []keygen.Record) {}

// KeysRemoved implements PeerNotifier.
func (NopNotifier) KeysRemoved(context.Context, string, string, []keygen.Record) {}

// Peer is one notification target.
type Peer struct {
	Name    string
	BaseURL string
}

// HTTPNotifier fans key-store mutations out to every configured peer,
// concurrently. Notifications are best-effort: one retry per peer,
// failures logged and dropped, open circuits skipped outright.
type HTTPNotifier struct {
	peers   []Peer
	client  *http.Client
	tracker *health.Tracker
}

// NotifierOption configures an HTTPNotifier.
type NotifierOption func(*HTTPNotifier)

// WithHTTPClient sets the HTTP client used for peer calls.
func WithHTTPClient(client *http.Client) NotifierOption {
	return func(h *HTTPNotifier) {
		h.client = client
	}
}

// WithTracker guards each peer's notifications with its circuit breaker.
func WithTracker(tracker *health.Tracker) NotifierOption {
	return func(h *HTTPNotifier) {
		h.tracker = tracker
	}
}

// NewHTTPNotifier creates a notifier targeting the given peers.
func NewHTTPNotifier(peers []Peer, opts ...NotifierOption) *HTTPNotifier {
	h := &HTTPNotifier{peers: peers}
	for _, opt := range opts {
		opt(h)
	}
	if h.client == nil {
		h.client = &http.Client{Timeout: 10 * time.Second}
	}
	return h
}

// KeysAppended implements PeerNotifier.
func (h *HTTPNotifier) KeysAppended(ctx context.Context, master, slave string, keys []keygen.Record) {
	h.fanOut(ctx, "/internal/kme_key_exchange", KeyExchangeRequest{
		MasterSAEID: master,
		SlaveSAEID:  slave,
		Keys:        keys,
	})
}

// KeysRemoved implements PeerNotifier.
func (h *HTTPNotifier) KeysRemoved(ctx context.Context, master, slave string, keys []keygen.Record) {
	h.fanOut(ctx, "/internal/remove_kme_key", KeyExchangeRequest{
		MasterSAEID: master,
		SlaveSAEID:  slave,
		Keys:        keys,
	})
}

func (h *HTTPNotifier) fanOut(ctx context.Context, path string, req KeyExchangeRequest) {
	if len(h.peers) == 0 {
		return
	}

	body, err := json.Marshal(req)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to encode peer notification")
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(h.peers))
	for _, peer := range h.peers {
		go func() {
			defer wg.Done()
			h.notifyPeer(ctx, peer, path, body)
		}()
	}
	wg.Wait()
}

// notifyPeer delivers one notification. Transport errors get one retry;
// an HTTP rejection is final, the peer answered and disagreed.
func (h *HTTPNotifier) notifyPeer(ctx context.Context, peer Peer, path string, body []byte) {
	url := strings.TrimSuffix(peer.BaseURL, "/") + path

	var (
		status  int
		lastErr error
	)
	for attempt := range notifyAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				log.Warn().
					Str("peer", peer.Name).
					Str("path", path).
					Err(ctx.Err()).
					Msg("Peer notification abandoned")
				return
			case <-time.After(notifyBackoff):
			}
		}

		status, lastErr = h.post(ctx, peer, url, body)
		if lastErr == nil {
			if status < 200 || status >= 300 {
				log.Warn().
					Int("status", status).
					Str("peer", peer.Name).
					Str("path", path).
					Msg("Peer rejected notification")
			}
			return
		}
		if errors.Is(lastErr, health.ErrCircuitOpen) {
			log.Debug().
				Str("peer", peer.Name).
				Str("path", path).
				Msg("Peer circuit open, notification dropped")
			return
		}
	}

	log.Warn().
		Err(lastErr).
		Str("peer", peer.Name).
		Str("path", path).
		Msg("Peer notification failed")
}

func (h *HTTPNotifier) post(ctx context.Context, peer Peer, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("keystore: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var done func(err error)
	if h.tracker != nil {
		done, err = h.tracker.GetOrCreateCircuit(peer.Name).Allow()
		if err != nil {
			return 0, err
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if done != nil {
			done(err)
		}
		return 0, fmt.Errorf("keystore: notify %s: %w", peer.Name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if done != nil {
		if health.ShouldCountAsFailure(resp.StatusCode, nil) {
			done(fmt.Errorf("keystore: peer returned %d", resp.StatusCode))
		} else {
			done(nil)
		}
	}

	return resp.StatusCode, nil
}

var (
	_ PeerNotifier = (*HTTPNotifier)(nil)
	_ PeerNotifier = NopNotifier{}
)
