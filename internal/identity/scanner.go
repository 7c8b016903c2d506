package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/mo"
	"github.com/tidwall/gjson"

	"github.com/qkdnet/kmed/internal/cache"
)

// DefaultBindingTTL bounds how long a discovered SAE binding is reused
// before the peers are consulted again.
const DefaultBindingTTL = 30 * time.Second

const maxStatusDocBytes = 1 << 20

// Peer is one KME the scanner may consult.
type Peer struct {
	Name    string
	BaseURL string
}

// Binding ties an SAE to the KME serving it.
type Binding struct {
	SAEID    string `json:"sae_id"`
	KMEID    string `json:"kme_id"`
	PeerName string `json:"peer_name"`
	BaseURL  string `json:"base_url"`
}

// Scanner discovers which KME serves a given SAE by reading the peers'
// pool-status documents. Each document carries the peer's kme_id and
// attached_sae_id; the first peer claiming the SAE wins. Results, hits
// and misses both, are cached: in direct cloud mode an unknown SAE is
// the common case, and re-scanning every peer per request would put the
// whole peer list on the hot path.
type Scanner struct {
	peers  []Peer
	client *http.Client
	cache  cache.Cache
	ttl    time.Duration
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithHTTPClient sets the HTTP client used for peer lookups.
func WithHTTPClient(client *http.Client) ScannerOption {
	return func(s *Scanner) {
		s.client = client
	}
}

// WithCache caches bindings between scans. Without it every Locate
// consults the peers.
func WithCache(c cache.Cache) ScannerOption {
	return func(s *Scanner) {
		s.cache = c
	}
}

// WithTTL sets the binding cache lifetime. Default 30 seconds.
func WithTTL(ttl time.Duration) ScannerOption {
	return func(s *Scanner) {
		s.ttl = ttl
	}
}

// NewScanner creates a Scanner over the given peers.
func NewScanner(peers []Peer, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		peers: peers,
		ttl:   DefaultBindingTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 5 * time.Second}
	}
	return s
}

// Locate resolves the KME serving saeID. Returns None when no configured
// peer claims the SAE; the caller decides whether direct-mode fallback
// applies.
func (s *Scanner) Locate(ctx context.Context, saeID string) mo.Option[Binding] {
	if saeID == "" {
		return mo.None[Binding]()
	}

	cacheKey := "sae_kme:" + saeID
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, cacheKey); err == nil {
			if len(data) == 0 {
				return mo.None[Binding]()
			}
			var b Binding
			if err := json.Unmarshal(data, &b); err == nil {
				return mo.Some(b)
			}
		}
	}

	for _, peer := range s.peers {
		doc, err := s.fetchStatusDoc(ctx, peer)
		if err != nil {
			log.Debug().
				Str("peer", peer.Name).
				Err(err).
				Msg("Peer status document unavailable, skipping")
			continue
		}

		attached := gjson.GetBytes(doc, "attached_sae_id").String()
		if attached != saeID {
			continue
		}

		b := Binding{
			SAEID:    saeID,
			KMEID:    gjson.GetBytes(doc, "kme_id").String(),
			PeerName: peer.Name,
			BaseURL:  peer.BaseURL,
		}
		s.store(ctx, cacheKey, b)

		log.Debug().
			Str("sae_id", saeID).
			Str("kme_id", b.KMEID).
			Str("peer", peer.Name).
			Msg("Resolved SAE to peer KME")
		return mo.Some(b)
	}

	s.storeMiss(ctx, cacheKey)
	return mo.None[Binding]()
}

// Invalidate drops a cached binding, forcing the next Locate to scan.
func (s *Scanner) Invalidate(ctx context.Context, saeID string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Delete(ctx, "sae_kme:"+saeID)
}

func (s *Scanner) fetchStatusDoc(ctx context.Context, peer Peer) ([]byte, error) {
	url := strings.TrimSuffix(peer.BaseURL, "/") + "/api/v1/keys/pool/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("identity: create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: query peer: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: peer returned %d", resp.StatusCode)
	}

	doc, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusDocBytes))
	if err != nil {
		return nil, fmt.Errorf("identity: read peer document: %w", err)
	}
	return doc, nil
}

func (s *Scanner) store(ctx context.Context, key string, b Binding) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := s.cache.SetWithTTL(ctx, key, data, s.ttl); err != nil {
		log.Debug().Err(err).Msg("Failed to cache SAE binding")
	}
}

// storeMiss records an empty value so repeated lookups for an unknown
// SAE skip the peer scan until the TTL lapses.
func (s *Scanner) storeMiss(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetWithTTL(ctx, key, []byte{}, s.ttl); err != nil {
		log.Debug().Err(err).Msg("Failed to cache SAE miss")
	}
}
