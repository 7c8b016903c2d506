package health

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PeerCheck defines how to verify a peer KME is reachable.
// Implementations should be lightweight, not full key operations.
type PeerCheck interface {
	// Check probes the peer. Returns nil if reachable.
	Check(ctx context.Context) error

	// PeerName returns the name of the peer being checked.
	PeerName() string
}

// HTTPPeerCheck probes a peer KME's pool status endpoint.
type HTTPPeerCheck struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPPeerCheck creates a probe against the peer's pool status
// endpoint. A nil client gets a 5 second timeout default.
func NewHTTPPeerCheck(name, baseURL string, client *http.Client) *HTTPPeerCheck {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPPeerCheck{
		name:   name,
		url:    strings.TrimSuffix(baseURL, "/") + "/api/v1/keys/pool/status",
		client: client,
	}
}

// Check performs the HTTP probe.
func (h *HTTPPeerCheck) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

// PeerName returns the name of the peer being checked.
func (h *HTTPPeerCheck) PeerName() string {
	return h.name
}

// Prober periodically probes peers whose circuits are OPEN so recovery is
// detected without burning real key requests on a dead peer.
type Prober struct {
	ctx     context.Context
	tracker *Tracker
	checks  map[string]PeerCheck
	logger  *zerolog.Logger
	cancel  context.CancelFunc
	config  ProbeConfig
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// NewProber creates a Prober bound to the tracker.
func NewProber(tracker *Tracker, cfg ProbeConfig, logger *zerolog.Logger) *Prober {
	ctx, cancel := context.WithCancel(context.Background())
	return &Prober{
		tracker: tracker,
		config:  cfg,
		checks:  make(map[string]PeerCheck),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a peer check. Call before Start.
func (p *Prober) Register(check PeerCheck) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks[check.PeerName()] = check
}

// Start launches the probe loop. No-op when probes are disabled.
func (p *Prober) Start() {
	if !p.config.IsEnabled() {
		if p.logger != nil {
			p.logger.Info().Msg("recovery prober disabled")
		}
		return
	}

	interval := p.config.GetInterval()
	// Jitter up to 2s so co-located KMEs do not probe in lockstep.
	jitter := cryptoRandDuration(2 * time.Second)
	ticker := time.NewTicker(interval + jitter)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer ticker.Stop()

		if p.logger != nil {
			p.logger.Info().
				Dur("interval", interval).
				Dur("jitter", jitter).
				Msg("recovery prober started")
		}

		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.probeOpenCircuits()
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.cancel()
	p.wg.Wait()
}

// probeOpenCircuits checks every registered peer whose circuit is OPEN.
func (p *Prober) probeOpenCircuits() {
	p.mu.RLock()
	checks := make([]PeerCheck, 0, len(p.checks))
	for _, check := range p.checks {
		checks = append(checks, check)
	}
	p.mu.RUnlock()

	for _, check := range checks {
		name := check.PeerName()
		if p.tracker.GetState(name) != StateOpen {
			continue
		}

		ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
		err := check.Check(ctx)
		cancel()

		if err != nil {
			if p.logger != nil {
				p.logger.Debug().Str("peer", name).Err(err).Msg("recovery probe failed")
			}
			continue
		}

		if p.logger != nil {
			p.logger.Info().Str("peer", name).Msg("recovery probe succeeded")
		}
		p.tracker.RecordSuccess(name)
	}
}

// cryptoRandDuration returns a random duration in [0, maxDur).
func cryptoRandDuration(maxDur time.Duration) time.Duration {
	if maxDur <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	n := binary.LittleEndian.Uint64(b[:])
	//nolint:gosec // maxDur is positive, conversion is safe
	return time.Duration(n % uint64(maxDur))
}
