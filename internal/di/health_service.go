package di

import (
	"sync"

	"github.com/samber/do/v2"

	"github.com/qkdnet/kmed/internal/health"
)

// HealthTrackerService wraps the peer circuit tracker for DI.
type HealthTrackerService struct {
	Tracker *health.Tracker
}

// ProberService wraps the recovery prober. Start runs it once the
// container is built; Shutdown stops the probe loop.
type ProberService struct {
	Prober *health.Prober

	mu      sync.Mutex
	started bool
}

// NewHealthTracker creates the circuit tracker from configuration.
func NewHealthTracker(i do.Injector) (*HealthTrackerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	tracker := health.NewTracker(cfgSvc.Config.Health.CircuitBreaker, loggerSvc.Logger)
	return &HealthTrackerService{Tracker: tracker}, nil
}

// NewProber creates the recovery prober with one HTTP check per
// configured peer KME. With no peers there is nothing to probe and
// Prober stays nil.
func NewProber(i do.Injector) (*ProberService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	trackerSvc := do.MustInvoke[*HealthTrackerService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	kmePeers := cfgSvc.Config.KME.Peers
	if len(kmePeers) == 0 {
		return &ProberService{}, nil
	}

	prober := health.NewProber(trackerSvc.Tracker, cfgSvc.Config.Health.Probe, loggerSvc.Logger)
	for _, p := range kmePeers {
		prober.Register(health.NewHTTPPeerCheck(p.Name, p.BaseURL, nil))
		loggerSvc.Logger.Debug().
			Str("peer", p.Name).
			Str("base_url", p.BaseURL).
			Msg("Registered peer health check")
	}

	return &ProberService{Prober: prober}, nil
}

// Start launches the probe loop. Safe to call more than once.
func (s *ProberService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Prober == nil || s.started {
		return
	}
	s.Prober.Start()
	s.started = true
}

// Shutdown implements do.Shutdowner.
func (s *ProberService) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Prober != nil && s.started {
		s.Prober.Stop()
		s.started = false
	}
	return nil
}
