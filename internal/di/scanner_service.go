package di

import (
	"github.com/samber/do/v2"
	"github.com/samber/lo"

	"github.com/qkdnet/kmed/internal/config"
	"github.com/qkdnet/kmed/internal/identity"
)

// ScannerService wraps the SAE-to-KME scanner.
type ScannerService struct {
	Scanner *identity.Scanner
}

// NewScanner creates the scanner over the configured peers with the
// binding cache. With no peers every Locate misses and the handlers
// fall through to direct mode.
func NewScanner(i do.Injector) (*ScannerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	cacheSvc := do.MustInvoke[*CacheService](i)

	scanPeers := lo.Map(cfgSvc.Config.KME.Peers, func(p config.PeerConfig, _ int) identity.Peer {
		return identity.Peer{Name: p.Name, BaseURL: p.BaseURL}
	})

	scanner := identity.NewScanner(scanPeers, identity.WithCache(cacheSvc.Cache))
	return &ScannerService{Scanner: scanner}, nil
}
