package di

import (
	"github.com/samber/do/v2"
	"github.com/samber/lo"

	"github.com/qkdnet/kmed/internal/config"
	"github.com/qkdnet/kmed/internal/keystore"
)

// KeyStoreService wraps the replicated key store.
type KeyStoreService struct {
	Store *keystore.Store
}

// NewKeyStore creates the store over the role-aware pool client. With
// peers configured, mutations broadcast through an HTTP notifier that
// shares the peer circuit breakers.
func NewKeyStore(i do.Injector) (*KeyStoreService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	clientSvc := do.MustInvoke[*PoolClientService](i)

	var notifier keystore.PeerNotifier
	if kmePeers := cfgSvc.Config.KME.Peers; len(kmePeers) > 0 {
		trackerSvc := do.MustInvoke[*HealthTrackerService](i)
		targets := lo.Map(kmePeers, func(p config.PeerConfig, _ int) keystore.Peer {
			return keystore.Peer{Name: p.Name, BaseURL: p.BaseURL}
		})
		notifier = keystore.NewHTTPNotifier(targets, keystore.WithTracker(trackerSvc.Tracker))
	}

	return &KeyStoreService{Store: keystore.New(clientSvc.Client, notifier)}, nil
}
