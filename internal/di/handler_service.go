package di

import (
	"net/http"

	"github.com/samber/do/v2"

	"github.com/qkdnet/kmed/internal/api"
)

// HandlerService wraps the assembled HTTP handler.
type HandlerService struct {
	Handler http.Handler
}

// NewHandler builds the three handler groups and mounts them with the
// shared middleware chain. The user-keys surface appears only when a
// Local Key Manager is configured.
func NewHandler(i do.Injector) (*HandlerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	clientSvc := do.MustInvoke[*PoolClientService](i)
	storeSvc := do.MustInvoke[*KeyStoreService](i)
	poolSvc := do.MustInvoke[*SharedPoolService](i)
	scannerSvc := do.MustInvoke[*ScannerService](i)
	limitsSvc := do.MustInvoke[*RateLimitService](i)
	localSvc := do.MustInvoke[*LocalKMService](i)

	cfg := cfgSvc.Config
	kme := api.NewKMEHandler(cfg, clientSvc.Client, storeSvc.Store,
		api.WithSharedPool(poolSvc.Pool),
		api.WithScanner(scannerSvc.Scanner),
		api.WithLimits(limitsSvc.Registry),
	)
	exchange := api.NewExchangeHandler(cfg, poolSvc.Pool, storeSvc.Store)

	var local *api.LocalKMHandler
	if localSvc.Enabled() {
		local = api.NewLocalKMHandler(cfg, localSvc.Manager, nil)
	}

	handler := api.SetupRoutes(cfg, kme, exchange, local, limitsSvc.Registry)
	return &HandlerService{Handler: handler}, nil
}
