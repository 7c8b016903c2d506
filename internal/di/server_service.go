package di

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/do/v2"

	"github.com/qkdnet/kmed/internal/api"
)

// ServerService wraps the HTTP server.
type ServerService struct {
	Server *api.Server
}

// NewHTTPServer creates the server over the assembled handler.
func NewHTTPServer(i do.Injector) (*ServerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	handlerSvc := do.MustInvoke[*HandlerService](i)

	server, err := api.NewServer(cfgSvc.Config.Server, handlerSvc.Handler)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	return &ServerService{Server: server}, nil
}

// Shutdown implements do.Shutdowner: drain in-flight requests for up to
// 30 seconds.
func (s *ServerService) Shutdown() error {
	if s.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.Server.Shutdown(ctx)
	}
	return nil
}
