package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/qkdnet/kmed/internal/config"
)

// Server wraps http.Server with timeouts sized for key delivery.
type Server struct {
	httpServer *http.Server
	addr       string
	certFile   string
	keyFile    string
}

// NewServer builds the listener. Timeout rationale:
//   - ReadTimeout 10s: slow-client protection
//   - WriteTimeout 60s: must cover the enc_keys acquire window,
//     overridable via server.timeout_ms
//   - IdleTimeout 120s: keep-alive
//
// Without TLS, HTTP/2 runs over cleartext (h2c) when enabled; with TLS
// it negotiates through ALPN and needs no wrapping.
func NewServer(cfg config.ServerConfig, handler http.Handler) (*Server, error) {
	finalHandler := handler
	if cfg.EnableHTTP2 && !cfg.TLS.Enabled {
		h2s := &http2.Server{}
		finalHandler = h2c.NewHandler(handler, h2s)
	}

	s := &Server{
		addr: cfg.Listen,
		httpServer: &http.Server{
			Addr:         cfg.Listen,
			Handler:      finalHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: cfg.GetTimeoutOption().OrElse(60 * time.Second),
			IdleTimeout:  120 * time.Second,
		},
	}

	if cfg.TLS.Enabled {
		tlsCfg, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		s.httpServer.TLSConfig = tlsCfg
		s.certFile = cfg.TLS.CertFile
		s.keyFile = cfg.TLS.KeyFile
	}

	return s, nil
}

// buildTLSConfig enables client-certificate identity when a client CA
// is configured. Certificates stay optional at the TLS layer; callers
// without one fall through to the X-SAE-ID header resolver.
func buildTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.ClientCAFile != "" {
		pem, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("api: read client CA: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(pem) {
			return nil, errors.New("api: client CA file holds no certificates")
		}
		tlsCfg.ClientCAs = caPool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return tlsCfg, nil
}

// ListenAndServe starts the server and blocks.
func (s *Server) ListenAndServe() error {
	if s.certFile != "" {
		return s.httpServer.ListenAndServeTLS(s.certFile, s.keyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}
