// Package api implements the HTTP boundary of the KME: the ETSI GS
// QKD 014 endpoints over the shared pool, the Local Key Manager's
// per-user surface, and the internal KME-to-KME exchange.
package api

import (
	"net/http"

	"github.com/qkdnet/kmed/internal/config"
	"github.com/qkdnet/kmed/internal/ratelimit"
)

// SetupRoutes assembles the HTTP surface:
//
//	/api/v1/keys       ETSI endpoints over the shared pool
//	/api/v1/user-keys  Local Key Manager endpoints
//	/internal          KME-to-KME exchange
//	/health            liveness probe
//
// SAE-facing routes sit behind the per-SAE rate limiter when a
// registry is given; internal routes never do, peers are not SAEs.
// local may be nil on deployments without a Local Key Manager.
func SetupRoutes(
	cfg *config.Config,
	kme *KMEHandler,
	exchange *ExchangeHandler,
	local *LocalKMHandler,
	limits *ratelimit.Registry,
) http.Handler {
	mux := http.NewServeMux()
	rl := RateLimitMiddleware(limits, kme.resolver)

	mux.HandleFunc("GET /api/v1/keys/pool/status", kme.PoolStatus)
	mux.Handle("GET /api/v1/keys/{sae_id}/status", rl(http.HandlerFunc(kme.Status)))
	mux.Handle("POST /api/v1/keys/{sae_id}/enc_keys", rl(http.HandlerFunc(kme.EncKeys)))
	mux.Handle("GET /api/v1/keys/{sae_id}/enc_keys", rl(http.HandlerFunc(kme.EncKeys)))
	mux.Handle("POST /api/v1/keys/{sae_id}/dec_keys", rl(http.HandlerFunc(kme.DecKeys)))
	mux.Handle("GET /api/v1/keys/{sae_id}/dec_keys", rl(http.HandlerFunc(kme.DecKeys)))
	mux.Handle("POST /api/v1/keys/mark_consumed", rl(http.HandlerFunc(kme.MarkConsumed)))

	mux.HandleFunc("POST /internal/get_shared_key", exchange.GetSharedKey)
	mux.HandleFunc("POST /internal/get_reserved_key", exchange.GetReservedKey)
	mux.HandleFunc("POST /internal/kme_key_exchange", exchange.KeyExchange)
	mux.HandleFunc("POST /internal/remove_kme_key", exchange.RemoveKeys)

	if local != nil {
		mountUserKeys(mux, local, rl)
	}

	mountHealth(mux)

	return applyMiddleware(cfg, mux)
}

// SetupLocalKMRoutes assembles the standalone Local Key Manager
// surface: the user-keys endpoints and the liveness probe, nothing
// else. Used when the daemon runs without a KME role.
func SetupLocalKMRoutes(
	cfg *config.Config,
	local *LocalKMHandler,
	limits *ratelimit.Registry,
) http.Handler {
	mux := http.NewServeMux()
	rl := RateLimitMiddleware(limits, local.resolver)

	mountUserKeys(mux, local, rl)
	mountHealth(mux)

	return applyMiddleware(cfg, mux)
}

// mountUserKeys registers the Local Key Manager surface. Key-bearing
// routes sit behind the rate gate; pools, sync and delete are operator
// endpoints.
func mountUserKeys(mux *http.ServeMux, local *LocalKMHandler, rl func(http.Handler) http.Handler) {
	mux.Handle("GET /api/v1/user-keys/{sae_id}/status", rl(http.HandlerFunc(local.Status)))
	mux.Handle("POST /api/v1/user-keys/{sae_id}/enc_keys", rl(http.HandlerFunc(local.EncKeys)))
	mux.Handle("GET /api/v1/user-keys/{sae_id}/enc_keys", rl(http.HandlerFunc(local.EncKeys)))
	mux.Handle("POST /api/v1/user-keys/{sae_id}/dec_keys", rl(http.HandlerFunc(local.DecKeys)))
	mux.Handle("GET /api/v1/user-keys/{sae_id}/dec_keys", rl(http.HandlerFunc(local.DecKeys)))
	mux.Handle("POST /api/v1/user-keys/register", rl(http.HandlerFunc(local.Register)))
	mux.Handle("POST /api/v1/user-keys/{sae_id}/refill", rl(http.HandlerFunc(local.Refill)))
	mux.HandleFunc("GET /api/v1/user-keys/pools", local.Pools)
	mux.HandleFunc("POST /api/v1/user-keys/sync", local.Sync)
	mux.HandleFunc("POST /api/v1/user-keys/sync/run", local.RunSync)
	mux.HandleFunc("DELETE /api/v1/user-keys/{sae_id}", local.Delete)
}

func mountHealth(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}

// applyMiddleware wraps the mux, outermost first: request id, then
// logging so every rejection is logged with its id, then the caps.
func applyMiddleware(cfg *config.Config, mux *http.ServeMux) http.Handler {
	var handler http.Handler = mux
	handler = MaxBodyBytesMiddleware(cfg.Server.GetMaxBodyBytes)(handler)
	if limit, ok := cfg.Server.GetMaxConcurrentOption().Get(); ok {
		handler = ConcurrencyMiddleware(NewConcurrencyLimiter(int64(limit)))(handler)
	}
	handler = LoggingMiddleware()(handler)
	handler = RequestIDMiddleware()(handler)

	return handler
}
