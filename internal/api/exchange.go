package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/qkdnet/kmed/internal/config"
	"github.com/qkdnet/kmed/internal/keystore"
	"github.com/qkdnet/kmed/internal/pool"
)

// ExchangeHandler serves the KME-to-KME endpoints: pool draws from
// slave KMEs and key-store mirroring between peers. Pool draws are
// master-only; mirroring runs on both roles.
type ExchangeHandler struct {
	kmeID          string
	master         bool
	shared         *pool.SharedPool
	store          *keystore.Store
	acquireTimeout time.Duration
}

// NewExchangeHandler creates the peer-facing handler. shared is nil on
// the slave role, which forbids pool draws.
func NewExchangeHandler(cfg *config.Config, shared *pool.SharedPool, store *keystore.Store) *ExchangeHandler {
	return &ExchangeHandler{
		kmeID:          cfg.KME.GetEffectiveID(),
		master:         cfg.KME.IsMaster(),
		shared:         shared,
		store:          store,
		acquireTimeout: cfg.Pool.GetAcquireTimeout(),
	}
}

type appendResult struct {
	Appended int `json:"appended"`
}

type removeResult struct {
	Removed int `json:"removed"`
}

// GetSharedKey implements POST /internal/get_shared_key. Keys move
// from available to reserved at this KME; the caller consumes them
// later by id. A drained pool answers 503, which the remote client
// reports as ErrNoKeys.
func (h *ExchangeHandler) GetSharedKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireMaster(w, r) {
		return
	}

	var req pool.SharedKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteStatusError(w, err)
		return
	}
	if req.KMEID == "" {
		WriteError(w, http.StatusBadRequest, "kme_id required")
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	timeout := h.acquireTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	keys, err := h.shared.Acquire(ctx, req.Count, req.KMEID, false)
	if err != nil {
		WriteStatusError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pool.SharedKeyResponse{
		Keys:  keys,
		Count: len(keys),
		KMEID: h.kmeID,
	})
}

// GetReservedKey implements POST /internal/get_reserved_key: look a
// key up by id in the reservation ledger or the available queue,
// consuming it when remove is set. 404 when the id is unknown.
func (h *ExchangeHandler) GetReservedKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireMaster(w, r) {
		return
	}

	var req pool.ReservedKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteStatusError(w, err)
		return
	}
	if req.KeyID == "" {
		WriteError(w, http.StatusBadRequest, "key_id required")
		return
	}

	rec, found := h.shared.ByID(req.KeyID, req.KMEID, req.Remove).Get()
	if !found {
		WriteError(w, http.StatusNotFound, "key id not in the shared pool")
		return
	}

	writeJSON(w, http.StatusOK, pool.ReservedKeyResponse{
		Key:      rec,
		KeyID:    req.KeyID,
		Consumed: req.Remove,
	})
}

// KeyExchange implements POST /internal/kme_key_exchange. The append
// mirrors a peer's mutation and never re-broadcasts; replaying ids
// already present is a no-op.
func (h *ExchangeHandler) KeyExchange(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeMirror(w, r)
	if !ok {
		return
	}

	appended := h.store.AppendKeys(r.Context(), req.MasterSAEID, req.SlaveSAEID, req.Keys, false)
	writeJSON(w, http.StatusOK, appendResult{Appended: appended})
}

// RemoveKeys implements POST /internal/remove_kme_key, the removal
// mirror of KeyExchange. Missing ids are not an error.
func (h *ExchangeHandler) RemoveKeys(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeMirror(w, r)
	if !ok {
		return
	}

	removed := h.store.RemoveKeys(r.Context(), req.MasterSAEID, req.SlaveSAEID, req.Keys, false)
	writeJSON(w, http.StatusOK, removeResult{Removed: removed})
}

func (h *ExchangeHandler) decodeMirror(w http.ResponseWriter, r *http.Request) (keystore.KeyExchangeRequest, bool) {
	var req keystore.KeyExchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteStatusError(w, err)
		return req, false
	}
	if req.MasterSAEID == "" || req.SlaveSAEID == "" {
		WriteError(w, http.StatusBadRequest, "master_sae_id and slave_sae_id required")
		return req, false
	}
	return req, true
}

func (h *ExchangeHandler) requireMaster(w http.ResponseWriter, r *http.Request) bool {
	if h.master && h.shared != nil {
		return true
	}
	zerolog.Ctx(r.Context()).Warn().
		Str("path", r.URL.Path).
		Msg("Pool draw refused, this KME does not run the shared pool")
	WriteError(w, http.StatusForbidden, "pool draws are served by the master role only")
	return false
}
