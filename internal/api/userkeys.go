package api

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/tidwall/sjson"

	"github.com/qkdnet/kmed/internal/config"
	"github.com/qkdnet/kmed/internal/events"
	"github.com/qkdnet/kmed/internal/identity"
	"github.com/qkdnet/kmed/internal/localkm"
	"github.com/qkdnet/kmed/internal/userpool"
)

// LocalKMHandler serves the per-user surface over the Local Key
// Manager: the ETSI-shaped delivery endpoints plus registration, pool
// administration and the sync exchange.
type LocalKMHandler struct {
	manager         *localkm.Manager
	resolver        identity.Resolver
	defaultPoolSize int
}

// NewLocalKMHandler creates the handler. A nil resolver falls back to
// the production chain.
func NewLocalKMHandler(cfg *config.Config, m *localkm.Manager, resolver identity.Resolver) *LocalKMHandler {
	if resolver == nil {
		resolver = DefaultResolver()
	}
	return &LocalKMHandler{
		manager:         m,
		resolver:        resolver,
		defaultPoolSize: cfg.LocalKM.GetDefaultPoolSize(),
	}
}

// Status implements GET /{slave_SAE}/status: the named user's pool
// through the ETSI lens, sizes in bits.
func (h *LocalKMHandler) Status(w http.ResponseWriter, r *http.Request) {
	doc, err := h.manager.UserStatus(r.Context(), r.PathValue("sae_id"))
	if err != nil {
		WriteStatusError(w, err)
		return
	}
	writeDoc(w, http.StatusOK, doc)
}

// EncKeys implements POST and GET /{receiver_SAE}/enc_keys: draw keys
// from the receiver's pool on behalf of the calling sender.
func (h *LocalKMHandler) EncKeys(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolver.Resolve(r).Get()
	if !ok {
		WriteError(w, http.StatusBadRequest, "calling SAE could not be resolved")
		return
	}
	receiver := r.PathValue("sae_id")

	req, err := parseEncKeys(r)
	if err != nil {
		WriteStatusError(w, err)
		return
	}
	if req.Number == 0 {
		req.Number = 1
	}
	if req.Size == 0 {
		req.Size = userpool.KeySizeBytes * 8
	}

	doc, err := h.manager.EncKeys(r.Context(), caller.SAEID, receiver, req.Number, req.Size)
	if err != nil {
		WriteStatusError(w, err)
		return
	}
	writeDoc(w, http.StatusOK, doc)
}

// DecKeys implements POST and GET /{master_SAE}/dec_keys: fetch used
// keys by id for the calling SAE. A partial hit answers 206 with the
// present keys and a message naming the shortfall.
func (h *LocalKMHandler) DecKeys(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolver.Resolve(r).Get()
	if !ok {
		WriteError(w, http.StatusBadRequest, "calling SAE could not be resolved")
		return
	}

	ids, err := parseKeyIDs(r)
	if err != nil {
		WriteStatusError(w, err)
		return
	}

	doc, err := h.manager.DecKeys(r.Context(), caller.SAEID, ids)
	switch {
	case err == nil:
		writeDoc(w, http.StatusOK, doc)
	case StatusFor(err) == http.StatusPartialContent:
		partial, setErr := sjson.SetBytes(doc, "message", "some requested keys missing")
		if setErr != nil {
			partial = doc
		}
		writeDoc(w, http.StatusPartialContent, partial)
	default:
		WriteStatusError(w, err)
	}
}

// registerRequest is the registration body.
type registerRequest struct {
	SAEID           string `json:"sae_id"`
	UserEmail       string `json:"user_email"`
	InitialPoolSize int    `json:"initial_pool_size"`
}

type registerResponse struct {
	Success bool `json:"success"`
	userpool.RegistrationResult
}

// Register implements POST /register: create a user with a freshly
// generated pool. Answers 201; a duplicate SAE id is a 400.
func (h *LocalKMHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteStatusError(w, err)
		return
	}
	if req.InitialPoolSize == 0 {
		req.InitialPoolSize = h.defaultPoolSize
	}

	result, err := h.manager.Store().RegisterUser(r.Context(), req.SAEID, req.UserEmail, req.InitialPoolSize)
	if err != nil {
		WriteStatusError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{Success: true, RegistrationResult: result})
}

// refillRequest bounds a refill; zero means up to the pool limit.
type refillRequest struct {
	KeysToAdd int `json:"keys_to_add"`
}

type refillResponse struct {
	Success        bool `json:"success"`
	KeysAdded      int  `json:"keys_added"`
	AvailableAfter int  `json:"available_after"`
}

// Refill implements POST /{sae_id}/refill.
func (h *LocalKMHandler) Refill(w http.ResponseWriter, r *http.Request) {
	saeID := r.PathValue("sae_id")

	var req refillRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteStatusError(w, err)
		return
	}

	added, err := h.manager.Store().RefillPool(r.Context(), saeID, req.KeysToAdd)
	if err != nil {
		WriteStatusError(w, err)
		return
	}

	status, err := h.manager.Store().PoolStatus(r.Context(), saeID)
	if err != nil {
		WriteStatusError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, refillResponse{
		Success:        true,
		KeysAdded:      added,
		AvailableAfter: status.Available,
	})
}

type poolsSummary struct {
	Users     int `json:"users"`
	Available int `json:"available"`
	Used      int `json:"used"`
	Low       int `json:"low"`
}

type poolsResponse struct {
	Pools   []userpool.PoolStatus `json:"pools"`
	Summary poolsSummary          `json:"summary"`
}

// Pools implements GET /pools, the admin view over every registered
// pool.
func (h *LocalKMHandler) Pools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.manager.Store().AllPools(r.Context())
	if err != nil {
		WriteStatusError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, poolsResponse{
		Pools: pools,
		Summary: poolsSummary{
			Users:     len(pools),
			Available: lo.SumBy(pools, func(p userpool.PoolStatus) int { return p.Available }),
			Used:      lo.SumBy(pools, func(p userpool.PoolStatus) int { return p.Used }),
			Low:       lo.CountBy(pools, func(p userpool.PoolStatus) bool { return p.IsLow }),
		},
	})
}

// Sync implements POST /sync: this key manager acting as the upstream
// for a downstream peer's sync pass.
func (h *LocalKMHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req localkm.SyncRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteStatusError(w, err)
		return
	}

	resp, err := h.manager.ServeSync(r.Context(), req)
	if err != nil {
		WriteStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// runSyncRequest optionally narrows a manual pass to specific users.
type runSyncRequest struct {
	Users []string `json:"users"`
}

type runSyncResponse struct {
	Success bool `json:"success"`
	localkm.SyncResult
}

// RunSync implements POST /sync/run, the operator-triggered pass
// against this box's own upstream. A pass already in flight answers
// 409.
func (h *LocalKMHandler) RunSync(w http.ResponseWriter, r *http.Request) {
	var req runSyncRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteStatusError(w, err)
		return
	}

	result, err := h.manager.Sync(r.Context(), events.ReasonManual, req.Users)
	if err != nil {
		WriteStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runSyncResponse{Success: true, SyncResult: result})
}

type deleteResponse struct {
	Success bool   `json:"success"`
	SAEID   string `json:"sae_id"`
}

// Delete implements DELETE /{sae_id}, cascading to the user's keys.
func (h *LocalKMHandler) Delete(w http.ResponseWriter, r *http.Request) {
	saeID := r.PathValue("sae_id")

	if err := h.manager.Store().DeleteUser(r.Context(), saeID); err != nil {
		WriteStatusError(w, err)
		return
	}

	zerolog.Ctx(r.Context()).Info().Str("sae_id", saeID).Msg("User pool deleted")
	writeJSON(w, http.StatusOK, deleteResponse{Success: true, SAEID: saeID})
}
