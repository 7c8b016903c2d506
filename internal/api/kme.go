package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/qkdnet/kmed/internal/config"
	"github.com/qkdnet/kmed/internal/identity"
	"github.com/qkdnet/kmed/internal/keygen"
	"github.com/qkdnet/kmed/internal/keystore"
	"github.com/qkdnet/kmed/internal/pool"
	"github.com/qkdnet/kmed/internal/ratelimit"
)

// statusDoc is the ETSI GS QKD 014 status report. Every size field is
// bits; internal configuration is bytes.
type statusDoc struct {
	SourceKMEID      string `json:"source_KME_ID"`
	TargetKMEID      string `json:"target_KME_ID"`
	MasterSAEID      string `json:"master_SAE_ID"`
	SlaveSAEID       string `json:"slave_SAE_ID"`
	KeySize          int    `json:"key_size"`
	StoredKeyCount   int    `json:"stored_key_count"`
	MaxKeyCount      int    `json:"max_key_count"`
	MaxKeyPerRequest int    `json:"max_key_per_request"`
	MaxKeySize       int    `json:"max_key_size"`
	MinKeySize       int    `json:"min_key_size"`
}

// KeyContainer is the ETSI key delivery envelope. Message is set only
// on partial (206) responses.
type KeyContainer struct {
	Message string          `json:"message,omitempty"`
	Keys    []keygen.Record `json:"keys"`
}

// PoolStatusResponse is the pool document served to peers and
// operators. The peer scanner reads kme_id and attached_sae_id to
// answer which KME serves which SAE, so both are present on every
// role; the embedded counters stay zero on slaves.
type PoolStatusResponse struct {
	KMEID         string `json:"kme_id"`
	AttachedSAEID string `json:"attached_sae_id"`
	pool.Status
}

// pairing is one request's resolved (master, slave) SAE pair plus the
// KME holding the target SAE.
type pairing struct {
	master    string
	slave     string
	targetKME string
}

// KMEHandler serves the ETSI endpoints backed by the shared pool and
// the replicated key store. The same handler covers both roles; the
// injected pool.Client decides whether key draws stay local or cross
// to the master KME.
type KMEHandler struct {
	kmeID              string
	attachedSAE        string
	directMode         bool
	maxKeysPerRequest  int
	maxKeySizeBits     int
	minKeySizeBits     int
	defaultKeySizeBits int
	maxKeyCount        int
	acquireTimeout     time.Duration

	client   pool.Client
	store    *keystore.Store
	shared   *pool.SharedPool
	scanner  *identity.Scanner
	resolver identity.Resolver
	limits   *ratelimit.Registry
}

// KMEOption configures a KMEHandler.
type KMEOption func(*KMEHandler)

// WithSharedPool gives the handler direct engine access for rollback
// and the pool status document. Master role only.
func WithSharedPool(p *pool.SharedPool) KMEOption {
	return func(h *KMEHandler) {
		h.shared = p
	}
}

// WithScanner resolves the path SAE to its serving KME through the
// peers' status documents. Without it every request takes the
// direct-mode path.
func WithScanner(s *identity.Scanner) KMEOption {
	return func(h *KMEHandler) {
		h.scanner = s
	}
}

// WithResolver overrides how the calling SAE is identified.
func WithResolver(r identity.Resolver) KMEOption {
	return func(h *KMEHandler) {
		h.resolver = r
	}
}

// WithLimits enforces the per-SAE key budget on enc_keys.
func WithLimits(reg *ratelimit.Registry) KMEOption {
	return func(h *KMEHandler) {
		h.limits = reg
	}
}

// NewKMEHandler creates the ETSI pipeline handler from config.
func NewKMEHandler(cfg *config.Config, client pool.Client, store *keystore.Store, opts ...KMEOption) *KMEHandler {
	h := &KMEHandler{
		kmeID:              cfg.KME.GetEffectiveID(),
		attachedSAE:        cfg.KME.AttachedSAEID,
		directMode:         cfg.KME.IsDirectModeEnabled(),
		maxKeysPerRequest:  cfg.KME.GetMaxKeysPerRequest(),
		maxKeySizeBits:     cfg.KME.GetMaxKeySizeBits(),
		minKeySizeBits:     cfg.KME.GetMinKeySizeBits(),
		defaultKeySizeBits: cfg.Pool.GetDefaultKeySize() * 8,
		maxKeyCount:        cfg.Pool.GetMaxKeyCount(),
		acquireTimeout:     cfg.Pool.GetAcquireTimeout(),
		client:             client,
		store:              store,
		resolver:           DefaultResolver(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// DefaultResolver is the production identity chain: a client
// certificate CN always beats the X-SAE-ID header.
func DefaultResolver() identity.Resolver {
	return identity.Chain{identity.CertResolver{}, identity.HeaderResolver{}}
}

// Status implements GET /{slave_SAE}/status.
func (h *KMEHandler) Status(w http.ResponseWriter, r *http.Request) {
	pair, err := h.resolvePair(r)
	if err != nil {
		WriteStatusError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusDoc{
		SourceKMEID:      h.kmeID,
		TargetKMEID:      pair.targetKME,
		MasterSAEID:      pair.master,
		SlaveSAEID:       pair.slave,
		KeySize:          h.defaultKeySizeBits,
		StoredKeyCount:   h.store.CountKeys(pair.master, pair.slave),
		MaxKeyCount:      h.maxKeyCount,
		MaxKeyPerRequest: h.maxKeysPerRequest,
		MaxKeySize:       h.maxKeySizeBits,
		MinKeySize:       h.minKeySizeBits,
	})
}

// encKeysRequest is the enc_keys body. Size is bits.
type encKeysRequest struct {
	Number int `json:"number"`
	Size   int `json:"size"`
}

// EncKeys implements POST and GET /{slave_SAE}/enc_keys: validate,
// resolve the pair, check the pair quota, reserve keys one by one
// under the acquire window, then append the batch to the key store
// with broadcast. A failed draw rolls the batch back and answers 503
// with no key-store entry created.
func (h *KMEHandler) EncKeys(w http.ResponseWriter, r *http.Request) {
	req, err := parseEncKeys(r)
	if err != nil {
		WriteStatusError(w, err)
		return
	}
	if req.Number == 0 {
		req.Number = 1
	}
	if req.Size == 0 {
		req.Size = h.defaultKeySizeBits
	}

	switch {
	case req.Number < 0 || req.Number > h.maxKeysPerRequest:
		WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("number must be between 1 and %d", h.maxKeysPerRequest))
		return
	case req.Size < h.minKeySizeBits || req.Size > h.maxKeySizeBits:
		WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("size must be between %d and %d bits", h.minKeySizeBits, h.maxKeySizeBits))
		return
	case req.Size%8 != 0:
		WriteError(w, http.StatusBadRequest, "size must be a whole number of bytes")
		return
	}

	pair, err := h.resolvePair(r)
	if err != nil {
		WriteStatusError(w, err)
		return
	}

	if stored := h.store.CountKeys(pair.master, pair.slave); stored+req.Number > h.maxKeyCount {
		WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("%d stored plus %d requested exceeds max_key_count %d",
				stored, req.Number, h.maxKeyCount))
		return
	}

	// Reserve the key budget before touching the pool; record the
	// delivered count afterwards.
	var limiter ratelimit.Limiter
	if h.limits != nil {
		limiter = h.limits.For(pair.master)
		if !limiter.ReserveKeys(req.Number) {
			WriteRateLimitError(w, retryAfterHint(limiter.GetUsage().KeysLimit))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.acquireTimeout)
	defer cancel()

	keys := make([]keygen.Record, 0, req.Number)
	for range req.Number {
		rec, err := h.client.GetKey(ctx, req.Size, false)
		if err != nil {
			h.rollback(keys)
			zerolog.Ctx(r.Context()).Warn().
				Err(err).
				Int("obtained", len(keys)).
				Int("requested", req.Number).
				Msg("Key draw failed, batch rolled back")
			WriteStatusError(w, err)
			return
		}
		keys = append(keys, rec)
	}

	h.store.AppendKeys(r.Context(), pair.master, pair.slave, keys, true)

	if limiter != nil {
		if err := limiter.ConsumeKeys(r.Context(), len(keys)); err != nil {
			zerolog.Ctx(r.Context()).Debug().Err(err).Msg("Key budget accounting interrupted")
		}
	}

	writeJSON(w, http.StatusOK, KeyContainer{Keys: keys})
}

// DecKeys implements POST and GET /{master_SAE}/dec_keys. The caller
// is the slave of the pair; the path names the master. Lookup order is
// (master, slave) then (slave, master), then the pool by id with
// remove=true. Delivered store entries are removed from both directions
// with broadcast and their shared-pool reservations purged, so a second
// fetch of the same ids answers 404.
func (h *KMEHandler) DecKeys(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolver.Resolve(r).Get()
	if !ok {
		WriteStatusError(w, fmt.Errorf("%w: no client certificate or %s header",
			ErrUnknownSAE, identity.HeaderSAEID))
		return
	}
	master := r.PathValue("sae_id")
	slave := caller.SAEID

	ids, err := parseKeyIDs(r)
	if err != nil {
		WriteStatusError(w, err)
		return
	}
	if len(ids) == 0 {
		WriteError(w, http.StatusBadRequest, "key_IDs required")
		return
	}

	stored, missing := h.store.FindKeys(master, slave, ids)

	fetched := make([]keygen.Record, 0, len(missing))
	stillMissing := make([]string, 0, len(missing))
	for _, id := range missing {
		opt, err := h.client.GetKeyByID(r.Context(), id, true)
		if err != nil {
			zerolog.Ctx(r.Context()).Warn().
				Err(err).
				Str("key_id", id).
				Msg("Pool lookup failed, id counted as missing")
			stillMissing = append(stillMissing, id)
			continue
		}
		if rec, found := opt.Get(); found {
			fetched = append(fetched, rec)
		} else {
			stillMissing = append(stillMissing, id)
		}
	}

	delivered := len(stored) + len(fetched)
	if delivered == 0 {
		WriteError(w, http.StatusNotFound, "none of the requested key ids are on record")
		return
	}

	// OTP consumption: delivered store entries leave whichever direction
	// held them and their reservations leave the shared pool. RemoveKeys
	// skips ids a direction does not hold; pool hits were already
	// consumed by the remove=true lookup.
	if len(stored) > 0 {
		h.store.RemoveKeys(r.Context(), master, slave, stored, true)
		h.store.RemoveKeys(r.Context(), slave, master, stored, true)
		h.purgeReservations(r.Context(), stored)
	}

	byID := lo.SliceToMap(
		append(stored, fetched...),
		func(rec keygen.Record) (string, keygen.Record) { return rec.ID, rec },
	)
	keys := make([]keygen.Record, 0, delivered)
	for _, id := range ids {
		if rec, found := byID[id]; found {
			keys = append(keys, rec)
		}
	}

	if len(stillMissing) > 0 {
		writeJSON(w, http.StatusPartialContent, KeyContainer{
			Message: fmt.Sprintf("some requested keys missing, delivered %d of %d", delivered, len(ids)),
			Keys:    keys,
		})
		return
	}
	writeJSON(w, http.StatusOK, KeyContainer{Keys: keys})
}

// purgeReservations consumes the shared-pool reservations behind keys
// that were just delivered from the store. Failures are not fatal to
// the delivery; an unpurged reservation lingers until mark_consumed or
// restart.
func (h *KMEHandler) purgeReservations(ctx context.Context, recs []keygen.Record) {
	for _, rec := range recs {
		if _, err := h.client.GetKeyByID(ctx, rec.ID, true); err != nil {
			zerolog.Ctx(ctx).Debug().
				Err(err).
				Str("key_id", rec.ID).
				Msg("Reservation purge failed, key may linger until restart")
		}
	}
}

// markConsumedRequest names a shared-pool key to purge.
type markConsumedRequest struct {
	KeyID string `json:"key_id"`
}

type markConsumedResponse struct {
	KeyID    string `json:"key_ID"`
	Consumed bool   `json:"consumed"`
}

// MarkConsumed implements POST /mark_consumed: drop a key from the
// shared pool, whether reserved or still available. 404 when the id is
// already gone.
func (h *KMEHandler) MarkConsumed(w http.ResponseWriter, r *http.Request) {
	var req markConsumedRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteStatusError(w, err)
		return
	}
	if req.KeyID == "" {
		WriteError(w, http.StatusBadRequest, "key_id required")
		return
	}

	opt, err := h.client.GetKeyByID(r.Context(), req.KeyID, true)
	if err != nil {
		WriteStatusError(w, err)
		return
	}
	if opt.IsAbsent() {
		WriteError(w, http.StatusNotFound, "key not in the shared pool")
		return
	}

	writeJSON(w, http.StatusOK, markConsumedResponse{KeyID: req.KeyID, Consumed: true})
}

// PoolStatus implements GET /pool/status, the document the peer
// scanner and operators read.
func (h *KMEHandler) PoolStatus(w http.ResponseWriter, _ *http.Request) {
	resp := PoolStatusResponse{
		KMEID:         h.kmeID,
		AttachedSAEID: h.attachedSAE,
	}
	if h.shared != nil {
		resp.Status = h.shared.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolvePair works out the (master, slave) pair: the caller is the
// master, the path SAE the slave. The scanner decides which KME serves
// the path SAE; a miss falls back to direct cloud mode when enabled,
// with this KME as the key source.
func (h *KMEHandler) resolvePair(r *http.Request) (pairing, error) {
	caller, ok := h.resolver.Resolve(r).Get()
	if !ok {
		return pairing{}, fmt.Errorf("%w: no client certificate or %s header",
			ErrUnknownSAE, identity.HeaderSAEID)
	}
	pathSAE := r.PathValue("sae_id")

	if h.scanner != nil {
		if b, found := h.scanner.Locate(r.Context(), pathSAE).Get(); found {
			return pairing{master: caller.SAEID, slave: pathSAE, targetKME: b.KMEID}, nil
		}
	}

	if !h.directMode {
		return pairing{}, fmt.Errorf("%w: no peer claims %s", ErrUnknownSAE, pathSAE)
	}
	return pairing{master: caller.SAEID, slave: pathSAE, targetKME: h.kmeID}, nil
}

// rollback returns reserved keys to the pool after a failed batch.
// Only the master role holds the engine; on a slave the master's
// reservation ledger keeps the keys until restart.
func (h *KMEHandler) rollback(keys []keygen.Record) {
	if h.shared == nil || len(keys) == 0 {
		return
	}
	h.shared.Release(keys)
}

// parseEncKeys reads number and size from the query on GET and from
// the JSON body on POST. An empty body means defaults.
func parseEncKeys(r *http.Request) (encKeysRequest, error) {
	var req encKeysRequest
	if r.Method != http.MethodGet {
		err := decodeJSON(r, &req)
		return req, err
	}

	query := r.URL.Query()
	for name, dst := range map[string]*int{"number": &req.Number, "size": &req.Size} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return req, fmt.Errorf("%w: %s is not a number", errMalformedBody, name)
		}
		*dst = v
	}
	return req, nil
}

// decKeysRequest is the ETSI dec_keys body: an array of key_ID objects.
type decKeysRequest struct {
	KeyIDs []keyIDEntry `json:"key_IDs"`
}

type keyIDEntry struct {
	KeyID string `json:"key_ID"`
}

// parseKeyIDs normalizes the requested ids from either transport
// shape: the JSON body on POST, or repeated / comma-separated key_ID
// query parameters on GET. Duplicates and empty entries are dropped.
func parseKeyIDs(r *http.Request) ([]string, error) {
	var ids []string

	if r.Method == http.MethodGet {
		for _, raw := range r.URL.Query()["key_ID"] {
			for _, id := range strings.Split(raw, ",") {
				ids = append(ids, strings.TrimSpace(id))
			}
		}
	} else {
		var req decKeysRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		ids = lo.Map(req.KeyIDs, func(e keyIDEntry, _ int) string { return e.KeyID })
	}

	return lo.Uniq(lo.Compact(ids)), nil
}

// decodeJSON decodes a request body. An empty body decodes to the zero
// value; an oversized body keeps its MaxBytesError identity so the
// boundary can answer 413.
func decodeJSON(r *http.Request, out any) error {
	err := json.NewDecoder(r.Body).Decode(out)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	default:
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return err
		}
		return fmt.Errorf("%w: %s", errMalformedBody, err.Error())
	}
}
