package localkm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/qkdnet/kmed/internal/events"
	"github.com/qkdnet/kmed/internal/keygen"
	"github.com/qkdnet/kmed/internal/userpool"
)

// FallbackLocalGeneration marks a sync pass that generated keys locally
// after the upstream was unreachable.
const FallbackLocalGeneration = "local_generation"

// SyncRequest is the body posted to an upstream key manager.
type SyncRequest struct {
	LocalKMID string            `json:"local_km_id"`
	Users     []SyncUserRequest `json:"users"`
}

// SyncUserRequest asks for keys on behalf of one user.
type SyncUserRequest struct {
	SAEID         string `json:"sae_id"`
	RequestedKeys int    `json:"requested_keys"`
}

// SyncResponse mirrors the upstream's reply. Keys ride along per user
// so the requesting side can materialize the same material.
type SyncResponse struct {
	Success            bool       `json:"success"`
	SyncedUsers        int        `json:"synced_users"`
	TotalKeysDelivered int        `json:"total_keys_delivered"`
	UserSyncs          []UserSync `json:"user_syncs"`
}

// UserSync is one user's slice of a sync response.
type UserSync struct {
	SAEID         string          `json:"sae_id"`
	KeysDelivered int             `json:"keys_delivered"`
	Keys          []keygen.Record `json:"keys,omitempty"`
}

// SyncResult summarizes one local sync pass.
type SyncResult struct {
	Reason        events.Reason `json:"reason"`
	Users         int           `json:"users"`
	RequestedKeys int           `json:"requested_keys"`
	DeliveredKeys int           `json:"delivered_keys"`
	Fallback      string        `json:"fallback,omitempty"`
}

// Sync runs one sync pass, rejecting with ErrBusy while another pass
// holds the lock.
//
// The target set is the explicit user list when given, otherwise the
// low pools, otherwise (scheduled) every user. Each target asks for
// pool_size_limit minus its available count; full pools drop out. On
// upstream failure an emergency pass falls back to local generation,
// any other reason leaves the pools untouched. Every pass lands an
// audit row and reschedules the next scheduled sync.
func (m *Manager) Sync(ctx context.Context, reason events.Reason, users []string) (SyncResult, error) {
	if !m.syncMu.TryLock() {
		return SyncResult{}, ErrBusy
	}
	defer m.syncMu.Unlock()

	started := time.Now().UTC()
	result := SyncResult{Reason: reason}

	targets, err := m.syncTargets(ctx, reason, users)
	if err != nil {
		m.finishSync(ctx, started, result, err)
		return result, err
	}
	if len(targets) == 0 {
		log.Debug().Str("reason", string(reason)).Msg("Sync pass found nothing to request")
		m.finishSync(ctx, started, result, nil)
		return result, nil
	}

	result.Users = len(targets)
	result.RequestedKeys = lo.SumBy(targets, func(t SyncUserRequest) int { return t.RequestedKeys })

	resp, syncErr := m.callUpstream(ctx, targets)
	switch {
	case syncErr == nil:
		result.DeliveredKeys = m.materialize(ctx, resp)
	case reason == events.ReasonEmergency:
		log.Warn().
			Err(syncErr).
			Int("users", len(targets)).
			Msg("Upstream sync failed, falling back to local generation")
		result.DeliveredKeys, syncErr = m.fallbackGenerate(ctx, targets)
		result.Fallback = FallbackLocalGeneration
	}

	m.finishSync(ctx, started, result, syncErr)
	return result, syncErr
}

// syncTargets computes who asks for how much. Pools already at their
// limit drop out.
func (m *Manager) syncTargets(ctx context.Context, reason events.Reason, users []string) ([]SyncUserRequest, error) {
	pools, err := m.targetPools(ctx, reason, users)
	if err != nil {
		return nil, err
	}

	targets := make([]SyncUserRequest, 0, len(pools))
	for _, p := range pools {
		requested := p.PoolSizeLimit - p.Available
		if requested <= 0 {
			continue
		}
		targets = append(targets, SyncUserRequest{SAEID: p.SAEID, RequestedKeys: requested})
	}
	return targets, nil
}

func (m *Manager) targetPools(ctx context.Context, reason events.Reason, users []string) ([]userpool.PoolStatus, error) {
	if len(users) > 0 {
		pools := make([]userpool.PoolStatus, 0, len(users))
		for _, sae := range lo.Uniq(users) {
			status, err := m.store.PoolStatus(ctx, sae)
			if err != nil {
				if errors.Is(err, userpool.ErrUserNotFound) {
					log.Warn().Str("sae_id", sae).Msg("Sync target is not registered, skipped")
					continue
				}
				return nil, err
			}
			pools = append(pools, status)
		}
		return pools, nil
	}

	if reason == events.ReasonScheduled {
		return m.store.AllPools(ctx)
	}
	return m.store.LowPools(ctx)
}

func (m *Manager) callUpstream(ctx context.Context, targets []SyncUserRequest) (SyncResponse, error) {
	if m.client == nil {
		return SyncResponse{}, ErrNoUpstream
	}
	return m.client.Sync(ctx, SyncRequest{LocalKMID: m.id, Users: targets})
}

// materialize stores the returned key batches per user. A failing user
// is logged and skipped; the rest of the batch still lands.
func (m *Manager) materialize(ctx context.Context, resp SyncResponse) int {
	delivered := 0
	for _, us := range resp.UserSyncs {
		if len(us.Keys) == 0 {
			continue
		}
		added, err := m.store.AddKeys(ctx, us.SAEID, us.Keys)
		if err != nil {
			log.Warn().
				Err(err).
				Str("sae_id", us.SAEID).
				Msg("Failed to materialize synced keys")
			continue
		}
		delivered += added
	}
	return delivered
}

// fallbackGenerate refills each target from the local random source.
// Returns the total generated and the first per-user error seen.
func (m *Manager) fallbackGenerate(ctx context.Context, targets []SyncUserRequest) (int, error) {
	total := 0
	var firstErr error
	for _, target := range targets {
		added, err := m.store.RefillPool(ctx, target.SAEID, target.RequestedKeys)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			log.Warn().
				Err(err).
				Str("sae_id", target.SAEID).
				Msg("Local generation fallback failed for user")
			continue
		}
		total += added
	}
	return total, firstErr
}

// finishSync lands the audit row and reschedules. It runs for failed
// passes too, so a broken upstream cannot hot-loop scheduled syncs.
func (m *Manager) finishSync(ctx context.Context, started time.Time, result SyncResult, syncErr error) {
	now := time.Now().UTC()

	m.timesMu.Lock()
	m.lastSync = now
	m.nextSync = now.Add(m.syncInterval)
	next := m.nextSync
	m.timesMu.Unlock()

	if err := m.store.SetConfig(ctx, userpool.ConfigKeyLastSyncTime, now.Format(time.RFC3339)); err != nil {
		log.Warn().Err(err).Msg("Failed to persist last sync time")
	}
	if err := m.store.SetConfig(ctx, userpool.ConfigKeyNextSyncTime, next.Format(time.RFC3339)); err != nil {
		log.Warn().Err(err).Msg("Failed to persist next sync time")
	}

	entry := userpool.SyncLog{
		Reason:        string(result.Reason),
		UserCount:     result.Users,
		RequestedKeys: result.RequestedKeys,
		DeliveredKeys: result.DeliveredKeys,
		Fallback:      result.Fallback,
		StartedAt:     started,
		FinishedAt:    now,
	}
	if syncErr != nil {
		entry.Error = syncErr.Error()
	}
	if err := m.store.AppendSyncLog(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("Failed to append sync audit row")
	}

	log.Info().
		Str("reason", string(result.Reason)).
		Int("users", result.Users).
		Int("requested", result.RequestedKeys).
		Int("delivered", result.DeliveredKeys).
		Str("fallback", result.Fallback).
		Err(syncErr).
		Msg("Sync pass finished")
}

// ServeSync answers a downstream key manager's sync request: fresh keys
// are generated per requested user, recorded here as that user's
// available keys, and returned so both ends hold the same material.
// Unknown users get zero keys rather than failing the whole request.
func (m *Manager) ServeSync(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	if req.LocalKMID == "" {
		return SyncResponse{}, fmt.Errorf("%w: local_km_id required", userpool.ErrValidation)
	}

	resp := SyncResponse{Success: true}
	for _, user := range req.Users {
		if user.RequestedKeys <= 0 {
			continue
		}

		batch, err := keygen.GenerateBatch(user.RequestedKeys, userpool.KeySizeBytes)
		if err != nil {
			return SyncResponse{}, fmt.Errorf("localkm: generate sync batch: %w", err)
		}

		if _, err := m.store.AddKeys(ctx, user.SAEID, batch); err != nil {
			if errors.Is(err, userpool.ErrUserNotFound) {
				log.Warn().
					Str("sae_id", user.SAEID).
					Str("local_km_id", req.LocalKMID).
					Msg("Sync requested for unknown user, answered with zero keys")
				resp.UserSyncs = append(resp.UserSyncs, UserSync{SAEID: user.SAEID})
				continue
			}
			return SyncResponse{}, err
		}

		resp.UserSyncs = append(resp.UserSyncs, UserSync{
			SAEID:         user.SAEID,
			KeysDelivered: len(batch),
			Keys:          batch,
		})
		resp.SyncedUsers++
		resp.TotalKeysDelivered += len(batch)
	}

	log.Info().
		Str("local_km_id", req.LocalKMID).
		Int("synced_users", resp.SyncedUsers).
		Int("delivered", resp.TotalKeysDelivered).
		Msg("Served downstream sync")

	return resp, nil
}
