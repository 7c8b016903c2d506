package localkm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qkdnet/kmed/internal/events"
	"github.com/qkdnet/kmed/internal/keygen"
	"github.com/qkdnet/kmed/internal/peers"
	"github.com/qkdnet/kmed/internal/userpool"
)

// Test helpers

// upstreamStub simulates the central key manager's sync endpoint. Every
// requested user is answered with a freshly generated batch.
type upstreamStub struct {
	mu    sync.Mutex
	calls []SyncRequest
}

func newUpstreamStub(t *testing.T) (*upstreamStub, *httptest.Server) {
	t.Helper()

	stub := &upstreamStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+SyncPath, stub.handleSync)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return stub, srv
}

func (s *upstreamStub) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	resp := SyncResponse{Success: true}
	for _, user := range req.Users {
		batch, err := keygen.GenerateBatch(user.RequestedKeys, userpool.KeySizeBytes)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp.UserSyncs = append(resp.UserSyncs, UserSync{
			SAEID:         user.SAEID,
			KeysDelivered: len(batch),
			Keys:          batch,
		})
		resp.SyncedUsers++
		resp.TotalKeysDelivered += len(batch)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *upstreamStub) requests() []SyncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newStubClient(t *testing.T, url string) *SyncClient {
	t.Helper()

	client, err := NewSyncClient(
		UpstreamsFromURLs([]string{url}, nil),
		WithSelector(peers.NewFailoverSelector(2*time.Second)),
	)
	require.NoError(t, err)
	return client
}

// deadUpstreamClient points at a server that no longer accepts
// connections, with a short per-attempt deadline to keep tests fast.
func deadUpstreamClient(t *testing.T) *SyncClient {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, err := NewSyncClient(
		UpstreamsFromURLs([]string{url}, nil),
		WithSelector(peers.NewFailoverSelector(200*time.Millisecond)),
	)
	require.NoError(t, err)
	return client
}

func newSyncedManager(t *testing.T, client *SyncClient) *Manager {
	t.Helper()

	store := newTestStore(t)
	opts := []Option{}
	if client != nil {
		opts = append(opts, WithSyncClient(client))
	}
	m, err := New(context.Background(), Config{ID: "km-local"}, store, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func poolAvailable(t *testing.T, store *userpool.Store, saeID string) int {
	t.Helper()

	status, err := store.PoolStatus(context.Background(), saeID)
	require.NoError(t, err)
	return status.Available
}

// Tests

func TestSync(t *testing.T) {
	t.Run("materializes upstream keys", func(t *testing.T) {
		stub, srv := newUpstreamStub(t)
		m := newSyncedManager(t, newStubClient(t, srv.URL))
		registerTestUser(t, m.Store(), "bob-sae", 5)
		drainUserKeys(t, m.Store(), "alice-sae", "bob-sae", 3)

		result, err := m.Sync(context.Background(), events.ReasonManual, []string{"bob-sae"})

		require.NoError(t, err)
		assert.Equal(t, events.ReasonManual, result.Reason)
		assert.Equal(t, 1, result.Users)
		assert.Equal(t, 3, result.RequestedKeys)
		assert.Equal(t, 3, result.DeliveredKeys)
		assert.Empty(t, result.Fallback)
		assert.Equal(t, 5, poolAvailable(t, m.Store(), "bob-sae"))

		calls := stub.requests()
		require.Len(t, calls, 1)
		assert.Equal(t, "km-local", calls[0].LocalKMID)
		require.Len(t, calls[0].Users, 1)
		assert.Equal(t, "bob-sae", calls[0].Users[0].SAEID)
		assert.Equal(t, 3, calls[0].Users[0].RequestedKeys)
	})

	t.Run("lands an audit row and reschedules", func(t *testing.T) {
		_, srv := newUpstreamStub(t)
		m := newSyncedManager(t, newStubClient(t, srv.URL))
		registerTestUser(t, m.Store(), "bob-sae", 5)
		drainUserKeys(t, m.Store(), "alice-sae", "bob-sae", 2)

		_, err := m.Sync(context.Background(), events.ReasonManual, []string{"bob-sae"})

		require.NoError(t, err)
		logs, err := m.Store().RecentSyncLogs(context.Background(), 5)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "manual", logs[0].Reason)
		assert.Equal(t, 2, logs[0].DeliveredKeys)
		assert.Empty(t, logs[0].Error)
		assert.False(t, m.LastSyncTime().IsZero())
		assert.False(t, m.ScheduledSyncDue())
	})

	t.Run("full pools are never requested", func(t *testing.T) {
		stub, srv := newUpstreamStub(t)
		m := newSyncedManager(t, newStubClient(t, srv.URL))
		registerTestUser(t, m.Store(), "bob-sae", 5)

		result, err := m.Sync(context.Background(), events.ReasonManual, []string{"bob-sae"})

		require.NoError(t, err)
		assert.Zero(t, result.Users)
		assert.Empty(t, stub.requests())
	})

	t.Run("threshold pass targets only the low pools", func(t *testing.T) {
		stub, srv := newUpstreamStub(t)
		m := newSyncedManager(t, newStubClient(t, srv.URL))
		registerTestUser(t, m.Store(), "low-sae", 10)
		registerTestUser(t, m.Store(), "partial-sae", 10)
		drainUserKeys(t, m.Store(), "alice-sae", "low-sae", 10)
		drainUserKeys(t, m.Store(), "alice-sae", "partial-sae", 3)

		result, err := m.Sync(context.Background(), events.ReasonThreshold, nil)

		require.NoError(t, err)
		assert.Equal(t, 1, result.Users)
		assert.Equal(t, 10, result.DeliveredKeys)
		assert.Equal(t, 10, poolAvailable(t, m.Store(), "low-sae"))
		assert.Equal(t, 7, poolAvailable(t, m.Store(), "partial-sae"))

		calls := stub.requests()
		require.Len(t, calls, 1)
		require.Len(t, calls[0].Users, 1)
		assert.Equal(t, "low-sae", calls[0].Users[0].SAEID)
	})

	t.Run("scheduled pass tops up every user", func(t *testing.T) {
		stub, srv := newUpstreamStub(t)
		m := newSyncedManager(t, newStubClient(t, srv.URL))
		registerTestUser(t, m.Store(), "low-sae", 10)
		registerTestUser(t, m.Store(), "partial-sae", 10)
		registerTestUser(t, m.Store(), "full-sae", 5)
		drainUserKeys(t, m.Store(), "alice-sae", "low-sae", 10)
		drainUserKeys(t, m.Store(), "alice-sae", "partial-sae", 3)

		result, err := m.Sync(context.Background(), events.ReasonScheduled, nil)

		require.NoError(t, err)
		assert.Equal(t, 2, result.Users)
		assert.Equal(t, 13, result.RequestedKeys)
		assert.Equal(t, 13, result.DeliveredKeys)
		assert.Equal(t, 10, poolAvailable(t, m.Store(), "low-sae"))
		assert.Equal(t, 10, poolAvailable(t, m.Store(), "partial-sae"))

		calls := stub.requests()
		require.Len(t, calls, 1)
		saes := lo.Map(calls[0].Users, func(u SyncUserRequest, _ int) string { return u.SAEID })
		assert.ElementsMatch(t, []string{"low-sae", "partial-sae"}, saes)
	})

	t.Run("rejects a concurrent pass", func(t *testing.T) {
		m := newSyncedManager(t, nil)
		require.True(t, m.syncMu.TryLock())
		defer m.syncMu.Unlock()

		_, err := m.Sync(context.Background(), events.ReasonManual, nil)

		assert.ErrorIs(t, err, ErrBusy)
		logs, logErr := m.Store().RecentSyncLogs(context.Background(), 5)
		require.NoError(t, logErr)
		assert.Empty(t, logs)
	})

	t.Run("transport failure leaves pools untouched", func(t *testing.T) {
		m := newSyncedManager(t, deadUpstreamClient(t))
		registerTestUser(t, m.Store(), "bob-sae", 5)
		drainUserKeys(t, m.Store(), "alice-sae", "bob-sae", 2)

		_, err := m.Sync(context.Background(), events.ReasonScheduled, nil)

		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrBusy)
		assert.Equal(t, 3, poolAvailable(t, m.Store(), "bob-sae"))

		logs, logErr := m.Store().RecentSyncLogs(context.Background(), 5)
		require.NoError(t, logErr)
		require.Len(t, logs, 1)
		assert.NotEmpty(t, logs[0].Error)
		assert.Zero(t, logs[0].DeliveredKeys)
		assert.False(t, m.ScheduledSyncDue())
	})

	t.Run("emergency pass falls back to local generation", func(t *testing.T) {
		m := newSyncedManager(t, deadUpstreamClient(t))
		registerTestUser(t, m.Store(), "bob-sae", 10)
		drainUserKeys(t, m.Store(), "alice-sae", "bob-sae", 10)

		result, err := m.Sync(context.Background(), events.ReasonEmergency, nil)

		require.NoError(t, err)
		assert.Equal(t, FallbackLocalGeneration, result.Fallback)
		assert.Equal(t, 10, result.DeliveredKeys)
		assert.Equal(t, 10, poolAvailable(t, m.Store(), "bob-sae"))

		logs, logErr := m.Store().RecentSyncLogs(context.Background(), 5)
		require.NoError(t, logErr)
		require.Len(t, logs, 1)
		assert.Equal(t, FallbackLocalGeneration, logs[0].Fallback)
		assert.Empty(t, logs[0].Error)
	})

	t.Run("no upstream configured fails non-emergency passes", func(t *testing.T) {
		m := newSyncedManager(t, nil)
		registerTestUser(t, m.Store(), "bob-sae", 10)
		drainUserKeys(t, m.Store(), "alice-sae", "bob-sae", 5)

		_, err := m.Sync(context.Background(), events.ReasonManual, []string{"bob-sae"})

		assert.ErrorIs(t, err, ErrNoUpstream)
		assert.Equal(t, 5, poolAvailable(t, m.Store(), "bob-sae"))
	})

	t.Run("no upstream still serves an emergency locally", func(t *testing.T) {
		m := newSyncedManager(t, nil)
		registerTestUser(t, m.Store(), "bob-sae", 10)
		drainUserKeys(t, m.Store(), "alice-sae", "bob-sae", 5)

		result, err := m.Sync(context.Background(), events.ReasonEmergency, []string{"bob-sae"})

		require.NoError(t, err)
		assert.Equal(t, FallbackLocalGeneration, result.Fallback)
		assert.Equal(t, 10, poolAvailable(t, m.Store(), "bob-sae"))
	})

	t.Run("unknown explicit targets are skipped", func(t *testing.T) {
		stub, srv := newUpstreamStub(t)
		m := newSyncedManager(t, newStubClient(t, srv.URL))
		registerTestUser(t, m.Store(), "bob-sae", 5)

		result, err := m.Sync(context.Background(), events.ReasonManual,
			[]string{"bob-sae", "ghost-sae"})

		require.NoError(t, err)
		assert.Zero(t, result.Users)
		assert.Empty(t, stub.requests())
	})
}

func TestServeSync(t *testing.T) {
	t.Run("generates and records keys for known users", func(t *testing.T) {
		m := newTestManager(t)
		registerTestUser(t, m.Store(), "bob-sae", 5)

		resp, err := m.ServeSync(context.Background(), SyncRequest{
			LocalKMID: "km-edge",
			Users:     []SyncUserRequest{{SAEID: "bob-sae", RequestedKeys: 3}},
		})

		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, 1, resp.SyncedUsers)
		assert.Equal(t, 3, resp.TotalKeysDelivered)
		require.Len(t, resp.UserSyncs, 1)
		require.Len(t, resp.UserSyncs[0].Keys, 3)
		for _, rec := range resp.UserSyncs[0].Keys {
			material, decErr := base64.StdEncoding.DecodeString(rec.Material)
			require.NoError(t, decErr)
			assert.Len(t, material, userpool.KeySizeBytes)
		}
		assert.Equal(t, 8, poolAvailable(t, m.Store(), "bob-sae"))

		ids := lo.Map(resp.UserSyncs[0].Keys, func(r keygen.Record, _ int) string { return r.ID })
		recorded, err := m.Store().KeysByIDs(context.Background(), "bob-sae", ids)
		require.NoError(t, err)
		assert.Len(t, recorded, 3)
	})

	t.Run("unknown users get zero keys", func(t *testing.T) {
		m := newTestManager(t)

		resp, err := m.ServeSync(context.Background(), SyncRequest{
			LocalKMID: "km-edge",
			Users:     []SyncUserRequest{{SAEID: "ghost-sae", RequestedKeys: 2}},
		})

		require.NoError(t, err)
		assert.Zero(t, resp.SyncedUsers)
		assert.Zero(t, resp.TotalKeysDelivered)
		require.Len(t, resp.UserSyncs, 1)
		assert.Equal(t, "ghost-sae", resp.UserSyncs[0].SAEID)
		assert.Zero(t, resp.UserSyncs[0].KeysDelivered)
		assert.Empty(t, resp.UserSyncs[0].Keys)
	})

	t.Run("requires the caller id", func(t *testing.T) {
		m := newTestManager(t)

		_, err := m.ServeSync(context.Background(), SyncRequest{})

		assert.ErrorIs(t, err, userpool.ErrValidation)
	})

	t.Run("ignores non-positive requests", func(t *testing.T) {
		m := newTestManager(t)
		registerTestUser(t, m.Store(), "bob-sae", 5)

		resp, err := m.ServeSync(context.Background(), SyncRequest{
			LocalKMID: "km-edge",
			Users:     []SyncUserRequest{{SAEID: "bob-sae", RequestedKeys: 0}},
		})

		require.NoError(t, err)
		assert.Zero(t, resp.SyncedUsers)
		assert.Empty(t, resp.UserSyncs)
	})
}

// TestSyncRoundTrip drives a downstream manager against a real upstream
// manager over HTTP and checks both ends record identical key material.
func TestSyncRoundTrip(t *testing.T) {
	upstream, err := New(context.Background(), Config{ID: "km-upstream"}, newTestStore(t))
	require.NoError(t, err)
	t.Cleanup(upstream.Close)
	registerTestUser(t, upstream.Store(), "bob-sae", 5)

	var (
		servedMu sync.Mutex
		served   []keygen.Record
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SyncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp, serveErr := upstream.ServeSync(r.Context(), req)
		if serveErr != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		servedMu.Lock()
		for _, us := range resp.UserSyncs {
			served = append(served, us.Keys...)
		}
		servedMu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	downstream := newSyncedManager(t, newStubClient(t, srv.URL))
	registerTestUser(t, downstream.Store(), "bob-sae", 5)
	drainUserKeys(t, downstream.Store(), "alice-sae", "bob-sae", 2)

	result, err := downstream.Sync(context.Background(), events.ReasonManual, []string{"bob-sae"})

	require.NoError(t, err)
	assert.Equal(t, 2, result.DeliveredKeys)
	assert.Equal(t, 5, poolAvailable(t, downstream.Store(), "bob-sae"))
	assert.Equal(t, 7, poolAvailable(t, upstream.Store(), "bob-sae"))

	// The same ids must resolve to the same material on both managers.
	servedMu.Lock()
	records := served
	servedMu.Unlock()
	require.Len(t, records, 2)
	ids := lo.Map(records, func(r keygen.Record, _ int) string { return r.ID })

	for _, store := range []*userpool.Store{downstream.Store(), upstream.Store()} {
		keys, err := store.KeysByIDs(context.Background(), "bob-sae", ids)
		require.NoError(t, err)
		require.Len(t, keys, 2)
		for _, key := range keys {
			rec, found := lo.Find(records, func(r keygen.Record) bool { return r.ID == key.KeyID })
			require.True(t, found)
			material, decErr := base64.StdEncoding.DecodeString(rec.Material)
			require.NoError(t, decErr)
			assert.Equal(t, material, key.KeyMaterial)
		}
	}
}
