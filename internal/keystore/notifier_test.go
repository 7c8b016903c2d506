package keystore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qkdnet/kmed/internal/health"
)

// peerStub records the notifications one peer KME receives.
type peerStub struct {
	mu       sync.Mutex
	requests []receivedNotification
}

type receivedNotification struct {
	path string
	body KeyExchangeRequest
}

func newPeerStub(t *testing.T) (*peerStub, *httptest.Server) {
	t.Helper()
	stub := &peerStub{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body KeyExchangeRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		stub.mu.Lock()
		stub.requests = append(stub.requests, receivedNotification{path: r.URL.Path, body: body})
		stub.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return stub, srv
}

func (s *peerStub) received() []receivedNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]receivedNotification(nil), s.requests...)
}

func TestHTTPNotifier_FanOut(t *testing.T) {
	t.Run("appends reach every peer", func(t *testing.T) {
		stubA, srvA := newPeerStub(t)
		stubB, srvB := newPeerStub(t)
		n := NewHTTPNotifier([]Peer{
			{Name: "kme-b", BaseURL: srvA.URL},
			{Name: "kme-c", BaseURL: srvB.URL},
		})
		keys := makeRecords(t, 2)

		n.KeysAppended(context.Background(), "sae-a", "sae-b", keys)

		for _, stub := range []*peerStub{stubA, stubB} {
			got := stub.received()
			require.Len(t, got, 1)
			assert.Equal(t, "/internal/kme_key_exchange", got[0].path)
			assert.Equal(t, "sae-a", got[0].body.MasterSAEID)
			assert.Equal(t, "sae-b", got[0].body.SlaveSAEID)
			require.Len(t, got[0].body.Keys, 2)
			assert.Equal(t, keys[0].ID, got[0].body.Keys[0].ID)
		}
	})

	t.Run("removals use the remove endpoint", func(t *testing.T) {
		stub, srv := newPeerStub(t)
		n := NewHTTPNotifier([]Peer{{Name: "kme-b", BaseURL: srv.URL}})

		n.KeysRemoved(context.Background(), "sae-a", "sae-b", makeRecords(t, 1))

		got := stub.received()
		require.Len(t, got, 1)
		assert.Equal(t, "/internal/remove_kme_key", got[0].path)
	})

	t.Run("no peers is a no-op", func(t *testing.T) {
		n := NewHTTPNotifier(nil)

		n.KeysAppended(context.Background(), "sae-a", "sae-b", makeRecords(t, 1))
	})

	t.Run("one dead peer does not block the others", func(t *testing.T) {
		stub, srv := newPeerStub(t)
		dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		dead.Close()

		n := NewHTTPNotifier([]Peer{
			{Name: "kme-dead", BaseURL: dead.URL},
			{Name: "kme-b", BaseURL: srv.URL},
		})

		n.KeysAppended(context.Background(), "sae-a", "sae-b", makeRecords(t, 1))

		assert.Len(t, stub.received(), 1)
	})
}

func TestHTTPNotifier_Retry(t *testing.T) {
	t.Run("transport failure retries once then succeeds", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()

			if first {
				hj, ok := w.(http.Hijacker)
				require.True(t, ok)
				conn, _, err := hj.Hijack()
				require.NoError(t, err)
				_ = conn.Close()
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)

		n := NewHTTPNotifier([]Peer{{Name: "kme-b", BaseURL: srv.URL}})
		n.KeysAppended(context.Background(), "sae-a", "sae-b", makeRecords(t, 1))

		mu.Lock()
		assert.Equal(t, 2, calls)
		mu.Unlock()
	})

	t.Run("peer rejection is not retried", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			mu.Lock()
			calls++
			mu.Unlock()
			w.WriteHeader(http.StatusBadRequest)
		}))
		t.Cleanup(srv.Close)

		n := NewHTTPNotifier([]Peer{{Name: "kme-b", BaseURL: srv.URL}})
		n.KeysAppended(context.Background(), "sae-a", "sae-b", makeRecords(t, 1))

		mu.Lock()
		assert.Equal(t, 1, calls)
		mu.Unlock()
	})
}

func TestHTTPNotifier_Circuit(t *testing.T) {
	t.Run("open circuit skips the peer entirely", func(t *testing.T) {
		stub, srv := newPeerStub(t)
		tracker := health.NewTracker(health.CircuitBreakerConfig{FailureThreshold: 1}, nil)
		tracker.RecordFailure("kme-b", assert.AnError)
		require.Equal(t, health.StateOpen, tracker.GetState("kme-b"))

		n := NewHTTPNotifier(
			[]Peer{{Name: "kme-b", BaseURL: srv.URL}},
			WithTracker(tracker),
		)
		n.KeysAppended(context.Background(), "sae-a", "sae-b", makeRecords(t, 1))

		assert.Empty(t, stub.received())
	})

	t.Run("healthy circuit lets notifications through", func(t *testing.T) {
		stub, srv := newPeerStub(t)
		tracker := health.NewTracker(health.CircuitBreakerConfig{FailureThreshold: 3}, nil)

		n := NewHTTPNotifier(
			[]Peer{{Name: "kme-b", BaseURL: srv.URL}},
			WithTracker(tracker),
		)
		n.KeysAppended(context.Background(), "sae-a", "sae-b", makeRecords(t, 1))

		assert.Len(t, stub.received(), 1)
		assert.Equal(t, health.StateClosed, tracker.GetState("kme-b"))
	})
}
