package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPPeerCheck(t *testing.T) {
	t.Run("healthy peer passes", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/keys/pool/status", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		check := NewHTTPPeerCheck("kme-2", srv.URL, srv.Client())
		assert.NoError(t, check.Check(context.Background()))
		assert.Equal(t, "kme-2", check.PeerName())
	})

	t.Run("5xx fails the check", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		check := NewHTTPPeerCheck("kme-2", srv.URL, srv.Client())
		assert.Error(t, check.Check(context.Background()))
	})

	t.Run("unreachable peer fails the check", func(t *testing.T) {
		check := NewHTTPPeerCheck("kme-2", "http://127.0.0.1:1", nil)
		assert.Error(t, check.Check(context.Background()))
	})
}

func TestProber(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("skips peers with closed circuits", func(t *testing.T) {
		var probes atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			probes.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		tracker := NewTracker(CircuitBreakerConfig{FailureThreshold: 2}, &logger)
		prober := NewProber(tracker, ProbeConfig{}, &logger)
		prober.Register(NewHTTPPeerCheck("kme-2", srv.URL, srv.Client()))

		prober.probeOpenCircuits()
		assert.Equal(t, int32(0), probes.Load())
	})

	t.Run("probes peers with open circuits", func(t *testing.T) {
		var probes atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			probes.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		tracker := NewTracker(CircuitBreakerConfig{FailureThreshold: 1}, &logger)
		tracker.RecordFailure("kme-2", errors.New("down"))
		require.Equal(t, StateOpen, tracker.GetState("kme-2"))

		prober := NewProber(tracker, ProbeConfig{}, &logger)
		prober.Register(NewHTTPPeerCheck("kme-2", srv.URL, srv.Client()))

		prober.probeOpenCircuits()
		assert.Equal(t, int32(1), probes.Load())
	})

	t.Run("disabled prober does not start", func(t *testing.T) {
		enabled := false
		tracker := NewTracker(CircuitBreakerConfig{}, &logger)
		prober := NewProber(tracker, ProbeConfig{Enabled: &enabled}, &logger)

		prober.Start()
		prober.Stop()
	})
}
