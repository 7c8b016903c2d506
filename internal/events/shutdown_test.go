package events

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownSignals(t *testing.T) {
	assert.Contains(t, ShutdownSignals, syscall.SIGINT)
	assert.Contains(t, ShutdownSignals, syscall.SIGTERM)
}

func TestSignalStream(t *testing.T) {
	t.Run("creates observable without immediate emission", func(t *testing.T) {
		stream := SignalStream(syscall.SIGUSR1)
		assert.NotNil(t, stream)
	})
}

func TestWaitForShutdown(t *testing.T) {
	t.Run("returns error when context ends first", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		sig, err := WaitForShutdown(ctx)
		require.Error(t, err)
		assert.Nil(t, sig)
	})
}

func TestOnShutdown(t *testing.T) {
	t.Run("registers callback and returns subscription", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sub := OnShutdown(ctx, func(_ os.Signal) {})
		require.NotNil(t, sub)
		sub.Unsubscribe()
	})
}
