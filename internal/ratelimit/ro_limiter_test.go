package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/ro"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeInterval(t *testing.T) {
	t.Parallel()

	t.Run("non-zero interval unchanged", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 30*time.Second, normalizeInterval(30*time.Second))
	})

	t.Run("zero interval defaults to minute", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, DefaultInterval, normalizeInterval(0))
	})
}

func TestLimitGlobal(t *testing.T) {
	t.Parallel()

	items := []int{1, 2, 3, 4, 5}
	source := ro.FromSlice(items)

	// High rate to allow all items quickly
	limited := LimitGlobal(source, 1000, time.Second)

	results, err := ro.Collect(limited)
	require.NoError(t, err)
	assert.Equal(t, items, results)
}

func TestLimit_WithKeyGetter(t *testing.T) {
	t.Parallel()

	type alert struct {
		UserID string
		Seq    int
	}

	items := []alert{
		{Seq: 1, UserID: "user-a"},
		{Seq: 2, UserID: "user-b"},
		{Seq: 3, UserID: "user-a"},
		{Seq: 4, UserID: "user-b"},
	}

	source := ro.FromSlice(items)

	limited := Limit(source, 1000, time.Second, func(a alert) string {
		return a.UserID
	})

	results, err := ro.Collect(limited)
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func TestNewLimitOperator(t *testing.T) {
	t.Parallel()

	op := NewLimitOperator[int](1000, time.Second, func(_ int) string { return "" })

	source := ro.FromSlice([]int{1, 2, 3})
	limited := ro.Pipe1(source, op)

	results, err := ro.Collect(limited)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, results)
}

func TestNewGlobalLimitOperator(t *testing.T) {
	t.Parallel()

	op := NewGlobalLimitOperator[int](1000, time.Second)

	source := ro.FromSlice([]int{1, 2, 3})
	limited := ro.Pipe1(source, op)

	results, err := ro.Collect(limited)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, results)
}

func TestLimit_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ch := make(chan int)
	source := ro.FromChannel(ch)

	var received atomic.Int32
	var wg sync.WaitGroup

	limited := LimitGlobal(source, 1000, time.Second)
	limited.Subscribe(ro.NewObserver(
		func(_ int) {
			received.Add(1)
		},
		func(_ error) {},
		func() {
			wg.Done()
		},
	))

	wg.Add(1)
	var sendWg sync.WaitGroup
	for i := range 10 {
		sendWg.Add(1)
		go func(val int) {
			defer sendWg.Done()
			ch <- val
		}(i)
	}

	sendWg.Wait()
	close(ch)
	wg.Wait()

	assert.Equal(t, int32(10), received.Load())
}

func TestLimit_EmptyStream(t *testing.T) {
	t.Parallel()

	source := ro.Empty[int]()
	limited := LimitGlobal(source, 100, time.Minute)

	results, err := ro.Collect(limited)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLimit_PreservesOrder(t *testing.T) {
	t.Parallel()

	items := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	source := ro.FromSlice(items)

	limited := LimitGlobal(source, 1000, time.Second)

	results, err := ro.Collect(limited)
	require.NoError(t, err)
	assert.Equal(t, items, results, "rate limiter should preserve item order")
}

func TestLimit_ZeroIntervalDefaultsToMinute(t *testing.T) {
	t.Parallel()

	source := ro.FromSlice([]int{1, 2, 3})

	limited := LimitGlobal(source, 1000, 0)

	results, err := ro.Collect(limited)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, results)
}
