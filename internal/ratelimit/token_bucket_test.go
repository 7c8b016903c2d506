package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewTokenBucketLimiter(t *testing.T) {
	tests := []struct {
		name    string
		rpm     int
		kpm     int
		wantRPM int
		wantKPM int
	}{
		{
			name:    "valid limits",
			rpm:     100,
			kpm:     500,
			wantRPM: 100,
			wantKPM: 500,
		},
		{
			name:    "zero rpm treated as unlimited",
			rpm:     0,
			kpm:     500,
			wantRPM: 1_000_000,
			wantKPM: 500,
		},
		{
			name:    "zero kpm treated as unlimited",
			rpm:     100,
			kpm:     0,
			wantRPM: 100,
			wantKPM: 1_000_000,
		},
		{
			name:    "negative values treated as unlimited",
			rpm:     -1,
			kpm:     -1,
			wantRPM: 1_000_000,
			wantKPM: 1_000_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewTokenBucketLimiter(tt.rpm, tt.kpm)
			if limiter == nil {
				t.Fatal("NewTokenBucketLimiter returned nil")
			}

			if limiter.rpmLimit != tt.wantRPM {
				t.Errorf("rpmLimit = %d, want %d", limiter.rpmLimit, tt.wantRPM)
			}
			if limiter.kpmLimit != tt.wantKPM {
				t.Errorf("kpmLimit = %d, want %d", limiter.kpmLimit, tt.wantKPM)
			}
		})
	}
}

func TestAllow(t *testing.T) {
	tests := []struct {
		name        string
		rpm         int
		numRequests int
		wantAllowed int
	}{
		{
			name:        "under limit",
			rpm:         10,
			numRequests: 5,
			wantAllowed: 5,
		},
		{
			name:        "at capacity",
			rpm:         5,
			numRequests: 10,
			wantAllowed: 5, // Burst allows 5 instantly
		},
		{
			name:        "unlimited rpm",
			rpm:         0,
			numRequests: 100,
			wantAllowed: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewTokenBucketLimiter(tt.rpm, 10000)
			ctx := context.Background()

			allowed := 0
			for range tt.numRequests {
				if limiter.Allow(ctx) {
					allowed++
				}
			}

			if allowed != tt.wantAllowed {
				t.Errorf("Allow() allowed %d requests, want %d", allowed, tt.wantAllowed)
			}
		})
	}
}

func TestWait(t *testing.T) {
	t.Run("succeeds with capacity", func(t *testing.T) {
		limiter := NewTokenBucketLimiter(100, 10000)
		if err := limiter.Wait(context.Background()); err != nil {
			t.Errorf("Wait() error = %v, want nil", err)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		limiter := NewTokenBucketLimiter(1, 10000)
		ctx := context.Background()

		// Drain the bucket
		if !limiter.Allow(ctx) {
			t.Fatal("first Allow() should succeed")
		}

		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()

		err := limiter.Wait(cancelCtx)
		if !errors.Is(err, ErrContextCancelled) {
			t.Errorf("Wait() error = %v, want ErrContextCancelled", err)
		}
	})
}

func TestSetLimit(t *testing.T) {
	limiter := NewTokenBucketLimiter(5, 100)
	ctx := context.Background()

	// Drain the request bucket
	for range 5 {
		limiter.Allow(ctx)
	}
	if limiter.Allow(ctx) {
		t.Fatal("bucket should be drained")
	}

	// Raising the limit mints a fresh bucket
	limiter.SetLimit(50, 1000)

	if limiter.GetRPMLimit() != 50 {
		t.Errorf("rpmLimit after SetLimit = %d, want 50", limiter.GetRPMLimit())
	}
	if limiter.GetKPMLimit() != 1000 {
		t.Errorf("kpmLimit after SetLimit = %d, want 1000", limiter.GetKPMLimit())
	}
	if !limiter.Allow(ctx) {
		t.Error("Allow() should succeed after raising the limit")
	}
}

func TestGetUsage(t *testing.T) {
	limiter := NewTokenBucketLimiter(10, 100)
	ctx := context.Background()

	// Consume 3 requests
	for range 3 {
		limiter.Allow(ctx)
	}

	usage := limiter.GetUsage()

	if usage.RequestsLimit != 10 {
		t.Errorf("RequestsLimit = %d, want 10", usage.RequestsLimit)
	}
	if usage.KeysLimit != 100 {
		t.Errorf("KeysLimit = %d, want 100", usage.KeysLimit)
	}
	if usage.RequestsUsed < 3 {
		t.Errorf("RequestsUsed = %d, want >= 3", usage.RequestsUsed)
	}
	if usage.RequestsRemaining > 7 {
		t.Errorf("RequestsRemaining = %d, want <= 7", usage.RequestsRemaining)
	}
	if usage.RequestsRemaining+usage.RequestsUsed != usage.RequestsLimit {
		t.Errorf("used %d + remaining %d != limit %d",
			usage.RequestsUsed, usage.RequestsRemaining, usage.RequestsLimit)
	}
}

func TestReserveKeys(t *testing.T) {
	t.Run("fits in budget", func(t *testing.T) {
		limiter := NewTokenBucketLimiter(100, 100)
		if !limiter.ReserveKeys(10) {
			t.Error("ReserveKeys(10) = false, want true on a fresh limiter")
		}
	})

	t.Run("check does not consume", func(t *testing.T) {
		limiter := NewTokenBucketLimiter(100, 100)

		// Full-budget checks succeed repeatedly because nothing is taken
		for i := range 5 {
			if !limiter.ReserveKeys(100) {
				t.Errorf("ReserveKeys(100) = false on check %d, want true", i)
			}
		}
	})

	t.Run("over burst fails", func(t *testing.T) {
		limiter := NewTokenBucketLimiter(100, 50)
		if limiter.ReserveKeys(51) {
			t.Error("ReserveKeys(51) = true, want false when burst is 50")
		}
	})
}

func TestConsumeKeys(t *testing.T) {
	t.Run("records delivery", func(t *testing.T) {
		limiter := NewTokenBucketLimiter(100, 100)
		ctx := context.Background()

		if err := limiter.ConsumeKeys(ctx, 40); err != nil {
			t.Fatalf("ConsumeKeys() error = %v", err)
		}

		usage := limiter.GetUsage()
		if usage.KeysUsed < 40 {
			t.Errorf("KeysUsed = %d, want >= 40", usage.KeysUsed)
		}
	})

	t.Run("canceled context while drained", func(t *testing.T) {
		limiter := NewTokenBucketLimiter(100, 10)
		ctx := context.Background()

		// Drain the key bucket
		if err := limiter.ConsumeKeys(ctx, 10); err != nil {
			t.Fatalf("ConsumeKeys() error = %v", err)
		}

		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()

		err := limiter.ConsumeKeys(cancelCtx, 10)
		if !errors.Is(err, ErrContextCancelled) {
			t.Errorf("ConsumeKeys() error = %v, want ErrContextCancelled", err)
		}
	})
}

func TestTokenBucketConcurrency(t *testing.T) {
	limiter := NewTokenBucketLimiter(1000, 100000)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(20)
	for range 20 {
		go func() {
			defer wg.Done()
			for range 50 {
				limiter.Allow(ctx)
				limiter.ReserveKeys(5)
				limiter.GetUsage()
			}
		}()
	}

	// Concurrent limit updates must not race with readers
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 10 {
			limiter.SetLimit(1000+i, 100000)
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()
}

func TestLimiterInterface(t *testing.T) {
	var _ Limiter = (*TokenBucketLimiter)(nil)
}
