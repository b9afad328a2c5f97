package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
)

func TestNewLimiter(t *testing.T) {
	cfg := DefaultConfig()
	limiter := NewLimiter(cfg)

	if limiter == nil {
		t.Fatal("NewLimiter() should return non-nil limiter")
	}

	stats := limiter.GetStats()
	if stats.BurstSize != cfg.BurstSize {
		t.Errorf("stats.BurstSize = %v, want %v", stats.BurstSize, cfg.BurstSize)
	}
	if stats.RequestDelay != cfg.MinDelay {
		t.Errorf("stats.RequestDelay = %v, want %v", stats.RequestDelay, cfg.MinDelay)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.ScannerConfig{RequestsPerSecond: 3, Burst: 4, MinDelay: 250 * time.Millisecond})

	if cfg.RequestsPerSecond != 3 || cfg.BurstSize != 4 || cfg.MinDelay != 250*time.Millisecond {
		t.Errorf("FromConfig() = %+v", cfg)
	}
}

func TestNewLimiter_ZeroRateIsUnlimited(t *testing.T) {
	limiter := NewLimiter(Config{})

	start := time.Now()
	for i := 0; i < 50; i++ {
		if err := limiter.WaitForHost(context.Background(), "example.com"); err != nil {
			t.Fatalf("WaitForHost() error = %v", err)
		}
	}
	if d := time.Since(start); d > 50*time.Millisecond {
		t.Errorf("unlimited limiter took %v", d)
	}
}

func TestLimiter_Wait(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 10.0, BurstSize: 2})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if d := time.Since(start); d > 50*time.Millisecond {
		t.Errorf("Burst requests took too long: %v", d)
	}

	start = time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if d := time.Since(start); d < 50*time.Millisecond {
		t.Errorf("Rate limiter did not delay enough: %v", d)
	}
}

func TestLimiter_WaitForHost(t *testing.T) {
	cfg := Config{RequestsPerSecond: 100.0, BurstSize: 10, MinDelay: 50 * time.Millisecond}
	limiter := NewLimiter(cfg)
	ctx := context.Background()

	start := time.Now()
	if err := limiter.WaitForHost(ctx, "example.com"); err != nil {
		t.Fatalf("WaitForHost() error = %v", err)
	}
	if d := time.Since(start); d > 20*time.Millisecond {
		t.Errorf("First request took too long: %v", d)
	}

	start = time.Now()
	if err := limiter.WaitForHost(ctx, "example.com"); err != nil {
		t.Fatalf("WaitForHost() error = %v", err)
	}
	if d := time.Since(start); d < cfg.MinDelay-5*time.Millisecond {
		t.Errorf("Per-host rate limit did not enforce min delay: %v < %v", d, cfg.MinDelay)
	}
}

func TestLimiter_WaitForHost_ConcurrentCallersAreSpaced(t *testing.T) {
	cfg := Config{RequestsPerSecond: 1000.0, BurstSize: 10, MinDelay: 30 * time.Millisecond}
	limiter := NewLimiter(cfg)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.WaitForHost(context.Background(), "example.com"); err != nil {
				t.Errorf("WaitForHost() error = %v", err)
			}
		}()
	}
	wg.Wait()

	// Four requests need three gaps of MinDelay.
	if d := time.Since(start); d < 3*cfg.MinDelay-10*time.Millisecond {
		t.Errorf("concurrent requests finished in %v, expected at least %v", d, 3*cfg.MinDelay)
	}
}

func TestLimiter_WaitForHost_DifferentHosts(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 100.0, BurstSize: 10, MinDelay: 100 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	for _, host := range []string{"example1.com", "example2.com", "example3.com"} {
		if err := limiter.WaitForHost(ctx, host); err != nil {
			t.Fatalf("WaitForHost(%s) error = %v", host, err)
		}
	}
	if d := time.Since(start); d > 50*time.Millisecond {
		t.Errorf("Different hosts took too long: %v", d)
	}

	if stats := limiter.GetStats(); stats.TrackedHosts != 3 {
		t.Errorf("stats.TrackedHosts = %v, want 3", stats.TrackedHosts)
	}
}

func TestLimiter_Allow(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 10.0, BurstSize: 2})

	if !limiter.Allow() {
		t.Error("Allow() should allow first burst request")
	}
	if !limiter.Allow() {
		t.Error("Allow() should allow second burst request")
	}
	if limiter.Allow() {
		t.Error("Allow() should deny request after burst exhausted")
	}

	time.Sleep(150 * time.Millisecond)

	if !limiter.Allow() {
		t.Error("Allow() should allow request after token replenishment")
	}
}

func TestLimiter_Reset(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 100.0, BurstSize: 10, MinDelay: 50 * time.Millisecond})
	ctx := context.Background()

	for _, host := range []string{"host1.com", "host2.com", "host3.com"} {
		_ = limiter.WaitForHost(ctx, host)
	}
	if stats := limiter.GetStats(); stats.TrackedHosts != 3 {
		t.Errorf("Before reset: TrackedHosts = %v, want 3", stats.TrackedHosts)
	}

	limiter.Reset()

	if stats := limiter.GetStats(); stats.TrackedHosts != 0 {
		t.Errorf("After reset: TrackedHosts = %v, want 0", stats.TrackedHosts)
	}
}

func TestLimiter_ContextCancellation(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1.0, BurstSize: 1, MinDelay: time.Second})

	_ = limiter.WaitForHost(context.Background(), "example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := limiter.Wait(ctx); err != context.Canceled {
		t.Errorf("Wait() with cancelled context: error = %v, want %v", err, context.Canceled)
	}
	if err := limiter.WaitForHost(ctx, "example.com"); err != context.Canceled {
		t.Errorf("WaitForHost() with cancelled context: error = %v, want %v", err, context.Canceled)
	}
}
