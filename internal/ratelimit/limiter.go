package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"golang.org/x/time/rate"
)

// Limiter keeps outbound probing polite: a global token bucket plus a
// minimum spacing between requests to the same host.
type Limiter struct {
	limiter  *rate.Limiter
	minDelay time.Duration
	mu       sync.Mutex
	// nextSlot is the earliest time the next request to a host may start.
	nextSlot map[string]time.Time
}

type Config struct {
	RequestsPerSecond float64
	BurstSize         int
	// MinDelay is the minimum delay between requests to the same host
	MinDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5.0,
		BurstSize:         2,
		MinDelay:          100 * time.Millisecond,
	}
}

func FromConfig(cfg config.ScannerConfig) Config {
	return Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		BurstSize:         cfg.Burst,
		MinDelay:          cfg.MinDelay,
	}
}

func NewLimiter(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter:  rate.NewLimiter(limit, burst),
		minDelay: cfg.MinDelay,
		nextSlot: make(map[string]time.Time),
	}
}

// Wait blocks until the global rate allows another request.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// WaitForHost blocks until both the global rate and the per-host spacing allow
// a request to host. Concurrent callers for one host are queued in order;
// callers for different hosts do not block each other.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	if l.minDelay <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	slot := l.nextSlot[host]
	if slot.Before(now) {
		slot = now
	}
	l.nextSlot[host] = slot.Add(l.minDelay)
	l.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Reset clears per-host state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSlot = make(map[string]time.Time)
}

func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		TrackedHosts: len(l.nextSlot),
		BurstSize:    l.limiter.Burst(),
		RequestDelay: l.minDelay,
	}
}

type Stats struct {
	TrackedHosts int
	BurstSize    int
	RequestDelay time.Duration
}
