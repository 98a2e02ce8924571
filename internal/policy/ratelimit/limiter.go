// Package ratelimit paces requests per host: an optional token bucket ceiling
// plus a randomized gap between consecutive requests to the same host.
package ratelimit

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/batchscrape/internal/metrics"
)

// Config holds pacing configuration. Zero values disable each mechanism.
type Config struct {
	// RPS is a per-host request ceiling; <= 0 means unlimited.
	RPS   float64
	Burst int
	// MinGap and MaxGap bound the random spacing between requests to one host.
	MinGap time.Duration
	MaxGap time.Duration
}

// Limiter manages per-host pacing. Hosts never wait on each other.
type Limiter struct {
	mu    sync.Mutex
	hosts map[string]*hostState
	cfg   Config
	rate  rate.Limit
	burst int
	// gap returns a value in [MinGap, MaxGap].
	gap func() time.Duration
	now func() time.Time
}

type hostState struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	next    time.Time
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.MaxGap < cfg.MinGap {
		cfg.MaxGap = cfg.MinGap
	}
	l := &Limiter{
		hosts: make(map[string]*hostState),
		cfg:   cfg,
		rate:  r,
		burst: burst,
		now:   time.Now,
	}
	l.gap = l.randomGap
	return l
}

// Wait blocks until rawURL's host may be contacted again, respecting ctx. It
// returns how long the caller was held back.
func (l *Limiter) Wait(ctx context.Context, rawURL string) (time.Duration, error) {
	host := hostKey(rawURL)
	state := l.state(host)

	// Reserve a start slot; the host lock is never held while sleeping.
	state.mu.Lock()
	now := l.now()
	slot := now
	if state.next.After(now) {
		slot = state.next
	}
	if l.cfg.MaxGap > 0 {
		state.next = slot.Add(l.gap())
	}
	state.mu.Unlock()

	start := l.now()
	if delay := slot.Sub(now); delay > 0 {
		if err := sleep(ctx, delay); err != nil {
			return l.now().Sub(start), fmt.Errorf("pacing wait: %w", err)
		}
	}
	if err := state.limiter.Wait(ctx); err != nil {
		return l.now().Sub(start), fmt.Errorf("rate limit wait: %w", err)
	}
	waited := l.now().Sub(start)
	if waited > time.Millisecond {
		metrics.ObservePacingDelay(host, waited)
	}
	return waited, nil
}

func (l *Limiter) state(host string) *hostState {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.hosts[host]
	if !ok {
		state = &hostState{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.hosts[host] = state
	}
	return state
}

func (l *Limiter) randomGap() time.Duration {
	spread := l.cfg.MaxGap - l.cfg.MinGap
	if spread <= 0 {
		return l.cfg.MinGap
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(spread)+1))
	if err != nil {
		return l.cfg.MinGap + spread/2
	}
	return l.cfg.MinGap + time.Duration(n.Int64())
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func hostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
