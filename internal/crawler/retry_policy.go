package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Default backoff bounds.
const (
	DefaultBackoffBase = 250 * time.Millisecond
	DefaultBackoffMax  = 5 * time.Second
)

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff. Only
// transient failures are retried, and never beyond the caller's budget.
type ExponentialRetryPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	jitter    func(limit time.Duration) time.Duration
}

// NewExponentialRetryPolicy builds a policy; non-positive bounds fall back to
// the defaults.
func NewExponentialRetryPolicy(baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if baseDelay <= 0 {
		baseDelay = DefaultBackoffBase
	}
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &ExponentialRetryPolicy{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		jitter:    cryptoJitter,
	}
}

// ShouldRetry decides whether another attempt is allowed.
func (p *ExponentialRetryPolicy) ShouldRetry(kind ErrorKind, attemptsMade, retryBudget int) bool {
	if !kind.Retryable() {
		return false
	}
	return attemptsMade <= retryBudget
}

// Backoff returns base*2^attempt capped at maxDelay, spread uniformly over
// [d/2, 3d/2) and capped again.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	d := time.Duration(delay)
	wait := d/2 + p.jitter(d)
	if wait > p.maxDelay {
		wait = p.maxDelay
	}
	return wait
}

func cryptoJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
