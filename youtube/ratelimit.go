package youtube

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default backoff values for dynamic rate reduction.
const (
	// rateLimitInitialBackoff is the first backoff applied after a rate limit error.
	rateLimitInitialBackoff = 1 * time.Second
	// rateLimitMaxBackoff is the cap on rate limit backoff.
	rateLimitMaxBackoff = 60 * time.Second
	// rateLimitBackoffMultiplier doubles the backoff on consecutive errors.
	rateLimitBackoffMultiplier = 2.0
	// rateLimitCooldown is how long after the last error before the original
	// rate is restored.
	rateLimitCooldown = 5 * time.Minute
	// minRateFraction is the floor for dynamic rate reduction (25% of original).
	minRateFraction = 0.25
)

// LimiterConfig defines token bucket behavior for outbound API calls.
type LimiterConfig struct {
	// RPS is the sustained requests-per-second budget.
	RPS float64
	// Burst is the token bucket size.
	Burst int
	// DynamicBackoff enables automatic rate reduction after rate limit errors.
	DynamicBackoff bool
}

// DefaultLimiterConfig returns conservative defaults for the Data API.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		RPS:            2.0,
		Burst:          4,
		DynamicBackoff: true,
	}
}

// Limiter is a token bucket rate limiter for outbound API calls. Acquire
// suspends the caller until a token is available. After rate limit errors it
// temporarily reduces the sustained rate, recovering once errors stop.
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	cfg     LimiterConfig

	// backoff state, zero until the first rate limit error
	currentBackoff    time.Duration
	lastError         time.Time
	consecutiveErrors int
	reduced           bool
}

// NewLimiter creates a token bucket limiter with the given configuration.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.RPS <= 0 {
		cfg.RPS = DefaultLimiterConfig().RPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultLimiterConfig().Burst
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cfg:     cfg,
	}
}

// Acquire blocks until a token is available or the context is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// RecordRateLimitError notes a rate limit response and reduces the sustained
// rate. Returns the recommended wait before the next attempt; a server
// supplied retryAfter wins when longer than the computed backoff.
func (l *Limiter) RecordRateLimitError(retryAfter time.Duration) time.Duration {
	if l == nil || !l.cfg.DynamicBackoff {
		if retryAfter > 0 {
			return retryAfter
		}
		return rateLimitInitialBackoff
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastError = time.Now()
	l.consecutiveErrors++

	if l.consecutiveErrors == 1 {
		l.currentBackoff = rateLimitInitialBackoff
	} else {
		l.currentBackoff = time.Duration(float64(l.currentBackoff) * rateLimitBackoffMultiplier)
		if l.currentBackoff > rateLimitMaxBackoff {
			l.currentBackoff = rateLimitMaxBackoff
		}
	}

	if retryAfter > l.currentBackoff {
		l.currentBackoff = retryAfter
	}

	// 1 error: 75%, 2 errors: 50%, 3+ errors: 25% of the configured rate.
	fraction := 1.0
	switch {
	case l.consecutiveErrors >= 3:
		fraction = minRateFraction
	case l.consecutiveErrors == 2:
		fraction = 0.5
	default:
		fraction = 0.75
	}
	l.limiter.SetLimit(rate.Limit(l.cfg.RPS * fraction))
	l.reduced = true

	return l.currentBackoff
}

// RecordSuccess notes a successful call, restoring the original rate once the
// cooldown after the last error has passed.
func (l *Limiter) RecordSuccess() {
	if l == nil || !l.cfg.DynamicBackoff {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.reduced {
		return
	}
	if time.Since(l.lastError) > rateLimitCooldown {
		l.limiter.SetLimit(rate.Limit(l.cfg.RPS))
		l.consecutiveErrors = 0
		l.currentBackoff = 0
		l.reduced = false
		return
	}
	if l.consecutiveErrors > 0 {
		l.consecutiveErrors--
	}
}

// Backoff returns the remaining backoff the caller should wait before the
// next call, zero when not backed off.
func (l *Limiter) Backoff() time.Duration {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.consecutiveErrors == 0 {
		return 0
	}
	remaining := l.currentBackoff - time.Since(l.lastError)
	if remaining < 0 {
		return 0
	}
	return remaining
}
