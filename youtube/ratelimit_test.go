package youtube

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_AcquireRespectsBurst(t *testing.T) {
	l := NewLimiter(LimiterConfig{RPS: 100, Burst: 2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
	}
	// Third acquire had to wait roughly one token interval (10ms at 100 RPS).
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("third Acquire() returned after %v, expected a token wait", elapsed)
	}
}

func TestLimiter_AcquireHonorsContext(t *testing.T) {
	l := NewLimiter(LimiterConfig{RPS: 0.001, Burst: 1})

	// Drain the single token.
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Acquire(ctx); err == nil {
		t.Errorf("Acquire() succeeded despite exhausted bucket and expiring context")
	}
}

func TestLimiter_RecordRateLimitErrorBacksOff(t *testing.T) {
	l := NewLimiter(LimiterConfig{RPS: 10, Burst: 1, DynamicBackoff: true})

	first := l.RecordRateLimitError(0)
	if first != rateLimitInitialBackoff {
		t.Errorf("first backoff = %v, want %v", first, rateLimitInitialBackoff)
	}

	second := l.RecordRateLimitError(0)
	if second != 2*rateLimitInitialBackoff {
		t.Errorf("second backoff = %v, want %v", second, 2*rateLimitInitialBackoff)
	}

	// Server-specified Retry-After wins when longer.
	retryAfter := 2 * time.Minute
	got := l.RecordRateLimitError(retryAfter)
	if got != rateLimitMaxBackoff && got != retryAfter {
		t.Errorf("backoff with Retry-After = %v, want %v", got, retryAfter)
	}
}

func TestLimiter_BackoffReportsRemaining(t *testing.T) {
	l := NewLimiter(LimiterConfig{RPS: 10, Burst: 1, DynamicBackoff: true})

	if got := l.Backoff(); got != 0 {
		t.Errorf("Backoff() before any error = %v, want 0", got)
	}

	l.RecordRateLimitError(time.Minute)
	if got := l.Backoff(); got <= 0 {
		t.Errorf("Backoff() after error = %v, want positive", got)
	}
}

func TestLimiter_NilSafe(t *testing.T) {
	var l *Limiter
	if err := l.Acquire(context.Background()); err != nil {
		t.Errorf("nil limiter Acquire() error = %v", err)
	}
	if got := l.RecordRateLimitError(0); got != rateLimitInitialBackoff {
		t.Errorf("nil limiter backoff = %v, want %v", got, rateLimitInitialBackoff)
	}
	l.RecordSuccess()
	if got := l.Backoff(); got != 0 {
		t.Errorf("nil limiter Backoff() = %v, want 0", got)
	}
}
