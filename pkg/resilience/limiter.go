// Package resilience implements the envelope around provider calls: a
// token-bucket rate limiter fed by provider budget headers, a circuit
// breaker keyed on classified failures, and retry with backoff. Each
// piece is opt-in and small; the client composes them around the
// transport.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/kadirpekel/manifold/pkg/errcode"
)

// LimiterSnapshot is a point-in-time view of the limiter for the
// signals surface.
type LimiterSnapshot struct {
	RPS             float64 `json:"rps"`
	Burst           float64 `json:"burst"`
	Tokens          float64 `json:"tokens"`
	EstimatedWaitMS int64   `json:"estimated_wait_ms"`
}

// Limiter is a token bucket with provider feedback. A zero rps bucket
// imposes no local rate but still honors provider-reported exhaustion.
//
// Waiters pass through a turnstile channel, so goroutines acquire in
// arrival order when tokens are scarce.
type Limiter struct {
	rps   float64
	burst float64

	turnstile chan struct{}

	mu           sync.Mutex
	tokens       float64
	last         time.Time
	blockedUntil time.Time
	remaining    int64 // provider-reported budget, -1 when unreported
}

// NewLimiter creates a bucket refilling at rps tokens per second. A
// burst of zero or less defaults to one second of refill, at least one
// token.
func NewLimiter(rps, burst float64) *Limiter {
	if rps < 0 {
		rps = 0
	}
	if burst <= 0 {
		burst = rps
		if burst < 1 {
			burst = 1
		}
	}
	return &Limiter{
		rps:       rps,
		burst:     burst,
		turnstile: make(chan struct{}, 1),
		tokens:    burst,
		last:      time.Now(),
		remaining: -1,
	}
}

func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rps
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.last = now
}

// reserve takes a token if one is available and otherwise returns how
// long the caller should wait before trying again.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()

	if !l.blockedUntil.IsZero() {
		if now.Before(l.blockedUntil) {
			return l.blockedUntil.Sub(now)
		}
		// The provider window reset; trust local state again.
		l.blockedUntil = time.Time{}
		l.remaining = -1
	}
	if l.rps <= 0 {
		return 0
	}
	l.refill(now)
	if l.remaining == 0 {
		// The provider said the budget is gone but never said when it
		// comes back. Probe again after a beat.
		l.blockedUntil = now.Add(time.Second)
		return time.Second
	}
	if l.tokens >= 1 {
		l.tokens--
		if l.remaining > 0 {
			l.remaining--
		}
		return 0
	}
	return time.Duration((1 - l.tokens) / l.rps * float64(time.Second))
}

// Acquire blocks until a token is available or the context ends.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.turnstile <- struct{}{}:
	case <-ctx.Done():
		return errcode.FromTransport(ctx.Err())
	}
	defer func() { <-l.turnstile }()

	for {
		wait := l.reserve()
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errcode.FromTransport(ctx.Err())
		}
	}
}

// TryAcquire takes a token without waiting.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()

	if !l.blockedUntil.IsZero() {
		if now.Before(l.blockedUntil) {
			return false
		}
		l.blockedUntil = time.Time{}
		l.remaining = -1
	}
	if l.rps <= 0 {
		return true
	}
	l.refill(now)
	if l.remaining == 0 || l.tokens < 1 {
		return false
	}
	l.tokens--
	if l.remaining > 0 {
		l.remaining--
	}
	return true
}

// UpdateBudget ingests provider-reported rate headers. A negative
// remaining means the response carried no budget information. Safe from
// any goroutine; re-ingesting the same response is harmless.
func (l *Limiter) UpdateBudget(remaining int, resetAfter time.Duration) {
	if remaining < 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remaining = int64(remaining)
	if remaining == 0 {
		if resetAfter <= 0 {
			resetAfter = time.Second
		}
		l.blockedUntil = time.Now().Add(resetAfter)
	} else {
		l.blockedUntil = time.Time{}
	}
}

// Snapshot reports the current bucket state. EstimatedWaitMS is zero
// when a token is immediately available.
func (l *Limiter) Snapshot() LimiterSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()

	var waitMS int64
	if !l.blockedUntil.IsZero() && now.Before(l.blockedUntil) {
		waitMS = l.blockedUntil.Sub(now).Milliseconds()
	}
	if l.rps > 0 {
		l.refill(now)
		if l.tokens < 1 {
			localMS := int64((1 - l.tokens) / l.rps * 1000)
			if localMS > waitMS {
				waitMS = localMS
			}
		}
	}
	return LimiterSnapshot{
		RPS:             l.rps,
		Burst:           l.burst,
		Tokens:          l.tokens,
		EstimatedWaitMS: waitMS,
	}
}
