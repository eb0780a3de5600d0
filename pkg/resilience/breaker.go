package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/kadirpekel/manifold/pkg/errcode"
)

// ErrOpen is wrapped into the classified error Allow returns while the
// breaker is open, so orchestrators can tell "provider is fenced off"
// from an ordinary overload and go straight to fallback.
var ErrOpen = errors.New("circuit breaker open")

// BreakerState is the breaker's position in its lifecycle.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerSnapshot is a point-in-time view for the signals surface.
type BreakerSnapshot struct {
	State               string `json:"state"`
	FailureThreshold    int    `json:"failure_threshold"`
	CooldownMS          int64  `json:"cooldown_ms"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	OpenRemainingMS     int64  `json:"open_remaining_ms,omitempty"`
}

// Breaker trips after a run of consecutive server or rate failures,
// fences the provider for a cooldown, then probes half-open. Client
// category errors never move it; a caller's bad request says nothing
// about provider health.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openUntil time.Time
}

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
)

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed. While open it returns a
// classified overloaded error wrapping ErrOpen; once the cooldown has
// passed the breaker moves to half-open and lets the probe through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Now().Before(b.openUntil) {
			return errcode.Wrap(errcode.CodeOverloaded, "circuit breaker open", ErrOpen).
				With("source", "circuit_breaker")
		}
		b.state = BreakerHalfOpen
	}
	return nil
}

// OnSuccess closes the breaker and clears the failure run.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.openUntil = time.Time{}
}

// OnFailure records a classified failure. Only server and rate
// categories count toward the threshold; a half-open probe failure
// reopens immediately.
func (b *Breaker) OnFailure(code errcode.Code) {
	category := code.Category()
	if category != errcode.CategoryServer && category != errcode.CategoryRate {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openUntil = time.Now().Add(b.cooldown)
	}
}

// Snapshot reports the current breaker state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		State:               b.state.String(),
		FailureThreshold:    b.threshold,
		CooldownMS:          b.cooldown.Milliseconds(),
		ConsecutiveFailures: b.failures,
	}
	if b.state == BreakerOpen {
		if remaining := time.Until(b.openUntil); remaining > 0 {
			snap.OpenRemainingMS = remaining.Milliseconds()
		}
	}
	return snap
}
