package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/manifest"
)

// Policy is the retry schedule for one provider.
type Policy struct {
	// MaxAttempts counts every try including the first.
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, MinDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// PolicyFromManifest maps a manifest retry_policy onto a Policy, filling
// defaults for anything the manifest leaves out.
func PolicyFromManifest(rp *manifest.RetryPolicy) Policy {
	policy := DefaultPolicy()
	if rp == nil {
		return policy
	}
	if rp.MaxRetries != nil && *rp.MaxRetries >= 0 {
		policy.MaxAttempts = *rp.MaxRetries + 1
	}
	if rp.MinDelayMS > 0 {
		policy.MinDelay = time.Duration(rp.MinDelayMS) * time.Millisecond
	}
	if rp.MaxDelayMS > 0 {
		policy.MaxDelay = time.Duration(rp.MaxDelayMS) * time.Millisecond
	}
	return policy
}

// Delay computes the sleep before the given attempt (attempt >= 1):
// exponential growth with full jitter, overridden by a provider
// retry-after hint when that is longer.
func (p Policy) Delay(attempt int, lastErr error) time.Duration {
	base := p.MinDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		base *= 2
		if p.MaxDelay > 0 && base >= p.MaxDelay {
			base = p.MaxDelay
			break
		}
	}
	wait := time.Duration(rand.Int63n(int64(base) + 1))

	var cerr *errcode.Error
	if errors.As(lastErr, &cerr) && cerr.RetryAfter > wait {
		wait = cerr.RetryAfter
	}
	return wait
}

// Do runs fn until it succeeds, the policy is exhausted, or a
// non-retryable error surfaces. Only classified errors whose code is
// retryable are tried again; anything else returns as-is on the first
// failure. The backoff sleep honors ctx.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, policy.Delay(attempt, lastErr)); err != nil {
				return err
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		var cerr *errcode.Error
		if !errors.As(err, &cerr) || !cerr.Retryable() {
			return err
		}
	}
	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errcode.FromTransport(ctx.Err())
	}
}
