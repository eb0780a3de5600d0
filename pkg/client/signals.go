package client

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/manifold/pkg/resilience"
)

// SignalsSnapshot is one read of the client's runtime health: limiter
// budget, breaker state, and in-flight occupancy. The fallback
// pre-decision consumes it; callers can poll it for dashboards.
type SignalsSnapshot struct {
	Limiter  resilience.LimiterSnapshot `json:"limiter"`
	Breaker  resilience.BreakerSnapshot `json:"breaker"`
	Inflight InflightSnapshot           `json:"inflight"`
}

// InflightSnapshot reports concurrent-call occupancy. Max is zero when
// the client runs unbounded.
type InflightSnapshot struct {
	Max       int64 `json:"max"`
	Available int64 `json:"available"`
	InUse     int64 `json:"in_use"`
}

// inflightGate bounds concurrent provider calls. semaphore.Weighted has
// no occupancy accessor, so the gate counts held permits itself. A nil
// gate admits everything.
type inflightGate struct {
	max   int64
	sem   *semaphore.Weighted
	inUse atomic.Int64
}

func newInflightGate(max int64) *inflightGate {
	if max <= 0 {
		return nil
	}
	return &inflightGate{max: max, sem: semaphore.NewWeighted(max)}
}

func (g *inflightGate) acquire(ctx context.Context) error {
	if g == nil {
		return nil
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inUse.Add(1)
	return nil
}

func (g *inflightGate) release() {
	if g == nil {
		return
	}
	g.inUse.Add(-1)
	g.sem.Release(1)
}

func (g *inflightGate) snapshot() InflightSnapshot {
	if g == nil {
		return InflightSnapshot{}
	}
	used := g.inUse.Load()
	return InflightSnapshot{Max: g.max, Available: g.max - used, InUse: used}
}
