package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kadirpekel/manifold/pkg/errcode"
)

func TestLimiter_InitialBurst(t *testing.T) {
	l := NewLimiter(10, 0)

	for i := 0; i < 10; i++ {
		if !l.TryAcquire() {
			t.Fatalf("TryAcquire() = false on token %d of the initial burst", i+1)
		}
	}
	if l.TryAcquire() {
		t.Error("TryAcquire() = true after the burst is spent")
	}
}

func TestLimiter_BurstFloor(t *testing.T) {
	l := NewLimiter(0.5, 0)
	if l.burst != 1 {
		t.Errorf("burst = %v, want at least one token", l.burst)
	}
}

func TestLimiter_Refill(t *testing.T) {
	l := NewLimiter(100, 5)
	for i := 0; i < 5; i++ {
		if !l.TryAcquire() {
			t.Fatalf("burst token %d unavailable", i+1)
		}
	}
	if l.TryAcquire() {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(30 * time.Millisecond)
	if !l.TryAcquire() {
		t.Error("TryAcquire() = false after refill window")
	}
}

func TestLimiter_ZeroRPSUnlimited(t *testing.T) {
	l := NewLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		if !l.TryAcquire() {
			t.Fatal("zero-rps limiter must never throttle locally")
		}
	}
	if err := l.Acquire(context.Background()); err != nil {
		t.Errorf("Acquire() error = %v", err)
	}
}

func TestLimiter_BudgetExhaustionReportsWait(t *testing.T) {
	l := NewLimiter(0, 0)
	l.UpdateBudget(0, 60*time.Second)

	snap := l.Snapshot()
	if snap.EstimatedWaitMS < 59000 || snap.EstimatedWaitMS > 61000 {
		t.Errorf("EstimatedWaitMS = %d, want within a second of 60000", snap.EstimatedWaitMS)
	}
	if l.TryAcquire() {
		t.Error("TryAcquire() = true while the provider budget is exhausted")
	}
}

func TestLimiter_BudgetRecovery(t *testing.T) {
	l := NewLimiter(100, 10)
	l.UpdateBudget(0, 20*time.Millisecond)
	if l.TryAcquire() {
		t.Fatal("TryAcquire() = true inside the blocked window")
	}

	time.Sleep(40 * time.Millisecond)
	if !l.TryAcquire() {
		t.Error("TryAcquire() = false after the provider window reset")
	}
}

func TestLimiter_PositiveBudgetClearsBlock(t *testing.T) {
	l := NewLimiter(100, 10)
	l.UpdateBudget(0, time.Minute)
	l.UpdateBudget(50, 0)
	if !l.TryAcquire() {
		t.Error("a fresh positive budget must unblock the limiter")
	}
}

func TestLimiter_RemainingDecrements(t *testing.T) {
	l := NewLimiter(1000, 1000)
	l.UpdateBudget(2, 0)

	if !l.TryAcquire() || !l.TryAcquire() {
		t.Fatal("reported budget of 2 should allow two calls")
	}
	if l.TryAcquire() {
		t.Error("third call must wait for the provider budget")
	}
}

func TestLimiter_NegativeRemainingIgnored(t *testing.T) {
	l := NewLimiter(10, 10)
	l.UpdateBudget(-1, time.Minute)
	if !l.TryAcquire() {
		t.Error("a response without budget headers must not change state")
	}
}

func TestLimiter_AcquireHonorsContext(t *testing.T) {
	l := NewLimiter(10, 10)
	l.UpdateBudget(0, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	var cerr *errcode.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want classified", err)
	}
	if cerr.Code != errcode.CodeTimeout {
		t.Errorf("Code = %v, want timeout", cerr.Code)
	}
}

func TestLimiter_AcquireWaitsForToken(t *testing.T) {
	l := NewLimiter(50, 1)
	if !l.TryAcquire() {
		t.Fatal("first token unavailable")
	}

	start := time.Now()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("Acquire() returned after %v, want a refill wait of ~20ms", elapsed)
	}
}

func TestLimiter_Snapshot(t *testing.T) {
	l := NewLimiter(5, 10)
	snap := l.Snapshot()
	if snap.RPS != 5 || snap.Burst != 10 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Tokens <= 0 {
		t.Errorf("Tokens = %v, want positive before any acquire", snap.Tokens)
	}
	if snap.EstimatedWaitMS != 0 {
		t.Errorf("EstimatedWaitMS = %d, want 0 while tokens remain", snap.EstimatedWaitMS)
	}
}
