package retry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"invoicegate.org/internal/faults"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fail(t *testing.T, b *Breakers, dest string, o Outcome) {
	t.Helper()
	done, err := b.Acquire(dest)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	done(o)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	c := &clock{now: time.Unix(1700000000, 0)}
	b := NewBreakers(BreakerConfig{FailureThreshold: 3, CoolDown: 30 * time.Second}, WithBreakerClock(c.Now))

	fail(t, b, "org:a", RetryableFailure)
	fail(t, b, "org:a", NonRetryableFailure)
	if s := b.Snapshot("org:a"); s.State != Closed || s.ConsecutiveFailures != 2 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	fail(t, b, "org:a", RetryableFailure)

	_, err := b.Acquire("org:a")
	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
	if open.RetryAfter != 30*time.Second {
		t.Fatalf("unexpected retry after %s", open.RetryAfter)
	}
	if !errors.Is(err, faults.KindCircuitOpen) || faults.KindOf(err) != faults.KindCircuitOpen {
		t.Fatalf("expected circuit_open kind")
	}
	if s := b.Snapshot("org:a"); s.Health != HealthUnavailable {
		t.Fatalf("expected unavailable health, got %s", s.Health)
	}
	if s := b.Snapshot("org:b"); s.State != Closed {
		t.Fatalf("other destinations must be unaffected")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreakers(BreakerConfig{FailureThreshold: 2})
	fail(t, b, "d", RetryableFailure)
	fail(t, b, "d", Success)
	fail(t, b, "d", RetryableFailure)
	if s := b.Snapshot("d"); s.State != Closed || s.ConsecutiveFailures != 1 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	fail(t, b, "d", RateLimited)
	if s := b.Snapshot("d"); s.ConsecutiveFailures != 1 {
		t.Fatalf("rate limited outcomes must not count, got %d", s.ConsecutiveFailures)
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	c := &clock{now: time.Unix(1700000000, 0)}
	var changes []StateChange
	var mu sync.Mutex
	b := NewBreakers(BreakerConfig{FailureThreshold: 1, CoolDown: 10 * time.Second},
		WithBreakerClock(c.Now),
		OnStateChange(func(sc StateChange) {
			mu.Lock()
			changes = append(changes, sc)
			mu.Unlock()
		}))

	fail(t, b, "d", RetryableFailure)
	c.Advance(10 * time.Second)

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
		trial   func(Outcome)
		trialMu sync.Mutex
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done, err := b.Acquire("d")
			if err == nil {
				granted.Add(1)
				trialMu.Lock()
				trial = done
				trialMu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted.Load() != 1 {
		t.Fatalf("expected exactly one trial, got %d", granted.Load())
	}
	trial(RetryableFailure)
	if s := b.Snapshot("d"); s.State != Open {
		t.Fatalf("failed trial must reopen, got %s", s.State)
	}
	if _, err := b.Acquire("d"); err == nil {
		t.Fatalf("expected rejection after reopen")
	}

	c.Advance(10 * time.Second)
	done, err := b.Acquire("d")
	if err != nil {
		t.Fatalf("expected second trial: %v", err)
	}
	done(Success)
	done(RetryableFailure)
	if s := b.Snapshot("d"); s.State != Closed || s.ConsecutiveFailures != 0 {
		t.Fatalf("successful trial must close, got %+v", s)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{Open, HalfOpen, Open, HalfOpen, Closed}
	if len(changes) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(changes))
	}
	for i, s := range want {
		if changes[i].To != s {
			t.Fatalf("transition %d: got %s want %s", i, changes[i].To, s)
		}
	}
}

func TestBreakerRateLimitedTrialReleasesSlot(t *testing.T) {
	c := &clock{now: time.Unix(1700000000, 0)}
	b := NewBreakers(BreakerConfig{FailureThreshold: 1, CoolDown: time.Second}, WithBreakerClock(c.Now))
	fail(t, b, "d", NonRetryableFailure)
	c.Advance(time.Second)

	done, err := b.Acquire("d")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	done(RateLimited)
	if s := b.Snapshot("d"); s.State != HalfOpen {
		t.Fatalf("expected to stay half-open, got %s", s.State)
	}
	if _, err := b.Acquire("d"); err != nil {
		t.Fatalf("expected a new trial: %v", err)
	}
}

func TestBreakerDegradedHealthAndReset(t *testing.T) {
	b := NewBreakers(BreakerConfig{FailureThreshold: 100, Window: 4})
	fail(t, b, "d", Success)
	fail(t, b, "d", RetryableFailure)
	fail(t, b, "d", RetryableFailure)
	fail(t, b, "d", RetryableFailure)
	s := b.Snapshot("d")
	if s.Health != HealthDegraded || s.FailureRatio != 0.75 {
		t.Fatalf("expected degraded, got %+v", s)
	}
	s = b.Reset("d")
	if s.State != Closed || s.Health != HealthHealthy || s.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected after reset %+v", s)
	}
	if len(b.All()) != 1 {
		t.Fatalf("expected one breaker")
	}
}

func TestBreakerRestore(t *testing.T) {
	c := &clock{now: time.Unix(1700000000, 0)}
	b := NewBreakers(BreakerConfig{CoolDown: time.Minute}, WithBreakerClock(c.Now))
	b.Restore(BreakerSnapshot{Destination: "d", State: Open, ConsecutiveFailures: 5, OpenedAt: c.Now()})
	if _, err := b.Acquire("d"); err == nil {
		t.Fatalf("restored open breaker must reject")
	}
	if st, err := ParseState(Open.String()); err != nil || st != Open {
		t.Fatalf("ParseState: %v %v", st, err)
	}
}

func TestBreakerSkippedDoesNotCount(t *testing.T) {
	b := NewBreakers(BreakerConfig{FailureThreshold: 1})
	for i := 0; i < 3; i++ {
		fail(t, b, "d", Skipped)
	}
	if s := b.Snapshot("d"); s.State != Closed || s.Successes != 0 || s.Failures != 0 {
		t.Fatalf("skipped attempts must not be recorded: %+v", s)
	}
}
