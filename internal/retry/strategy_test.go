package retry

import (
	"errors"
	"testing"
	"time"
)

func TestExponentialDelay(t *testing.T) {
	p := NewPolicy(WithMaxDelay(time.Minute))
	base := 1000 * time.Millisecond
	for n := 0; n < 10; n++ {
		want := base * time.Duration(1<<n)
		if want > time.Minute {
			want = time.Minute
		}
		if got := p.Delay(Exponential, n, base); got != want {
			t.Fatalf("Delay(exponential, %d) = %s, want %s", n, got, want)
		}
	}
	if got := p.Delay(Exponential, 4000, base); got != time.Minute {
		t.Fatalf("expected cap for huge attempt, got %s", got)
	}
}

func TestImmediateIsAlwaysZero(t *testing.T) {
	p := NewPolicy()
	for n := 0; n < 20; n++ {
		if d := p.Delay(Immediate, n, time.Second); d != 0 {
			t.Fatalf("immediate delay %s at %d", d, n)
		}
	}
}

func TestLinearAndRandomDelay(t *testing.T) {
	p := NewPolicy(WithRandom(func() float64 { return 0.5 }), WithMaxDelay(0))
	cases := []struct {
		s    Strategy
		n    int
		want time.Duration
	}{
		{Linear, 0, 100 * time.Millisecond},
		{Linear, 1, 100 * time.Millisecond},
		{Linear, 3, 300 * time.Millisecond},
		{Random, 0, 100 * time.Millisecond},
		{Random, 2, 200 * time.Millisecond},
		{Random, 4, 300 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.s, tc.n, 100*time.Millisecond); got != tc.want {
			t.Fatalf("Delay(%s, %d) = %s, want %s", tc.s, tc.n, got, tc.want)
		}
	}
}

func TestRandomDelayBounds(t *testing.T) {
	p := NewPolicy()
	for i := 0; i < 100; i++ {
		d := p.Delay(Random, 3, time.Second)
		if d < time.Second || d >= 4*time.Second {
			t.Fatalf("random delay out of range: %s", d)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy(""); err != nil || s != Exponential {
		t.Fatalf("empty strategy: %v %v", s, err)
	}
	if s, err := ParseStrategy("LINEAR"); err != nil || s != Linear {
		t.Fatalf("linear: %v %v", s, err)
	}
	if _, err := ParseStrategy("fibonacci"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected unknown strategy, got %v", err)
	}
}
