// Package retry computes backoff delays, classifies attempt outcomes and
// tracks circuit-breaker state per destination.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Strategy is one of the closed set of backoff strategies.
type Strategy string

const (
	Exponential Strategy = "exponential"
	Linear      Strategy = "linear"
	Random      Strategy = "random"
	Immediate   Strategy = "immediate"
)

var ErrUnknownStrategy = errors.New("unknown retry strategy")

// Strategies lists every recognised strategy.
func Strategies() []Strategy {
	return []Strategy{Exponential, Linear, Random, Immediate}
}

// ParseStrategy normalises s. An empty string selects Exponential.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case "":
		return Exponential, nil
	case Exponential, Linear, Random, Immediate:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

const DefaultMaxDelay = 5 * time.Minute

// Policy turns a strategy and attempt number into a delay.
type Policy struct {
	maxDelay time.Duration

	mu    sync.Mutex
	float func() float64
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithMaxDelay caps every non-immediate delay. Zero disables the cap.
func WithMaxDelay(d time.Duration) PolicyOption {
	return func(p *Policy) { p.maxDelay = d }
}

// WithRandom replaces the jitter source; f must return values in [0, 1).
func WithRandom(f func() float64) PolicyOption {
	return func(p *Policy) {
		if f != nil {
			p.float = f
		}
	}
}

func NewPolicy(opts ...PolicyOption) *Policy {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	p := &Policy{maxDelay: DefaultMaxDelay, float: rnd.Float64}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxDelay reports the configured cap.
func (p *Policy) MaxDelay() time.Duration { return p.maxDelay }

// Delay returns the wait before retry number attempt (zero-based).
//
//	exponential: base * 2^attempt
//	linear:      base * max(attempt, 1)
//	random:      base * (1 + rand*attempt)
//	immediate:   0
func (p *Policy) Delay(s Strategy, attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base < 0 {
		base = 0
	}
	var d float64
	switch s {
	case Immediate:
		return 0
	case Linear:
		d = float64(base) * float64(max(attempt, 1))
	case Random:
		p.mu.Lock()
		r := p.float()
		p.mu.Unlock()
		d = float64(base) * (1 + r*float64(attempt))
	default:
		d = float64(base) * math.Pow(2, float64(attempt))
	}
	return p.clamp(d)
}

func (p *Policy) clamp(d float64) time.Duration {
	if p.maxDelay > 0 && d > float64(p.maxDelay) {
		return p.maxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
