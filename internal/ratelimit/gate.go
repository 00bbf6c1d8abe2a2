// Package ratelimit admits or rejects work per scope using tiered token
// buckets. It never blocks callers.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"invoicegate.org/internal/faults"
	"invoicegate.org/internal/obs"
)

var (
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrPayloadTooLarge  = errors.New("payload exceeds tier maximum")
	ErrConcurrencyLimit = errors.New("too many concurrent transmissions")
)

// RejectedError describes why a scope was not admitted.
type RejectedError struct {
	Scope      string
	Tier       TierName
	Reason     error
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: scope %s (tier %s)", e.Reason, e.Scope, e.Tier)
}

func (e *RejectedError) Unwrap() error { return e.Reason }

func (e *RejectedError) FaultKind() faults.Kind { return faults.KindRateLimitExceeded }

type bucket struct {
	tier     Tier
	lim      *rate.Limiter
	slots    *semaphore.Weighted
	inFlight atomic.Int64
	lastSeen atomic.Int64

	mu      sync.Mutex
	evicted bool
}

func newBucket(t Tier, now time.Time) *bucket {
	b := &bucket{
		tier: t,
		lim:  rate.NewLimiter(rate.Limit(t.RefillRate()), t.BurstCapacity),
	}
	if t.ConcurrentTransmissions > 0 {
		b.slots = semaphore.NewWeighted(int64(t.ConcurrentTransmissions))
	}
	b.touch(now)
	return b
}

func (b *bucket) touch(now time.Time) { b.lastSeen.Store(now.UnixNano()) }

// claim marks the bucket as in use at now. It fails once the janitor has
// evicted the bucket; the caller must look the scope up again.
func (b *bucket) claim(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.evicted {
		return false
	}
	b.touch(now)
	return true
}

// evictIfIdle retires the bucket when it was last claimed before cutoff and
// has nothing in flight.
func (b *bucket) evictIfIdle(cutoff int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.evicted || b.lastSeen.Load() >= cutoff || b.inFlight.Load() != 0 {
		return false
	}
	b.evicted = true
	return true
}

func (b *bucket) tokens(now time.Time) float64 {
	var tok float64
	if b.tier.RefillRate() == 0 {
		// A zero-rate limiter spends its burst directly.
		tok = float64(b.lim.Burst())
	} else {
		tok = b.lim.TokensAt(now)
	}
	return math.Max(0, math.Min(tok, float64(b.tier.BurstCapacity)))
}

// Snapshot is a point-in-time view of one scope's bucket.
type Snapshot struct {
	Scope      string    `json:"scope"`
	Tier       TierName  `json:"tier"`
	Capacity   int       `json:"capacity"`
	RefillRate float64   `json:"refill_rate"`
	Tokens     float64   `json:"current_tokens"`
	InFlight   int64     `json:"in_flight"`
	LastSeen   time.Time `json:"last_refill_timestamp"`
}

// Gate holds one bucket per scope. Buckets are independent; admission on
// one scope never contends with another.
type Gate struct {
	tiers       map[TierName]Tier
	buckets     sync.Map // scope -> *bucket
	assignments sync.Map // scope -> TierName
	idleTTL     time.Duration
	now         func() time.Time
	log         zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Gate.
type Option func(*Gate)

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) { g.log = l.With().Str("component", "ratelimit").Logger() }
}

// WithIdleTTL sets how long an unused bucket survives before eviction.
func WithIdleTTL(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.idleTTL = d
		}
	}
}

// New builds a gate over the given tiers. Missing tiers fall back to the
// built-in table.
func New(tiers map[TierName]Tier, opts ...Option) (*Gate, error) {
	table := DefaultTiers()
	for name, t := range tiers {
		t.Name = name
		if err := t.Validate(); err != nil {
			return nil, err
		}
		table[name] = t
	}
	g := &Gate{
		tiers:   table,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Tiers returns a copy of the tier table.
func (g *Gate) Tiers() map[TierName]Tier {
	out := make(map[TierName]Tier, len(g.tiers))
	for k, v := range g.tiers {
		out[k] = v
	}
	return out
}

// TierFor reports the tier a scope is assigned to.
func (g *Gate) TierFor(scope string) Tier {
	if v, ok := g.assignments.Load(scope); ok {
		return g.tiers[v.(TierName)]
	}
	return g.tiers[TierDefault]
}

// Assign moves scope to tier. An existing bucket is replaced and starts full.
func (g *Gate) Assign(scope string, tier TierName) error {
	t, ok := g.tiers[tier]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	g.assignments.Store(scope, tier)
	if _, loaded := g.buckets.Load(scope); loaded {
		g.buckets.Store(scope, newBucket(t, g.now()))
	}
	g.log.Info().Str("scope", scope).Str("tier", string(tier)).Msg("tier assigned")
	return nil
}

func (g *Gate) bucket(scope string) *bucket {
	now := g.now()
	for {
		v, ok := g.buckets.Load(scope)
		if !ok {
			v, _ = g.buckets.LoadOrStore(scope, newBucket(g.TierFor(scope), now))
		}
		if b := v.(*bucket); b.claim(now) {
			return b
		}
	}
}

// Allow consumes cost tokens from scope's bucket if they are available.
// It returns false without side effects otherwise.
func (g *Gate) Allow(scope string, cost int) bool {
	if cost < 1 {
		cost = 1
	}
	b := g.bucket(scope)
	return b.lim.AllowN(g.now(), cost)
}

// Admit performs full admission for one transmission: payload size, a
// concurrency slot and one token. The returned release frees the slot and
// is safe to call more than once.
func (g *Gate) Admit(scope string, payloadBytes int64) (func(), error) {
	b := g.bucket(scope)
	t := b.tier

	if limit := t.MaxPayloadBytes(); limit > 0 && payloadBytes > limit {
		return nil, g.reject(scope, t, ErrPayloadTooLarge, 0)
	}
	if b.slots != nil && !b.slots.TryAcquire(1) {
		return nil, g.reject(scope, t, ErrConcurrencyLimit, 0)
	}
	if !b.lim.AllowN(g.now(), 1) {
		if b.slots != nil {
			b.slots.Release(1)
		}
		return nil, g.reject(scope, t, ErrRateLimited, retryAfter(t))
	}
	b.inFlight.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.inFlight.Add(-1)
			if b.slots != nil {
				b.slots.Release(1)
			}
		})
	}, nil
}

func retryAfter(t Tier) time.Duration {
	r := t.RefillRate()
	if r <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / r)
}

func (g *Gate) reject(scope string, t Tier, reason error, after time.Duration) error {
	label := "rate"
	switch {
	case errors.Is(reason, ErrPayloadTooLarge):
		label = "payload"
	case errors.Is(reason, ErrConcurrencyLimit):
		label = "concurrency"
	}
	obs.AdmissionRejections.WithLabelValues(string(t.Name), label).Inc()
	g.log.Debug().Str("scope", scope).Str("tier", string(t.Name)).Str("reason", label).Msg("admission rejected")
	return &RejectedError{Scope: scope, Tier: t.Name, Reason: reason, RetryAfter: after}
}

// Snapshot reports the bucket state for scope without provisioning it.
func (g *Gate) Snapshot(scope string) Snapshot {
	now := g.now()
	v, ok := g.buckets.Load(scope)
	if !ok {
		t := g.TierFor(scope)
		return Snapshot{
			Scope:      scope,
			Tier:       t.Name,
			Capacity:   t.BurstCapacity,
			RefillRate: t.RefillRate(),
			Tokens:     float64(t.BurstCapacity),
		}
	}
	b := v.(*bucket)
	return Snapshot{
		Scope:      scope,
		Tier:       b.tier.Name,
		Capacity:   b.tier.BurstCapacity,
		RefillRate: b.tier.RefillRate(),
		Tokens:     b.tokens(now),
		InFlight:   b.inFlight.Load(),
		LastSeen:   time.Unix(0, b.lastSeen.Load()).UTC(),
	}
}

// Len returns the number of live buckets.
func (g *Gate) Len() int {
	n := 0
	g.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Evict drops buckets idle for longer than the TTL with nothing in flight.
func (g *Gate) Evict() int {
	cutoff := g.now().Add(-g.idleTTL).UnixNano()
	removed := 0
	g.buckets.Range(func(k, v any) bool {
		if v.(*bucket).evictIfIdle(cutoff) && g.buckets.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed
}

// Start runs the idle-bucket janitor until ctx ends or Stop is called.
func (g *Gate) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})

	interval := g.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := g.Evict(); n > 0 {
					g.log.Debug().Int("evicted", n).Msg("idle buckets evicted")
				}
			}
		}
	}(g.done)
}

// Stop halts the janitor and waits for it to exit.
func (g *Gate) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
