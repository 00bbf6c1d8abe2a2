package retry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"invoicegate.org/internal/faults"
	"invoicegate.org/internal/obs"
)

// State of a circuit breaker.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case HalfOpen:
		return "HALF_OPEN"
	case Open:
		return "OPEN"
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "CLOSED":
		return Closed, nil
	case "HALF_OPEN":
		return HalfOpen, nil
	case "OPEN":
		return Open, nil
	}
	return Closed, fmt.Errorf("unknown breaker state %q", s)
}

// Health values derived from the rolling outcome window.
const (
	HealthHealthy     = "healthy"
	HealthDegraded    = "degraded"
	HealthUnavailable = "unavailable"
)

// CircuitOpenError is returned while a destination is suspended.
type CircuitOpenError struct {
	Destination string
	RetryAfter  time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s; retry after %s", e.Destination, e.RetryAfter)
}

func (e *CircuitOpenError) FaultKind() faults.Kind { return faults.KindCircuitOpen }

func (e *CircuitOpenError) Is(target error) bool {
	return target == error(faults.KindCircuitOpen)
}

// BreakerConfig tunes every breaker in a registry.
type BreakerConfig struct {
	FailureThreshold int
	CoolDown         time.Duration
	Window           int
	DegradedRatio    float64
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 60 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 20
	}
	if c.DegradedRatio <= 0 {
		c.DegradedRatio = 0.5
	}
	return c
}

// StateChange is reported to the OnStateChange hook.
type StateChange struct {
	Destination string
	From, To    State
	At          time.Time
	Snapshot    BreakerSnapshot
}

// BreakerSnapshot is a read-only view of one breaker.
type BreakerSnapshot struct {
	Destination         string        `json:"destination"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failure_count"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	CoolDown            time.Duration `json:"cool_down_duration"`
	Health              string        `json:"health"`
	FailureRatio        float64       `json:"failure_ratio"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

type breaker struct {
	mu        sync.Mutex
	dest      string
	state     State
	failures  int
	openedAt  time.Time
	trial     bool
	window    []bool
	next      int
	filled    int
	successes int64
	total     int64
	updatedAt time.Time
}

// Breakers is a registry of per-destination circuit breakers. The registry
// lock only guards lookup; each breaker has its own lock.
type Breakers struct {
	cfg      BreakerConfig
	now      func() time.Time
	log      zerolog.Logger
	onChange func(StateChange)

	mu sync.Mutex
	m  map[string]*breaker
}

// BreakerOption configures a Breakers registry.
type BreakerOption func(*Breakers)

func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breakers) {
		if now != nil {
			b.now = now
		}
	}
}

func WithBreakerLogger(l zerolog.Logger) BreakerOption {
	return func(b *Breakers) { b.log = l.With().Str("component", "breaker").Logger() }
}

// OnStateChange registers a hook called after every transition, outside
// the breaker lock.
func OnStateChange(fn func(StateChange)) BreakerOption {
	return func(b *Breakers) { b.onChange = fn }
}

func NewBreakers(cfg BreakerConfig, opts ...BreakerOption) *Breakers {
	b := &Breakers{
		cfg: cfg.withDefaults(),
		now: time.Now,
		log: zerolog.Nop(),
		m:   make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective configuration.
func (b *Breakers) Config() BreakerConfig { return b.cfg }

func (b *Breakers) get(dest string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.m[dest]
	if !ok {
		br = &breaker{dest: dest, window: make([]bool, b.cfg.Window), updatedAt: b.now()}
		b.m[dest] = br
	}
	return br
}

// Acquire asks permission to call dest. On success the caller must report
// the attempt outcome through done exactly once; later calls are ignored.
func (b *Breakers) Acquire(dest string) (done func(Outcome), err error) {
	br := b.get(dest)
	now := b.now()

	br.mu.Lock()
	var changes []StateChange
	if c, ok := b.maybeHalfOpen(br, now); ok {
		changes = append(changes, c)
	}
	switch br.state {
	case Open:
		wait := b.cfg.CoolDown - now.Sub(br.openedAt)
		br.mu.Unlock()
		b.emit(changes)
		return nil, &CircuitOpenError{Destination: dest, RetryAfter: wait}
	case HalfOpen:
		if br.trial {
			br.mu.Unlock()
			b.emit(changes)
			return nil, &CircuitOpenError{Destination: dest}
		}
		br.trial = true
		br.mu.Unlock()
		b.emit(changes)
		return b.reporter(br, true), nil
	}
	br.mu.Unlock()
	b.emit(changes)
	return b.reporter(br, false), nil
}

func (b *Breakers) reporter(br *breaker, trial bool) func(Outcome) {
	var once sync.Once
	return func(o Outcome) {
		once.Do(func() { b.record(br, trial, o) })
	}
}

func (b *Breakers) record(br *breaker, trial bool, o Outcome) {
	now := b.now()
	br.mu.Lock()
	from := br.state
	switch o {
	case Success:
		br.failures = 0
		br.observe(true)
		if trial && br.state == HalfOpen {
			br.state = Closed
			br.openedAt = time.Time{}
		}
	case RetryableFailure, NonRetryableFailure:
		br.failures++
		br.observe(false)
		switch {
		case trial && br.state == HalfOpen:
			br.state = Open
			br.openedAt = now
		case br.state == Closed && br.failures >= b.cfg.FailureThreshold:
			br.state = Open
			br.openedAt = now
		}
	}
	if trial {
		br.trial = false
	}
	br.updatedAt = now
	var changes []StateChange
	if br.state != from {
		changes = append(changes, StateChange{Destination: br.dest, From: from, To: br.state, At: now, Snapshot: b.snapshot(br)})
	}
	br.mu.Unlock()
	b.emit(changes)
}

// maybeHalfOpen moves an open breaker to HALF_OPEN once the cool-down has
// elapsed. Caller holds br.mu.
func (b *Breakers) maybeHalfOpen(br *breaker, now time.Time) (StateChange, bool) {
	if br.state != Open || now.Sub(br.openedAt) < b.cfg.CoolDown {
		return StateChange{}, false
	}
	br.state = HalfOpen
	br.trial = false
	br.updatedAt = now
	return StateChange{Destination: br.dest, From: Open, To: HalfOpen, At: now, Snapshot: b.snapshot(br)}, true
}

func (br *breaker) observe(ok bool) {
	if ok {
		br.successes++
	}
	br.total++
	br.window[br.next] = !ok
	br.next = (br.next + 1) % len(br.window)
	if br.filled < len(br.window) {
		br.filled++
	}
}

func (br *breaker) failureRatio() float64 {
	if br.filled == 0 {
		return 0
	}
	n := 0
	for i := 0; i < br.filled; i++ {
		if br.window[i] {
			n++
		}
	}
	return float64(n) / float64(br.filled)
}

// snapshot must be called with br.mu held.
func (b *Breakers) snapshot(br *breaker) BreakerSnapshot {
	ratio := br.failureRatio()
	health := HealthHealthy
	switch {
	case br.state == Open:
		health = HealthUnavailable
	case ratio > b.cfg.DegradedRatio:
		health = HealthDegraded
	}
	return BreakerSnapshot{
		Destination:         br.dest,
		State:               br.state,
		ConsecutiveFailures: br.failures,
		OpenedAt:            br.openedAt,
		CoolDown:            b.cfg.CoolDown,
		Health:              health,
		FailureRatio:        ratio,
		Successes:           br.successes,
		Failures:            br.total - br.successes,
		UpdatedAt:           br.updatedAt,
	}
}

func (b *Breakers) emit(changes []StateChange) {
	for _, c := range changes {
		obs.BreakerState.WithLabelValues(c.Destination).Set(float64(c.To))
		b.log.Info().
			Str("destination", c.Destination).
			Str("from", c.From.String()).
			Str("to", c.To.String()).
			Int("consecutive_failures", c.Snapshot.ConsecutiveFailures).
			Msg("circuit breaker transition")
		if b.onChange != nil {
			b.onChange(c)
		}
	}
}

// Snapshot returns the state of dest, applying an elapsed cool-down.
func (b *Breakers) Snapshot(dest string) BreakerSnapshot {
	br := b.get(dest)
	br.mu.Lock()
	var changes []StateChange
	if c, ok := b.maybeHalfOpen(br, b.now()); ok {
		changes = append(changes, c)
	}
	snap := b.snapshot(br)
	br.mu.Unlock()
	b.emit(changes)
	return snap
}

// All returns every known breaker sorted by destination.
func (b *Breakers) All() []BreakerSnapshot {
	b.mu.Lock()
	dests := make([]string, 0, len(b.m))
	for d := range b.m {
		dests = append(dests, d)
	}
	b.mu.Unlock()
	sort.Strings(dests)
	out := make([]BreakerSnapshot, 0, len(dests))
	for _, d := range dests {
		out = append(out, b.Snapshot(d))
	}
	return out
}

// Reset closes the breaker for dest and clears its counters.
func (b *Breakers) Reset(dest string) BreakerSnapshot {
	br := b.get(dest)
	now := b.now()
	br.mu.Lock()
	from := br.state
	br.state = Closed
	br.failures = 0
	br.openedAt = time.Time{}
	br.trial = false
	br.window = make([]bool, b.cfg.Window)
	br.next, br.filled = 0, 0
	br.updatedAt = now
	snap := b.snapshot(br)
	br.mu.Unlock()
	if from != Closed {
		b.emit([]StateChange{{Destination: dest, From: from, To: Closed, At: now, Snapshot: snap}})
	}
	return snap
}

// Restore seeds a breaker from a persisted snapshot, typically at startup.
func (b *Breakers) Restore(s BreakerSnapshot) {
	br := b.get(s.Destination)
	br.mu.Lock()
	br.state = s.State
	br.failures = s.ConsecutiveFailures
	br.openedAt = s.OpenedAt
	br.trial = false
	br.updatedAt = s.UpdatedAt
	br.mu.Unlock()
	obs.BreakerState.WithLabelValues(s.Destination).Set(float64(s.State))
}
