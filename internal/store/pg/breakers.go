package pg

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"invoicegate.org/internal/retry"
)

// SaveBreaker records the latest state of one destination's breaker.
func (s *Store) SaveBreaker(ctx context.Context, snap retry.BreakerSnapshot) error {
	var opened sql.NullTime
	if !snap.OpenedAt.IsZero() {
		opened = sql.NullTime{Time: snap.OpenedAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into circuit_breakers (destination, state, consecutive_failures, opened_at, updated_at)
		values ($1,$2,$3,$4,$5)
		on conflict (destination) do update
		set state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			opened_at = excluded.opened_at,
			updated_at = excluded.updated_at
		where circuit_breakers.updated_at <= excluded.updated_at
	`, snap.Destination, snap.State.String(), snap.ConsecutiveFailures, opened, snap.UpdatedAt.UTC())
	return err
}

// LoadBreakers returns every persisted breaker, for Breakers.Restore.
func (s *Store) LoadBreakers(ctx context.Context) ([]retry.BreakerSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		select destination, state, consecutive_failures, opened_at, updated_at
		from circuit_breakers
		order by destination
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []retry.BreakerSnapshot
	for rows.Next() {
		var (
			snap   retry.BreakerSnapshot
			state  string
			opened sql.NullTime
		)
		if err := rows.Scan(&snap.Destination, &state, &snap.ConsecutiveFailures, &opened, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		if snap.State, err = retry.ParseState(state); err != nil {
			return nil, err
		}
		if opened.Valid {
			snap.OpenedAt = opened.Time.UTC()
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// BreakerRecorder persists breaker transitions from a single writer so they
// reach the table in the order they were emitted.
type BreakerRecorder struct {
	store   *Store
	log     zerolog.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan retry.BreakerSnapshot
	done   chan struct{}
}

func NewBreakerRecorder(s *Store, log zerolog.Logger) *BreakerRecorder {
	r := &BreakerRecorder{
		store:   s,
		log:     log,
		timeout: 5 * time.Second,
		queue:   make(chan retry.BreakerSnapshot, 256),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues the snapshot of c without blocking the breaker. It is meant
// for retry.OnStateChange.
func (r *BreakerRecorder) Record(c retry.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- c.Snapshot:
	default:
		r.log.Warn().Str("destination", c.Destination).Str("to", c.To.String()).Msg("breaker state queue full; transition not persisted")
	}
}

// Close writes what is queued and stops the writer.
func (r *BreakerRecorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *BreakerRecorder) loop() {
	defer close(r.done)
	for snap := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.store.SaveBreaker(ctx, snap); err != nil {
			r.log.Error().Err(err).Str("destination", snap.Destination).Msg("persist breaker state")
		}
		cancel()
	}
}
