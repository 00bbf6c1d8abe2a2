package transmission

import (
	"context"
	"sort"
	"sync"
)

// Store is the persistence boundary for transmissions. Each call is
// transactional at the single-record level.
type Store interface {
	// Create inserts t together with its initial status record.
	Create(ctx context.Context, t Transmission, rec StatusRecord) error
	Get(ctx context.Context, id string) (Transmission, error)
	// Save replaces t if the stored version equals t.Version and the stored
	// status is not terminal, appending rec when non-nil. It returns the
	// record with its new version.
	Save(ctx context.Context, t Transmission, rec *StatusRecord) (Transmission, error)
	History(ctx context.Context, id string) ([]StatusRecord, error)
	List(ctx context.Context, f Filter) ([]Transmission, error)
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu      sync.RWMutex
	items   map[string]Transmission
	history map[string][]StatusRecord
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		items:   make(map[string]Transmission),
		history: make(map[string][]StatusRecord),
	}
}

func (s *InMemory) Create(ctx context.Context, t Transmission, rec StatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[t.ID]; ok {
		return ErrDuplicate
	}
	t = t.Clone()
	t.Version = 1
	s.items[t.ID] = t
	s.history[t.ID] = append(s.history[t.ID], rec)
	return nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Transmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.items[id]
	if !ok {
		return Transmission{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *InMemory) Save(ctx context.Context, t Transmission, rec *StatusRecord) (Transmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[t.ID]
	if !ok {
		return Transmission{}, ErrNotFound
	}
	if cur.Status.Terminal() {
		return Transmission{}, ErrTerminal
	}
	if cur.Version != t.Version {
		return Transmission{}, ErrConflict
	}
	t = t.Clone()
	t.Version++
	s.items[t.ID] = t
	if rec != nil {
		s.history[t.ID] = append(s.history[t.ID], *rec)
	}
	return t.Clone(), nil
}

func (s *InMemory) History(ctx context.Context, id string) ([]StatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.items[id]; !ok {
		return nil, ErrNotFound
	}
	return append([]StatusRecord(nil), s.history[id]...), nil
}

func (s *InMemory) List(ctx context.Context, f Filter) ([]Transmission, error) {
	s.mu.RLock()
	out := make([]Transmission, 0)
	for _, t := range s.items {
		if f.matches(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
