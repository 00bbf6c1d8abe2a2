package vault

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"invoicegate.org/internal/faults"
)

// PurposeTransmission tags keys protecting transmission payloads.
const PurposeTransmission = "transmission"

var (
	ErrKeyNotFound = faults.E(faults.KindKeyNotFound, "encryption key not found", nil)
	ErrKeyExpired  = faults.E(faults.KindKeyExpired, "encryption key retired", nil)
	ErrDecrypt     = faults.E(faults.KindEncryption, "ciphertext authentication failed", nil)
	ErrMalformed   = faults.E(faults.KindEncryption, "malformed ciphertext envelope", nil)
	ErrKeyMismatch = faults.E(faults.KindEncryption, "key id does not match envelope", nil)
	ErrKeyActive   = faults.E(faults.KindValidation, "key is still active", nil)
)

// Key is the public view of a vault key. Material is never serialized.
type Key struct {
	ID            string     `json:"id"`
	Material      []byte     `json:"-"`
	Purpose       string     `json:"purpose"`
	Active        bool       `json:"is_active"`
	UsageCount    int64      `json:"usage_count"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

func (k Key) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", k.ID).
		Str("purpose", k.Purpose).
		Bool("active", k.Active).
		Int64("usage_count", k.UsageCount).
		Time("created_at", k.CreatedAt)
}

// String omits key material so keys are safe to print.
func (k Key) String() string {
	return fmt.Sprintf("Key{id=%s purpose=%s active=%t usage=%d}", k.ID, k.Purpose, k.Active, k.UsageCount)
}

// StoredKey is what reaches persistence. Material is wrapped when the vault
// has a master key.
type StoredKey struct {
	ID            string
	Purpose       string
	Material      []byte
	Active        bool
	UsageCount    int64
	CreatedAt     time.Time
	DeactivatedAt *time.Time
}

// KeyStore persists vault keys.
type KeyStore interface {
	SaveKey(ctx context.Context, k StoredKey) error
	RecordUsage(ctx context.Context, id string, usage int64) error
	DeactivateKey(ctx context.Context, id string, usage int64, at time.Time) error
	ListKeys(ctx context.Context, purpose string) ([]StoredKey, error)
	PurgeKey(ctx context.Context, id string) error
}

// MemoryStore is an in-process KeyStore.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]StoredKey
}

var _ KeyStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]StoredKey)}
}

func (s *MemoryStore) SaveKey(ctx context.Context, k StoredKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k.Material = append([]byte(nil), k.Material...)
	s.keys[k.ID] = k
	return nil
}

func (s *MemoryStore) RecordUsage(ctx context.Context, id string, usage int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.UsageCount = usage
	s.keys[id] = k
	return nil
}

func (s *MemoryStore) DeactivateKey(ctx context.Context, id string, usage int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.Active = false
	k.UsageCount = usage
	k.DeactivatedAt = &at
	s.keys[id] = k
	return nil
}

func (s *MemoryStore) ListKeys(ctx context.Context, purpose string) ([]StoredKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoredKey, 0, len(s.keys))
	for _, k := range s.keys {
		if purpose != "" && k.Purpose != purpose {
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) PurgeKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return ErrKeyNotFound
	}
	delete(s.keys, id)
	return nil
}
