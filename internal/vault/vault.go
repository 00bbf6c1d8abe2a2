// Package vault generates, rotates and retires symmetric keys and seals
// payloads into self-describing envelopes that name the key used.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"invoicegate.org/internal/faults"
	"invoicegate.org/internal/ids"
	"invoicegate.org/internal/obs"
)

// Config controls rotation and retirement.
type Config struct {
	RotationInterval time.Duration
	UsageThreshold   int64
	MaxActiveKeys    int
	// RetiredGrace is how long a deactivated key may still decrypt.
	// Zero means deactivated keys never decrypt.
	RetiredGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		RotationInterval: 24 * time.Hour,
		UsageThreshold:   10000,
		MaxActiveKeys:    3,
		RetiredGrace:     30 * 24 * time.Hour,
	}
}

type liveKey struct {
	id        string
	purpose   string
	material  []byte
	aead      cipher.AEAD
	createdAt time.Time
	usage     atomic.Int64

	// guarded by Vault.mu
	active        bool
	deactivatedAt *time.Time
}

// Vault is safe for concurrent use. Readers take a shared lock; rotation
// holds the exclusive lock only to swap the current key.
type Vault struct {
	cfg   Config
	store KeyStore
	wrap  *wrapper
	now   func() time.Time
	log   zerolog.Logger
	sf    singleflight.Group

	mu      sync.RWMutex
	keys    map[string]*liveKey
	current map[string]*liveKey
}

// Option configures a Vault.
type Option func(*Vault) error

func WithClock(now func() time.Time) Option {
	return func(v *Vault) error {
		if now != nil {
			v.now = now
		}
		return nil
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(v *Vault) error {
		v.log = l.With().Str("component", "vault").Logger()
		return nil
	}
}

// WithMasterKey wraps key material before it reaches the KeyStore.
func WithMasterKey(master []byte) Option {
	return func(v *Vault) error {
		w, err := newWrapper(master)
		if err != nil {
			return err
		}
		v.wrap = w
		return nil
	}
}

// New builds a vault over store. A nil store keeps keys in memory.
func New(store KeyStore, cfg Config, opts ...Option) (*Vault, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.MaxActiveKeys < 1 {
		return nil, errors.New("vault: max active keys must be >= 1")
	}
	if cfg.RotationInterval < 0 || cfg.UsageThreshold < 0 || cfg.RetiredGrace < 0 {
		return nil, errors.New("vault: negative rotation settings")
	}
	v := &Vault{
		cfg:     cfg,
		store:   store,
		now:     time.Now,
		log:     zerolog.Nop(),
		keys:    make(map[string]*liveKey),
		current: make(map[string]*liveKey),
	}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Load restores persisted keys. The newest active key per purpose becomes
// current.
func (v *Vault) Load(ctx context.Context) error {
	stored, err := v.store.ListKeys(ctx, "")
	if err != nil {
		return fmt.Errorf("vault: list keys: %w", err)
	}
	loaded := make(map[string]*liveKey, len(stored))
	for _, sk := range stored {
		material, err := v.wrap.unwrap(sk.ID, sk.Material)
		if err != nil {
			return faults.E(faults.KindEncryption, "unwrap key "+sk.ID, err)
		}
		aead, err := newAEAD(material)
		if err != nil {
			return faults.E(faults.KindEncryption, "key "+sk.ID, err)
		}
		lk := &liveKey{
			id:            sk.ID,
			purpose:       sk.Purpose,
			material:      material,
			aead:          aead,
			createdAt:     sk.CreatedAt,
			active:        sk.Active,
			deactivatedAt: sk.DeactivatedAt,
		}
		lk.usage.Store(sk.UsageCount)
		loaded[sk.ID] = lk
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for id, lk := range loaded {
		v.keys[id] = lk
		if !lk.active {
			continue
		}
		if cur := v.current[lk.purpose]; cur == nil || lk.createdAt.After(cur.createdAt) {
			v.current[lk.purpose] = lk
		}
	}
	v.log.Info().Int("keys", len(loaded)).Msg("keys loaded")
	return nil
}

func (v *Vault) currentFor(purpose string) *liveKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current[purpose]
}

func (v *Vault) rotationReason(k *liveKey, now time.Time) string {
	switch {
	case k == nil:
		return "initial"
	case v.cfg.RotationInterval > 0 && now.Sub(k.createdAt) >= v.cfg.RotationInterval:
		return "interval"
	case v.cfg.UsageThreshold > 0 && k.usage.Load() >= v.cfg.UsageThreshold:
		return "usage"
	}
	return ""
}

func (v *Vault) ensureCurrent(ctx context.Context, purpose string) (*liveKey, error) {
	k := v.currentFor(purpose)
	if v.rotationReason(k, v.now()) == "" {
		return k, nil
	}
	res, err, _ := v.sf.Do(purpose, func() (any, error) {
		cur := v.currentFor(purpose)
		reason := v.rotationReason(cur, v.now())
		if reason == "" {
			return cur, nil
		}
		return v.rotate(ctx, purpose, reason)
	})
	if err != nil {
		return nil, err
	}
	return res.(*liveKey), nil
}

// CurrentKey returns the key new encryptions for purpose will use,
// rotating first when the interval or usage threshold has been reached.
func (v *Vault) CurrentKey(ctx context.Context, purpose string) (Key, error) {
	k, err := v.ensureCurrent(ctx, purpose)
	if err != nil {
		return Key{}, err
	}
	out := v.view(k)
	out.Material = append([]byte(nil), k.material...)
	return out, nil
}

// Rotate forces a new current key for purpose.
func (v *Vault) Rotate(ctx context.Context, purpose string) (Key, error) {
	res, err, _ := v.sf.Do("manual:"+purpose, func() (any, error) {
		return v.rotate(ctx, purpose, "manual")
	})
	if err != nil {
		return Key{}, err
	}
	return v.view(res.(*liveKey)), nil
}

func (v *Vault) rotate(ctx context.Context, purpose, reason string) (*liveKey, error) {
	material := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, faults.E(faults.KindEncryption, "generate key", err)
	}
	aead, err := newAEAD(material)
	if err != nil {
		return nil, faults.E(faults.KindEncryption, "generate key", err)
	}
	now := v.now()
	lk := &liveKey{
		id:        ids.NewWithPrefix(ids.PrefixKey),
		purpose:   purpose,
		material:  material,
		aead:      aead,
		createdAt: now,
		active:    true,
	}
	wrapped, err := v.wrap.wrap(lk.id, material)
	if err != nil {
		return nil, faults.E(faults.KindEncryption, "wrap key", err)
	}
	if err := v.store.SaveKey(ctx, StoredKey{
		ID:        lk.id,
		Purpose:   purpose,
		Material:  wrapped,
		Active:    true,
		CreatedAt: now,
	}); err != nil {
		return nil, faults.E(faults.KindEncryption, "persist key", err)
	}

	v.mu.Lock()
	prev := v.current[purpose]
	v.keys[lk.id] = lk
	v.current[purpose] = lk
	retired := v.retireExcessLocked(purpose, now)
	v.mu.Unlock()

	if prev != nil {
		if err := v.store.RecordUsage(ctx, prev.id, prev.usage.Load()); err != nil {
			v.log.Warn().Err(err).Str("key_id", prev.id).Msg("record usage failed")
		}
	}
	for _, r := range retired {
		if err := v.store.DeactivateKey(ctx, r.id, r.usage.Load(), now); err != nil {
			v.log.Warn().Err(err).Str("key_id", r.id).Msg("persist deactivation failed")
		}
	}
	obs.KeyRotations.WithLabelValues(purpose, reason).Inc()
	ev := v.log.Info().Str("purpose", purpose).Str("reason", reason).Str("key_id", lk.id).Int("retired", len(retired))
	if prev != nil {
		ev = ev.Str("previous_key_id", prev.id)
	}
	ev.Msg("key rotated")
	return lk, nil
}

// retireExcessLocked deactivates the oldest active keys beyond MaxActiveKeys.
func (v *Vault) retireExcessLocked(purpose string, now time.Time) []*liveKey {
	var active []*liveKey
	for _, k := range v.keys {
		if k.purpose == purpose && k.active {
			active = append(active, k)
		}
	}
	if len(active) <= v.cfg.MaxActiveKeys {
		return nil
	}
	sort.Slice(active, func(i, j int) bool { return active[i].createdAt.After(active[j].createdAt) })
	retired := active[v.cfg.MaxActiveKeys:]
	for _, k := range retired {
		at := now
		k.active = false
		k.deactivatedAt = &at
	}
	return retired
}

// Encrypt seals payload under the current key for purpose. The returned
// ciphertext carries the key id, a timestamp and encCtx in its header.
func (v *Vault) Encrypt(ctx context.Context, purpose string, payload []byte, encCtx map[string]string) (string, []byte, error) {
	var k *liveKey
	for {
		var err error
		k, err = v.ensureCurrent(ctx, purpose)
		if err != nil {
			return "", nil, err
		}
		n := k.usage.Load()
		if v.cfg.UsageThreshold > 0 && n >= v.cfg.UsageThreshold {
			continue
		}
		if k.usage.CompareAndSwap(n, n+1) {
			break
		}
	}
	h := Header{
		Version:   envelopeVersion,
		KeyID:     k.id,
		Alg:       algorithm,
		Purpose:   purpose,
		Timestamp: v.now().UTC(),
		Context:   encCtx,
	}
	out, err := seal(k.aead, h, payload)
	if err != nil {
		return "", nil, faults.E(faults.KindEncryption, "seal payload", err)
	}
	return k.id, out, nil
}

// Decrypt opens ciphertext. keyID is optional; when set it must match the
// key named in the envelope.
func (v *Vault) Decrypt(ctx context.Context, ciphertext []byte, keyID string) ([]byte, error) {
	h, aad, body, err := split(ciphertext)
	if err != nil {
		return nil, err
	}
	if keyID != "" && keyID != h.KeyID {
		return nil, fmt.Errorf("%w: want %s, envelope has %s", ErrKeyMismatch, keyID, h.KeyID)
	}

	v.mu.RLock()
	k, ok := v.keys[h.KeyID]
	var active bool
	var deactivatedAt *time.Time
	if ok {
		active, deactivatedAt = k.active, k.deactivatedAt
	}
	v.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, h.KeyID)
	}
	if !active {
		if deactivatedAt == nil || v.cfg.RetiredGrace == 0 || v.now().Sub(*deactivatedAt) > v.cfg.RetiredGrace {
			return nil, fmt.Errorf("%w: %s", ErrKeyExpired, h.KeyID)
		}
	}
	return open(k.aead, aad, body)
}

// Purge deletes a deactivated key. Ciphertexts sealed with it can no
// longer be opened.
func (v *Vault) Purge(ctx context.Context, id string) error {
	v.mu.RLock()
	k, ok := v.keys[id]
	active := ok && k.active
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	if active {
		return fmt.Errorf("%w: %s", ErrKeyActive, id)
	}
	if err := v.store.PurgeKey(ctx, id); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return err
	}
	v.mu.Lock()
	delete(v.keys, id)
	v.mu.Unlock()
	v.log.Info().Str("key_id", id).Msg("key purged")
	return nil
}

// Deactivate retires a key immediately. A current key cannot be
// deactivated; rotate first.
func (v *Vault) Deactivate(ctx context.Context, id string) error {
	now := v.now()
	v.mu.Lock()
	k, ok := v.keys[id]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	if v.current[k.purpose] == k {
		v.mu.Unlock()
		return fmt.Errorf("%w: %s is current", ErrKeyActive, id)
	}
	if !k.active {
		v.mu.Unlock()
		return nil
	}
	k.active = false
	k.deactivatedAt = &now
	v.mu.Unlock()
	return v.store.DeactivateKey(ctx, id, k.usage.Load(), now)
}

// Keys lists keys for purpose, newest first. Material is omitted.
func (v *Vault) Keys(purpose string) []Key {
	v.mu.RLock()
	out := make([]Key, 0, len(v.keys))
	for _, k := range v.keys {
		if purpose != "" && k.purpose != purpose {
			continue
		}
		out = append(out, v.viewLocked(k))
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (v *Vault) view(k *liveKey) Key {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.viewLocked(k)
}

func (v *Vault) viewLocked(k *liveKey) Key {
	var deact *time.Time
	if k.deactivatedAt != nil {
		t := *k.deactivatedAt
		deact = &t
	}
	return Key{
		ID:            k.id,
		Purpose:       k.purpose,
		Active:        k.active,
		UsageCount:    k.usage.Load(),
		CreatedAt:     k.createdAt,
		DeactivatedAt: deact,
	}
}
