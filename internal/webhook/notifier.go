// Package webhook delivers signed status-change callbacks to subscriber
// URLs, independently of the transmission state machine.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"invoicegate.org/internal/faults"
	"invoicegate.org/internal/ids"
	"invoicegate.org/internal/obs"
	"invoicegate.org/internal/retry"
	"invoicegate.org/internal/transmission"
)

// Delivery headers.
const (
	HeaderSignature = "X-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderAttempt   = "X-Webhook-Attempt"
)

// Config tunes delivery.
type Config struct {
	Secret      []byte
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
	Concurrency int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
		Timeout:     10 * time.Second,
		Concurrency: 10,
	}
}

// lane serialises deliveries for one transmission.
type lane struct {
	queue []Notification
	// stopRetry names the head notification that must not be retried.
	stopRetry string
}

// Notifier owns one delivery lane per transmission. Lanes run in parallel
// up to Concurrency in-flight requests; within a lane deliveries keep the
// order in which status changes were produced.
type Notifier struct {
	cfg    Config
	store  Store
	client *http.Client
	sem    *semaphore.Weighted
	policy *retry.Policy
	now    func() time.Time
	wait   func(ctx context.Context, d time.Duration) bool
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	lanes    map[string]*lane
	stopping bool
	wg       sync.WaitGroup
}

var _ transmission.Notifier = (*Notifier)(nil)
var _ transmission.Discarder = (*Notifier)(nil)

type Option func(*Notifier)

func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) {
		if c != nil {
			n.client = c
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(n *Notifier) {
		if now != nil {
			n.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(n *Notifier) { n.log = l.With().Str("component", "webhook").Logger() }
}

// WithWait replaces the backoff sleep. It must return false when ctx ends
// first.
func WithWait(f func(ctx context.Context, d time.Duration) bool) Option {
	return func(n *Notifier) {
		if f != nil {
			n.wait = f
		}
	}
}

func New(store Store, cfg Config, opts ...Option) (*Notifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("webhook: signing secret is required")
	}
	def := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if store == nil {
		store = NewMemoryStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:    cfg,
		store:  store,
		client: &http.Client{},
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		policy: retry.NewPolicy(retry.WithMaxDelay(cfg.MaxDelay)),
		now:    time.Now,
		wait:   sleep,
		log:    zerolog.Nop(),
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Start resumes notifications left undelivered by a previous process.
func (n *Notifier) Start(ctx context.Context) error {
	pending, err := n.store.PendingNotifications(ctx)
	if err != nil {
		return fmt.Errorf("webhook: load pending: %w", err)
	}
	for _, item := range pending {
		n.enqueue(item)
	}
	if len(pending) > 0 {
		n.log.Info().Int("resumed", len(pending)).Msg("webhook deliveries resumed")
	}
	return nil
}

// Notify records a notification for change and queues it for delivery. It
// never waits on the subscriber.
func (n *Notifier) Notify(ctx context.Context, change transmission.StatusChange) {
	if !change.WebhookEnabled || change.WebhookURL == "" {
		return
	}
	now := n.now()
	at := change.At
	if at.IsZero() {
		at = now
	}
	item := Notification{
		ID:             ids.NewWithPrefix(ids.PrefixNotification),
		TransmissionID: change.TransmissionID,
		WebhookURL:     change.WebhookURL,
		Payload: Payload{
			Event:        EventStatusUpdate,
			SubmissionID: change.TransmissionID,
			IRN:          change.IRN,
			Status:       string(change.To),
			Message:      change.Message,
			Timestamp:    at.UTC().Format(time.RFC3339Nano),
			SourceType:   change.SourceType,
			SourceID:     change.SourceID,
		},
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := n.store.CreateNotification(ctx, item); err != nil {
		n.log.Error().Err(err).Str("transmission_id", change.TransmissionID).Msg("notification not recorded")
		return
	}
	n.enqueue(item)
}

func (n *Notifier) enqueue(item Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopping {
		// Stays PENDING in the store and is picked up by the next Start.
		return
	}
	l, ok := n.lanes[item.TransmissionID]
	if ok {
		l.queue = append(l.queue, item)
		return
	}
	l = &lane{queue: []Notification{item}}
	n.lanes[item.TransmissionID] = l
	n.wg.Add(1)
	go n.run(item.TransmissionID, l)
}

func (n *Notifier) run(transmissionID string, l *lane) {
	defer n.wg.Done()
	for {
		n.mu.Lock()
		if len(l.queue) == 0 || n.ctx.Err() != nil {
			delete(n.lanes, transmissionID)
			n.mu.Unlock()
			return
		}
		item := l.queue[0]
		n.mu.Unlock()

		n.deliver(l, item)

		n.mu.Lock()
		if len(l.queue) > 0 {
			l.queue = l.queue[1:]
		}
		n.mu.Unlock()
	}
}

// deliver attempts item until it is delivered, exhausted, discarded or the
// notifier shuts down.
func (n *Notifier) deliver(l *lane, item Notification) {
	log := n.log.With().Str("notification_id", item.ID).Str("transmission_id", item.TransmissionID).Logger()
	// A resumed RETRY notification keeps the backoff it was persisted with.
	if item.Status == StatusRetry && item.NextAttemptAt != nil {
		if wait := item.NextAttemptAt.Sub(n.now()); wait > 0 {
			log.Debug().Dur("backoff", wait).Msg("resumed webhook waiting out backoff")
			if !n.wait(n.ctx, wait) {
				return
			}
		}
	}
	for {
		item.Attempts++
		code, err := n.attempt(item)
		item.ResponseCode = code
		item.UpdatedAt = n.now()
		if err == nil {
			item.Status = StatusDelivered
			item.ErrorMessage = ""
			item.NextAttemptAt = nil
			n.update(item)
			obs.WebhookDeliveries.WithLabelValues("delivered").Inc()
			log.Debug().Int("attempt", item.Attempts).Msg("webhook delivered")
			return
		}
		if n.ctx.Err() != nil {
			return
		}
		item.ErrorMessage = err.Error()

		n.mu.Lock()
		discarded := l.stopRetry == item.ID
		n.mu.Unlock()
		if item.Attempts >= n.cfg.MaxAttempts || discarded {
			item.Status = StatusFailed
			item.NextAttemptAt = nil
			n.update(item)
			obs.WebhookDeliveries.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Int("attempt", item.Attempts).Msg("webhook delivery failed")
			return
		}

		delay := n.policy.Delay(retry.Exponential, item.Attempts-1, n.cfg.BaseDelay)
		next := item.UpdatedAt.Add(delay)
		item.Status = StatusRetry
		item.NextAttemptAt = &next
		n.update(item)
		obs.WebhookDeliveries.WithLabelValues("retry").Inc()
		log.Info().Err(err).Int("attempt", item.Attempts).Dur("backoff", delay).Msg("webhook delivery scheduled for retry")

		if !n.wait(n.ctx, delay) {
			return
		}
	}
}

func (n *Notifier) attempt(item Notification) (int, error) {
	if err := n.sem.Acquire(n.ctx, 1); err != nil {
		return 0, faults.E(faults.KindWebhookDelivery, "notifier stopped", err)
	}
	defer n.sem.Release(1)

	body, err := Canonical(item.Payload)
	if err != nil {
		return 0, faults.E(faults.KindWebhookDelivery, "encode payload", err)
	}
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, faults.E(faults.KindWebhookDelivery, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(n.cfg.Secret, body))
	req.Header.Set(HeaderEvent, item.Payload.Event)
	req.Header.Set(HeaderDelivery, uuid.NewString())
	req.Header.Set(HeaderAttempt, strconv.Itoa(item.Attempts))

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, faults.E(faults.KindWebhookDelivery, "post webhook", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, faults.E(faults.KindWebhookDelivery, fmt.Sprintf("subscriber returned %d", resp.StatusCode), nil)
	}
	return resp.StatusCode, nil
}

func (n *Notifier) update(item Notification) {
	// Detached so a shutdown mid-delivery still records the outcome.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(n.ctx), 5*time.Second)
	defer cancel()
	if err := n.store.UpdateNotification(ctx, item); err != nil {
		n.log.Error().Err(err).Str("notification_id", item.ID).Msg("notification update failed")
	}
}

// Discard drops queued deliveries for transmissionID and stops retrying the
// one in flight. It returns the number of queued notifications dropped.
func (n *Notifier) Discard(transmissionID string) int {
	n.mu.Lock()
	l, ok := n.lanes[transmissionID]
	if !ok {
		n.mu.Unlock()
		return 0
	}
	if len(l.queue) > 0 {
		l.stopRetry = l.queue[0].ID
	}
	var dropped []Notification
	if len(l.queue) > 1 {
		dropped = append(dropped, l.queue[1:]...)
		l.queue = l.queue[:1]
	}
	n.mu.Unlock()

	now := n.now()
	for _, item := range dropped {
		item.Status = StatusFailed
		item.ErrorMessage = "discarded"
		item.NextAttemptAt = nil
		item.UpdatedAt = now
		n.update(item)
		obs.WebhookDeliveries.WithLabelValues("discarded").Inc()
	}
	return len(dropped)
}

// List returns the notifications recorded for a transmission.
func (n *Notifier) List(ctx context.Context, transmissionID string) ([]Notification, error) {
	return n.store.ListNotifications(ctx, transmissionID)
}

// Stop lets queued deliveries drain until ctx ends, then aborts the rest.
// Undelivered notifications stay in the store for the next Start.
func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	n.stopping = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}
