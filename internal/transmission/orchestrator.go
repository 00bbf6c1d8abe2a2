// Package transmission owns the lifecycle of a transmission: admission,
// encryption, the authority call, classification and retry scheduling.
package transmission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"invoicegate.org/internal/audit"
	"invoicegate.org/internal/authority"
	"invoicegate.org/internal/faults"
	"invoicegate.org/internal/ids"
	"invoicegate.org/internal/obs"
	"invoicegate.org/internal/ratelimit"
	"invoicegate.org/internal/retry"
	"invoicegate.org/internal/vault"
)

// Authority submits one attempt.
type Authority interface {
	Submit(ctx context.Context, req authority.Request) (authority.Response, error)
}

// Cipher seals and opens payloads.
type Cipher interface {
	Encrypt(ctx context.Context, purpose string, payload []byte, encCtx map[string]string) (string, []byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, keyID string) ([]byte, error)
}

// Admission is the local rate gate.
type Admission interface {
	Admit(scope string, payloadBytes int64) (func(), error)
}

// Breaker guards a destination.
type Breaker interface {
	Acquire(dest string) (func(retry.Outcome), error)
}

// Notifier receives status changes for webhook delivery. It must not block.
type Notifier interface {
	Notify(ctx context.Context, change StatusChange)
}

// Discarder is implemented by notifiers that can drop queued deliveries.
type Discarder interface {
	Discard(transmissionID string) int
}

// Publisher fans status changes out to live subscribers.
type Publisher interface {
	Publish(change StatusChange)
}

// Dependencies collects the orchestrator's collaborators. Notifier and
// Publisher are optional.
type Dependencies struct {
	Store     Store
	Cipher    Cipher
	Authority Authority
	Gate      Admission
	Breakers  Breaker
	Policy    *retry.Policy
	Notifier  Notifier
	Publisher Publisher
}

// Config tunes the orchestrator.
type Config struct {
	SubmitTimeout       time.Duration
	RateLimitedMinDelay time.Duration
	DeferDelay          time.Duration
	DefaultMaxRetries   int
	DefaultStrategy     retry.Strategy
	DefaultBaseDelay    time.Duration
	DiscardOnCancel     bool
	Purpose             string
}

func DefaultConfig() Config {
	return Config{
		SubmitTimeout:       30 * time.Second,
		RateLimitedMinDelay: 5 * time.Second,
		DeferDelay:          time.Second,
		DefaultMaxRetries:   3,
		DefaultStrategy:     retry.Exponential,
		DefaultBaseDelay:    time.Second,
		Purpose:             vault.PurposeTransmission,
	}
}

// Orchestrator drives transmissions through their state machine. All
// mutation of a transmission happens here.
type Orchestrator struct {
	store     Store
	cipher    Cipher
	authority Authority
	gate      Admission
	breakers  Breaker
	policy    *retry.Policy
	notifier  Notifier
	publisher Publisher

	cfg   Config
	now   func() time.Time
	log   zerolog.Logger
	after AfterFunc
	dest  func(Transmission) string

	leases  leases
	cancels sync.Map // id -> reason
	sched   *Scheduler
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l.With().Str("component", "orchestrator").Logger() }
}

// WithAfterFunc replaces the timer used for retry scheduling.
func WithAfterFunc(f AfterFunc) Option {
	return func(o *Orchestrator) { o.after = f }
}

// WithDestination chooses the admission scope and breaker destination for
// a transmission. The default is the organization scope.
func WithDestination(f func(Transmission) string) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.dest = f
		}
	}
}

func New(deps Dependencies, cfg Config, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("transmission: store is required")
	case deps.Cipher == nil:
		return nil, errors.New("transmission: cipher is required")
	case deps.Authority == nil:
		return nil, errors.New("transmission: authority is required")
	case deps.Gate == nil:
		return nil, errors.New("transmission: admission gate is required")
	case deps.Breakers == nil:
		return nil, errors.New("transmission: breakers are required")
	}
	def := DefaultConfig()
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.RateLimitedMinDelay <= 0 {
		cfg.RateLimitedMinDelay = def.RateLimitedMinDelay
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = def.DeferDelay
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = def.DefaultStrategy
	}
	if cfg.DefaultBaseDelay <= 0 {
		cfg.DefaultBaseDelay = def.DefaultBaseDelay
	}
	if cfg.Purpose == "" {
		cfg.Purpose = def.Purpose
	}
	policy := deps.Policy
	if policy == nil {
		policy = retry.NewPolicy()
	}
	o := &Orchestrator{
		store:     deps.Store,
		cipher:    deps.Cipher,
		authority: deps.Authority,
		gate:      deps.Gate,
		breakers:  deps.Breakers,
		policy:    policy,
		notifier:  deps.Notifier,
		publisher: deps.Publisher,
		cfg:       cfg,
		now:       time.Now,
		log:       zerolog.Nop(),
		dest:      func(t Transmission) string { return ratelimit.OrgScope(t.OrganizationID) },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.sched = NewScheduler(o.after, o.now)
	return o, nil
}

// Start reschedules transmissions left waiting by a previous process.
func (o *Orchestrator) Start(ctx context.Context) error {
	waiting, err := o.store.List(ctx, Filter{Statuses: []Status{StatusRetrying, StatusInProgress}})
	if err != nil {
		return fmt.Errorf("list waiting transmissions: %w", err)
	}
	now := o.now()
	for _, t := range waiting {
		if t.Status == StatusInProgress {
			// No attempt survives a restart; resume without charging a retry.
			t.Status = StatusRetrying
			t.NextAttemptAt = &now
			var err error
			t, err = o.save(ctx, t, StatusInProgress, "resumed after restart", "")
			if err != nil {
				o.log.Error().Err(err).Str("transmission_id", t.ID).Msg("resume failed")
				continue
			}
		}
		delay := time.Duration(0)
		if t.NextAttemptAt != nil {
			delay = t.NextAttemptAt.Sub(now)
		}
		o.schedule(t.ID, delay)
	}
	o.log.Info().Int("resumed", len(waiting)).Msg("orchestrator started")
	return nil
}

// Stop cancels pending retries and waits for scheduled attempts to finish.
func (o *Orchestrator) Stop() {
	o.sched.Stop()
}

func (o *Orchestrator) Get(ctx context.Context, id string) (Transmission, error) {
	return o.store.Get(ctx, id)
}

func (o *Orchestrator) History(ctx context.Context, id string) ([]StatusRecord, error) {
	return o.store.History(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context, f Filter) ([]Transmission, error) {
	return o.store.List(ctx, f)
}

// NextAttempt reports when the scheduled retry for id will run.
func (o *Orchestrator) NextAttempt(id string) (time.Time, bool) {
	return o.sched.Due(id)
}

// Enqueue creates a PENDING transmission with its payload sealed at rest.
func (o *Orchestrator) Enqueue(ctx context.Context, n NewTransmission) (Transmission, error) {
	if n.MaxRetries == 0 {
		n.MaxRetries = o.cfg.DefaultMaxRetries
	}
	if n.Strategy == "" {
		n.Strategy = o.cfg.DefaultStrategy
	}
	if n.BaseDelay == 0 {
		n.BaseDelay = o.cfg.DefaultBaseDelay
	}
	if err := n.Validate(); err != nil {
		return Transmission{}, err
	}
	id := strings.TrimSpace(n.ID)
	if id == "" {
		id = ids.NewWithPrefix(ids.PrefixTransmission)
	}
	keyID, sealed, err := o.cipher.Encrypt(ctx, o.cfg.Purpose, n.Payload, o.encContext(id, n.OrganizationID))
	if err != nil {
		return Transmission{}, err
	}
	now := o.now()
	t := Transmission{
		ID:             id,
		OrganizationID: n.OrganizationID,
		IRN:            n.IRN,
		SourceType:     n.SourceType,
		SourceID:       n.SourceID,
		Ciphertext:     sealed,
		KeyID:          keyID,
		PayloadSize:    int64(len(n.Payload)),
		Status:         StatusPending,
		MaxRetries:     n.MaxRetries,
		Strategy:       n.Strategy,
		BaseDelay:      n.BaseDelay,
		WebhookURL:     n.WebhookURL,
		WebhookEnabled: n.WebhookEnabled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rec := StatusRecord{
		ID:             ids.NewWithPrefix(ids.PrefixStatus),
		TransmissionID: id,
		To:             StatusPending,
		Reason:         "enqueued",
		At:             now,
	}
	if err := o.store.Create(ctx, t, rec); err != nil {
		return Transmission{}, err
	}
	t.Version = 1
	_ = audit.LogEvent(ctx, "transmission.enqueued", map[string]any{
		"transmission_id": id,
		"organization_id": t.OrganizationID,
		"key_id":          keyID,
		"payload_bytes":   t.PayloadSize,
	})
	if o.publisher != nil {
		o.publisher.Publish(o.change(t, "", "enqueued", ""))
	}
	return t, nil
}

func (o *Orchestrator) encContext(id, org string) map[string]string {
	return map[string]string{"transmission_id": id, "organization_id": org}
}

// Submit runs the first attempt for a PENDING transmission. Admission,
// breaker and lease rejections are returned synchronously and leave the
// transmission untouched. Authority failures are recorded on the returned
// transmission, not returned as errors.
func (o *Orchestrator) Submit(ctx context.Context, id string) (Transmission, error) {
	return o.SubmitWith(ctx, id, Policy{})
}

// Policy replaces the retry strategy and base delay of a transmission when
// its first attempt starts. Zero fields keep the stored values.
type Policy struct {
	Strategy  retry.Strategy
	BaseDelay time.Duration
}

// SubmitWith is Submit with the retry policy of the transmission replaced as
// part of the attempt's IN_PROGRESS write.
func (o *Orchestrator) SubmitWith(ctx context.Context, id string, p Policy) (Transmission, error) {
	t, err := o.store.Get(ctx, id)
	if err != nil {
		return Transmission{}, err
	}
	switch t.Status {
	case StatusPending:
	case StatusCompleted, StatusCanceled:
		return t, ErrTerminal
	case StatusFailed:
		return t, ErrForceRequired
	case StatusRetrying:
		return t, ErrScheduled
	default:
		return t, ErrBusy
	}

	s, err := o.admit(ctx, t)
	if err != nil {
		// A cancel recorded while admit held the lease is applied now.
		if !errors.Is(err, ErrBusy) && o.applyPendingCancel(ctx, id) {
			if cur, gerr := o.store.Get(ctx, id); gerr == nil {
				t = cur
			}
		}
		return t, err
	}
	s.policy = p
	return o.run(ctx, s)
}

// slot is a granted attempt: lease, admission and breaker permission.
type slot struct {
	t       Transmission
	policy  Policy
	release func()
	done    func(retry.Outcome)
}

// admit takes the lease, re-reads the record under it and asks the gate and
// the breaker, in that order. Any rejection releases what was taken.
func (o *Orchestrator) admit(ctx context.Context, t Transmission) (*slot, error) {
	releaseLease, ok := o.leases.acquire(t.ID)
	if !ok {
		return nil, ErrBusy
	}
	fresh, err := o.store.Get(ctx, t.ID)
	if err != nil {
		releaseLease()
		return nil, err
	}
	if fresh.Status != t.Status || fresh.Version != t.Version {
		releaseLease()
		return nil, ErrConflict
	}
	dest := o.dest(fresh)
	releaseGate, err := o.gate.Admit(dest, fresh.PayloadSize)
	if err != nil {
		releaseLease()
		return nil, err
	}
	done, err := o.breakers.Acquire(dest)
	if err != nil {
		releaseGate()
		releaseLease()
		return nil, err
	}
	return &slot{
		t:    fresh,
		done: done,
		release: func() {
			releaseGate()
			releaseLease()
		},
	}, nil
}

// followUp is work scheduled for a transmission once its slot is released.
type followUp struct {
	delay time.Duration
	fn    func(ctx context.Context)
}

// run performs the attempt, releases the slot, then schedules any follow-up
// so the scheduled task never races the lease.
func (o *Orchestrator) run(ctx context.Context, s *slot) (Transmission, error) {
	t, next, err := o.attempt(ctx, s)
	s.release()
	if next != nil {
		o.sched.Schedule(t.ID, next.delay, next.fn)
	}
	o.applyPendingCancel(ctx, t.ID)
	return t, err
}

func (o *Orchestrator) attempt(ctx context.Context, s *slot) (Transmission, *followUp, error) {
	t := s.t
	if reason, ok := o.cancels.LoadAndDelete(t.ID); ok {
		s.done(retry.Skipped)
		t, err := o.cancelLocked(ctx, t, reason.(string))
		return t, nil, err
	}

	from := t.Status
	if s.policy.Strategy != "" {
		t.Strategy = s.policy.Strategy
	}
	if s.policy.BaseDelay != 0 {
		t.BaseDelay = s.policy.BaseDelay
	}
	t.Status = StatusInProgress
	t.NextAttemptAt = nil
	t, err := o.save(ctx, t, from, "attempt started", "")
	if err != nil {
		s.done(retry.Skipped)
		var next *followUp
		if from == StatusRetrying && !errors.Is(err, ErrTerminal) && !errors.Is(err, ErrNotFound) {
			// Nothing was sent; try the scheduled attempt again later.
			next = &followUp{delay: o.cfg.DeferDelay, fn: o.scheduledRun(s.t.ID)}
		}
		return s.t, next, err
	}

	keyID, sealed, err := o.reseal(ctx, t)
	if err != nil {
		s.done(retry.Skipped)
		t.Status = StatusFailed
		t.LastError = lastErrorOf(err)
		return o.finish(ctx, t, t.LastError.Message, t.LastError.Kind, 0, false)
	}
	t.KeyID, t.Ciphertext = keyID, sealed

	// The call is detached from the caller so a disconnecting client cannot
	// abandon a request mid-flight; SubmitTimeout bounds it instead.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SubmitTimeout)
	resp, callErr := o.authority.Submit(callCtx, authority.Request{
		TransmissionID: t.ID,
		OrganizationID: t.OrganizationID,
		IRN:            t.IRN,
		KeyID:          t.KeyID,
		Ciphertext:     t.Ciphertext,
		Attempt:        t.RetryCount + 1,
	})
	cancel()
	outcome := retry.Classify(callErr)
	s.done(outcome)
	obs.AuthorityRequests.WithLabelValues(outcome.String()).Inc()

	return o.resolve(ctx, t, outcome, resp, callErr)
}

// reseal opens the stored envelope and seals it again under the current key.
func (o *Orchestrator) reseal(ctx context.Context, t Transmission) (string, []byte, error) {
	plain, err := o.cipher.Decrypt(ctx, t.Ciphertext, t.KeyID)
	if err != nil {
		return "", nil, err
	}
	return o.cipher.Encrypt(ctx, o.cfg.Purpose, plain, o.encContext(t.ID, t.OrganizationID))
}

func (o *Orchestrator) resolve(ctx context.Context, t Transmission, outcome retry.Outcome, resp authority.Response, callErr error) (Transmission, *followUp, error) {
	cancelReason, canceled := o.cancels.LoadAndDelete(t.ID)
	var (
		delay  time.Duration
		again  bool
		reason string
	)
	switch {
	case outcome == retry.Success:
		t.Status = StatusCompleted
		t.LastError = nil
		t.AuthorityReference = resp.Reference
		reason = "accepted by authority"
	case canceled:
		t.Status = StatusCanceled
		t.LastError = lastErrorOf(callErr)
		reason = "canceled: " + cancelReason.(string)
	case outcome.Retryable() && t.RetryCount < t.MaxRetries:
		delay = o.policy.Delay(t.Strategy, t.RetryCount, t.BaseDelay)
		if outcome == retry.RateLimited {
			delay = max(delay, o.cfg.RateLimitedMinDelay, resp.RetryAfter)
		}
		t.RetryCount++
		t.Status = StatusRetrying
		next := o.now().Add(delay)
		t.NextAttemptAt = &next
		t.LastError = lastErrorOf(callErr)
		reason = t.LastError.Message
		again = true
	default:
		t.Status = StatusFailed
		t.LastError = lastErrorOf(callErr)
		reason = t.LastError.Message
		if outcome.Retryable() {
			reason = "retries exhausted: " + reason
		}
	}
	var kind faults.Kind
	if t.LastError != nil {
		kind = t.LastError.Kind
	}
	return o.finish(ctx, t, reason, kind, delay, again)
}

// finish persists the outcome of an attempt that left IN_PROGRESS. When the
// store fails the outcome is kept and persisted again later, so the record
// does not stay IN_PROGRESS with nothing scheduled.
func (o *Orchestrator) finish(ctx context.Context, t Transmission, reason string, kind faults.Kind, delay time.Duration, again bool) (Transmission, *followUp, error) {
	saved, err := o.save(ctx, t, StatusInProgress, reason, kind)
	if err != nil {
		if settled(err) {
			return t, nil, err
		}
		return t, &followUp{delay: o.cfg.DeferDelay, fn: func(ctx context.Context) { o.settle(ctx, t, reason, kind) }}, err
	}
	if again {
		return saved, &followUp{delay: delay, fn: o.scheduledRun(saved.ID)}, nil
	}
	return saved, nil, nil
}

// settled reports store errors that no later write can fix.
func settled(err error) bool {
	return errors.Is(err, ErrTerminal) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidTransition)
}

// settle retries persisting an attempt outcome that the store rejected.
func (o *Orchestrator) settle(ctx context.Context, t Transmission, reason string, kind faults.Kind) {
	retryLater := func() {
		o.sched.Schedule(t.ID, o.cfg.DeferDelay, func(ctx context.Context) { o.settle(ctx, t, reason, kind) })
	}
	release, ok := o.leases.acquire(t.ID)
	if !ok {
		retryLater()
		return
	}
	saved, err := o.save(ctx, t, StatusInProgress, reason, kind)
	release()
	switch {
	case err == nil:
		o.log.Info().Str("transmission_id", t.ID).Str("status", string(saved.Status)).Msg("attempt outcome persisted")
		if saved.Status == StatusRetrying {
			wait := time.Duration(0)
			if saved.NextAttemptAt != nil {
				wait = saved.NextAttemptAt.Sub(o.now())
			}
			o.schedule(saved.ID, wait)
		}
		o.applyPendingCancel(ctx, t.ID)
	case settled(err):
		o.log.Error().Err(err).Str("transmission_id", t.ID).Msg("attempt outcome dropped")
	default:
		o.log.Warn().Err(err).Str("transmission_id", t.ID).Msg("attempt outcome not persisted; retrying")
		retryLater()
	}
}

func (o *Orchestrator) schedule(id string, delay time.Duration) {
	o.sched.Schedule(id, delay, o.scheduledRun(id))
}

func (o *Orchestrator) scheduledRun(id string) func(ctx context.Context) {
	return func(ctx context.Context) { o.runScheduled(ctx, id) }
}

// runScheduled is the RETRYING -> IN_PROGRESS edge.
func (o *Orchestrator) runScheduled(ctx context.Context, id string) {
	t, err := o.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return
		}
		o.log.Error().Err(err).Str("transmission_id", id).Msg("scheduled retry lookup failed")
		o.schedule(id, o.cfg.DeferDelay)
		return
	}
	if t.Status != StatusRetrying {
		return
	}
	if t.NextAttemptAt != nil {
		if wait := t.NextAttemptAt.Sub(o.now()); wait > 0 {
			o.schedule(id, wait)
			return
		}
	}
	s, err := o.admit(ctx, t)
	if err != nil {
		var (
			rejected *ratelimit.RejectedError
			open     *retry.CircuitOpenError
		)
		wait := o.cfg.DeferDelay
		switch {
		case errors.As(err, &rejected):
			wait = max(wait, rejected.RetryAfter)
		case errors.As(err, &open):
			wait = max(wait, open.RetryAfter)
		case errors.Is(err, ErrBusy), errors.Is(err, ErrConflict):
		default:
			o.log.Error().Err(err).Str("transmission_id", id).Msg("scheduled retry failed")
		}
		if !errors.Is(err, ErrBusy) && o.applyPendingCancel(ctx, id) {
			return
		}
		o.log.Debug().Err(err).Str("transmission_id", id).Dur("wait", wait).Msg("scheduled retry deferred")
		o.schedule(id, wait)
		return
	}
	if _, err := o.run(ctx, s); err != nil {
		o.log.Error().Err(err).Str("transmission_id", id).Msg("scheduled attempt failed")
	}
}

// Retry is the operator retry. FAILED transmissions require force, which
// grants a fresh budget of MaxRetries on top of the current count.
func (o *Orchestrator) Retry(ctx context.Context, id string, req RetryRequest) (Transmission, error) {
	if err := req.Validate(); err != nil {
		return Transmission{}, err
	}
	release, ok := o.leases.acquire(id)
	if !ok {
		return Transmission{}, ErrBusy
	}
	defer release()

	t, err := o.store.Get(ctx, id)
	if err != nil {
		return Transmission{}, err
	}
	if reason, ok := o.cancels.LoadAndDelete(id); ok && !t.Status.Terminal() {
		// A cancel that arrived while this retry held the lease wins.
		t, err = o.cancelLocked(ctx, t, reason.(string))
		if err != nil {
			return t, err
		}
		return t, ErrTerminal
	}
	from := t.Status
	if req.Strategy != "" {
		t.Strategy = req.Strategy
	}
	if req.BaseDelay != 0 {
		t.BaseDelay = req.BaseDelay
	}

	increment := true
	switch from {
	case StatusCompleted, StatusCanceled:
		return t, ErrTerminal
	case StatusInProgress:
		if !req.Force {
			return t, ErrBusy
		}
		t.MaxRetries = t.RetryCount + budget(req.MaxRetries, t.MaxRetries)
	case StatusFailed:
		if !req.Force {
			return t, ErrForceRequired
		}
		t.MaxRetries = t.RetryCount + budget(req.MaxRetries, t.MaxRetries)
	case StatusRetrying:
		increment = false
		if req.MaxRetries != 0 {
			t.MaxRetries = max(req.MaxRetries, t.RetryCount)
		}
	case StatusPending:
		switch {
		case req.Force:
			t.MaxRetries = t.RetryCount + budget(req.MaxRetries, t.MaxRetries)
		case req.MaxRetries != 0:
			t.MaxRetries = req.MaxRetries
		}
	}
	index := t.RetryCount
	if !increment && index > 0 {
		index--
	}
	if increment {
		if t.RetryCount+1 > t.MaxRetries {
			return t, ErrRetriesExhausted
		}
		t.RetryCount++
	}

	delay := o.policy.Delay(t.Strategy, index, t.BaseDelay)
	next := o.now().Add(delay)
	t.Status = StatusRetrying
	t.NextAttemptAt = &next

	reason := "operator retry"
	if req.Force {
		reason = "operator retry (force)"
	}
	if req.Reason != "" {
		reason += ": " + req.Reason
	}
	t, err = o.save(ctx, t, from, reason, "")
	if err != nil {
		return t, err
	}
	release()
	o.schedule(id, delay)
	if o.applyPendingCancel(ctx, id) {
		if cur, gerr := o.store.Get(ctx, id); gerr == nil {
			t = cur
		}
	}
	return t, nil
}

func budget(requested, current int) int {
	if requested > 0 {
		return requested
	}
	if current > 0 {
		return current
	}
	return 1
}

// Cancel moves a non-terminal transmission to CANCELED. When an attempt is
// in flight the request is recorded and applied once the call returns;
// deferred reports that case.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (t Transmission, deferred bool, err error) {
	if strings.TrimSpace(reason) == "" {
		reason = "operator request"
	}
	t, err = o.store.Get(ctx, id)
	if err != nil {
		return Transmission{}, false, err
	}
	if t.Status.Terminal() {
		return t, false, ErrTerminal
	}
	release, ok := o.leases.acquire(id)
	if !ok {
		o.cancels.Store(id, reason)
		if !o.leases.isHeld(id) {
			// The attempt finished between the lookup and the flag.
			o.applyPendingCancel(ctx, id)
			t, err = o.store.Get(ctx, id)
			return t, false, err
		}
		o.log.Info().Str("transmission_id", id).Msg("cancel deferred until attempt completes")
		return t, true, nil
	}
	defer release()
	t, err = o.store.Get(ctx, id)
	if err != nil {
		return Transmission{}, false, err
	}
	if t.Status.Terminal() {
		return t, false, ErrTerminal
	}
	t, err = o.cancelLocked(ctx, t, reason)
	return t, false, err
}

// cancelLocked requires the caller to hold the lease for t.
func (o *Orchestrator) cancelLocked(ctx context.Context, t Transmission, reason string) (Transmission, error) {
	o.sched.Cancel(t.ID)
	o.cancels.Delete(t.ID)
	// Discard before the transition so the CANCELED notification itself is kept.
	if o.cfg.DiscardOnCancel {
		if d, ok := o.notifier.(Discarder); ok {
			if n := d.Discard(t.ID); n > 0 {
				o.log.Info().Str("transmission_id", t.ID).Int("discarded", n).Msg("queued webhooks discarded")
			}
		}
	}
	from := t.Status
	t.Status = StatusCanceled
	t.NextAttemptAt = nil
	return o.save(ctx, t, from, "canceled: "+reason, faults.KindCanceled)
}

// applyPendingCancel handles a cancel recorded while the lease was held by
// someone past their own checkpoint. It reports whether a cancel was found.
func (o *Orchestrator) applyPendingCancel(ctx context.Context, id string) bool {
	v, ok := o.cancels.LoadAndDelete(id)
	if !ok {
		return false
	}
	if _, _, err := o.Cancel(ctx, id, v.(string)); err != nil && !errors.Is(err, ErrTerminal) {
		o.log.Warn().Err(err).Str("transmission_id", id).Msg("deferred cancel failed")
	}
	return true
}

// save persists a transition and emits it to audit, metrics, subscribers
// and the webhook notifier.
func (o *Orchestrator) save(ctx context.Context, t Transmission, from Status, reason string, kind faults.Kind) (Transmission, error) {
	if from != t.Status && !CanTransition(from, t.Status) {
		return t, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, t.Status)
	}
	now := o.now()
	t.UpdatedAt = now
	rec := StatusRecord{
		ID:             ids.NewWithPrefix(ids.PrefixStatus),
		TransmissionID: t.ID,
		From:           from,
		To:             t.Status,
		RetryCount:     t.RetryCount,
		Reason:         reason,
		ErrorKind:      kind,
		At:             now,
	}
	saved, err := o.store.Save(ctx, t, &rec)
	if err != nil {
		return t, err
	}

	obs.TransmissionTransitions.WithLabelValues(string(from), string(saved.Status)).Inc()
	_ = audit.LogEvent(ctx, "transmission.status_changed", map[string]any{
		"transmission_id": saved.ID,
		"organization_id": saved.OrganizationID,
		"from":            string(from),
		"to":              string(saved.Status),
		"retry_count":     saved.RetryCount,
		"max_retries":     saved.MaxRetries,
		"reason":          reason,
		"error_kind":      string(kind),
	})
	change := o.change(saved, from, reason, kind)
	if o.publisher != nil {
		o.publisher.Publish(change)
	}
	if o.notifier != nil && saved.WebhookEnabled && saved.WebhookURL != "" {
		o.notifier.Notify(ctx, change)
	}
	return saved, nil
}

func (o *Orchestrator) change(t Transmission, from Status, msg string, kind faults.Kind) StatusChange {
	return StatusChange{
		TransmissionID: t.ID,
		OrganizationID: t.OrganizationID,
		IRN:            t.IRN,
		SourceType:     t.SourceType,
		SourceID:       t.SourceID,
		From:           from,
		To:             t.Status,
		RetryCount:     t.RetryCount,
		Message:        msg,
		ErrorKind:      kind,
		At:             t.UpdatedAt,
		WebhookURL:     t.WebhookURL,
		WebhookEnabled: t.WebhookEnabled,
	}
}
