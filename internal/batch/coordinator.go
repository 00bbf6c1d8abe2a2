// Package batch drives many pending or failed transmissions through the
// orchestrator within a concurrency ceiling and aggregates their outcomes.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"invoicegate.org/internal/faults"
	"invoicegate.org/internal/ids"
	"invoicegate.org/internal/obs"
	"invoicegate.org/internal/ratelimit"
	"invoicegate.org/internal/retry"
	"invoicegate.org/internal/transmission"
)

// Orchestrator is the part of the transmission orchestrator a batch uses.
type Orchestrator interface {
	List(ctx context.Context, f transmission.Filter) ([]transmission.Transmission, error)
	SubmitWith(ctx context.Context, id string, p transmission.Policy) (transmission.Transmission, error)
	Retry(ctx context.Context, id string, req transmission.RetryRequest) (transmission.Transmission, error)
}

// JobStatus of a batch job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobCanceled  JobStatus = "canceled"
	JobFailed    JobStatus = "failed"
)

var (
	ErrJobNotFound = errors.New("batch job not found")
	ErrJobFinished = errors.New("batch job already finished")
	ErrStopped     = errors.New("batch coordinator stopped")
)

const maxErrorSamples = 20

// ItemError samples a per-transmission failure.
type ItemError struct {
	TransmissionID string      `json:"transmission_id"`
	Kind           faults.Kind `json:"kind"`
	Message        string      `json:"message"`
}

// Counters aggregate item outcomes.
type Counters struct {
	Total         int `json:"total"`
	Processed     int `json:"processed"`
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`
	Deferred      int `json:"deferred"`
	CircuitBreaks int `json:"circuit_breaks"`
	RateLimited   int `json:"rate_limited"`
	Skipped       int `json:"skipped"`

	processingTotal time.Duration
}

// AverageProcessingTime is the mean wall time spent per processed item.
func (c Counters) AverageProcessingTime() time.Duration {
	if c.Processed == 0 {
		return 0
	}
	return c.processingTotal / time.Duration(c.Processed)
}

func (c Counters) MarshalJSON() ([]byte, error) {
	type plain Counters
	return json.Marshal(struct {
		plain
		AverageProcessingMS float64 `json:"average_processing_time_ms"`
	}{plain(c), float64(c.AverageProcessingTime()) / float64(time.Millisecond)})
}

func (c *Counters) add(o Counters) {
	c.Total += o.Total
	c.Processed += o.Processed
	c.Succeeded += o.Succeeded
	c.Failed += o.Failed
	c.Deferred += o.Deferred
	c.CircuitBreaks += o.CircuitBreaks
	c.RateLimited += o.RateLimited
	c.Skipped += o.Skipped
	c.processingTotal += o.processingTotal
}

// Job is a pollable snapshot of a batch run.
type Job struct {
	ID         string      `json:"job_id"`
	Status     JobStatus   `json:"status"`
	Request    Request     `json:"request"`
	Counters   Counters    `json:"metrics"`
	Batches    int         `json:"batches"`
	Errors     []ItemError `json:"errors,omitempty"`
	Message    string      `json:"message,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// Finished reports whether the job reached a final status.
func (j Job) Finished() bool {
	return j.Status == JobCompleted || j.Status == JobCanceled || j.Status == JobFailed
}

type job struct {
	mu     sync.Mutex
	view   Job
	cancel context.CancelFunc
}

func (j *job) snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.view
	out.Errors = append([]ItemError(nil), j.view.Errors...)
	return out
}

// Config tunes the coordinator.
type Config struct {
	// Retain bounds how many finished jobs stay pollable.
	Retain int
}

// Coordinator runs batch jobs. Jobs run in the background; callers poll
// Job for progress.
type Coordinator struct {
	orch Orchestrator
	cfg  Config
	now  func() time.Time
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	jobs  map[string]*job
	order []string
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l.With().Str("component", "batch").Logger() }
}

func New(orch Orchestrator, cfg Config, opts ...Option) (*Coordinator, error) {
	if orch == nil {
		return nil, errors.New("batch: orchestrator is required")
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		orch:   orch,
		cfg:    cfg,
		now:    time.Now,
		log:    zerolog.Nop(),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Process validates req and starts a job. The returned snapshot is queued.
func (c *Coordinator) Process(req Request) (Job, error) {
	req = req.withDefaults()
	if err := req.Validate(); err != nil {
		return Job{}, err
	}
	if c.ctx.Err() != nil {
		return Job{}, ErrStopped
	}
	ctx, cancel := context.WithCancel(c.ctx)
	j := &job{
		view: Job{
			ID:        ids.NewWithPrefix(ids.PrefixJob),
			Status:    JobQueued,
			Request:   req,
			CreatedAt: c.now(),
		},
		cancel: cancel,
	}
	c.mu.Lock()
	c.jobs[j.view.ID] = j
	c.order = append(c.order, j.view.ID)
	c.pruneLocked()
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(ctx, j)
	}()
	return j.snapshot(), nil
}

// pruneLocked drops the oldest finished jobs beyond the retention bound.
func (c *Coordinator) pruneLocked() {
	excess := len(c.order) - c.cfg.Retain
	if excess <= 0 {
		return
	}
	kept := c.order[:0]
	for _, id := range c.order {
		if excess > 0 {
			if j := c.jobs[id]; j != nil && j.snapshot().Finished() {
				delete(c.jobs, id)
				excess--
				continue
			}
		}
		kept = append(kept, id)
	}
	c.order = kept
}

// Job returns the current snapshot of a job.
func (c *Coordinator) Job(id string) (Job, error) {
	c.mu.RLock()
	j, ok := c.jobs[id]
	c.mu.RUnlock()
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j.snapshot(), nil
}

// Jobs lists retained jobs, oldest first.
func (c *Coordinator) Jobs() []Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Job, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.jobs[id].snapshot())
	}
	return out
}

// Metrics folds the counters of every retained job.
func (c *Coordinator) Metrics() Counters {
	var total Counters
	for _, j := range c.Jobs() {
		total.add(j.Counters)
	}
	return total
}

// CancelJob stops a job at the next item boundary. In-flight submissions
// finish.
func (c *Coordinator) CancelJob(id string) (Job, error) {
	c.mu.RLock()
	j, ok := c.jobs[id]
	c.mu.RUnlock()
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if j.snapshot().Finished() {
		return j.snapshot(), ErrJobFinished
	}
	j.cancel()
	return j.snapshot(), nil
}

// Stop cancels running jobs and waits for them to return.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context, j *job) {
	started := c.now()
	j.mu.Lock()
	j.view.Status = JobRunning
	j.view.StartedAt = &started
	req := j.view.Request
	j.mu.Unlock()
	log := c.log.With().Str("job_id", j.view.ID).Logger()

	work, err := c.eligible(ctx, req)
	if err != nil {
		c.finish(j, JobFailed, err.Error())
		log.Error().Err(err).Msg("batch selection failed")
		return
	}
	batches := partition(work, req.BatchSize)
	j.mu.Lock()
	j.view.Counters.Total = len(work)
	j.view.Batches = len(batches)
	j.mu.Unlock()
	log.Info().Int("total", len(work)).Int("batches", len(batches)).Msg("batch job started")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(req.MaxConcurrentBatches)
	for _, b := range batches {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			for _, t := range b {
				if err := gctx.Err(); err != nil {
					return err
				}
				c.process(gctx, j, req, t)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil || ctx.Err() != nil {
		c.finish(j, JobCanceled, "canceled")
		log.Info().Msg("batch job canceled")
		return
	}
	c.finish(j, JobCompleted, "")
	snap := j.snapshot()
	log.Info().
		Int("succeeded", snap.Counters.Succeeded).
		Int("failed", snap.Counters.Failed).
		Int("circuit_breaks", snap.Counters.CircuitBreaks).
		Dur("avg_processing", snap.Counters.AverageProcessingTime()).
		Msg("batch job completed")
}

func (c *Coordinator) finish(j *job, status JobStatus, msg string) {
	now := c.now()
	j.mu.Lock()
	j.view.Status = status
	j.view.Message = msg
	j.view.FinishedAt = &now
	j.mu.Unlock()
}

// eligible lists matching transmissions, failed ones first when asked.
func (c *Coordinator) eligible(ctx context.Context, req Request) ([]transmission.Transmission, error) {
	items, err := c.orch.List(ctx, transmission.Filter{Statuses: req.StatusFilter, OrganizationID: req.OrganizationID})
	if err != nil {
		return nil, fmt.Errorf("list eligible transmissions: %w", err)
	}
	if req.PrioritizeFailed {
		sort.SliceStable(items, func(i, k int) bool {
			return items[i].Status == transmission.StatusFailed && items[k].Status != transmission.StatusFailed
		})
	}
	if len(items) > req.MaxTransmissions {
		items = items[:req.MaxTransmissions]
	}
	return items, nil
}

func partition(items []transmission.Transmission, size int) [][]transmission.Transmission {
	var out [][]transmission.Transmission
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// process drives one transmission and folds its outcome into the job. A
// failing item never stops the batch.
func (c *Coordinator) process(ctx context.Context, j *job, req Request, t transmission.Transmission) {
	start := c.now()
	var (
		res transmission.Transmission
		err error
	)
	switch t.Status {
	case transmission.StatusFailed:
		res, err = c.orch.Retry(ctx, t.ID, transmission.RetryRequest{
			Strategy:  req.RetryStrategy,
			BaseDelay: req.RetryBaseDelay,
			Force:     true,
			Reason:    "batch " + j.view.ID,
		})
	default:
		res, err = c.orch.SubmitWith(ctx, t.ID, transmission.Policy{
			Strategy:  req.RetryStrategy,
			BaseDelay: req.RetryBaseDelay,
		})
	}
	elapsed := c.now().Sub(start)

	result := classify(res, err)
	obs.BatchItems.WithLabelValues(result).Inc()

	j.mu.Lock()
	defer j.mu.Unlock()
	cnt := &j.view.Counters
	cnt.Processed++
	cnt.processingTotal += elapsed
	switch result {
	case "succeeded":
		cnt.Succeeded++
	case "deferred":
		cnt.Deferred++
	case "circuit_open":
		cnt.CircuitBreaks++
	case "rate_limited":
		cnt.RateLimited++
	case "skipped":
		cnt.Skipped++
	default:
		cnt.Failed++
		if len(j.view.Errors) < maxErrorSamples {
			j.view.Errors = append(j.view.Errors, itemError(t.ID, res, err))
		}
	}
}

func classify(res transmission.Transmission, err error) string {
	var (
		open     *retry.CircuitOpenError
		rejected *ratelimit.RejectedError
	)
	switch {
	case errors.As(err, &open):
		return "circuit_open"
	case errors.As(err, &rejected):
		return "rate_limited"
	case errors.Is(err, transmission.ErrBusy), errors.Is(err, transmission.ErrScheduled),
		errors.Is(err, transmission.ErrConflict), errors.Is(err, transmission.ErrTerminal):
		return "skipped"
	case err != nil:
		return "failed"
	}
	switch res.Status {
	case transmission.StatusCompleted:
		return "succeeded"
	case transmission.StatusRetrying:
		return "deferred"
	case transmission.StatusCanceled:
		return "skipped"
	}
	return "failed"
}

func itemError(id string, res transmission.Transmission, err error) ItemError {
	if err != nil {
		return ItemError{TransmissionID: id, Kind: faults.KindOf(err), Message: err.Error()}
	}
	if res.LastError != nil {
		return ItemError{TransmissionID: id, Kind: res.LastError.Kind, Message: res.LastError.Message}
	}
	return ItemError{TransmissionID: id, Kind: faults.KindInternal, Message: "transmission ended in " + string(res.Status)}
}
