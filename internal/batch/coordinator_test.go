package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"invoicegate.org/internal/faults"
	"invoicegate.org/internal/ratelimit"
	"invoicegate.org/internal/retry"
	"invoicegate.org/internal/transmission"
)

type fakeOrchestrator struct {
	items []transmission.Transmission

	mu       sync.Mutex
	calls    []string
	retries  []transmission.RetryRequest
	policies []transmission.Policy
	submit   func(id string) (transmission.Transmission, error)

	inFlight atomic.Int32
	peak     atomic.Int32
	hold     time.Duration
	gate     chan struct{}
}

func (f *fakeOrchestrator) List(ctx context.Context, flt transmission.Filter) ([]transmission.Transmission, error) {
	var out []transmission.Transmission
	for _, t := range f.items {
		for _, s := range flt.Statuses {
			if t.Status == s && (flt.OrganizationID == "" || flt.OrganizationID == t.OrganizationID) {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (f *fakeOrchestrator) enter(id string) {
	n := f.inFlight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	if f.hold > 0 {
		time.Sleep(f.hold)
	}
	f.inFlight.Add(-1)
}

func (f *fakeOrchestrator) SubmitWith(ctx context.Context, id string, p transmission.Policy) (transmission.Transmission, error) {
	f.enter(id)
	f.mu.Lock()
	f.policies = append(f.policies, p)
	f.mu.Unlock()
	if f.submit != nil {
		return f.submit(id)
	}
	return transmission.Transmission{ID: id, Status: transmission.StatusCompleted}, nil
}

func (f *fakeOrchestrator) Retry(ctx context.Context, id string, req transmission.RetryRequest) (transmission.Transmission, error) {
	f.enter(id)
	f.mu.Lock()
	f.retries = append(f.retries, req)
	f.mu.Unlock()
	return transmission.Transmission{ID: id, Status: transmission.StatusRetrying}, nil
}

func (f *fakeOrchestrator) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func seed(n int, status transmission.Status, prefix string) []transmission.Transmission {
	out := make([]transmission.Transmission, n)
	for i := range out {
		out[i] = transmission.Transmission{ID: fmt.Sprintf("%s%02d", prefix, i), OrganizationID: "org-1", Status: status}
	}
	return out
}

func waitJob(t *testing.T, c *Coordinator, id string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		j, err := c.Job(id)
		if err != nil {
			t.Fatalf("job: %v", err)
		}
		if j.Finished() {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish: %+v", j)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newCoordinator(t *testing.T, orch Orchestrator) *Coordinator {
	t.Helper()
	c, err := New(orch, Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)
	return c
}

func TestBatchesRespectConcurrencyCeiling(t *testing.T) {
	orch := &fakeOrchestrator{items: seed(20, transmission.StatusPending, "p"), hold: 5 * time.Millisecond}
	c := newCoordinator(t, orch)

	job, err := c.Process(Request{BatchSize: 2, MaxConcurrentBatches: 3})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	done := waitJob(t, c, job.ID)
	if done.Status != JobCompleted {
		t.Fatalf("unexpected status %s", done.Status)
	}
	if done.Batches != 10 || done.Counters.Total != 20 || done.Counters.Succeeded != 20 {
		t.Fatalf("unexpected job %+v", done)
	}
	if peak := orch.peak.Load(); peak > 3 || peak < 1 {
		t.Fatalf("peak concurrency %d exceeds ceiling", peak)
	}
	if done.Counters.AverageProcessingTime() <= 0 {
		t.Fatal("average processing time not recorded")
	}
}

func TestPrioritizeFailedOrdersWork(t *testing.T) {
	items := append(seed(3, transmission.StatusPending, "p"), seed(2, transmission.StatusFailed, "f")...)
	orch := &fakeOrchestrator{items: items}
	c := newCoordinator(t, orch)

	job, err := c.Process(Request{
		BatchSize:            200,
		MaxConcurrentBatches: 1,
		PrioritizeFailed:     true,
		RetryStrategy:        retry.Linear,
	})
	if err != nil {
		t.Fatal(err)
	}
	done := waitJob(t, c, job.ID)

	order := strings.Join(orch.callOrder(), ",")
	if order != "f00,f01,p00,p01,p02" {
		t.Fatalf("unexpected order %s", order)
	}
	if done.Counters.Deferred != 2 || done.Counters.Succeeded != 3 {
		t.Fatalf("unexpected counters %+v", done.Counters)
	}
	for _, r := range orch.retries {
		if !r.Force || r.Strategy != retry.Linear {
			t.Fatalf("failed items must be force-retried with the requested strategy: %+v", r)
		}
	}
	if len(orch.policies) != 3 {
		t.Fatalf("expected 3 pending submissions, got %d", len(orch.policies))
	}
	for _, p := range orch.policies {
		if p.Strategy != retry.Linear {
			t.Fatalf("pending items must be submitted with the requested strategy: %+v", p)
		}
	}
}

func TestMaxTransmissionsAndFilter(t *testing.T) {
	items := append(seed(5, transmission.StatusPending, "p"), seed(5, transmission.StatusFailed, "f")...)
	orch := &fakeOrchestrator{items: items}
	c := newCoordinator(t, orch)

	job, err := c.Process(Request{StatusFilter: []transmission.Status{transmission.StatusFailed}, MaxTransmissions: 3})
	if err != nil {
		t.Fatal(err)
	}
	done := waitJob(t, c, job.ID)
	if done.Counters.Total != 3 {
		t.Fatalf("expected 3 selected, got %d", done.Counters.Total)
	}
	for _, id := range orch.callOrder() {
		if !strings.HasPrefix(id, "f") {
			t.Fatalf("pending item %s selected by failed filter", id)
		}
	}
}

func TestOutcomesAreCountedAndBatchContinues(t *testing.T) {
	orch := &fakeOrchestrator{items: seed(7, transmission.StatusPending, "p")}
	orch.submit = func(id string) (transmission.Transmission, error) {
		switch id {
		case "p00":
			return transmission.Transmission{ID: id, Status: transmission.StatusCompleted}, nil
		case "p01":
			return transmission.Transmission{ID: id, Status: transmission.StatusFailed,
				LastError: &transmission.LastError{Kind: faults.KindValidation, Message: "bad tin"}}, nil
		case "p02":
			return transmission.Transmission{ID: id, Status: transmission.StatusRetrying}, nil
		case "p03":
			return transmission.Transmission{ID: id, Status: transmission.StatusPending}, &retry.CircuitOpenError{Destination: "org:org-1"}
		case "p04":
			return transmission.Transmission{ID: id, Status: transmission.StatusPending}, &ratelimit.RejectedError{Reason: ratelimit.ErrRateLimited}
		case "p05":
			return transmission.Transmission{ID: id}, transmission.ErrBusy
		}
		return transmission.Transmission{}, errors.New("store unavailable")
	}
	c := newCoordinator(t, orch)

	job, err := c.Process(Request{BatchSize: 1, MaxConcurrentBatches: 2})
	if err != nil {
		t.Fatal(err)
	}
	done := waitJob(t, c, job.ID)
	got := done.Counters
	if got.Processed != 7 || got.Succeeded != 1 || got.Failed != 2 || got.Deferred != 1 ||
		got.CircuitBreaks != 1 || got.RateLimited != 1 || got.Skipped != 1 {
		t.Fatalf("unexpected counters %+v", got)
	}
	if len(done.Errors) != 2 {
		t.Fatalf("expected 2 error samples, got %+v", done.Errors)
	}
	kinds := map[faults.Kind]bool{}
	for _, e := range done.Errors {
		kinds[e.Kind] = true
	}
	if !kinds[faults.KindValidation] || !kinds[faults.KindInternal] {
		t.Fatalf("unexpected error kinds %+v", done.Errors)
	}

	m := c.Metrics()
	if m.Total != 7 || m.CircuitBreaks != 1 {
		t.Fatalf("aggregate metrics %+v", m)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"average_processing_time_ms"`) || !strings.Contains(string(raw), `"circuit_breaks":1`) {
		t.Fatalf("metrics json %s", raw)
	}
}

func TestCancelJobStopsAtItemBoundary(t *testing.T) {
	orch := &fakeOrchestrator{items: seed(10, transmission.StatusPending, "p"), gate: make(chan struct{})}
	c := newCoordinator(t, orch)

	job, err := c.Process(Request{BatchSize: 10, MaxConcurrentBatches: 1})
	if err != nil {
		t.Fatal(err)
	}
	for orch.inFlight.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if _, err := c.CancelJob(job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(orch.gate)

	done := waitJob(t, c, job.ID)
	if done.Status != JobCanceled {
		t.Fatalf("expected canceled, got %s", done.Status)
	}
	if done.Counters.Processed != 1 {
		t.Fatalf("in-flight item should finish and no more start, processed=%d", done.Counters.Processed)
	}
	if _, err := c.CancelJob(job.ID); !errors.Is(err, ErrJobFinished) {
		t.Fatalf("second cancel: %v", err)
	}
	if _, err := c.CancelJob("job_missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("missing job: %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	c := newCoordinator(t, &fakeOrchestrator{})
	cases := map[string]Request{
		"status":      {StatusFilter: []transmission.Status{transmission.StatusCompleted}},
		"max":         {MaxTransmissions: 1001},
		"batch size":  {BatchSize: 201},
		"concurrency": {MaxConcurrentBatches: 11},
		"strategy":    {RetryStrategy: "fibonacci"},
		"base delay":  {RetryBaseDelay: time.Minute},
	}
	for name, req := range cases {
		if _, err := c.Process(req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}
}

func TestProcessAfterStop(t *testing.T) {
	c, err := New(&fakeOrchestrator{}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	c.Stop()
	if _, err := c.Process(Request{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
