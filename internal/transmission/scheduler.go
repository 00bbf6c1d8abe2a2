package transmission

import (
	"context"
	"sync"
	"time"
)

// Timer is the subset of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

// AfterFunc starts f after d. time.AfterFunc satisfies it.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type task struct {
	gen   uint64
	timer Timer
	due   time.Time
}

// Scheduler supervises delayed tasks keyed by transmission id. At most one
// task is pending per id; scheduling again replaces it.
type Scheduler struct {
	after AfterFunc
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*task
	gen    uint64
	closed bool
	wg     sync.WaitGroup
}

func NewScheduler(after AfterFunc, now func() time.Time) *Scheduler {
	if after == nil {
		after = realAfterFunc
	}
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		after:  after,
		now:    now,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*task),
	}
}

// Schedule runs fn for id after d. It returns false once the scheduler has
// been stopped.
func (s *Scheduler) Schedule(id string, d time.Duration, fn func(ctx context.Context)) bool {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if prev, ok := s.tasks[id]; ok {
		prev.timer.Stop()
	}
	s.gen++
	gen := s.gen
	t := &task{gen: gen, due: s.now().Add(d)}
	s.tasks[id] = t
	t.timer = s.after(d, func() { s.fire(id, gen, fn) })
	return true
}

func (s *Scheduler) fire(id string, gen uint64, fn func(ctx context.Context)) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, id)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	fn(s.ctx)
}

// Cancel drops the pending task for id, if any.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, id)
	return true
}

// Due reports when the pending task for id will run.
func (s *Scheduler) Due(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return time.Time{}, false
	}
	return t.due, true
}

// Pending returns the number of scheduled tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels pending timers and waits for running tasks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	for id, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
