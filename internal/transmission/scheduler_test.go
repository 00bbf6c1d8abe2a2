package transmission

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerReplacesPendingTask(t *testing.T) {
	clock := newFakeClock()
	timers := &fakeTimers{clock: clock}
	s := NewScheduler(timers.AfterFunc, clock.Now)
	defer s.Stop()

	var first, second atomic.Int32
	s.Schedule("trx_1", time.Second, func(context.Context) { first.Add(1) })
	s.Schedule("trx_1", 3*time.Second, func(context.Context) { second.Add(1) })
	if s.Pending() != 1 {
		t.Fatalf("expected one pending task, got %d", s.Pending())
	}
	due, ok := s.Due("trx_1")
	if !ok || !due.Equal(clock.Now().Add(3*time.Second)) {
		t.Fatalf("unexpected due %v %v", due, ok)
	}

	timers.FireAll()
	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("first=%d second=%d", first.Load(), second.Load())
	}
	if s.Pending() != 0 {
		t.Fatal("fired task still pending")
	}
}

func TestSchedulerCancelAndStop(t *testing.T) {
	clock := newFakeClock()
	timers := &fakeTimers{clock: clock}
	s := NewScheduler(timers.AfterFunc, clock.Now)

	var ran atomic.Int32
	s.Schedule("a", time.Second, func(context.Context) { ran.Add(1) })
	s.Schedule("b", time.Second, func(context.Context) { ran.Add(1) })
	if !s.Cancel("a") {
		t.Fatal("cancel reported nothing to cancel")
	}
	if s.Cancel("a") {
		t.Fatal("second cancel should be a no-op")
	}
	s.Stop()
	if s.Schedule("c", 0, func(context.Context) { ran.Add(1) }) {
		t.Fatal("schedule after stop must fail")
	}
	timers.FireAll()
	if ran.Load() != 0 {
		t.Fatalf("tasks ran after cancel/stop: %d", ran.Load())
	}
}

func TestSchedulerStopWaitsForRunningTask(t *testing.T) {
	s := NewScheduler(nil, nil)
	started := make(chan struct{})
	var finished atomic.Bool
	s.Schedule("slow", 0, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
	})
	<-started
	s.Stop()
	if !finished.Load() {
		t.Fatal("Stop returned before the running task finished")
	}
}
