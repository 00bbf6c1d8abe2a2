package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	s := New[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)
	s.Publish("hello")

	for _, ch := range []<-chan string{a, b} {
		select {
		case got := <-ch:
			if got != "hello" {
				t.Fatalf("got %q", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	s := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Subscribe(ctx)

	for i := 0; i < DefaultBuffer+5; i++ {
		s.Publish(i)
	}
	if got := s.Dropped(); got != 5 {
		t.Fatalf("expected 5 dropped, got %d", got)
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	s := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if n := s.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}
