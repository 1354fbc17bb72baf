package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestScheduler_OrdersTasksPerKey(t *testing.T) {
	s := NewScheduler(16)

	var mu sync.Mutex
	got := map[string][]int{}
	for i := 0; i < 10; i++ {
		for _, key := range []string{"a", "b"} {
			key, i := key, i
			if err := s.Enqueue(key, func(context.Context) {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			}); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, key := range []string{"a", "b"} {
		if len(got[key]) != 10 {
			t.Fatalf("expected 10 tasks for %s, got %d", key, len(got[key]))
		}
		for i, v := range got[key] {
			if v != i {
				t.Errorf("key %s: task %d ran at position %d", key, v, i)
			}
		}
	}
}

func TestScheduler_QueueFull(t *testing.T) {
	s := NewScheduler(1)
	release := make(chan struct{})
	started := make(chan struct{})

	if err := s.Enqueue("bot", func(context.Context) {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started

	if err := s.Enqueue("bot", func(context.Context) {}); err != nil {
		t.Fatalf("second enqueue should fill the queue: %v", err)
	}
	if err := s.Enqueue("bot", func(context.Context) {}); !errors.Is(err, ErrSessionQueueFull) {
		t.Errorf("expected ErrSessionQueueFull, got %v", err)
	}
	if err := s.Enqueue("other", func(context.Context) {}); err != nil {
		t.Errorf("other keys must not be affected: %v", err)
	}

	close(release)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestScheduler_IdleWorkersExit(t *testing.T) {
	s := NewScheduler(4)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		if err := s.Enqueue(fmt.Sprintf("bot-%d", i), func(context.Context) { wg.Done() }); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected idle workers to exit, %d still alive", s.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A retired key gets a fresh worker.
	ran := make(chan struct{})
	if err := s.Enqueue("bot-0", func(context.Context) { close(ran) }); err != nil {
		t.Fatalf("enqueue after retire: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task for a retired key did not run")
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Enqueue("bot-0", func(context.Context) {}); !errors.Is(err, ErrSchedulerClosed) {
		t.Errorf("expected ErrSchedulerClosed, got %v", err)
	}
}

func TestScheduler_RecoversPanics(t *testing.T) {
	s := NewScheduler(4)
	done := make(chan struct{})
	_ = s.Enqueue("bot", func(context.Context) { panic("boom") })
	_ = s.Enqueue("bot", func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker should survive a panicking task")
	}
	_ = s.Close(context.Background())
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	d := newDispatcher(8)
	d.retryBackoff = time.Millisecond

	attempts := 0
	d.submit(job{name: "test", botId: "bot", run: func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}})
	if err := d.close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDispatcher_GivesUpAndRejectsAfterClose(t *testing.T) {
	d := newDispatcher(8)
	d.retryBackoff = time.Millisecond

	attempts := 0
	d.submit(job{name: "test", run: func(context.Context) error {
		attempts++
		return errors.New("permanent")
	}})
	_ = d.close(context.Background())

	if attempts != d.retryCount {
		t.Errorf("expected %d attempts, got %d", d.retryCount, attempts)
	}
	if d.submit(job{name: "late", run: func(context.Context) error { return nil }}) {
		t.Error("expected submit to fail after close")
	}
}
