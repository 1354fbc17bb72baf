package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"meeting-transcript-relay/internal/observability/logging"
)

var (
	ErrSessionQueueFull = errors.New("session queue full")
	ErrSchedulerClosed  = errors.New("scheduler closed")
)

// Task is one unit of per-bot work.
type Task func(context.Context)

// Scheduler runs tasks for the same key one at a time, in submission order.
// Each key gets its own worker goroutine and bounded queue. A worker exits
// as soon as its queue is empty; the next Enqueue for the key starts a new one.
type Scheduler struct {
	logger    zerolog.Logger
	queueSize int

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

type worker struct {
	ch chan Task
}

// NewScheduler creates a Scheduler with queueSize slots per key.
func NewScheduler(queueSize int) *Scheduler {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Scheduler{
		logger:    logging.WithComponent("scheduler"),
		queueSize: queueSize,
		workers:   make(map[string]*worker),
	}
}

// Enqueue queues task for key without blocking.
func (s *Scheduler) Enqueue(key string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}

	w := s.workerForLocked(key)
	select {
	case w.ch <- task:
		return nil
	default:
		s.logger.Warn().Str("botId", key).Int("queueSize", s.queueSize).Msg("Session queue full")
		return ErrSessionQueueFull
	}
}

// Len returns the number of active workers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close rejects new tasks and waits for queued ones to finish or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for key, w := range s.workers {
			close(w.ch)
			delete(s.workers, key)
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) workerForLocked(key string) *worker {
	if w, ok := s.workers[key]; ok {
		return w
	}

	w := &worker{ch: make(chan Task, s.queueSize)}
	s.workers[key] = w

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case task, ok := <-w.ch:
				if !ok {
					return
				}
				s.run(key, task)
			default:
				if s.retire(key, w) {
					return
				}
			}
		}
	}()
	return w
}

// retire unregisters an idle worker. Enqueue sends under s.mu, so an empty
// queue seen here stays empty until the worker is gone from the map.
func (s *Scheduler) retire(key string, w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(w.ch) > 0 {
		return false
	}
	if s.workers[key] == w {
		delete(s.workers, key)
	}
	return true
}

func (s *Scheduler) run(key string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("botId", key).Interface("panic", r).Msg("Session task panicked")
		}
	}()
	task(context.Background())
}
