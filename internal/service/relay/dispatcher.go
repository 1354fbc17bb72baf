package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meeting-transcript-relay/internal/observability/logging"
	"meeting-transcript-relay/internal/observability/metrics"
)

// job is a side effect of an assembler event: a Kafka publish or a store write.
type job struct {
	name  string
	botId string
	run   func(context.Context) error
}

// dispatcher runs jobs in order on one goroutine, retrying failures with a
// fixed backoff. submit never blocks, so it is safe to call from the
// assembler sink.
type dispatcher struct {
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	retryCount   int
	retryBackoff time.Duration
	jobTimeout   time.Duration

	mu     sync.Mutex
	queue  chan job
	closed bool
	done   chan struct{}
}

func newDispatcher(queueSize int) *dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	d := &dispatcher{
		logger:       logging.WithComponent("dispatcher"),
		metrics:      metrics.DefaultMetrics,
		retryCount:   3,
		retryBackoff: 150 * time.Millisecond,
		jobTimeout:   10 * time.Second,
		queue:        make(chan job, queueSize),
		done:         make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) submit(j job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- j:
		return true
	default:
		d.metrics.RecordPersistenceError(j.name + "_dropped")
		d.logger.Warn().Str("job", j.name).Str("botId", j.botId).Msg("Dispatch queue full, dropping job")
		return false
	}
}

// close stops accepting jobs and waits for the queue to drain or ctx to end.
func (d *dispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for j := range d.queue {
		d.runOne(j)
	}
}

func (d *dispatcher) runOne(j job) {
	for attempt := 1; attempt <= d.retryCount; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
		err := j.run(ctx)
		cancel()
		if err == nil {
			return
		}

		d.logger.Warn().Err(err).
			Str("job", j.name).
			Str("botId", j.botId).
			Int("attempt", attempt).
			Msg("Dispatch attempt failed")
		if attempt == d.retryCount {
			d.metrics.RecordPersistenceError(j.name)
			d.logger.Error().Err(err).Str("job", j.name).Str("botId", j.botId).Msg("Dispatch gave up")
			return
		}
		time.Sleep(d.retryBackoff)
	}
}
