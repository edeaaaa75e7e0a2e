// Package async decouples arrival detection from pipeline submission. A
// fixed pool of workers drains a buffered job channel so a burst of
// document arrivals never blocks the watcher loop.
package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/policyreviewer/pipeline/internal/common"
	"github.com/policyreviewer/pipeline/internal/entity"
)

// ErrQueueClosed is returned by Enqueue once Shutdown has begun.
var ErrQueueClosed = errors.New("ingest queue closed")

// Job is one queued dispatch. TraceID correlates the worker's log lines
// with the arrival that produced the job.
type Job struct {
	Event       entity.IngestEvent
	SubmittedAt time.Time
	TraceID     string
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}

// Handler processes one ingest event. Errors are logged, not retried;
// the document stays in the input prefix and the next arrival or scan
// submits it again.
type Handler func(ctx context.Context, ev entity.IngestEvent) error

// IngestQueue implements Queue with a worker pool. Enqueue blocks while
// the buffer is full; callers bound the wait with their context.
type IngestQueue struct {
	handler Handler
	logger  *slog.Logger
	workers int
	timeout time.Duration

	jobs chan Job
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

var _ Queue = (*IngestQueue)(nil)

type Option func(*IngestQueue)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) Option {
	return func(q *IngestQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithQueueSize sets the job buffer capacity.
func WithQueueSize(n int) Option {
	return func(q *IngestQueue) {
		if n > 0 {
			q.jobs = make(chan Job, n)
		}
	}
}

// WithProcessTimeout bounds the handler call for a single job.
func WithProcessTimeout(d time.Duration) Option {
	return func(q *IngestQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// NewIngestQueue builds the pool and starts its workers.
func NewIngestQueue(handler Handler, logger *slog.Logger, opts ...Option) *IngestQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &IngestQueue{
		handler: handler,
		logger:  logger,
		workers: 4,
		timeout: 3 * time.Minute,
		jobs:    make(chan Job, 256),
		quit:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *IngestQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("worker started", "worker_id", workerID)

				for {
					select {
					case job := <-q.jobs:
						q.process(workerID, job)
					case <-q.quit:
						q.drainRemaining(workerID)
						q.logger.Info("worker stopped", "worker_id", workerID)
						return
					}
				}
			}(i + 1)
		}
	})
}

func (q *IngestQueue) drainRemaining(workerID int) {
	for {
		select {
		case job := <-q.jobs:
			q.process(workerID, job)
		default:
			return
		}
	}
}

func (q *IngestQueue) process(workerID int, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	ctx = common.WithRequestID(ctx, job.TraceID)

	if err := q.handler(ctx, job.Event); err != nil {
		q.logger.Error("ingest dispatch failed", "worker_id", workerID, "key", job.Event.SourceKey, "error", err)
		return
	}
	q.logger.Info("dispatched document", "worker_id", workerID, "key", job.Event.SourceKey,
		"queued_ms", time.Since(job.SubmittedAt).Milliseconds())
}

// Enqueue submits a job for processing. A zero SubmittedAt and an empty
// TraceID are filled in.
func (q *IngestQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.quit:
		return ErrQueueClosed
	default:
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}
	if job.TraceID == "" {
		job.TraceID = uuid.NewString()
	}

	select {
	case q.jobs <- job:
		return nil
	default:
	}
	q.logger.Warn("queue full, applying backpressure", "key", job.Event.SourceKey)
	select {
	case q.jobs <- job:
		return nil
	case <-q.quit:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops intake, lets the workers drain what is already
// buffered, and waits for them up to the context deadline.
func (q *IngestQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.quit)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
}
