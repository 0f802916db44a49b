package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrNoHandler is returned when a job type has no registered handler.
var ErrNoHandler = errors.New("no handler registered")

// Job is a unit of deferred work. Jobs sharing a non-empty Key coalesce while queued.
type Job struct {
	ID       string
	Type     string
	Key      string
	Payload  interface{}
	Attempt  int
	Enqueued time.Time
}

// Handler processes a job.
type Handler func(context.Context, Job) error

// QueueConfig configures worker pool behaviour.
type QueueConfig struct {
	Workers      int
	BufferSize   int
	MaxRetries   int
	RetryDelay   time.Duration
	DrainTimeout time.Duration
	Logger       *zap.Logger
}

// Queue is an in-memory dispatcher that runs jobs on a fixed worker pool after the
// caller has moved on, typically once a transaction committed.
type Queue struct {
	name string

	workers      int
	maxRetries   int
	retryDelay   time.Duration
	drainTimeout time.Duration
	logger       *zap.Logger

	jobs     chan Job
	handlers map[string]Handler
	pending  map[string]bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	retries  sync.WaitGroup
	mu       sync.Mutex
	active   int32
	started  bool
	stopping bool
}

// NewQueue builds a queue. Handlers must be registered before Start.
func NewQueue(name string, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 16
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue{
		name:         name,
		workers:      cfg.Workers,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger.With(zap.String("queue", name)),
		jobs:         make(chan Job, cfg.BufferSize),
		handlers:     make(map[string]Handler),
		pending:      make(map[string]bool),
	}
}

// Register binds a handler to a job type.
func (q *Queue) Register(jobType string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

// Start begins worker consumption. Safe to call once.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.started = true
	q.logger.Info("queue started", zap.Int("workers", q.workers))
}

// Stop refuses new jobs, lets workers drain what is buffered for up to the drain
// timeout, then cancels them.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopping {
		q.mu.Unlock()
		return
	}
	q.stopping = true
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		for len(q.jobs) > 0 || atomic.LoadInt32(&q.active) > 0 {
			time.Sleep(10 * time.Millisecond)
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(q.drainTimeout):
		q.logger.Warn("queue drain timed out", zap.Int("pending", len(q.jobs)))
	}

	q.cancel()
	q.wg.Wait()
	q.retries.Wait()
	q.logger.Info("queue stopped")
}

// Enqueue pushes a job onto the queue. A job whose Key is already queued is dropped.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	if !q.started || q.stopping {
		q.mu.Unlock()
		return fmt.Errorf("queue %s not accepting jobs", q.name)
	}
	if _, ok := q.handlers[job.Type]; !ok {
		q.mu.Unlock()
		return fmt.Errorf("queue %s job type %q: %w", q.name, job.Type, ErrNoHandler)
	}
	if job.Key != "" {
		if q.pending[job.Key] {
			q.mu.Unlock()
			return nil
		}
		q.pending[job.Key] = true
	}
	ctx := q.ctx
	q.mu.Unlock()

	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}
	select {
	case <-ctx.Done():
		q.release(job)
		return fmt.Errorf("queue %s stopped: %w", q.name, ctx.Err())
	case q.jobs <- job:
		return nil
	}
}

func (q *Queue) release(job Job) {
	if job.Key == "" {
		return
	}
	q.mu.Lock()
	delete(q.pending, job.Key)
	q.mu.Unlock()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			atomic.AddInt32(&q.active, 1)
			q.release(job)
			q.mu.Lock()
			handler := q.handlers[job.Type]
			q.mu.Unlock()
			if err := handler(q.ctx, job); err != nil {
				q.handleFailure(job, err)
			}
			atomic.AddInt32(&q.active, -1)
		}
	}
}

func (q *Queue) handleFailure(job Job, err error) {
	job.Attempt++
	fields := []zap.Field{zap.String("job_id", job.ID), zap.String("type", job.Type), zap.Int("attempt", job.Attempt), zap.Error(err)}
	if job.Attempt > q.maxRetries {
		q.logger.Error("job exceeded retries", fields...)
		return
	}
	q.logger.Warn("job failed, retrying", fields...)

	delay := q.retryDelay * time.Duration(1<<uint(job.Attempt-1))
	q.retries.Add(1)
	go func(j Job) {
		defer q.retries.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-q.ctx.Done():
			return
		case <-timer.C:
			q.mu.Lock()
			stopping := q.stopping
			q.mu.Unlock()
			if stopping {
				return
			}
			select {
			case q.jobs <- j:
			case <-q.ctx.Done():
			}
		}
	}(job)
}
