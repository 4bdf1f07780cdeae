// Package queue provides an in-process delay queue: tasks are held on timers
// until their delay elapses, then handed to a worker pool that invokes the
// registered handler with a bounded retry budget.
//
// Enqueueing is idempotent per key while a task is waiting: re-submitting the
// same key before its timer fires is a no-op. Delivery toward the handler is
// at-least-once; handlers must tolerate replay.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var (
	// ErrMissingHandler indicates the queue was constructed without a handler.
	ErrMissingHandler = errors.New("queue: handler is required")
	// ErrMissingKey indicates a task without an idempotency key.
	ErrMissingKey = errors.New("queue: task key is required")
	// ErrStopped indicates an enqueue after shutdown began.
	ErrStopped = errors.New("queue: stopped")
)

// Task is one delayed unit of work.
type Task struct {
	Key         string
	Payload     json.RawMessage
	Delay       time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Handler executes a fired task. The attempt number starts at 1; returning an
// error triggers the task's retry policy.
type Handler func(ctx context.Context, task Task, attempt int) error

// Config tunes the worker pool.
type Config struct {
	Workers int
	Buffer  int
}

// Queue schedules delayed tasks against a worker pool.
type Queue struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger

	mu      sync.Mutex
	waiting map[string]*time.Timer
	stopped bool

	fired chan Task
	quit  chan struct{}
	wg    sync.WaitGroup
}

// New constructs a Queue. Workers and buffer fall back to sane minimums.
func New(cfg Config, handler Handler, logger *zap.Logger) (*Queue, error) {
	if handler == nil {
		return nil, ErrMissingHandler
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = 1
	}

	return &Queue{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		waiting: make(map[string]*time.Timer),
		fired:   make(chan Task, cfg.Buffer),
		quit:    make(chan struct{}),
	}, nil
}

// Start launches the worker pool. Workers run until Stop is called, draining
// any buffered tasks before exiting.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Stop prevents further enqueues, discards waiting timers and waits for the
// workers to drain the fired buffer.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for key, timer := range q.waiting {
		timer.Stop()
		delete(q.waiting, key)
	}
	q.mu.Unlock()

	close(q.quit)
	q.wg.Wait()
}

// Enqueue schedules a task. A task whose key is already waiting is dropped
// silently so a logical step cannot be double-enqueued within one process.
func (q *Queue) Enqueue(_ context.Context, task Task) error {
	if task.Key == "" {
		return ErrMissingKey
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrStopped
	}
	if _, exists := q.waiting[task.Key]; exists {
		q.logger.Debug("duplicate task dropped", zap.String("key", task.Key))
		return nil
	}

	q.waiting[task.Key] = time.AfterFunc(task.Delay, func() {
		q.fire(task)
	})
	return nil
}

// Cancel removes a waiting task. Returns false when the key is unknown or the
// task already fired.
func (q *Queue) Cancel(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	timer, ok := q.waiting[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(q.waiting, key)
	return true
}

// WaitingLen reports how many tasks are still on timers.
func (q *Queue) WaitingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

func (q *Queue) fire(task Task) {
	q.mu.Lock()
	if _, ok := q.waiting[task.Key]; !ok {
		// Cancelled between timer expiry and this callback.
		q.mu.Unlock()
		return
	}
	delete(q.waiting, task.Key)
	stopped := q.stopped
	q.mu.Unlock()

	if stopped {
		return
	}

	select {
	case q.fired <- task:
	case <-q.quit:
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case task := <-q.fired:
			q.process(ctx, task)
		case <-q.quit:
			// Drain buffered tasks before exiting.
			for {
				select {
				case task := <-q.fired:
					q.process(ctx, task)
				default:
					q.logger.Debug("worker stopped", zap.Int("worker_id", id))
					return
				}
			}
		}
	}
}

func (q *Queue) process(ctx context.Context, task Task) {
	maxAttempts := task.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := 0
	operation := func() error {
		attempt++
		return q.handler(ctx, task, attempt)
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(task.Backoff), uint64(maxAttempts-1))
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		q.logger.Error("task abandoned after retry budget",
			zap.String("key", task.Key),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	}
}
