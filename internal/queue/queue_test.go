package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recorder struct {
	mu       sync.Mutex
	attempts map[string]int
	fail     map[string]int
	done     chan string
}

func newRecorder() *recorder {
	return &recorder{
		attempts: make(map[string]int),
		fail:     make(map[string]int),
		done:     make(chan string, 32),
	}
}

// failFirst makes the first n handler calls for the key fail.
func (r *recorder) failFirst(key string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[key] = n
}

func (r *recorder) handle(_ context.Context, task Task, _ int) error {
	r.mu.Lock()
	r.attempts[task.Key]++
	current := r.attempts[task.Key]
	budget := r.fail[task.Key]
	r.mu.Unlock()

	if current <= budget {
		return errors.New("transient failure")
	}
	r.done <- task.Key
	return nil
}

func (r *recorder) attemptCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[key]
}

func (r *recorder) waitDone(t *testing.T, key string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.done:
			if got == key {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for task %q", key)
		}
	}
}

func newRunningQueue(t *testing.T, handler Handler) *Queue {
	t.Helper()
	q, err := New(Config{Workers: 2, Buffer: 8}, handler, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q
}

func TestQueueFiresAfterDelay(t *testing.T) {
	rec := newRecorder()
	q := newRunningQueue(t, rec.handle)

	if err := q.Enqueue(context.Background(), Task{Key: "a", Delay: 10 * time.Millisecond}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	rec.waitDone(t, "a")

	if q.WaitingLen() != 0 {
		t.Fatalf("expected no waiting tasks, got %d", q.WaitingLen())
	}
	if rec.attemptCount("a") != 1 {
		t.Fatalf("expected exactly one attempt, got %d", rec.attemptCount("a"))
	}
}

func TestQueueDropsDuplicateKeyWhileWaiting(t *testing.T) {
	rec := newRecorder()
	q := newRunningQueue(t, rec.handle)

	task := Task{Key: "dup", Delay: 50 * time.Millisecond}
	if err := q.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := q.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("duplicate enqueue should be a silent no-op, got %v", err)
	}
	if q.WaitingLen() != 1 {
		t.Fatalf("expected a single waiting entry, got %d", q.WaitingLen())
	}

	rec.waitDone(t, "dup")
	if rec.attemptCount("dup") != 1 {
		t.Fatalf("expected one delivery for the deduplicated key, got %d", rec.attemptCount("dup"))
	}
}

func TestQueueCancelPreventsDelivery(t *testing.T) {
	rec := newRecorder()
	q := newRunningQueue(t, rec.handle)

	if err := q.Enqueue(context.Background(), Task{Key: "c", Delay: 30 * time.Millisecond}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if !q.Cancel("c") {
		t.Fatalf("expected cancel to find the waiting task")
	}
	if q.Cancel("c") {
		t.Fatalf("expected second cancel to miss")
	}

	time.Sleep(80 * time.Millisecond)
	if rec.attemptCount("c") != 0 {
		t.Fatalf("expected cancelled task never delivered, got %d attempts", rec.attemptCount("c"))
	}
}

func TestQueueRetriesUntilSuccess(t *testing.T) {
	rec := newRecorder()
	rec.failFirst("r", 2)
	q := newRunningQueue(t, rec.handle)

	err := q.Enqueue(context.Background(), Task{
		Key:         "r",
		Delay:       5 * time.Millisecond,
		MaxAttempts: 3,
		Backoff:     5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	rec.waitDone(t, "r")
	if rec.attemptCount("r") != 3 {
		t.Fatalf("expected success on the third attempt, got %d attempts", rec.attemptCount("r"))
	}
}

func TestQueueAbandonsAfterRetryBudget(t *testing.T) {
	rec := newRecorder()
	rec.failFirst("x", 100)
	q := newRunningQueue(t, rec.handle)

	err := q.Enqueue(context.Background(), Task{
		Key:         "x",
		Delay:       5 * time.Millisecond,
		MaxAttempts: 2,
		Backoff:     5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.attemptCount("x") < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Give the retry loop a beat to confirm it stopped at the budget.
	time.Sleep(50 * time.Millisecond)
	if rec.attemptCount("x") != 2 {
		t.Fatalf("expected the retry budget to cap attempts at 2, got %d", rec.attemptCount("x"))
	}
}

func TestQueueRejectsEnqueueAfterStop(t *testing.T) {
	rec := newRecorder()
	q, err := New(Config{Workers: 1, Buffer: 1}, rec.handle, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	q.Start(context.Background())
	q.Stop()

	err = q.Enqueue(context.Background(), Task{Key: "late", Delay: time.Millisecond})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestQueueRequiresKey(t *testing.T) {
	rec := newRecorder()
	q := newRunningQueue(t, rec.handle)

	err := q.Enqueue(context.Background(), Task{Delay: time.Millisecond})
	if !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestQueueRequiresHandler(t *testing.T) {
	_, err := New(Config{}, nil, zap.NewNop())
	if !errors.Is(err, ErrMissingHandler) {
		t.Fatalf("expected ErrMissingHandler, got %v", err)
	}
}
