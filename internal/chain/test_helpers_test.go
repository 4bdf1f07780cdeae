package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/quizvn/chainmail/internal/queue"
	"github.com/quizvn/chainmail/internal/templates"
)

var errQueueRejected = errors.New("queue rejected task")

// fakeQueue records enqueued tasks and cancellations in memory. Setting
// failAfter to n makes the n+1th Enqueue call fail.
type fakeQueue struct {
	mu        sync.Mutex
	tasks     []queue.Task
	cancelled []string
	failAfter int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{failAfter: -1}
}

func (q *fakeQueue) Enqueue(_ context.Context, task queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failAfter >= 0 && len(q.tasks) >= q.failAfter {
		return errQueueRejected
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) Cancel(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, key)
	return true
}

func (q *fakeQueue) taskKeys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.tasks))
	for _, task := range q.tasks {
		keys = append(keys, task.Key)
	}
	return keys
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:chainmail_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&EmailJob{}, &templates.Template{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestScheduler(t *testing.T, db *gorm.DB, delayQueue DelayQueue, clock func() time.Time) *Scheduler {
	t.Helper()

	scheduler, err := NewScheduler(SchedulerConfig{
		Database: db,
		Queue:    delayQueue,
		Catalog:  templates.NewCatalog(db),
		Clock:    clock,
		Policy:   DefaultPolicy(),
	})
	if err != nil {
		t.Fatalf("failed to construct scheduler: %v", err)
	}
	return scheduler
}

func seedPersonalTemplates(t *testing.T, db *gorm.DB, quizID int64, geo string, steps int) {
	t.Helper()
	for step := 1; step <= steps; step++ {
		quiz := quizID
		tmpl := templates.Template{
			QuizID:  &quiz,
			Geo:     geo,
			Step:    step,
			Subject: fmt.Sprintf("quiz %d step %d", quizID, step),
			HTML:    "<p>personal</p>",
		}
		if err := db.Create(&tmpl).Error; err != nil {
			t.Fatalf("failed to seed personal template: %v", err)
		}
	}
}

func seedGeneralTemplates(t *testing.T, db *gorm.DB, geo string, steps int) {
	t.Helper()
	for step := 1; step <= steps; step++ {
		tmpl := templates.Template{
			Geo:     geo,
			Step:    step,
			Subject: fmt.Sprintf("general step %d", step),
			HTML:    "<p>general</p>",
		}
		if err := db.Create(&tmpl).Error; err != nil {
			t.Fatalf("failed to seed general template: %v", err)
		}
	}
}

func loadJobs(t *testing.T, db *gorm.DB, userUUID string) []EmailJob {
	t.Helper()
	var jobs []EmailJob
	if err := db.Where("user_uuid = ?", userUUID).Order("id ASC").Find(&jobs).Error; err != nil {
		t.Fatalf("failed to load jobs: %v", err)
	}
	return jobs
}

func mustTrigger(t *testing.T, scheduler *Scheduler, req TriggerRequest) TriggerResult {
	t.Helper()
	result, err := scheduler.TriggerChain(context.Background(), req)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	return result
}
