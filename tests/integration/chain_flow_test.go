package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/quizvn/chainmail/internal/chain"
	"github.com/quizvn/chainmail/internal/delivery"
	"github.com/quizvn/chainmail/internal/queue"
	"github.com/quizvn/chainmail/internal/recipients"
	"github.com/quizvn/chainmail/internal/server"
	"github.com/quizvn/chainmail/internal/templates"
)

const (
	triggerUserUUID = "user-abc"
	triggerEmail    = "user@example.com"
	triggerGeo      = "vn"
	jsonContentType = "application/json"
)

type memoryMailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *memoryMailer) Send(to, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, fmt.Sprintf("%s|%s", to, subject))
	return nil
}

func (m *memoryMailer) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type stack struct {
	db     *gorm.DB
	mailer *memoryMailer
	server *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:chainflow_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&chain.EmailJob{}, &templates.Template{}, &recipients.Recipient{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	mailer := &memoryMailer{}
	processor, err := delivery.NewProcessor(delivery.ProcessorConfig{
		Database: db,
		Catalog:  templates.NewCatalog(db),
		Mailer:   mailer,
	})
	if err != nil {
		t.Fatalf("failed to construct processor: %v", err)
	}

	delayQueue, err := queue.New(queue.Config{Workers: 2, Buffer: 16}, processor.Handle, nil)
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	delayQueue.Start(t.Context())
	t.Cleanup(delayQueue.Stop)

	registry, err := recipients.NewService(db)
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}

	scheduler, err := chain.NewScheduler(chain.SchedulerConfig{
		Database:   db,
		Queue:      delayQueue,
		Catalog:    templates.NewCatalog(db),
		Recipients: registry,
		Policy: chain.Policy{
			MergeWindow:  5 * time.Minute,
			StepInterval: 250 * time.Millisecond,
			MaxAttempts:  3,
			RetryBackoff: 10 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("failed to construct scheduler: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{Scheduler: scheduler})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)

	return &stack{db: db, mailer: mailer, server: testServer}
}

func (s *stack) trigger(t *testing.T, quizID int64) map[string]interface{} {
	t.Helper()

	body, err := json.Marshal(map[string]interface{}{
		"userUuid": triggerUserUUID,
		"email":    triggerEmail,
		"quizId":   quizID,
		"geo":      triggerGeo,
	})
	if err != nil {
		t.Fatalf("failed to marshal trigger: %v", err)
	}

	response, err := http.Post(s.server.URL+"/email-chains/trigger", jsonContentType, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("trigger request failed: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	var decoded map[string]interface{}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return decoded
}

func (s *stack) waitForSends(t *testing.T, want int) []string {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sent := s.mailer.snapshot(); len(sent) >= want {
			return sent
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends, have %d", want, len(s.mailer.snapshot()))
	return nil
}

func seedPersonal(t *testing.T, db *gorm.DB, quizID int64, steps int) {
	t.Helper()
	for step := 1; step <= steps; step++ {
		quiz := quizID
		tmpl := templates.Template{
			QuizID:  &quiz,
			Geo:     triggerGeo,
			Step:    step,
			Subject: fmt.Sprintf("personal-%d-%d", quizID, step),
			HTML:    "<p>personal</p>",
		}
		if err := db.Create(&tmpl).Error; err != nil {
			t.Fatalf("failed to seed personal template: %v", err)
		}
	}
}

func seedGeneral(t *testing.T, db *gorm.DB, steps int) {
	t.Helper()
	for step := 1; step <= steps; step++ {
		tmpl := templates.Template{
			Geo:     triggerGeo,
			Step:    step,
			Subject: fmt.Sprintf("general-%d", step),
			HTML:    "<p>general</p>",
		}
		if err := db.Create(&tmpl).Error; err != nil {
			t.Fatalf("failed to seed general template: %v", err)
		}
	}
}

func TestTriggerDeliversPersonalChain(t *testing.T) {
	testStack := newStack(t)
	seedPersonal(t, testStack.db, 10, 2)

	decoded := testStack.trigger(t, 10)
	if decoded["status"] != "new" {
		t.Fatalf("expected new chain, got %v", decoded["status"])
	}

	sent := testStack.waitForSends(t, 2)
	for _, entry := range sent {
		if !strings.HasPrefix(entry, triggerEmail+"|personal-10-") {
			t.Fatalf("unexpected delivery %q", entry)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var remaining int64
		err := testStack.db.Model(&chain.EmailJob{}).
			Where("status = ?", chain.StatusPending).
			Count(&remaining).Error
		if err != nil {
			t.Fatalf("failed to count pending rows: %v", err)
		}
		if remaining == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for ledger to settle, %d rows pending", remaining)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSecondTriggerPromotesAndDeliversGeneralChain(t *testing.T) {
	testStack := newStack(t)
	// The step interval keeps the personal steps waiting long enough for the
	// promotion to cancel them before they fire.
	seedPersonal(t, testStack.db, 10, 2)
	seedGeneral(t, testStack.db, 1)

	first := testStack.trigger(t, 10)
	if first["status"] != "new" {
		t.Fatalf("expected new chain, got %v", first["status"])
	}

	second := testStack.trigger(t, 20)
	if second["status"] != "merged" {
		t.Fatalf("expected merged, got %v", second["status"])
	}
	if count, ok := second["count"].(float64); !ok || int(count) != 2 {
		t.Fatalf("expected trigger count 2, got %v", second["count"])
	}

	sent := testStack.waitForSends(t, 1)
	for _, entry := range sent {
		if strings.Contains(entry, "personal-") {
			t.Fatalf("superseded personal step was delivered: %q", entry)
		}
	}

	var generalSent int64
	err := testStack.db.Model(&chain.EmailJob{}).
		Where("chain_type = ? AND status = ?", chain.ChainTypeGeneral, chain.StatusSent).
		Count(&generalSent).Error
	if err != nil {
		t.Fatalf("failed to count sent rows: %v", err)
	}
	if generalSent != 1 {
		t.Fatalf("expected 1 sent general row, got %d", generalSent)
	}
}

func TestTriggerRejectsInvalidQuiz(t *testing.T) {
	testStack := newStack(t)

	body, err := json.Marshal(map[string]interface{}{
		"userUuid": triggerUserUUID,
		"email":    triggerEmail,
		"quizId":   0,
		"geo":      triggerGeo,
	})
	if err != nil {
		t.Fatalf("failed to marshal trigger: %v", err)
	}

	response, err := http.Post(testStack.server.URL+"/email-chains/trigger", jsonContentType, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("trigger request failed: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid quiz id, got %d", response.StatusCode)
	}
}
