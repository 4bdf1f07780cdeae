package recipients

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	dsn := fmt.Sprintf("file:recipients_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Recipient{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(db)
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func TestUpsertKeepsLatestAddress(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	first := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	if err := service.Upsert(ctx, "user-abc", "old@example.com", "vn", first); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	second := first.Add(10 * time.Minute)
	if err := service.Upsert(ctx, "user-abc", "new@example.com", "us", second); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	record, err := service.Lookup(ctx, "user-abc")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if record == nil {
		t.Fatalf("expected recipient record")
	}
	if record.Email != "new@example.com" || record.Geo != "us" {
		t.Fatalf("expected latest address to win, got %q geo %q", record.Email, record.Geo)
	}
	if !record.LastTriggerAt.Equal(second) {
		t.Fatalf("expected last trigger %s, got %s", second, record.LastTriggerAt)
	}
}

func TestUpsertNormalizesIdentifiers(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.Upsert(ctx, "  user-abc  ", " user@example.com ", "vn", time.Now()); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	record, err := service.Lookup(ctx, "user-abc")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if record == nil || record.Email != "user@example.com" {
		t.Fatalf("expected trimmed identifiers to match, got %+v", record)
	}
}

func TestUpsertRejectsBlankInput(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.Upsert(ctx, "", "user@example.com", "vn", time.Now()); err == nil {
		t.Fatalf("expected blank user to be rejected")
	}
	if err := service.Upsert(ctx, "user-abc", "", "vn", time.Now()); err == nil {
		t.Fatalf("expected blank email to be rejected")
	}
}

func TestLookupUnknownUserReturnsNil(t *testing.T) {
	service := newTestService(t)

	record, err := service.Lookup(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil for unknown user, got %+v", record)
	}
}
