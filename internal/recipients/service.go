package recipients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserUUID = errors.New("user identifier is required")
	errMissingEmail    = errors.New("email address is required")
)

// Service maintains the recipient registry.
type Service struct {
	db *gorm.DB
}

// NewService constructs a recipient registry over the provided database.
func NewService(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Service{db: db}, nil
}

// Upsert records the most recent address and geography seen for a user.
func (s *Service) Upsert(ctx context.Context, userUUID, email, geo string, triggeredAt time.Time) error {
	userUUID = normalize(userUUID)
	email = normalize(email)
	if userUUID == "" {
		return errMissingUserUUID
	}
	if email == "" {
		return errMissingEmail
	}

	record := Recipient{
		UserUUID:      userUUID,
		Email:         email,
		Geo:           normalize(geo),
		LastTriggerAt: triggeredAt,
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_uuid"}},
			DoUpdates: clause.AssignmentColumns([]string{"email", "geo", "last_trigger_at", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("upsert recipient: %w", err)
	}
	return nil
}

// Lookup returns the registered address for a user, or nil when unknown.
func (s *Service) Lookup(ctx context.Context, userUUID string) (*Recipient, error) {
	var record Recipient
	err := s.db.WithContext(ctx).Take(&record, "user_uuid = ?", normalize(userUUID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}
