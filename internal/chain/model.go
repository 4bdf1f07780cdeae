package chain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChainType distinguishes sequences built from quiz-specific templates from
// sequences built from the shared per-geo templates.
type ChainType string

const (
	// ChainTypePersonal is a sequence anchored to a single quiz.
	ChainTypePersonal ChainType = "PERSONAL"
	// ChainTypeGeneral is a combined sequence covering every quiz a user
	// finished inside one merge window.
	ChainTypeGeneral ChainType = "GENERAL"
)

// JobStatus enumerates ledger row states. Sent and failed are terminal.
type JobStatus string

const (
	StatusPending JobStatus = "pending"
	StatusSent    JobStatus = "sent"
	StatusFailed  JobStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

const maxIdentifierLength = 190

var (
	// ErrInvalidUserUUID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserUUID = errors.New("chain: invalid user uuid")
	// ErrInvalidEmail indicates that a recipient address is empty.
	ErrInvalidEmail = errors.New("chain: invalid email")
	// ErrInvalidGeo indicates that a geography code is empty.
	ErrInvalidGeo = errors.New("chain: invalid geo")
	// ErrInvalidQuizID indicates a non-positive quiz identifier.
	ErrInvalidQuizID = errors.New("chain: invalid quiz id")
)

// UserUUID represents a validated user identifier.
type UserUUID string

// NewUserUUID validates raw input and returns a UserUUID.
func NewUserUUID(rawInput string) (UserUUID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserUUID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserUUID, maxIdentifierLength)
	}
	return UserUUID(trimmed), nil
}

// String returns the underlying string identifier.
func (u UserUUID) String() string {
	return string(u)
}

// Geo represents a validated geography code.
type Geo string

// NewGeo validates raw input and returns a Geo.
func NewGeo(rawInput string) (Geo, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidGeo)
	}
	return Geo(trimmed), nil
}

// String returns the underlying geography code.
func (g Geo) String() string {
	return string(g)
}

// QuizID represents a validated quiz identifier.
type QuizID int64

// NewQuizID validates the value and returns a QuizID.
func NewQuizID(value int64) (QuizID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidQuizID, value)
	}
	return QuizID(value), nil
}

// Int64 exposes the raw quiz identifier.
func (q QuizID) Int64() int64 {
	return int64(q)
}

// EmailJob models one scheduled step of a follow-up chain in the job ledger.
//
// Only the anchor row of a merge window carries RootQuizID and
// MergeWindowExpiresAt; every row of a chain shares the QuizID correlation
// column, which equals the chain root.
type EmailJob struct {
	ID                   int64      `gorm:"column:id;primaryKey;autoIncrement"`
	UserUUID             string     `gorm:"column:user_uuid;size:190;not null;index:idx_jobs_user_window,priority:1;index:idx_jobs_user_chain,priority:1"`
	Email                string     `gorm:"column:email;size:320;not null"`
	TemplateID           int64      `gorm:"column:template_id;not null"`
	QuizID               int64      `gorm:"column:quiz_id;not null;index:idx_jobs_user_chain,priority:2"`
	RootQuizID           *int64     `gorm:"column:root_quiz_id"`
	ChainType            ChainType  `gorm:"column:chain_type;size:16;not null"`
	QuizCountAtStart     int        `gorm:"column:quiz_count_at_start;not null;default:1"`
	Status               JobStatus  `gorm:"column:status;size:16;not null;index:idx_jobs_user_chain,priority:3"`
	ScheduledAt          time.Time  `gorm:"column:scheduled_at;not null"`
	MergeWindowExpiresAt *time.Time `gorm:"column:merge_window_expires_at;index:idx_jobs_user_window,priority:2"`
	QueueKey             string     `gorm:"column:queue_key;size:190;not null;default:''"`
	Attempts             int        `gorm:"column:attempts;not null;default:0"`
	LastAttemptID        string     `gorm:"column:last_attempt_id;size:36;not null;default:''"`
	SentAt               *time.Time `gorm:"column:sent_at"`
}

// TableName provides the explicit table binding for GORM.
func (EmailJob) TableName() string {
	return "email_jobs"
}

// IsAnchor reports whether the row anchors a merge window.
func (j EmailJob) IsAnchor() bool {
	return j.RootQuizID != nil
}
