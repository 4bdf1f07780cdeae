package recipients

import (
	"strings"
	"time"
)

// Recipient captures the mapping between a user identifier and the address a
// chain delivers to. Rewritten on every trigger so the sweeper can rebuild
// payloads for ledger rows that predate a restart.
type Recipient struct {
	UserUUID      string    `gorm:"column:user_uuid;primaryKey;size:190;not null"`
	Email         string    `gorm:"column:email;size:320;not null"`
	Geo           string    `gorm:"column:geo;size:16;not null"`
	LastTriggerAt time.Time `gorm:"column:last_trigger_at;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing recipients.
func (Recipient) TableName() string {
	return "recipients"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
