package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quizvn/chainmail/internal/chain"
)

const migrationRepairWindowPlacement = "2026-07-14_repair_window_placement"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRepairWindowPlacement, apply: repairWindowPlacement},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// repairWindowPlacement clears merge-window expiries that legacy writes left
// on non-anchor rows. Only anchor rows may carry the window deadline.
func repairWindowPlacement(db *gorm.DB) error {
	return db.Model(&chain.EmailJob{}).
		Where("root_quiz_id IS NULL AND merge_window_expires_at IS NOT NULL").
		Update("merge_window_expires_at", nil).Error
}
