package database

import (
	"errors"
	"time"

	"github.com/pressfield/inkwell/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillHistoryEventType = "2026-07-12_backfill_history_event_type"

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
		{name: migrationBackfillHistoryEventType, apply: backfillHistoryEventType},
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

// backfillHistoryEventType repairs rows written before the event type column
// became mandatory.
func backfillHistoryEventType(db *gorm.DB) error {
	return db.Model(&store.EditHistory{}).
		Where("event_type = ''").
		Update("event_type", store.EventTypeEdit).Error
}
