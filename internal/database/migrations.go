package database

import (
	"errors"
	"time"

	"github.com/nortide/tessera/internal/dialect"
	"github.com/nortide/tessera/internal/record"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const migrationBackfillRequestLogTimestamps = "2026-01-12_backfill_request_log_timestamps"

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
		{name: migrationBackfillRequestLogTimestamps, apply: backfillRequestLogTimestamps},
	}

	for _, migration := range migrations {
		var applied migrationRecord
		err := db.Where("name = ?", migration.name).Take(&applied).Error
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

// Early request-log rows were written without a timestamp; stamp them with
// the migration time so ordering queries never see zero.
func backfillRequestLogTimestamps(db *gorm.DB) error {
	return db.Model(&record.RequestLog{}).
		Where("created_at_s = 0").
		Update("created_at_s", time.Now().UTC().Unix()).Error
}

func writeSchemaVersion(db *gorm.DB, version string) error {
	if version == "" {
		return nil
	}
	param := record.Parameter{Name: dialect.VersionKey, Value: version}
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&param).Error
}
