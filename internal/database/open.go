// Package database opens the authoritative store and keeps its schema
// current: bookkeeping tables via automigration, data repairs via named
// migrations.
package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/nortide/tessera/internal/config"
	"github.com/nortide/tessera/internal/record"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Open establishes the store connection for the configured dialect and
// performs schema migrations.
func Open(cfg config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.DatabaseDialect {
	case "sqlite":
		if cfg.DatabasePath == "" {
			return nil, fmt.Errorf("database path is required")
		}
		db, err = gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{})
		if err != nil {
			return nil, err
		}
		sqlDB, handleErr := db.DB()
		if handleErr != nil {
			return nil, handleErr
		}
		// SQLite serializes writers; a single connection avoids lock errors.
		sqlDB.SetMaxOpenConns(1)
	case "mysql":
		if cfg.DatabaseDSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		db, err = gorm.Open(mysql.Open(cfg.DatabaseDSN), &gorm.Config{})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("database dialect %q is not supported", cfg.DatabaseDialect)
	}

	if err := Migrate(db, cfg.SchemaVersion, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized",
			zap.String("dialect", cfg.DatabaseDialect),
			zap.String("path", cfg.DatabasePath))
	}

	return db, nil
}

// Migrate brings the bookkeeping schema current and applies the named data
// migrations.
func Migrate(db *gorm.DB, schemaVersion string, logger *zap.Logger) error {
	err := db.AutoMigrate(
		&record.Parameter{},
		&record.Information{},
		&record.Connection{},
		&record.RequestID{},
		&record.RequestLog{},
		&record.SequenceID{},
		&record.Ping{},
		&migrationRecord{},
	)
	if err != nil {
		return err
	}
	if err := writeSchemaVersion(db, schemaVersion); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
