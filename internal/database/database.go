package database

import (
	"errors"
	"fmt"
	"strings"

	"order-ladder-bot-go/internal/config"
	"order-ladder-bot-go/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the configured database and migrates the schema.
func NewDatabase(cfg config.Database) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialector.Name() == "sqlite" {
		if strings.Contains(cfg.DSN, ":memory:") {
			// Every new connection would open its own empty in-memory database.
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get sql.DB: %w", err)
			}
			sqlDB.SetMaxOpenConns(1)
		}
		// Concurrent profile runs write to the same file.
		if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
		if err := db.Exec("PRAGMA busy_timeout=5000").Error; err != nil {
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates every table. Existing rows are kept: the
// ledger and the run history must survive restarts.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Token{},
		&models.Order{},
		&models.TaskExecution{},
		&models.AppliedObservation{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

// ErrPersistence marks failures of the durable store itself, as opposed to
// lookups that simply found nothing.
var ErrPersistence = errors.New("persistence error")

// Wrap tags err as a persistence failure.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
