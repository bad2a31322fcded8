package database

import (
	"fmt"

	"coinbase-cycle-bot-go/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates the schema. Unlike a throwaway dev setup,
// nothing is dropped: the journal is the durable record of past cycle sets.
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.CycleSet{},
		&models.Cycle{},
		&models.OrderRecord{},
		&models.CycleEvent{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}
