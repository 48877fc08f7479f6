// Package db opens and migrates the embedded local store. The local
// store is the durability substrate for both the session table and the
// pending-mutation queue: a write that returns without error has been
// committed and survives a process restart.
package db

import (
	"fmt"

	"github.com/zulandar/fieldtrack/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// AllModels returns the list of all local GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.PresenceSession{},
		&models.PendingMutation{},
		&models.Location{},
	}
}

// Open opens (creating if necessary) the SQLite store at path and runs
// migrations. Storage failures here are unrecoverable for the engine:
// without the local store no durability guarantee can be honored.
func Open(path string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	if err := AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// AutoMigrate creates or updates all local tables.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
