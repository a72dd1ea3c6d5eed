package db

import (
	"github.com/glebarez/sqlite"
	"github.com/pysugar/fitsync/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// Auto-migrate all models
	if err := gdb.AutoMigrate(&models.Account{}, &models.DailyMetric{}); err != nil {
		return nil, err
	}

	return gdb, nil
}
