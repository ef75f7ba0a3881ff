package database

import (
	"os"

	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/compliance"
	"github.com/ksred/trading-core/internal/strategy"
	"github.com/ksred/trading-core/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection.
// The path comes from DB_PATH, defaulting to a local file.
func NewDatabase() (*gorm.DB, error) {
	path := os.Getenv("DB_PATH")
	if path == "" {
		path = "trading.db"
	}
	return Open(path)
}

// Open connects to the given SQLite file and migrates every schema the
// platform persists.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&types.TradingEvent{},
		&types.Order{},
		&types.Execution{},
		&types.Position{},
		&types.Violation{},
		&compliance.ComplianceRule{},
		&strategy.Strategy{},
		&audit.AuditRecord{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
