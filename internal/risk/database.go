package risk

import (
	"github.com/ksred/trading-core/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// AppendViolations records risk violations as append-only facts. They share
// the violations table with compliance so reports see one stream.
func (d *Database) AppendViolations(violations []types.Violation) error {
	if len(violations) == 0 {
		return nil
	}
	return d.db.Create(&violations).Error
}
