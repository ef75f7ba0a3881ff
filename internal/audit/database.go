package audit

import (
	"time"

	"github.com/ksred/trading-core/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// AppendRecord writes one audit record. There is deliberately no update or
// delete counterpart.
func (d *Database) AppendRecord(record *AuditRecord) error {
	return d.db.Create(record).Error
}

func (d *Database) ListRecords(start, end time.Time) ([]AuditRecord, error) {
	var records []AuditRecord
	if err := d.db.Where("recorded_at BETWEEN ? AND ?", start, end).
		Order("recorded_at asc").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (d *Database) ListRecordsBySession(sessionID string) ([]AuditRecord, error) {
	var records []AuditRecord
	if err := d.db.Where("session_id = ?", sessionID).
		Order("recorded_at asc").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ListViolationsBetween reads the shared violations stream for reports.
func (d *Database) ListViolationsBetween(start, end time.Time) ([]types.Violation, error) {
	var violations []types.Violation
	if err := d.db.Where("created_at BETWEEN ? AND ?", start, end).
		Find(&violations).Error; err != nil {
		return nil, err
	}
	return violations, nil
}
