package compliance

import (
	"errors"

	"github.com/ksred/trading-core/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateRule(rule *ComplianceRule) error {
	return d.db.Create(rule).Error
}

func (d *Database) GetRule(ruleID string) (*ComplianceRule, error) {
	var rule ComplianceRule
	if err := d.db.Where("rule_id = ?", ruleID).First(&rule).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

func (d *Database) UpdateRule(rule *ComplianceRule) error {
	return d.db.Save(rule).Error
}

// ListActiveRules returns active rules in rule_id order so evaluation walks
// them deterministically.
func (d *Database) ListActiveRules() ([]ComplianceRule, error) {
	var ruleset []ComplianceRule
	if err := d.db.Where("active = ?", true).Order("rule_id asc").Find(&ruleset).Error; err != nil {
		return nil, err
	}
	return ruleset, nil
}

func (d *Database) ListRules() ([]ComplianceRule, error) {
	var ruleset []ComplianceRule
	if err := d.db.Order("rule_id asc").Find(&ruleset).Error; err != nil {
		return nil, err
	}
	return ruleset, nil
}

func (d *Database) CountRules() (int64, error) {
	var count int64
	err := d.db.Model(&ComplianceRule{}).Count(&count).Error
	return count, err
}

// AppendViolations records evaluation facts. Violations are append-only:
// there is no update path other than the explicit resolve flag.
func (d *Database) AppendViolations(violations []types.Violation) error {
	if len(violations) == 0 {
		return nil
	}
	return d.db.Create(&violations).Error
}

func (d *Database) ListViolations(resourceID string) ([]types.Violation, error) {
	var violations []types.Violation
	query := d.db.Order("created_at asc")
	if resourceID != "" {
		query = query.Where("resource_id = ?", resourceID)
	}
	if err := query.Find(&violations).Error; err != nil {
		return nil, err
	}
	return violations, nil
}

func (d *Database) ResolveViolation(violationID string) error {
	result := d.db.Model(&types.Violation{}).
		Where("violation_id = ?", violationID).
		Update("resolved", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
