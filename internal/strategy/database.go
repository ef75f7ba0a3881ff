package strategy

import (
	"errors"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateStrategy(strategy *Strategy) error {
	return d.db.Create(strategy).Error
}

func (d *Database) GetStrategy(strategyID string) (*Strategy, error) {
	var strategy Strategy
	if err := d.db.Where("strategy_id = ?", strategyID).First(&strategy).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &strategy, nil
}

func (d *Database) UpdateStrategy(strategy *Strategy) error {
	return d.db.Save(strategy).Error
}

func (d *Database) ListStrategies() ([]Strategy, error) {
	var strategies []Strategy
	if err := d.db.Order("strategy_id asc").Find(&strategies).Error; err != nil {
		return nil, err
	}
	return strategies, nil
}

func (d *Database) ListByStatus(status string) ([]Strategy, error) {
	var strategies []Strategy
	if err := d.db.Where("status = ?", status).Order("strategy_id asc").Find(&strategies).Error; err != nil {
		return nil, err
	}
	return strategies, nil
}
