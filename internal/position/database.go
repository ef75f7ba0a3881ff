package position

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

// UpsertPosition persists the current-state snapshot for one (user, symbol).
func (d *Database) UpsertPosition(pos *types.Position) error {
	var existing types.Position
	err := d.db.Where("user_id = ? AND symbol = ?", pos.UserID, pos.Symbol).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d.db.Create(pos).Error
	}
	if err != nil {
		return err
	}
	pos.ID = existing.ID
	return d.db.Save(pos).Error
}

func (d *Database) GetPosition(userID, symbol string) (*types.Position, error) {
	var pos types.Position
	if err := d.db.Where("user_id = ? AND symbol = ?", userID, symbol).First(&pos).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pos, nil
}

func (d *Database) ListPositions() ([]types.Position, error) {
	var positions []types.Position
	if err := d.db.Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// AppliedExecutionIDs returns every persisted fill ID so the in-memory
// dedupe set survives restarts.
func (d *Database) AppliedExecutionIDs() ([]string, error) {
	var ids []string
	if err := d.db.Model(&types.Execution{}).Pluck("execution_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
