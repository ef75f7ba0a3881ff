package investigation

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

// SaveEvent appends one recorded event. Events are immutable: there is no
// update path.
func (d *Database) SaveEvent(event *types.TradingEvent) error {
	return d.db.Create(event).Error
}

// MaxSequence returns the highest sequence number recorded for a session.
func (d *Database) MaxSequence(sessionID string) (int64, error) {
	var max int64
	err := d.db.Model(&types.TradingEvent{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(sequence_number), 0)").
		Scan(&max).Error
	return max, err
}

// ListSessionEvents returns a session's events in sequence order, the
// authoritative replay order.
func (d *Database) ListSessionEvents(sessionID string) ([]types.TradingEvent, error) {
	var recorded []types.TradingEvent
	if err := d.db.Where("session_id = ?", sessionID).
		Order("sequence_number asc").Find(&recorded).Error; err != nil {
		return nil, err
	}
	return recorded, nil
}

// ListSessionRange returns a session's events within a sequence window.
func (d *Database) ListSessionRange(sessionID string, fromSeq, toSeq int64) ([]types.TradingEvent, error) {
	var recorded []types.TradingEvent
	if err := d.db.Where("session_id = ? AND sequence_number BETWEEN ? AND ?", sessionID, fromSeq, toSeq).
		Order("sequence_number asc").Find(&recorded).Error; err != nil {
		return nil, err
	}
	return recorded, nil
}

// ListEventsBetween returns events in a time window, optionally filtered by
// event type.
func (d *Database) ListEventsBetween(start, end time.Time, eventType types.EventType) ([]types.TradingEvent, error) {
	query := d.db.Where("timestamp BETWEEN ? AND ?", start, end)
	if eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}
	var recorded []types.TradingEvent
	if err := query.Order("timestamp asc").Find(&recorded).Error; err != nil {
		return nil, err
	}
	return recorded, nil
}
