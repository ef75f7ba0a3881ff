package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/ksred/trading-core/internal/types"
)

// New builds a trading event with a fresh ID and timestamp. The sequence
// number is assigned later by the event recorder; publishers never set it.
func New(eventType types.EventType, userID, sessionID string) *types.TradingEvent {
	return &types.TradingEvent{
		EventID:   "EVT_" + uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
		UserID:    userID,
		SessionID: sessionID,
		Success:   true,
		Data:      make(map[string]interface{}),
	}
}

// NewChild builds an event linked to the decision that caused it.
func NewChild(eventType types.EventType, parent *types.TradingEvent) *types.TradingEvent {
	event := New(eventType, parent.UserID, parent.SessionID)
	event.ParentEventID = parent.EventID
	return event
}

// ElapsedMS returns milliseconds since started, for stamping ExecutionTimeMS
// on published events.
func ElapsedMS(started time.Time) float64 {
	return float64(time.Since(started).Microseconds()) / 1000
}
