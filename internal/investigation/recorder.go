package investigation

import (
	"fmt"
	"sync"

	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Recorder assigns session-scoped, strictly increasing sequence numbers to
// every event and persists them. The assigned ordering is the authoritative
// replay order for the session.
type Recorder struct {
	db *Database

	mu        sync.Mutex
	sequences map[string]int64
}

// NewRecorder creates an event recorder.
func NewRecorder(gormDB *gorm.DB) *Recorder {
	return &Recorder{
		db:        NewDatabase(gormDB),
		sequences: make(map[string]int64),
	}
}

// Register subscribes the recorder to every event type on the bus.
func (r *Recorder) Register(bus *events.Bus) {
	bus.SubscribeAll(r.OnEvent)
}

// OnEvent stamps the next sequence number for the event's session and
// persists the event.
func (r *Recorder) OnEvent(event *types.TradingEvent) error {
	seq, err := r.nextSequence(event.SessionID)
	if err != nil {
		return err
	}
	event.SequenceNumber = seq

	if err := r.db.SaveEvent(event); err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	log.Debug().
		Str("event_id", event.EventID).
		Str("session_id", event.SessionID).
		Int64("sequence_number", seq).
		Msg("event recorded")

	return nil
}

// nextSequence returns the next number for a session, resuming from the
// store the first time a session is seen after a restart.
func (r *Recorder) nextSequence(sessionID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sequences[sessionID]
	if !ok {
		persisted, err := r.db.MaxSequence(sessionID)
		if err != nil {
			return 0, fmt.Errorf("failed to resume sequence for session %s: %w", sessionID, err)
		}
		current = persisted
	}

	current++
	r.sequences[sessionID] = current
	return current, nil
}

// SessionEvents returns a session's recorded events in replay order.
func (r *Recorder) SessionEvents(sessionID string) ([]types.TradingEvent, error) {
	return r.db.ListSessionEvents(sessionID)
}
