package investigation

import (
	"fmt"
	"time"

	"github.com/ksred/trading-core/internal/position"
	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog/log"
)

// ReplayHandler processes one recorded event against sandboxed read models.
// Handlers receive a throwaway position book; nothing they do can reach the
// live position manager or execution engine.
type ReplayHandler func(event *types.TradingEvent, book *position.Book) error

// ReplayConfig controls a replay run. Speed is a wall-clock multiplier:
// 0 replays as fast as possible, 1 reproduces the original inter-event
// timing, 2 runs at double speed. From/To bound the replay window; zero
// values leave the corresponding side open.
type ReplayConfig struct {
	Speed float64   `json:"speed"`
	From  time.Time `json:"from,omitempty"`
	To    time.Time `json:"to,omitempty"`
}

// ReplayResult summarizes a completed replay.
type ReplayResult struct {
	SessionID        string                      `json:"session_id"`
	EventsReplayed   int                         `json:"events_replayed"`
	EventsSkipped    int                         `json:"events_skipped"`
	HandlerErrors    []string                    `json:"handler_errors,omitempty"`
	FinalPositions   map[string][]types.Position `json:"final_positions"`
	FirstSequence    int64                       `json:"first_sequence,omitempty"`
	LastSequence     int64                       `json:"last_sequence,omitempty"`
	ReplayDurationMS int64                       `json:"replay_duration_ms"`
}

// Replayer re-processes a session's recorded events strictly in sequence
// order through per-event-type handlers.
type Replayer struct {
	db       *Database
	handlers map[types.EventType][]ReplayHandler
}

// NewReplayer creates a replayer with the default position-reconstruction
// handler registered for execution events.
func NewReplayer(db *Database) *Replayer {
	r := &Replayer{
		db:       db,
		handlers: make(map[types.EventType][]ReplayHandler),
	}
	r.Register(types.EventOrderExecuted, PositionReplayHandler)
	return r
}

// Register adds a handler for one event type. Multiple handlers per type run
// in registration order.
func (r *Replayer) Register(eventType types.EventType, handler ReplayHandler) {
	r.handlers[eventType] = append(r.handlers[eventType], handler)
}

// Replay runs a session's events through the registered handlers. Events are
// consumed in recorded sequence order; a handler error is collected, not
// fatal, so a single malformed event does not abort the investigation.
func (r *Replayer) Replay(sessionID string, cfg ReplayConfig) (*ReplayResult, error) {
	recorded, err := r.db.ListSessionEvents(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session events: %w", err)
	}

	started := time.Now()
	book := position.NewBook()
	result := &ReplayResult{
		SessionID:      sessionID,
		FinalPositions: make(map[string][]types.Position),
	}

	var prev time.Time
	users := make(map[string]bool)
	for i := range recorded {
		event := &recorded[i]
		if !inWindow(event.Timestamp, cfg) {
			result.EventsSkipped++
			continue
		}

		if cfg.Speed > 0 && !prev.IsZero() {
			gap := event.Timestamp.Sub(prev)
			if gap > 0 {
				time.Sleep(time.Duration(float64(gap) / cfg.Speed))
			}
		}
		prev = event.Timestamp

		for _, handler := range r.handlers[event.EventType] {
			if err := handler(event, book); err != nil {
				result.HandlerErrors = append(result.HandlerErrors,
					fmt.Sprintf("%s seq %d: %v", event.EventID, event.SequenceNumber, err))
				log.Warn().
					Err(err).
					Str("session_id", sessionID).
					Str("event_id", event.EventID).
					Int64("sequence", event.SequenceNumber).
					Msg("replay handler failed")
			}
		}

		if result.EventsReplayed == 0 {
			result.FirstSequence = event.SequenceNumber
		}
		result.LastSequence = event.SequenceNumber
		result.EventsReplayed++
		if event.UserID != "" {
			users[event.UserID] = true
		}
	}

	for userID := range users {
		if positions := book.Positions(userID); len(positions) > 0 {
			result.FinalPositions[userID] = positions
		}
	}
	result.ReplayDurationMS = time.Since(started).Milliseconds()

	log.Info().
		Str("session_id", sessionID).
		Int("events_replayed", result.EventsReplayed).
		Int("events_skipped", result.EventsSkipped).
		Int("handler_errors", len(result.HandlerErrors)).
		Msg("session replay complete")

	return result, nil
}

func inWindow(ts time.Time, cfg ReplayConfig) bool {
	if !cfg.From.IsZero() && ts.Before(cfg.From) {
		return false
	}
	if !cfg.To.IsZero() && ts.After(cfg.To) {
		return false
	}
	return true
}

// PositionReplayHandler rebuilds position state from the fill payload carried
// on execution events. The book's own dedupe makes re-delivered events safe.
func PositionReplayHandler(event *types.TradingEvent, book *position.Book) error {
	exec, err := executionFromEvent(event)
	if err != nil {
		return err
	}
	book.Apply(event.UserID, exec)
	return nil
}

// executionFromEvent reconstructs the fill from event data. Numbers arrive as
// float64 after the JSON round-trip through the event store.
func executionFromEvent(event *types.TradingEvent) (*types.Execution, error) {
	executionID, ok := event.Data["execution_id"].(string)
	if !ok || executionID == "" {
		return nil, fmt.Errorf("execution event %s missing execution_id", event.EventID)
	}
	symbol, _ := event.Data["symbol"].(string)
	side, _ := event.Data["side"].(string)
	orderID, _ := event.Data["order_id"].(string)

	price, ok := asFloat(event.Data["fill_price"])
	if !ok {
		return nil, fmt.Errorf("execution event %s missing fill_price", event.EventID)
	}
	quantity, ok := asFloat(event.Data["fill_quantity"])
	if !ok {
		return nil, fmt.Errorf("execution event %s missing fill_quantity", event.EventID)
	}
	commission, _ := asFloat(event.Data["commission"])
	sequence, _ := asFloat(event.Data["fill_sequence"])

	executedAt := event.Timestamp
	if raw, ok := event.Data["executed_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			executedAt = parsed
		}
	}

	return &types.Execution{
		ExecutionID:    executionID,
		OrderID:        orderID,
		Symbol:         symbol,
		Side:           side,
		Quantity:       quantity,
		Price:          price,
		Commission:     commission,
		SequenceNumber: int64(sequence),
		ExecutedAt:     executedAt,
	}, nil
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
