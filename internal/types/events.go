package types

import (
	"time"

	"gorm.io/gorm"
)

// EventType identifies the kind of trading event. The set is closed: components
// publish only these types and handler registration is keyed on them.
type EventType string

const (
	EventSignalGenerated   EventType = "SIGNAL_GENERATED"
	EventSignalRejected    EventType = "SIGNAL_REJECTED"
	EventOrderPlaced       EventType = "ORDER_PLACED"
	EventOrderSubmitted    EventType = "ORDER_SUBMITTED"
	EventOrderExecuted     EventType = "ORDER_EXECUTED"
	EventOrderCancelled    EventType = "ORDER_CANCELLED"
	EventOrderRejected     EventType = "ORDER_REJECTED"
	EventOrderExpired      EventType = "ORDER_EXPIRED"
	EventRiskCheck         EventType = "RISK_CHECK"
	EventComplianceCheck   EventType = "COMPLIANCE_CHECK"
	EventPositionUpdated   EventType = "POSITION_UPDATED"
	EventPositionClosed    EventType = "POSITION_CLOSED"
	EventStrategyDeployed  EventType = "STRATEGY_DEPLOYED"
	EventStrategyPaused    EventType = "STRATEGY_PAUSED"
	EventStrategyResumed   EventType = "STRATEGY_RESUMED"
	EventStrategyStopped   EventType = "STRATEGY_STOPPED"
	EventPerformanceUpdate EventType = "PERFORMANCE_UPDATE"
	EventEmergencyStop     EventType = "EMERGENCY_STOP"
	EventSystemAlert       EventType = "SYSTEM_ALERT"
)

// AllEventTypes lists every event type the bus can carry, used for
// subscribe-all consumers and audit retention configuration.
var AllEventTypes = []EventType{
	EventSignalGenerated, EventSignalRejected,
	EventOrderPlaced, EventOrderSubmitted, EventOrderExecuted,
	EventOrderCancelled, EventOrderRejected, EventOrderExpired,
	EventRiskCheck, EventComplianceCheck,
	EventPositionUpdated, EventPositionClosed,
	EventStrategyDeployed, EventStrategyPaused, EventStrategyResumed, EventStrategyStopped,
	EventPerformanceUpdate, EventEmergencyStop, EventSystemAlert,
}

// DecisionContext captures the ambient state at the moment a trading decision
// was made. It is written once by the deciding component and never recomputed,
// which is what makes replay and audit trustworthy.
type DecisionContext struct {
	MarketData      map[string]float64 `json:"market_data,omitempty"`
	RiskParameters  map[string]float64 `json:"risk_parameters,omitempty"`
	SignalInputs    map[string]float64 `json:"signal_inputs,omitempty"`
	ExternalFactors map[string]string  `json:"external_factors,omitempty"`
	Rationale       string             `json:"rationale"`
	ConfidenceScore float64            `json:"confidence_score"`
}

// TradingEvent is the immutable record every component publishes for each
// action it performs. Sequence numbers are assigned by the event recorder;
// the event is never mutated afterwards.
type TradingEvent struct {
	gorm.Model      `json:"-"`
	EventID         string                 `gorm:"uniqueIndex" json:"event_id"`
	EventType       EventType              `gorm:"index" json:"event_type"`
	Timestamp       time.Time              `gorm:"index" json:"timestamp"`
	UserID          string                 `json:"user_id"`
	SessionID       string                 `gorm:"index" json:"session_id"`
	SequenceNumber  int64                  `gorm:"index" json:"sequence_number"`
	ParentEventID   string                 `json:"parent_event_id,omitempty"`
	Data            map[string]interface{} `gorm:"serializer:json" json:"data,omitempty"`
	Context         *DecisionContext       `gorm:"serializer:json" json:"context,omitempty"`
	ExecutionTimeMS float64                `json:"execution_time_ms"`
	Success         bool                   `json:"success"`
	Confidence      float64                `json:"confidence,omitempty"`
}

// Signal is the opaque instruction received from the strategy-generation
// collaborator. The core never inspects how it was produced.
type Signal struct {
	StrategyID  string    `json:"strategy_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Confidence  float64   `json:"confidence"`
	TargetPrice float64   `json:"target_price"`
	Timestamp   time.Time `json:"timestamp"`
}
