package types

import (
	"time"

	"gorm.io/gorm"
)

// Order sides and types.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Order statuses. Terminal statuses are immutable; StatusError freezes an
// order that violated an internal invariant so it can be investigated.
const (
	StatusPending         = "PENDING"
	StatusValidating      = "VALIDATING"
	StatusRejected        = "REJECTED"
	StatusSubmitted       = "SUBMITTED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCancelled       = "CANCELLED"
	StatusExpired         = "EXPIRED"
	StatusError           = "ERROR"
)

// Order is the authoritative record of a single order through its lifecycle.
// Only the execution engine mutates it, and only under the per-order lock.
type Order struct {
	gorm.Model       `json:"-"`
	OrderID          string    `gorm:"uniqueIndex" json:"order_id"`
	UserID           string    `gorm:"index" json:"user_id"`
	StrategyID       string    `json:"strategy_id,omitempty"`
	SessionID        string    `gorm:"index" json:"session_id"`
	Symbol           string    `json:"symbol"`
	Side             string    `json:"side"`       // BUY or SELL
	OrderType        string    `json:"order_type"` // MARKET or LIMIT
	Quantity         float64   `json:"quantity"`
	RequestedPrice   float64   `json:"requested_price"`
	Status           string    `json:"status"`
	FilledQuantity   float64   `json:"filled_quantity"`
	AverageFillPrice float64   `json:"average_fill_price"`
	BrokerOrderID    string    `json:"broker_order_id,omitempty"`
	RejectReason     string    `json:"reject_reason,omitempty"`
	// LastEventID threads decision causality through the lifecycle: each
	// event published for this order is parented on the previous one,
	// starting from the signal that created it.
	LastEventID      string    `gorm:"index" json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() float64 {
	return o.Quantity - o.FilledQuantity
}

// IsTerminal reports whether the order can no longer change state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusRejected, StatusFilled, StatusCancelled, StatusExpired, StatusError:
		return true
	}
	return false
}

// Execution is an immutable fill record received from the broker. It is the
// source of truth for all position and P&L mutation.
type Execution struct {
	gorm.Model     `json:"-"`
	ExecutionID    string    `gorm:"uniqueIndex" json:"execution_id"`
	OrderID        string    `gorm:"index" json:"order_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Quantity       float64   `json:"quantity"`
	Price          float64   `json:"price"`
	Commission     float64   `json:"commission"`
	SequenceNumber int64     `json:"sequence_number"`
	ExecutedAt     time.Time `gorm:"index" json:"executed_at"`
}

// Position is the current-state snapshot for one (user, symbol) pair.
// Negative quantity means short. A zero quantity always carries a ClosedAt.
type Position struct {
	gorm.Model    `json:"-"`
	UserID        string     `gorm:"index:idx_user_symbol,unique" json:"user_id"`
	Symbol        string     `gorm:"index:idx_user_symbol,unique" json:"symbol"`
	Quantity      float64    `json:"quantity"`
	AveragePrice  float64    `json:"average_price"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
	RealizedPnL   float64    `json:"realized_pnl"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}
