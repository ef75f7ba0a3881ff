package types

import "time"

// PortfolioSummary is the aggregate view served by the position manager.
type PortfolioSummary struct {
	UserID           string             `json:"user_id"`
	TotalMarketValue float64            `json:"total_market_value"`
	TotalRealizedPnL float64            `json:"total_realized_pnl"`
	TotalUnrealized  float64            `json:"total_unrealized_pnl"`
	OpenPositions    int                `json:"open_positions"`
	ExposureBySymbol map[string]float64 `json:"exposure_by_symbol"`
	GeneratedAt      time.Time          `json:"generated_at"`
}

// OrderResult is returned to the signal path after an order has reached a
// post-validation state. RejectReason is human readable, never a bare code.
type OrderResult struct {
	Order      *Order           `json:"order"`
	Validation ValidationResult `json:"validation"`
}
