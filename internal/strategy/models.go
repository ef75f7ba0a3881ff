package strategy

import (
	"time"

	"gorm.io/gorm"
)

// Strategy lifecycle statuses. STOPPED is terminal.
const (
	StatusDraft    = "DRAFT"
	StatusDeployed = "DEPLOYED"
	StatusPaused   = "PAUSED"
	StatusStopped  = "STOPPED"
)

// Strategy is the supervised unit of signal generation. Only a DEPLOYED
// strategy may emit signals that reach the execution engine.
type Strategy struct {
	gorm.Model    `json:"-"`
	StrategyID    string    `gorm:"uniqueIndex" json:"strategy_id"`
	UserID        string    `gorm:"index" json:"user_id"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	AllocationPct float64   `json:"allocation_pct"` // % of equity per signal
	MinConfidence float64   `json:"min_confidence"`
	MaxDrawdown   float64   `json:"max_drawdown"` // auto-pause threshold
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

var validTransitions = map[string][]string{
	StatusDraft:    {StatusDeployed},
	StatusDeployed: {StatusPaused, StatusStopped},
	StatusPaused:   {StatusDeployed, StatusStopped},
}

func transitionAllowed(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
