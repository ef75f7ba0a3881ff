package compliance

import (
	"time"

	"github.com/ksred/trading-core/internal/rules"
	"gorm.io/gorm"
)

// ComplianceRule is a configuration entity: operators create and maintain
// rules; the engine only reads them. The predicate is stored as discrete
// columns, never as a free-form expression string.
type ComplianceRule struct {
	gorm.Model        `json:"-"`
	RuleID            string    `gorm:"uniqueIndex" json:"rule_id"`
	Name              string    `json:"name"`
	RuleType          string    `json:"rule_type"` // POSITION_LIMIT, CONCENTRATION, LEVERAGE, ...
	Severity          string    `json:"severity"`
	Field             string    `json:"field"`
	Operator          string    `json:"operator"` // lte, gte, eq, between
	Threshold         float64   `json:"threshold"`
	UpperBound        float64   `json:"upper_bound,omitempty"`
	RemediationAction string    `json:"remediation_action,omitempty"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Predicate returns the rule's declarative constraint.
func (r *ComplianceRule) Predicate() rules.Predicate {
	return rules.Predicate{
		Field:      r.Field,
		Operator:   r.Operator,
		Threshold:  r.Threshold,
		UpperBound: r.UpperBound,
	}
}
