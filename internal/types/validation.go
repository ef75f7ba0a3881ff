package types

import (
	"time"

	"gorm.io/gorm"
)

// Violation severities, ordered from least to most severe.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Rule types evaluated by the risk and compliance validators.
const (
	RuleTypePositionLimit = "POSITION_LIMIT"
	RuleTypeConcentration = "CONCENTRATION"
	RuleTypeLeverage      = "LEVERAGE"
	RuleTypeBestExecution = "BEST_EXECUTION"
	RuleTypeOrderValue    = "ORDER_VALUE"
)

// Violation is an append-only fact produced by rule evaluation. A violation
// is never deleted; an operator may mark it resolved.
type Violation struct {
	gorm.Model     `json:"-"`
	ViolationID    string    `gorm:"uniqueIndex" json:"violation_id"`
	RuleID         string    `gorm:"index" json:"rule_id"`
	RuleType       string    `json:"rule_type"`
	ResourceID     string    `gorm:"index" json:"resource_id"`
	Severity       string    `json:"severity"`
	CurrentValue   float64   `json:"current_value"`
	ThresholdValue float64   `json:"threshold_value"`
	Message        string    `json:"message"`
	Resolved       bool      `json:"resolved"`
	CreatedAt      time.Time `json:"created_at"`
}

// ValidationResult is returned from every risk and compliance check. It is a
// value, never an error: callers handle both compliant and non-compliant
// outcomes explicitly. Warnings are violations below the blocking severity.
type ValidationResult struct {
	Compliant  bool        `json:"compliant"`
	Violations []Violation `json:"violations"`
	Warnings   []Violation `json:"warnings"`
}

// Merge folds another result into this one. The combined result is compliant
// only when both inputs are.
func (r *ValidationResult) Merge(other ValidationResult) {
	r.Compliant = r.Compliant && other.Compliant
	r.Violations = append(r.Violations, other.Violations...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Rationale builds the human-readable rejection reason surfaced to users.
func (r *ValidationResult) Rationale() string {
	if r.Compliant {
		return "all risk and compliance checks passed"
	}
	reason := "rejected:"
	for i, v := range r.Violations {
		if i > 0 {
			reason += ";"
		}
		reason += " " + v.Message
	}
	return reason
}

// Blocks reports whether the given severity rejects the order outright. This
// table is the single source of truth for severity-to-action mapping; both
// the risk manager and the compliance validator consult it rather than
// deciding independently.
func Blocks(severity string) bool {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return true
	}
	return false
}
