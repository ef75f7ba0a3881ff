// Package rules models validation predicates as data. A predicate is a small
// closed grammar (field, operator, thresholds) so evaluation is a total
// function over known operators rather than an interpreted expression.
package rules

import "fmt"

// Operators supported by the predicate grammar.
const (
	OpLTE     = "lte"
	OpGTE     = "gte"
	OpEQ      = "eq"
	OpBetween = "between"
)

// Predicate declares a constraint that must hold for a snapshot field.
type Predicate struct {
	Field      string  `json:"field"`
	Operator   string  `json:"operator"`
	Threshold  float64 `json:"threshold"`
	UpperBound float64 `json:"upper_bound,omitempty"` // between only
}

// Outcome is the result of evaluating one predicate against a snapshot.
type Outcome struct {
	Violated bool
	Value    float64
	Found    bool
}

// Evaluate checks the predicate against the snapshot. A missing field yields
// Found=false and no violation: evaluation is deterministic and side-effect
// free given the same snapshot.
func (p Predicate) Evaluate(snapshot map[string]float64) Outcome {
	value, ok := snapshot[p.Field]
	if !ok {
		return Outcome{Found: false}
	}

	holds := false
	switch p.Operator {
	case OpLTE:
		holds = value <= p.Threshold
	case OpGTE:
		holds = value >= p.Threshold
	case OpEQ:
		holds = value == p.Threshold
	case OpBetween:
		holds = value >= p.Threshold && value <= p.UpperBound
	}

	return Outcome{Violated: !holds, Value: value, Found: true}
}

// Describe renders the constraint for violation messages.
func (p Predicate) Describe(value float64) string {
	switch p.Operator {
	case OpBetween:
		return fmt.Sprintf("%s=%.4f outside [%.4f, %.4f]", p.Field, value, p.Threshold, p.UpperBound)
	case OpGTE:
		return fmt.Sprintf("%s=%.4f below minimum %.4f", p.Field, value, p.Threshold)
	case OpEQ:
		return fmt.Sprintf("%s=%.4f not equal to %.4f", p.Field, value, p.Threshold)
	default:
		return fmt.Sprintf("%s=%.4f exceeds limit %.4f", p.Field, value, p.Threshold)
	}
}
