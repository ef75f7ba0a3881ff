package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateOperators(t *testing.T) {
	snapshot := map[string]float64{"leverage": 1.5}

	assert.False(t, Predicate{Field: "leverage", Operator: OpLTE, Threshold: 2}.Evaluate(snapshot).Violated)
	assert.True(t, Predicate{Field: "leverage", Operator: OpLTE, Threshold: 1}.Evaluate(snapshot).Violated)

	assert.False(t, Predicate{Field: "leverage", Operator: OpGTE, Threshold: 1}.Evaluate(snapshot).Violated)
	assert.True(t, Predicate{Field: "leverage", Operator: OpGTE, Threshold: 2}.Evaluate(snapshot).Violated)

	assert.False(t, Predicate{Field: "leverage", Operator: OpEQ, Threshold: 1.5}.Evaluate(snapshot).Violated)
	assert.True(t, Predicate{Field: "leverage", Operator: OpEQ, Threshold: 1.4}.Evaluate(snapshot).Violated)

	assert.False(t, Predicate{Field: "leverage", Operator: OpBetween, Threshold: 1, UpperBound: 2}.Evaluate(snapshot).Violated)
	assert.True(t, Predicate{Field: "leverage", Operator: OpBetween, Threshold: 1.6, UpperBound: 2}.Evaluate(snapshot).Violated)
}

func TestEvaluateBoundaryIsCompliant(t *testing.T) {
	// A value exactly at the limit passes; only crossing it violates.
	snapshot := map[string]float64{"position_allocation_pct": 5.0}
	outcome := Predicate{Field: "position_allocation_pct", Operator: OpLTE, Threshold: 5.0}.Evaluate(snapshot)
	assert.True(t, outcome.Found)
	assert.False(t, outcome.Violated)
}

func TestEvaluateMissingField(t *testing.T) {
	outcome := Predicate{Field: "absent", Operator: OpLTE, Threshold: 1}.Evaluate(map[string]float64{})
	assert.False(t, outcome.Found)
	assert.False(t, outcome.Violated)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	p := Predicate{Field: "gross_leverage", Operator: OpLTE, Threshold: 2}
	snapshot := map[string]float64{"gross_leverage": 3.1}

	first := p.Evaluate(snapshot)
	second := p.Evaluate(snapshot)
	assert.Equal(t, first, second)
}

func TestDescribe(t *testing.T) {
	p := Predicate{Field: "gross_leverage", Operator: OpLTE, Threshold: 2}
	assert.Equal(t, "gross_leverage=3.1000 exceeds limit 2.0000", p.Describe(3.1))
}
