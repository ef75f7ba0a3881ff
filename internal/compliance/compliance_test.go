package compliance

import (
	"path/filepath"
	"testing"

	"github.com/ksred/trading-core/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "compliance.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ComplianceRule{}, &types.Violation{}))

	svc := NewService(db)
	require.NoError(t, svc.SeedDefaultRules())
	return svc
}

func TestEvaluateCollectsAllViolations(t *testing.T) {
	ruleset := []ComplianceRule{
		{RuleID: "RUL_1", Name: "allocation", RuleType: types.RuleTypePositionLimit,
			Severity: types.SeverityHigh, Field: "position_allocation_pct", Operator: "lte", Threshold: 5},
		{RuleID: "RUL_2", Name: "leverage", RuleType: types.RuleTypeLeverage,
			Severity: types.SeverityCritical, Field: "gross_leverage", Operator: "lte", Threshold: 2},
	}
	snapshot := map[string]float64{
		"position_allocation_pct": 9.0,
		"gross_leverage":          3.0,
	}

	result := Evaluate("ORD_1", snapshot, ruleset)

	assert.False(t, result.Compliant)
	// Evaluation never short-circuits: both violations must be present.
	require.Len(t, result.Violations, 2)
}

func TestEvaluateSeverityRouting(t *testing.T) {
	ruleset := []ComplianceRule{
		{RuleID: "RUL_1", Severity: types.SeverityMedium, Field: "symbol_concentration_pct", Operator: "lte", Threshold: 25},
		{RuleID: "RUL_2", Severity: types.SeverityLow, Field: "price_deviation_pct", Operator: "lte", Threshold: 1},
	}
	snapshot := map[string]float64{
		"symbol_concentration_pct": 40,
		"price_deviation_pct":      2,
	}

	result := Evaluate("ORD_1", snapshot, ruleset)

	// MEDIUM and LOW warn but do not block.
	assert.True(t, result.Compliant)
	assert.Empty(t, result.Violations)
	assert.Len(t, result.Warnings, 2)
}

func TestEvaluateSixPercentAllocationBlocks(t *testing.T) {
	ruleset := []ComplianceRule{
		{RuleID: "RUL_1", Name: "single position allocation limit", Severity: types.SeverityHigh,
			Field: "position_allocation_pct", Operator: "lte", Threshold: 5},
	}

	blocked := Evaluate("ORD_1", map[string]float64{"position_allocation_pct": 6}, ruleset)
	assert.False(t, blocked.Compliant)

	allowed := Evaluate("ORD_2", map[string]float64{"position_allocation_pct": 5}, ruleset)
	assert.True(t, allowed.Compliant)
}

func TestValidateIsDeterministic(t *testing.T) {
	svc := testService(t)
	snapshot := map[string]float64{
		"position_allocation_pct":  6.0,
		"symbol_concentration_pct": 30.0,
		"gross_leverage":           1.0,
		"price_deviation_pct":      0.2,
	}

	first, err := svc.Validate("ORD_1", snapshot)
	require.NoError(t, err)
	second, err := svc.Validate("ORD_1", snapshot)
	require.NoError(t, err)

	assert.Equal(t, first.Compliant, second.Compliant)
	require.Len(t, second.Violations, len(first.Violations))
	for i := range first.Violations {
		assert.Equal(t, first.Violations[i].RuleID, second.Violations[i].RuleID)
		assert.Equal(t, first.Violations[i].CurrentValue, second.Violations[i].CurrentValue)
	}
}

func TestValidatePersistsViolations(t *testing.T) {
	svc := testService(t)

	result, err := svc.Validate("ORD_1", map[string]float64{"gross_leverage": 3.0})
	require.NoError(t, err)
	require.Len(t, result.Violations, 1)
	assert.NotEmpty(t, result.Violations[0].ViolationID)

	stored, err := svc.ListViolations("ORD_1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, types.SeverityCritical, stored[0].Severity)
}

func TestInactiveRuleIsSkipped(t *testing.T) {
	svc := testService(t)

	rules, err := svc.ListRules()
	require.NoError(t, err)
	var leverageID string
	for _, r := range rules {
		if r.Field == "gross_leverage" {
			leverageID = r.RuleID
		}
	}
	require.NotEmpty(t, leverageID)
	require.NoError(t, svc.SetRuleActive(leverageID, false))

	result, err := svc.Validate("ORD_1", map[string]float64{"gross_leverage": 5.0})
	require.NoError(t, err)
	assert.True(t, result.Compliant)
}

func TestResolveViolationKeepsRecord(t *testing.T) {
	svc := testService(t)

	result, err := svc.Validate("ORD_1", map[string]float64{"gross_leverage": 3.0})
	require.NoError(t, err)
	require.Len(t, result.Violations, 1)

	require.NoError(t, svc.ResolveViolation(result.Violations[0].ViolationID))

	stored, err := svc.ListViolations("ORD_1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Resolved)
}

func TestBlocksPolicy(t *testing.T) {
	assert.True(t, types.Blocks(types.SeverityCritical))
	assert.True(t, types.Blocks(types.SeverityHigh))
	assert.False(t, types.Blocks(types.SeverityMedium))
	assert.False(t, types.Blocks(types.SeverityLow))
}
