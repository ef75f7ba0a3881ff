package risk

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
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "risk.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Violation{}))
	return NewService(db, DefaultRules())
}

func TestBuildSnapshotFirstOrder(t *testing.T) {
	order := &types.Order{Symbol: "TCS", Quantity: 100, RequestedPrice: 150}

	snapshot := BuildSnapshot(order, nil, 1_000_000)

	assert.Equal(t, 15_000.0, snapshot.OrderValue)
	assert.InDelta(t, 1.5, snapshot.PositionAllocationPct, 1e-9)
	assert.InDelta(t, 100.0, snapshot.SymbolConcentrationPct, 1e-9)
	assert.InDelta(t, 0.015, snapshot.GrossLeverage, 1e-9)
}

func TestBuildSnapshotWithExistingExposure(t *testing.T) {
	order := &types.Order{Symbol: "TCS", Quantity: 100, RequestedPrice: 100}
	summary := &types.PortfolioSummary{
		ExposureBySymbol: map[string]float64{
			"TCS":  30_000,
			"INFY": 60_000,
		},
	}

	snapshot := BuildSnapshot(order, summary, 1_000_000)

	assert.Equal(t, 10_000.0, snapshot.OrderValue)
	assert.InDelta(t, 4.0, snapshot.PositionAllocationPct, 1e-9)
	assert.InDelta(t, 40_000.0/100_000.0*100, snapshot.SymbolConcentrationPct, 1e-9)
	assert.InDelta(t, 0.1, snapshot.GrossLeverage, 1e-9)
}

func TestBuildSnapshotZeroEquity(t *testing.T) {
	order := &types.Order{Symbol: "TCS", Quantity: 10, RequestedPrice: 100}

	snapshot := BuildSnapshot(order, nil, 0)

	// An empty account treats the order value as the denominator so the
	// percentages stay finite.
	assert.InDelta(t, 100.0, snapshot.PositionAllocationPct, 1e-9)
}

func TestEvaluateAllocationBreachBlocks(t *testing.T) {
	snapshot := Snapshot{OrderValue: 60_000, PositionAllocationPct: 6.0, SymbolConcentrationPct: 10, GrossLeverage: 0.06}

	result := Evaluate("ORD_1", snapshot, DefaultRules())

	assert.False(t, result.Compliant)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "RISK_POSITION_LIMIT", result.Violations[0].RuleID)
}

func TestEvaluateConcentrationOnlyWarns(t *testing.T) {
	snapshot := Snapshot{OrderValue: 10_000, PositionAllocationPct: 1.0, SymbolConcentrationPct: 80, GrossLeverage: 0.01}

	result := Evaluate("ORD_1", snapshot, DefaultRules())

	assert.True(t, result.Compliant)
	assert.Empty(t, result.Violations)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "RISK_CONCENTRATION", result.Warnings[0].RuleID)
}

func TestEvaluateCollectsMultipleBreaches(t *testing.T) {
	snapshot := Snapshot{OrderValue: 600_000, PositionAllocationPct: 60, SymbolConcentrationPct: 100, GrossLeverage: 3}

	result := Evaluate("ORD_1", snapshot, DefaultRules())

	assert.False(t, result.Compliant)
	assert.Len(t, result.Violations, 3)
	assert.Len(t, result.Warnings, 1)
}

func TestValidatePersistsAndIsRepeatable(t *testing.T) {
	svc := testService(t)
	snapshot := Snapshot{OrderValue: 600_000, PositionAllocationPct: 2, SymbolConcentrationPct: 10, GrossLeverage: 0.6}

	first, err := svc.Validate("ORD_1", snapshot)
	require.NoError(t, err)
	second, err := svc.Validate("ORD_1", snapshot)
	require.NoError(t, err)

	assert.Equal(t, first.Compliant, second.Compliant)
	require.Len(t, first.Violations, 1)
	require.Len(t, second.Violations, 1)
	assert.Equal(t, first.Violations[0].RuleID, second.Violations[0].RuleID)
	// Violation IDs are per append; the evaluated facts are identical.
	assert.NotEqual(t, first.Violations[0].ViolationID, second.Violations[0].ViolationID)
}
