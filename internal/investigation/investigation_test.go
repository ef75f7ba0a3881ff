package investigation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/position"
	"github.com/ksred/trading-core/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "investigation.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.TradingEvent{}))
	return db
}

func TestRecorderAssignsStrictlyIncreasingSequences(t *testing.T) {
	db := testDB(t)
	recorder := NewRecorder(db)

	for i := 0; i < 5; i++ {
		require.NoError(t, recorder.OnEvent(events.New(types.EventOrderPlaced, "USR_1", "SES_1")))
	}
	require.NoError(t, recorder.OnEvent(events.New(types.EventOrderPlaced, "USR_1", "SES_OTHER")))

	recorded, err := recorder.SessionEvents("SES_1")
	require.NoError(t, err)
	require.Len(t, recorded, 5)
	for i, event := range recorded {
		assert.Equal(t, int64(i+1), event.SequenceNumber)
	}

	// Sequences are session-scoped.
	other, err := recorder.SessionEvents("SES_OTHER")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].SequenceNumber)
}

func TestRecorderResumesSequenceAfterRestart(t *testing.T) {
	db := testDB(t)

	first := NewRecorder(db)
	require.NoError(t, first.OnEvent(events.New(types.EventOrderPlaced, "USR_1", "SES_1")))
	require.NoError(t, first.OnEvent(events.New(types.EventOrderPlaced, "USR_1", "SES_1")))

	// A fresh recorder over the same store must continue, not restart.
	second := NewRecorder(db)
	require.NoError(t, second.OnEvent(events.New(types.EventOrderPlaced, "USR_1", "SES_1")))

	recorded, err := second.SessionEvents("SES_1")
	require.NoError(t, err)
	require.Len(t, recorded, 3)
	assert.Equal(t, int64(3), recorded[2].SequenceNumber)
}

func TestEventSurvivesStoreRoundTrip(t *testing.T) {
	db := testDB(t)
	recorder := NewRecorder(db)

	event := events.New(types.EventRiskCheck, "USR_1", "SES_1")
	event.Data["order_id"] = "ORD_1"
	event.Data["compliant"] = true
	event.Data["violations"] = 0
	event.Context = &types.DecisionContext{
		MarketData:      map[string]float64{"requested_price": 101.5},
		RiskParameters:  map[string]float64{"gross_leverage": 0.4},
		SignalInputs:    map[string]float64{"confidence": 0.8},
		ExternalFactors: map[string]string{"venue": "NSE"},
		Rationale:       "all risk and compliance checks passed",
		ConfidenceScore: 0.8,
	}
	event.ExecutionTimeMS = 3.5
	require.NoError(t, recorder.OnEvent(event))

	recorded, err := recorder.SessionEvents("SES_1")
	require.NoError(t, err)
	require.Len(t, recorded, 1)

	got := recorded[0]
	assert.Equal(t, event.EventID, got.EventID)
	assert.Equal(t, "ORD_1", got.Data["order_id"])
	assert.Equal(t, true, got.Data["compliant"])
	require.NotNil(t, got.Context)
	assert.Equal(t, event.Context.Rationale, got.Context.Rationale)
	assert.Equal(t, 101.5, got.Context.MarketData["requested_price"])
	assert.Equal(t, "NSE", got.Context.ExternalFactors["venue"])
	assert.Equal(t, 0.8, got.Context.ConfidenceScore)
}

func decisionChain() []types.TradingEvent {
	signal := events.New(types.EventSignalGenerated, "USR_1", "SES_1")
	signal.Context = &types.DecisionContext{Rationale: "sized 200 TCS"}
	riskCheck := events.NewChild(types.EventRiskCheck, signal)
	placed := events.NewChild(types.EventOrderPlaced, signal)
	executed := events.NewChild(types.EventOrderExecuted, placed)

	recorded := []types.TradingEvent{*signal, *riskCheck, *placed, *executed}
	for i := range recorded {
		recorded[i].SequenceNumber = int64(i + 1)
		recorded[i].ExecutionTimeMS = 2
	}
	return recorded
}

func TestBuildDecisionTreeLinksParents(t *testing.T) {
	recorded := decisionChain()

	tree := BuildDecisionTree("SES_1", recorded)

	require.Len(t, tree.Nodes, 5) // root + four decisions
	root := tree.Nodes[tree.RootID]
	require.Len(t, root.Children, 1, "only the signal hangs off the root")

	signalNode := tree.Nodes[root.Children[0]]
	assert.Equal(t, NodeSignalAnalysis, signalNode.NodeType)
	assert.Len(t, signalNode.Children, 2)

	placedNode := tree.Nodes["NODE_000003"]
	require.NotNil(t, placedNode)
	assert.Equal(t, NodePositionSizing, placedNode.NodeType)
	require.Len(t, placedNode.Children, 1)
	assert.Equal(t, NodeOrderExecution, tree.Nodes[placedNode.Children[0]].NodeType)
}

func TestBuildDecisionTreeMetricsAndOutcome(t *testing.T) {
	recorded := decisionChain()
	recorded[3].Success = false

	tree := BuildDecisionTree("SES_1", recorded)

	assert.Equal(t, 4, tree.Metrics.TotalNodes)
	assert.InDelta(t, 0.75, tree.Metrics.SuccessRate, 1e-9)
	assert.InDelta(t, 8.0, tree.Metrics.TotalExecutionTimeMS, 1e-9)
	assert.Equal(t, "ORDER_EXECUTED (failed)", tree.FinalOutcome)
}

func TestExpiredOrderIsFinalOutcome(t *testing.T) {
	signal := events.New(types.EventSignalGenerated, "USR_1", "SES_1")
	placed := events.NewChild(types.EventOrderPlaced, signal)
	expired := events.NewChild(types.EventOrderExpired, placed)
	expired.Success = false

	recorded := []types.TradingEvent{*signal, *placed, *expired}
	for i := range recorded {
		recorded[i].SequenceNumber = int64(i + 1)
	}

	tree := BuildDecisionTree("SES_1", recorded)

	placedNode := tree.Nodes["NODE_000002"]
	require.NotNil(t, placedNode)
	require.Len(t, placedNode.Children, 1)
	assert.Equal(t, NodeFinalOutcome, tree.Nodes[placedNode.Children[0]].NodeType)
	assert.Equal(t, "ORDER_EXPIRED (failed)", tree.FinalOutcome)
}

func TestBuildDecisionTreeSkipsBookkeepingEvents(t *testing.T) {
	update := events.New(types.EventPositionUpdated, "USR_1", "SES_1")
	update.SequenceNumber = 1

	tree := BuildDecisionTree("SES_1", []types.TradingEvent{*update})

	assert.Len(t, tree.Nodes, 1)
	assert.Equal(t, "NO_DECISIONS", tree.FinalOutcome)
}

func fillEvent(t *testing.T, recorder *Recorder, executionID, symbol, side string, quantity, price, commission float64, executedAt time.Time) {
	t.Helper()
	event := events.New(types.EventOrderExecuted, "USR_1", "SES_1")
	event.Data["order_id"] = "ORD_1"
	event.Data["symbol"] = symbol
	event.Data["side"] = side
	event.Data["execution_id"] = executionID
	event.Data["fill_price"] = price
	event.Data["fill_quantity"] = quantity
	event.Data["commission"] = commission
	event.Data["executed_at"] = executedAt.Format(time.RFC3339Nano)
	require.NoError(t, recorder.OnEvent(event))
}

func TestReplayReproducesLivePositionState(t *testing.T) {
	db := testDB(t)
	recorder := NewRecorder(db)

	base := time.Now().Add(-time.Minute)
	fillEvent(t, recorder, "EXE_1", "TCS", types.SideBuy, 100, 100, 10, base)
	fillEvent(t, recorder, "EXE_2", "TCS", types.SideSell, 100, 110, 11, base.Add(time.Second))

	// The live book applies the same fills directly.
	live := position.NewBook()
	live.Apply("USR_1", &types.Execution{ExecutionID: "EXE_1", Symbol: "TCS", Side: types.SideBuy, Quantity: 100, Price: 100, Commission: 10, ExecutedAt: base})
	live.Apply("USR_1", &types.Execution{ExecutionID: "EXE_2", Symbol: "TCS", Side: types.SideSell, Quantity: 100, Price: 110, Commission: 11, ExecutedAt: base.Add(time.Second)})

	result, err := NewReplayer(NewDatabase(db)).Replay("SES_1", ReplayConfig{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.EventsReplayed)
	assert.Empty(t, result.HandlerErrors)

	replayed := result.FinalPositions["USR_1"]
	require.Len(t, replayed, 1)
	livePositions := live.Positions("USR_1")
	require.Len(t, livePositions, 1)

	assert.Equal(t, livePositions[0].Quantity, replayed[0].Quantity)
	assert.InDelta(t, livePositions[0].RealizedPnL, replayed[0].RealizedPnL, 1e-9)
	assert.InDelta(t, 1000-10-11, replayed[0].RealizedPnL, 1e-9)
}

func TestReplayIsRepeatable(t *testing.T) {
	db := testDB(t)
	recorder := NewRecorder(db)
	base := time.Now()
	fillEvent(t, recorder, "EXE_1", "INFY", types.SideBuy, 50, 200, 5, base)

	replayer := NewReplayer(NewDatabase(db))
	first, err := replayer.Replay("SES_1", ReplayConfig{})
	require.NoError(t, err)
	second, err := replayer.Replay("SES_1", ReplayConfig{})
	require.NoError(t, err)

	assert.Equal(t, first.FinalPositions, second.FinalPositions)
}

func TestReplayTimeWindowFilter(t *testing.T) {
	db := testDB(t)
	recorder := NewRecorder(db)

	base := time.Now().Add(-time.Hour)
	fill := events.New(types.EventOrderExecuted, "USR_1", "SES_1")
	fill.Timestamp = base
	fill.Data["execution_id"] = "EXE_1"
	fill.Data["symbol"] = "TCS"
	fill.Data["side"] = types.SideBuy
	fill.Data["fill_price"] = 100.0
	fill.Data["fill_quantity"] = 10.0
	require.NoError(t, recorder.OnEvent(fill))

	later := events.New(types.EventOrderExecuted, "USR_1", "SES_1")
	later.Data["execution_id"] = "EXE_2"
	later.Data["symbol"] = "TCS"
	later.Data["side"] = types.SideBuy
	later.Data["fill_price"] = 100.0
	later.Data["fill_quantity"] = 10.0
	require.NoError(t, recorder.OnEvent(later))

	result, err := NewReplayer(NewDatabase(db)).Replay("SES_1", ReplayConfig{From: base.Add(time.Minute)})
	require.NoError(t, err)

	assert.Equal(t, 1, result.EventsReplayed)
	assert.Equal(t, 1, result.EventsSkipped)
	require.Len(t, result.FinalPositions["USR_1"], 1)
	assert.Equal(t, 10.0, result.FinalPositions["USR_1"][0].Quantity)
}

func TestReplayMalformedEventIsCollectedNotFatal(t *testing.T) {
	db := testDB(t)
	recorder := NewRecorder(db)

	broken := events.New(types.EventOrderExecuted, "USR_1", "SES_1")
	broken.Data["symbol"] = "TCS"
	require.NoError(t, recorder.OnEvent(broken))

	result, err := NewReplayer(NewDatabase(db)).Replay("SES_1", ReplayConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.EventsReplayed)
	require.Len(t, result.HandlerErrors, 1)
	assert.Contains(t, result.HandlerErrors[0], "execution_id")
}

func attributionInput() AttributionInput {
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	return AttributionInput{
		SessionID:  "SES_1",
		UserID:     "USR_1",
		Start:      base,
		End:        base.Add(time.Hour),
		BaseEquity: 1_000_000,
		Orders: []types.Order{
			{OrderID: "ORD_1", Symbol: "TCS", Status: types.StatusFilled, Quantity: 100, FilledQuantity: 100, RequestedPrice: 100, AverageFillPrice: 100.5},
			{OrderID: "ORD_2", Symbol: "TCS", Status: types.StatusFilled, Quantity: 100, FilledQuantity: 100, RequestedPrice: 110, AverageFillPrice: 110},
		},
		Executions: []types.Execution{
			{ExecutionID: "EXE_1", OrderID: "ORD_1", Symbol: "TCS", Side: types.SideBuy, Quantity: 100, Price: 100.5, Commission: 10, SequenceNumber: 1, ExecutedAt: base},
			{ExecutionID: "EXE_2", OrderID: "ORD_2", Symbol: "TCS", Side: types.SideSell, Quantity: 100, Price: 110, Commission: 11, SequenceNumber: 2, ExecutedAt: base.Add(time.Minute)},
		},
		BenchmarkReturns: []float64{0.001, 0.002},
	}
}

func TestAttributeIsPure(t *testing.T) {
	input := attributionInput()

	first := Attribute(input)
	second := Attribute(input)

	assert.Equal(t, first, second)
}

func TestAttributeTotalReturn(t *testing.T) {
	result := Attribute(attributionInput())

	// 100 * (110 - 100.5) = 950 gross, minus 21 commission, on 1M equity.
	assert.InDelta(t, (950.0-21.0)/1_000_000, result.TotalReturn, 1e-12)
	require.Len(t, result.TradeContributions, 1)
	assert.Equal(t, "TCS", result.TradeContributions[0].Symbol)
	assert.InDelta(t, 929.0, result.TradeContributions[0].RealizedPnL, 1e-9)
}

func TestAttributeFactorsBounded(t *testing.T) {
	result := Attribute(attributionInput())

	for name, value := range result.AttributionFactors {
		assert.GreaterOrEqualf(t, value, 0.0, "factor %s below 0", name)
		assert.LessOrEqualf(t, value, 1.0, "factor %s above 1", name)
	}
	// Both orders cleared validation.
	assert.Equal(t, 1.0, result.AttributionFactors["risk_management"])
	// The single closed trade was profitable.
	assert.Equal(t, 1.0, result.AttributionFactors["signal_quality"])
}

func TestAttributeEmptyInput(t *testing.T) {
	result := Attribute(AttributionInput{SessionID: "SES_EMPTY", UserID: "USR_1", BaseEquity: 1_000_000})

	assert.Zero(t, result.TotalReturn)
	assert.Zero(t, result.SharpeRatio)
	assert.Zero(t, result.MaxDrawdown)
	assert.Empty(t, result.TradeContributions)
}

func TestAttributeBetaAgainstBenchmark(t *testing.T) {
	input := attributionInput()
	// With a single overlapping return interval beta stays zero and alpha
	// reduces to the mean excess return.
	input.BenchmarkReturns = []float64{0.001}

	result := Attribute(input)
	assert.Zero(t, result.Beta)
}
