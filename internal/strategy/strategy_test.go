package strategy

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// stubPlacer records placed orders and returns them submitted.
type stubPlacer struct {
	mu     sync.Mutex
	placed []*types.Order
}

func (p *stubPlacer) PlaceOrder(ctx context.Context, order *types.Order) (*types.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order.OrderID = "ORD_STUB"
	order.Status = types.StatusSubmitted
	p.placed = append(p.placed, order)
	return &types.OrderResult{Order: order, Validation: types.ValidationResult{Compliant: true}}, nil
}

type eventSink struct {
	mu     sync.Mutex
	events []*types.TradingEvent
}

func (s *eventSink) handle(event *types.TradingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *eventSink) byType(eventType types.EventType) []*types.TradingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.TradingEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func testSetup(t *testing.T) (*Service, *stubPlacer, *events.Bus, *eventSink) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "strategy.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Strategy{}))

	bus := events.NewBus(256)
	sink := &eventSink{}
	bus.SubscribeAll(sink.handle)

	placer := &stubPlacer{}
	svc := NewService(db, bus, placer)
	return svc, placer, bus, sink
}

func deployed(t *testing.T, svc *Service) *Strategy {
	t.Helper()
	strat := &Strategy{
		UserID:        "USR_1",
		Name:          "momentum",
		AllocationPct: 2,
		MinConfidence: 0.5,
		MaxDrawdown:   0.2,
	}
	require.NoError(t, svc.CreateStrategy(strat))
	require.NoError(t, svc.Deploy(strat.StrategyID))
	return strat
}

func signalFor(strat *Strategy) types.Signal {
	return types.Signal{
		StrategyID:  strat.StrategyID,
		Symbol:      "TCS",
		Side:        types.SideBuy,
		Confidence:  0.9,
		TargetPrice: 100,
		Timestamp:   time.Now(),
	}
}

func TestLifecycleTransitions(t *testing.T) {
	svc, _, bus, _ := testSetup(t)
	defer bus.Close()

	strat := &Strategy{UserID: "USR_1", Name: "momentum", AllocationPct: 2}
	require.NoError(t, svc.CreateStrategy(strat))
	assert.Equal(t, StatusDraft, strat.Status)

	require.NoError(t, svc.Deploy(strat.StrategyID))
	require.NoError(t, svc.Pause(strat.StrategyID, "manual"))
	require.NoError(t, svc.Deploy(strat.StrategyID))
	require.NoError(t, svc.Stop(strat.StrategyID, "manual"))

	// STOPPED is terminal.
	assert.Error(t, svc.Deploy(strat.StrategyID))

	stored, err := svc.GetStrategy(strat.StrategyID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stored.Status)
}

func TestDraftCannotPause(t *testing.T) {
	svc, _, bus, _ := testSetup(t)
	defer bus.Close()

	strat := &Strategy{UserID: "USR_1", Name: "momentum"}
	require.NoError(t, svc.CreateStrategy(strat))
	assert.Error(t, svc.Pause(strat.StrategyID, "manual"))
}

func TestSignalRoutedToEngine(t *testing.T) {
	svc, placer, bus, _ := testSetup(t)
	strat := deployed(t, svc)

	result, err := svc.HandleSignal(context.Background(), "SES_1", signalFor(strat))
	require.NoError(t, err)
	require.NotNil(t, result)
	bus.Close()

	require.Len(t, placer.placed, 1)
	order := placer.placed[0]
	assert.Equal(t, strat.StrategyID, order.StrategyID)
	// 2% of 1,000,000 at price 100 = 200 shares.
	assert.InDelta(t, 200.0, order.Quantity, 1e-9)
}

func TestOrderChainsBackToSignalEvent(t *testing.T) {
	svc, placer, bus, sink := testSetup(t)
	strat := deployed(t, svc)

	_, err := svc.HandleSignal(context.Background(), "SES_1", signalFor(strat))
	require.NoError(t, err)
	bus.Close()

	generated := sink.byType(types.EventSignalGenerated)
	require.Len(t, generated, 1)
	assert.Greater(t, generated[0].ExecutionTimeMS, 0.0)

	// The order carries the signal event's ID so its lifecycle events
	// parent back to the signal that created it.
	require.Len(t, placer.placed, 1)
	assert.Equal(t, generated[0].EventID, placer.placed[0].LastEventID)
}

func TestPausedStrategySignalDiscarded(t *testing.T) {
	svc, placer, bus, sink := testSetup(t)
	strat := deployed(t, svc)
	require.NoError(t, svc.Pause(strat.StrategyID, "manual"))

	result, err := svc.HandleSignal(context.Background(), "SES_1", signalFor(strat))
	require.NoError(t, err)
	assert.Nil(t, result)
	bus.Close()

	assert.Empty(t, placer.placed)
	rejected := sink.byType(types.EventSignalRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "strategy inactive", rejected[0].Data["reason"])
}

func TestLowConfidenceSignalDiscarded(t *testing.T) {
	svc, placer, bus, sink := testSetup(t)
	strat := deployed(t, svc)

	signal := signalFor(strat)
	signal.Confidence = 0.2
	result, err := svc.HandleSignal(context.Background(), "SES_1", signal)
	require.NoError(t, err)
	assert.Nil(t, result)
	bus.Close()

	assert.Empty(t, placer.placed)
	rejected := sink.byType(types.EventSignalRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "confidence below threshold", rejected[0].Data["reason"])
}

func TestEmergencyStopPausesAllDeployed(t *testing.T) {
	svc, _, bus, sink := testSetup(t)
	first := deployed(t, svc)
	second := deployed(t, svc)

	paused, err := svc.EmergencyStopAll("operator intervention")
	require.NoError(t, err)
	assert.Equal(t, 2, paused)
	bus.Close()

	for _, strat := range []*Strategy{first, second} {
		stored, err := svc.GetStrategy(strat.StrategyID)
		require.NoError(t, err)
		assert.Equal(t, StatusPaused, stored.Status)
	}
	require.Len(t, sink.byType(types.EventEmergencyStop), 1)
}

func TestPerformanceDegradationAutoPauses(t *testing.T) {
	svc, _, bus, _ := testSetup(t)
	strat := deployed(t, svc)

	event := events.New(types.EventPerformanceUpdate, "USR_1", "SES_1")
	event.Data["strategy_id"] = strat.StrategyID
	event.Data["max_drawdown"] = 0.3
	require.NoError(t, svc.OnPerformanceUpdate(event))
	bus.Close()

	stored, err := svc.GetStrategy(strat.StrategyID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, stored.Status)
}

func TestPerformanceWithinThresholdKeepsRunning(t *testing.T) {
	svc, _, bus, _ := testSetup(t)
	strat := deployed(t, svc)

	event := events.New(types.EventPerformanceUpdate, "USR_1", "SES_1")
	event.Data["strategy_id"] = strat.StrategyID
	event.Data["max_drawdown"] = 0.1
	require.NoError(t, svc.OnPerformanceUpdate(event))
	bus.Close()

	stored, err := svc.GetStrategy(strat.StrategyID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeployed, stored.Status)
}
