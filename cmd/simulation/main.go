package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/broker"
	"github.com/ksred/trading-core/internal/compliance"
	"github.com/ksred/trading-core/internal/database"
	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/execution"
	"github.com/ksred/trading-core/internal/investigation"
	"github.com/ksred/trading-core/internal/position"
	"github.com/ksred/trading-core/internal/risk"
	"github.com/ksred/trading-core/internal/strategy"
	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minSignals = 15
	maxSignals = 120
	numWorkers = 5
	simUser    = "USR_SIM"
)

var (
	symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	sides   = []string{"BUY", "SELL"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// stageStats tracks latency statistics for one pipeline stage
type stageStats struct {
	name       string
	mu         sync.Mutex
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the stage
func (ss *stageStats) addDuration(d time.Duration, failed bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.durations = append(ss.durations, d)
	ss.totalCalls++
	if failed {
		ss.failures++
	}
}

// calculate computes latency statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (ss *stageStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(ss.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(ss.durations, func(i, j int) bool {
		return ss.durations[i] < ss.durations[j]
	})

	min = ss.durations[0]
	max = ss.durations[len(ss.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range ss.durations {
		sum += d
	}
	mean = sum / time.Duration(len(ss.durations))

	// Calculate median
	median = ss.durations[len(ss.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(ss.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(ss.durations))*0.99)) - 1
	p95 = ss.durations[p95idx]
	p99 = ss.durations[p99idx]

	return
}

// pipeline holds the whole in-process trading core for the simulation run.
type pipeline struct {
	bus           *events.Bus
	engine        *execution.Service
	positions     *position.Service
	strategies    *strategy.Service
	investigation *investigation.Service
	strategyID    string
}

// buildPipeline wires the full decision-and-execution core against a
// throwaway database file.
func buildPipeline(dbPath string) (*pipeline, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	bus := events.NewBus(4096)

	auditService := audit.NewService(db)
	auditService.Register(bus)

	recorder := investigation.NewRecorder(db)
	recorder.Register(bus)

	complianceService := compliance.NewService(db)
	if err := complianceService.SeedDefaultRules(); err != nil {
		return nil, fmt.Errorf("failed to seed compliance rules: %w", err)
	}
	riskService := risk.NewService(db, risk.DefaultRules())

	positionService, err := position.NewService(db, bus)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize position manager: %w", err)
	}

	var engine *execution.Service
	sim := broker.NewSimulator(func(fill execution.Fill) {
		if err := engine.HandleFill(fill); err != nil {
			log.Error().Err(err).Str("execution_id", fill.ExecutionID).Msg("fill reconciliation failed")
		}
	})
	engine = execution.NewService(db, bus, sim, riskService, complianceService, positionService)
	positionService.SetOrderPlacer(engine)

	strategyService := strategy.NewService(db, bus, engine)
	bus.Subscribe(types.EventPerformanceUpdate, strategyService.OnPerformanceUpdate)

	// One deployed strategy routes every simulated signal.
	strat := &strategy.Strategy{
		UserID:        simUser,
		Name:          "simulation momentum",
		AllocationPct: 1.5,
		MinConfidence: 0.4,
		MaxDrawdown:   0.25,
	}
	if err := strategyService.CreateStrategy(strat); err != nil {
		return nil, fmt.Errorf("failed to create strategy: %w", err)
	}
	if err := strategyService.Deploy(strat.StrategyID); err != nil {
		return nil, fmt.Errorf("failed to deploy strategy: %w", err)
	}

	return &pipeline{
		bus:           bus,
		engine:        engine,
		positions:     positionService,
		strategies:    strategyService,
		investigation: investigation.NewService(db, engine),
		strategyID:    strat.StrategyID,
	}, nil
}

// main drives random signals through the full pipeline, waits for the broker
// fills to settle into positions, then exercises the investigation surface
// against the recorded session.
func main() {
	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("trading-sim-%d.db", time.Now().UnixNano()))
	defer os.Remove(dbPath)

	p, err := buildPipeline(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build pipeline")
	}

	sessionID := fmt.Sprintf("SES_SIM_%d", time.Now().Unix())
	targetSignals := rand.Intn(maxSignals-minSignals) + minSignals
	fmt.Printf("Starting simulation: %d signals, session %s\n", targetSignals, sessionID)

	stats := map[string]*stageStats{
		"signal": {name: "Signal -> Order"},
	}

	counts := struct {
		mu        sync.Mutex
		submitted int
		rejected  int
		failed    int
		symbols   map[string]int
		sides     map[string]int
	}{
		symbols: make(map[string]int),
		sides:   make(map[string]int),
	}

	var wg sync.WaitGroup
	perWorker := targetSignals / numWorkers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				signal := types.Signal{
					StrategyID:  p.strategyID,
					Symbol:      symbols[rand.Intn(len(symbols))],
					Side:        sides[rand.Intn(len(sides))],
					Confidence:  0.3 + rand.Float64()*0.7,
					TargetPrice: float64(rand.Intn(900) + 100),
					Timestamp:   time.Now(),
				}

				start := time.Now()
				result, err := p.strategies.HandleSignal(context.Background(), sessionID, signal)
				stats["signal"].addDuration(time.Since(start), err != nil)

				counts.mu.Lock()
				switch {
				case err != nil:
					counts.failed++
				case result == nil:
					// Discarded signal: inactive strategy or low confidence.
					counts.rejected++
				case result.Order.Status == types.StatusRejected:
					counts.rejected++
				default:
					counts.submitted++
					counts.symbols[signal.Symbol]++
					counts.sides[signal.Side]++
				}
				counts.mu.Unlock()

				// Random sleep between signals
				time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	// Give the broker simulator time to deliver outstanding fills, then let
	// the audit and investigation consumers drain.
	time.Sleep(2 * time.Second)
	p.bus.Close()

	printSummary(p, sessionID, stats, counts.submitted, counts.rejected, counts.failed, counts.symbols, counts.sides)
}

func printSummary(p *pipeline, sessionID string, stats map[string]*stageStats, submitted, rejected, failed int, symbolCounts, sideCounts map[string]int) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Signal Statistics
-----------------
Submitted:  %d
Rejected:   %d
Failed:     %d
`, submitted, rejected, failed)

	portfolio := p.positions.GetPortfolioSummary(simUser)
	fmt.Printf(`
Portfolio
---------
Open Positions:  %d
Realized P&L:    %.2f
Unrealized P&L:  %.2f
`, portfolio.OpenPositions, portfolio.TotalRealizedPnL, portfolio.TotalUnrealized)

	// Symbol distribution with a simple ASCII bar chart
	fmt.Println("\nSymbol Distribution")
	fmt.Println("-------------------")
	maxSymbolCount := 0
	for _, count := range symbolCounts {
		if count > maxSymbolCount {
			maxSymbolCount = count
		}
	}
	for symbol, count := range symbolCounts {
		barLength := int(float64(count) / float64(maxSymbolCount) * 20)
		fmt.Printf("%-6s: %s (%d)\n", symbol, strings.Repeat("#", barLength), count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("-----------------")
	for side, count := range sideCounts {
		fmt.Printf("%-4s: %d\n", side, count)
	}

	// Exercise the investigation surface against the recorded session.
	summary, err := p.investigation.SessionSummary(sessionID)
	if err != nil || summary == nil {
		log.Error().Err(err).Msg("Failed to build session summary")
	} else {
		fmt.Printf(`
Investigation
-------------
Events Recorded:  %d
Success Rate:     %.1f%%
Orders:           %d
Executions:       %d
`, summary.EventCount, summary.SuccessRate*100, len(summary.Orders), len(summary.Executions))
	}

	tree, err := p.investigation.DecisionTree(sessionID)
	if err == nil && tree != nil {
		fmt.Printf("Decision Nodes:   %d (outcome: %s)\n", len(tree.Nodes), tree.FinalOutcome)
	}

	replay, err := p.investigation.Replay(sessionID, investigation.ReplayConfig{})
	if err == nil && replay != nil {
		fmt.Printf("Replayed Events:  %d\n", replay.EventsReplayed)
		// Replay determinism check: the sandboxed book must agree with the
		// live position manager.
		live := p.positions.GetPortfolioSummary(simUser)
		var replayRealized float64
		for _, pos := range replay.FinalPositions[simUser] {
			replayRealized += pos.RealizedPnL
		}
		fmt.Printf("Replay P&L match: live %.2f vs replay %.2f\n", live.TotalRealizedPnL, replayRealized)
	}

	attribution, err := p.investigation.Attribution(sessionID, simUser, p.strategyID, 1_000_000, nil)
	if err == nil && attribution != nil {
		fmt.Printf(`
Attribution
-----------
Total Return:  %.4f%%
Sharpe:        %.2f
Max Drawdown:  %.2f%%
Factors:       signal %.2f | execution %.2f | risk %.2f | timing %.2f | sizing %.2f
`, attribution.TotalReturn*100, attribution.SharpeRatio, attribution.MaxDrawdown*100,
			attribution.AttributionFactors["signal_quality"],
			attribution.AttributionFactors["execution_efficiency"],
			attribution.AttributionFactors["risk_management"],
			attribution.AttributionFactors["timing"],
			attribution.AttributionFactors["sizing"])
	}

	fmt.Println("\nPipeline Latency")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Stage", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))
	for _, ss := range stats {
		min, max, mean, median, p95, p99 := ss.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			ss.name,
			ss.totalCalls,
			ss.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}
