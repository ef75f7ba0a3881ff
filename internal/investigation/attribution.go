package investigation

import (
	"math"
	"time"

	"github.com/ksred/trading-core/internal/position"
	"github.com/ksred/trading-core/internal/types"
)

// AttributionInput is everything the analyzer is allowed to see. Attribute is
// a pure function of this struct: identical inputs always produce identical
// output, which is what makes the numbers auditable.
type AttributionInput struct {
	SessionID  string            `json:"session_id"`
	StrategyID string            `json:"strategy_id,omitempty"`
	UserID     string            `json:"user_id"`
	Start      time.Time         `json:"period_start"`
	End        time.Time         `json:"period_end"`
	BaseEquity float64           `json:"base_equity"`
	Orders     []types.Order     `json:"orders"`
	Executions []types.Execution `json:"executions"`

	// BenchmarkReturns are per-interval benchmark returns aligned with the
	// portfolio's execution intervals. Missing intervals are treated as zero.
	BenchmarkReturns []float64 `json:"benchmark_returns"`
}

// TradeContribution is one symbol's share of realized performance.
type TradeContribution struct {
	Symbol      string  `json:"symbol"`
	Executions  int     `json:"executions"`
	Quantity    float64 `json:"quantity"`
	RealizedPnL float64 `json:"realized_pnl"`
	Commission  float64 `json:"commission"`
	ReturnPct   float64 `json:"return_pct"`
}

// PerformanceAttribution is the computed read-model. It is recomputed per
// request and never persisted as a source of truth.
type PerformanceAttribution struct {
	SessionID          string              `json:"session_id"`
	StrategyID         string              `json:"strategy_id,omitempty"`
	PeriodStart        time.Time           `json:"period_start"`
	PeriodEnd          time.Time           `json:"period_end"`
	TotalReturn        float64             `json:"total_return"`
	BenchmarkReturn    float64             `json:"benchmark_return"`
	Alpha              float64             `json:"alpha"`
	Beta               float64             `json:"beta"`
	SharpeRatio        float64             `json:"sharpe_ratio"`
	MaxDrawdown        float64             `json:"max_drawdown"`
	AttributionFactors map[string]float64  `json:"attribution_factors"`
	TradeContributions []TradeContribution `json:"trade_contributions"`
	RiskContributions  map[string]float64  `json:"risk_contributions"`
}

// Attribute decomposes realized performance into its contributing factors.
// All P&L is derived by running the executions through a fresh position book
// in deterministic order; no live state is consulted.
func Attribute(input AttributionInput) PerformanceAttribution {
	executions := make([]types.Execution, len(input.Executions))
	copy(executions, input.Executions)
	position.SortExecutions(executions)

	equity := input.BaseEquity
	if equity <= 0 {
		equity = 1
	}

	book := position.NewBook()
	var (
		curve        []float64
		returns      []float64
		prevEquity   = equity
		realizedByID = make(map[string]float64)
	)
	curve = append(curve, equity)
	for i := range executions {
		exec := executions[i]
		book.Apply(input.UserID, &exec)
		total := equity + totalRealized(book, input.UserID)
		realizedByID[exec.ExecutionID] = total - prevEquity
		curve = append(curve, total)
		if prevEquity != 0 {
			returns = append(returns, (total-prevEquity)/prevEquity)
		}
		prevEquity = total
	}

	totalReturn := (prevEquity - equity) / equity
	benchmarkReturn := compound(input.BenchmarkReturns)
	alpha, beta := alphaBeta(returns, input.BenchmarkReturns)

	result := PerformanceAttribution{
		SessionID:          input.SessionID,
		StrategyID:         input.StrategyID,
		PeriodStart:        input.Start,
		PeriodEnd:          input.End,
		TotalReturn:        totalReturn,
		BenchmarkReturn:    benchmarkReturn,
		Alpha:              alpha,
		Beta:               beta,
		SharpeRatio:        sharpe(returns),
		MaxDrawdown:        maxDrawdown(curve),
		AttributionFactors: attributionFactors(input.Orders, executions, book, input.UserID),
		TradeContributions: tradeContributions(executions, book, input.UserID, equity),
		RiskContributions:  riskContributions(executions, equity),
	}
	return result
}

func totalRealized(book *position.Book, userID string) float64 {
	var total float64
	for _, pos := range book.Positions(userID) {
		total += pos.RealizedPnL
	}
	return total
}

func compound(returns []float64) float64 {
	product := 1.0
	for _, r := range returns {
		product *= 1 + r
	}
	return product - 1
}

// alphaBeta regresses portfolio returns against benchmark returns over their
// overlapping intervals. With fewer than two overlapping points beta defaults
// to zero and alpha degrades to the raw mean excess return.
func alphaBeta(portfolio, benchmark []float64) (alpha, beta float64) {
	n := len(portfolio)
	if len(benchmark) < n {
		n = len(benchmark)
	}
	if n == 0 {
		return 0, 0
	}

	meanP := mean(portfolio[:n])
	meanB := mean(benchmark[:n])
	if n >= 2 {
		var cov, varB float64
		for i := 0; i < n; i++ {
			cov += (portfolio[i] - meanP) * (benchmark[i] - meanB)
			varB += (benchmark[i] - meanB) * (benchmark[i] - meanB)
		}
		if varB > 0 {
			beta = cov / varB
		}
	}
	alpha = meanP - beta*meanB
	return alpha, beta
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	m := mean(returns)
	var variance float64
	for _, r := range returns {
		variance += (r - m) * (r - m)
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return m / std
}

func maxDrawdown(curve []float64) float64 {
	var peak, worst float64
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// attributionFactors scores each decision discipline on [0,1].
func attributionFactors(orders []types.Order, executions []types.Execution, book *position.Book, userID string) map[string]float64 {
	factors := map[string]float64{
		"signal_quality":       0,
		"execution_efficiency": 0,
		"risk_management":      0,
		"timing":               0,
		"sizing":               0,
	}

	// Signal quality: fraction of closed positions that realized a profit.
	var closed, profitable int
	for _, pos := range book.Positions(userID) {
		if pos.ClosedAt != nil {
			closed++
			if pos.RealizedPnL > 0 {
				profitable++
			}
		}
	}
	if closed > 0 {
		factors["signal_quality"] = float64(profitable) / float64(closed)
	}

	// Execution efficiency: how close average fill prices landed to the
	// requested price, averaged over filled orders.
	var slippageSum float64
	var filled int
	for _, order := range orders {
		if order.FilledQuantity > 0 && order.RequestedPrice > 0 {
			slippageSum += math.Abs(order.AverageFillPrice-order.RequestedPrice) / order.RequestedPrice
			filled++
		}
	}
	if filled > 0 {
		factors["execution_efficiency"] = clamp01(1 - slippageSum/float64(filled))
	}

	// Risk management: fraction of orders that cleared validation.
	var accepted int
	for _, order := range orders {
		if order.Status != types.StatusRejected {
			accepted++
		}
	}
	if len(orders) > 0 {
		factors["risk_management"] = float64(accepted) / float64(len(orders))
	}

	// Timing: fraction of individual fills that were immediately in the
	// money against the session's volume-weighted price per symbol.
	factors["timing"] = timingScore(executions)

	// Sizing: consistency of trade notionals. A coefficient of variation of
	// zero (uniform sizing) scores 1.
	factors["sizing"] = sizingScore(executions)

	return factors
}

func timingScore(executions []types.Execution) float64 {
	if len(executions) == 0 {
		return 0
	}
	vwap := make(map[string]struct{ value, quantity float64 })
	for _, exec := range executions {
		acc := vwap[exec.Symbol]
		acc.value += exec.Price * exec.Quantity
		acc.quantity += exec.Quantity
		vwap[exec.Symbol] = acc
	}

	var favorable int
	for _, exec := range executions {
		acc := vwap[exec.Symbol]
		if acc.quantity == 0 {
			continue
		}
		avg := acc.value / acc.quantity
		if (exec.Side == types.SideBuy && exec.Price <= avg) ||
			(exec.Side == types.SideSell && exec.Price >= avg) {
			favorable++
		}
	}
	return float64(favorable) / float64(len(executions))
}

func sizingScore(executions []types.Execution) float64 {
	if len(executions) < 2 {
		if len(executions) == 1 {
			return 1
		}
		return 0
	}
	notionals := make([]float64, len(executions))
	for i, exec := range executions {
		notionals[i] = exec.Price * exec.Quantity
	}
	m := mean(notionals)
	if m == 0 {
		return 0
	}
	var variance float64
	for _, n := range notionals {
		variance += (n - m) * (n - m)
	}
	variance /= float64(len(notionals))
	cv := math.Sqrt(variance) / m
	return clamp01(1 - cv)
}

func tradeContributions(executions []types.Execution, book *position.Book, userID string, equity float64) []TradeContribution {
	bySymbol := make(map[string]*TradeContribution)
	var order []string
	for _, exec := range executions {
		contrib, ok := bySymbol[exec.Symbol]
		if !ok {
			contrib = &TradeContribution{Symbol: exec.Symbol}
			bySymbol[exec.Symbol] = contrib
			order = append(order, exec.Symbol)
		}
		contrib.Executions++
		contrib.Quantity += exec.Quantity
		contrib.Commission += exec.Commission
	}
	for _, pos := range book.Positions(userID) {
		if contrib, ok := bySymbol[pos.Symbol]; ok {
			contrib.RealizedPnL = pos.RealizedPnL
			contrib.ReturnPct = pos.RealizedPnL / equity
		}
	}

	result := make([]TradeContribution, 0, len(order))
	for _, symbol := range order {
		result = append(result, *bySymbol[symbol])
	}
	return result
}

// riskContributions reports each symbol's share of total traded notional.
func riskContributions(executions []types.Execution, equity float64) map[string]float64 {
	result := make(map[string]float64)
	for _, exec := range executions {
		result[exec.Symbol] += exec.Price * exec.Quantity / equity
	}
	return result
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
