package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/trading-core/internal/metrics"
	"github.com/ksred/trading-core/internal/rules"
	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Rule is a risk limit declared as data: a named predicate with a severity.
// The severity-to-action mapping is owned by the shared policy table
// (types.Blocks) so risk and compliance can never disagree on it.
type Rule struct {
	RuleID    string          `json:"rule_id"`
	Name      string          `json:"name"`
	RuleType  string          `json:"rule_type"`
	Severity  string          `json:"severity"`
	Predicate rules.Predicate `json:"predicate"`
}

// Snapshot is the portfolio-and-order view a risk check evaluates. It is
// captured once by the caller; evaluation never reaches back into live state.
type Snapshot struct {
	OrderValue             float64 `json:"order_value"`
	PositionAllocationPct  float64 `json:"position_allocation_pct"`
	SymbolConcentrationPct float64 `json:"symbol_concentration_pct"`
	GrossLeverage          float64 `json:"gross_leverage"`
	PriceDeviationPct      float64 `json:"price_deviation_pct"`
}

// Fields flattens the snapshot for predicate evaluation.
func (s Snapshot) Fields() map[string]float64 {
	return map[string]float64{
		"order_value":              s.OrderValue,
		"position_allocation_pct":  s.PositionAllocationPct,
		"symbol_concentration_pct": s.SymbolConcentrationPct,
		"gross_leverage":           s.GrossLeverage,
		"price_deviation_pct":      s.PriceDeviationPct,
	}
}

// BuildSnapshot derives the risk view for an order against the current
// portfolio. portfolioValue is the account equity used for allocation
// percentages; a zero value is treated as the order value alone so a first
// order on an empty account still produces finite percentages.
func BuildSnapshot(order *types.Order, summary *types.PortfolioSummary, portfolioValue float64) Snapshot {
	orderValue := order.Quantity * order.RequestedPrice
	if portfolioValue <= 0 {
		portfolioValue = orderValue
	}

	currentExposure := 0.0
	totalExposure := 0.0
	if summary != nil {
		currentExposure = math.Abs(summary.ExposureBySymbol[order.Symbol])
		for _, exposure := range summary.ExposureBySymbol {
			totalExposure += math.Abs(exposure)
		}
	}

	projected := currentExposure + orderValue
	return Snapshot{
		OrderValue:             orderValue,
		PositionAllocationPct:  projected / portfolioValue * 100,
		SymbolConcentrationPct: projected / math.Max(totalExposure+orderValue, orderValue) * 100,
		GrossLeverage:          (totalExposure + orderValue) / portfolioValue,
	}
}

// DefaultRules returns the baseline limit set configured at startup.
func DefaultRules() []Rule {
	return []Rule{
		{
			RuleID:    "RISK_POSITION_LIMIT",
			Name:      "single position allocation limit",
			RuleType:  types.RuleTypePositionLimit,
			Severity:  types.SeverityHigh,
			Predicate: rules.Predicate{Field: "position_allocation_pct", Operator: rules.OpLTE, Threshold: 5.0},
		},
		{
			RuleID:    "RISK_CONCENTRATION",
			Name:      "symbol concentration limit",
			RuleType:  types.RuleTypeConcentration,
			Severity:  types.SeverityMedium,
			Predicate: rules.Predicate{Field: "symbol_concentration_pct", Operator: rules.OpLTE, Threshold: 60.0},
		},
		{
			RuleID:    "RISK_LEVERAGE",
			Name:      "gross leverage limit",
			RuleType:  types.RuleTypeLeverage,
			Severity:  types.SeverityCritical,
			Predicate: rules.Predicate{Field: "gross_leverage", Operator: rules.OpLTE, Threshold: 2.0},
		},
		{
			RuleID:    "RISK_ORDER_VALUE",
			Name:      "single order value limit",
			RuleType:  types.RuleTypeOrderValue,
			Severity:  types.SeverityHigh,
			Predicate: rules.Predicate{Field: "order_value", Operator: rules.OpLTE, Threshold: 500000.0},
		},
	}
}

// Service evaluates risk limits over snapshots. It holds no mutable trading
// state: the same snapshot always yields the same result.
type Service struct {
	ruleset []Rule
	db      *Database
}

// NewService creates a risk manager with the given limit set.
func NewService(gormDB *gorm.DB, ruleset []Rule) *Service {
	return &Service{
		ruleset: ruleset,
		db:      NewDatabase(gormDB),
	}
}

// Evaluate runs every limit against the snapshot, collecting all violations
// without short-circuiting.
func Evaluate(resourceID string, snapshot Snapshot, ruleset []Rule) types.ValidationResult {
	result := types.ValidationResult{Compliant: true}
	fields := snapshot.Fields()

	for _, rule := range ruleset {
		outcome := rule.Predicate.Evaluate(fields)
		if !outcome.Found || !outcome.Violated {
			continue
		}

		violation := types.Violation{
			RuleID:         rule.RuleID,
			RuleType:       rule.RuleType,
			ResourceID:     resourceID,
			Severity:       rule.Severity,
			CurrentValue:   outcome.Value,
			ThresholdValue: rule.Predicate.Threshold,
			Message:        fmt.Sprintf("%s: %s", rule.Name, rule.Predicate.Describe(outcome.Value)),
			CreatedAt:      time.Now(),
		}

		if types.Blocks(rule.Severity) {
			result.Compliant = false
			result.Violations = append(result.Violations, violation)
		} else {
			result.Warnings = append(result.Warnings, violation)
		}
	}

	return result
}

// Validate evaluates the snapshot and appends the resulting violations.
func (s *Service) Validate(resourceID string, snapshot Snapshot) (types.ValidationResult, error) {
	logger := log.With().
		Str("resource_id", resourceID).
		Str("service", "risk").
		Logger()

	result := Evaluate(resourceID, snapshot, s.ruleset)

	recorded := make([]types.Violation, 0, len(result.Violations)+len(result.Warnings))
	for i := range result.Violations {
		result.Violations[i].ViolationID = "VIO_" + uuid.New().String()
		recorded = append(recorded, result.Violations[i])
	}
	for i := range result.Warnings {
		result.Warnings[i].ViolationID = "VIO_" + uuid.New().String()
		recorded = append(recorded, result.Warnings[i])
	}

	if err := s.db.AppendViolations(recorded); err != nil {
		logger.Error().Err(err).Msg("failed to append risk violations")
		return types.ValidationResult{}, fmt.Errorf("failed to append violations: %w", err)
	}

	for _, v := range recorded {
		metrics.ValidationFailures.WithLabelValues("risk", v.Severity).Inc()
	}

	logger.Info().
		Bool("compliant", result.Compliant).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Float64("order_value", snapshot.OrderValue).
		Float64("position_allocation_pct", snapshot.PositionAllocationPct).
		Float64("gross_leverage", snapshot.GrossLeverage).
		Msg("risk validation completed")

	return result, nil
}

// Rules returns the configured limit set.
func (s *Service) Rules() []Rule {
	return s.ruleset
}
