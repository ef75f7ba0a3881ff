package compliance

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/trading-core/internal/metrics"
	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service evaluates configurable regulatory rules against order and position
// snapshots. Evaluation itself is stateless and deterministic; only Validate
// appends the resulting violations to the store.
type Service struct {
	db *Database
}

// NewService creates a new compliance service with the given database connection.
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// Evaluate runs every rule in the set against the snapshot and collects all
// violations; it never short-circuits on the first failure, so the audit
// trail carries the complete picture. Severity-to-action mapping comes from
// the shared policy table (types.Blocks), not from this validator.
func Evaluate(resourceID string, snapshot map[string]float64, ruleset []ComplianceRule) types.ValidationResult {
	result := types.ValidationResult{Compliant: true}

	for _, rule := range ruleset {
		outcome := rule.Predicate().Evaluate(snapshot)
		if !outcome.Found || !outcome.Violated {
			continue
		}

		violation := types.Violation{
			RuleID:         rule.RuleID,
			RuleType:       rule.RuleType,
			ResourceID:     resourceID,
			Severity:       rule.Severity,
			CurrentValue:   outcome.Value,
			ThresholdValue: rule.Threshold,
			Message:        fmt.Sprintf("%s: %s", rule.Name, rule.Predicate().Describe(outcome.Value)),
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

// Validate loads the active ruleset, evaluates the snapshot, and appends any
// violations and warnings as facts.
func (s *Service) Validate(resourceID string, snapshot map[string]float64) (types.ValidationResult, error) {
	logger := log.With().
		Str("resource_id", resourceID).
		Str("service", "compliance").
		Logger()

	ruleset, err := s.db.ListActiveRules()
	if err != nil {
		return types.ValidationResult{}, fmt.Errorf("failed to load compliance rules: %w", err)
	}

	result := Evaluate(resourceID, snapshot, ruleset)

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
		logger.Error().Err(err).Msg("failed to append compliance violations")
		return types.ValidationResult{}, fmt.Errorf("failed to append violations: %w", err)
	}

	for _, v := range recorded {
		metrics.ValidationFailures.WithLabelValues("compliance", v.Severity).Inc()
	}

	logger.Info().
		Bool("compliant", result.Compliant).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Int("rules_evaluated", len(ruleset)).
		Msg("compliance validation completed")

	return result, nil
}

// CreateRule registers a new rule with a generated rule ID.
func (s *Service) CreateRule(rule *ComplianceRule) error {
	rule.RuleID = "RUL_" + uuid.New().String()
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = time.Now()
	return s.db.CreateRule(rule)
}

// SetRuleActive flips a rule on or off.
func (s *Service) SetRuleActive(ruleID string, active bool) error {
	rule, err := s.db.GetRule(ruleID)
	if err != nil {
		return err
	}
	if rule == nil {
		return gorm.ErrRecordNotFound
	}
	rule.Active = active
	rule.UpdatedAt = time.Now()
	return s.db.UpdateRule(rule)
}

// ListRules returns all configured rules.
func (s *Service) ListRules() ([]ComplianceRule, error) {
	return s.db.ListRules()
}

// ListViolations returns recorded violations, optionally for one resource.
func (s *Service) ListViolations(resourceID string) ([]types.Violation, error) {
	return s.db.ListViolations(resourceID)
}

// ResolveViolation marks a violation resolved. The violation itself is never
// removed.
func (s *Service) ResolveViolation(violationID string) error {
	return s.db.ResolveViolation(violationID)
}

// SeedDefaultRules installs the baseline regulatory ruleset when the store
// is empty, mirroring the limits the risk manager enforces.
func (s *Service) SeedDefaultRules() error {
	count, err := s.db.CountRules()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	defaults := []ComplianceRule{
		{
			Name:      "single position allocation limit",
			RuleType:  types.RuleTypePositionLimit,
			Severity:  types.SeverityHigh,
			Field:     "position_allocation_pct",
			Operator:  "lte",
			Threshold: 5.0,
			Active:    true,
		},
		{
			Name:      "symbol concentration limit",
			RuleType:  types.RuleTypeConcentration,
			Severity:  types.SeverityMedium,
			Field:     "symbol_concentration_pct",
			Operator:  "lte",
			Threshold: 25.0,
			Active:    true,
		},
		{
			Name:      "gross leverage limit",
			RuleType:  types.RuleTypeLeverage,
			Severity:  types.SeverityCritical,
			Field:     "gross_leverage",
			Operator:  "lte",
			Threshold: 2.0,
			Active:    true,
		},
		{
			Name:              "best execution price band",
			RuleType:          types.RuleTypeBestExecution,
			Severity:          types.SeverityLow,
			Field:             "price_deviation_pct",
			Operator:          "lte",
			Threshold:         1.0,
			RemediationAction: "review execution venue selection",
			Active:            true,
		},
	}

	for i := range defaults {
		if err := s.CreateRule(&defaults[i]); err != nil {
			return fmt.Errorf("failed to seed rule %q: %w", defaults[i].Name, err)
		}
	}

	log.Info().Int("rules", len(defaults)).Msg("seeded default compliance rules")
	return nil
}

// GinHandlers contains HTTP handlers for the operator-facing rule endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for compliance endpoints.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateRuleHandler handles POST requests to register a new compliance rule.
func (h *GinHandlers) CreateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var rule ComplianceRule
		if err := c.ShouldBindJSON(&rule); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.CreateRule(&rule); err != nil {
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, rule)
	}
}

// ListRulesHandler handles GET requests for the configured ruleset.
func (h *GinHandlers) ListRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ruleset, err := h.service.ListRules()
		response.Handle(c, ruleset, err)
	}
}

// SetRuleActiveHandler handles PUT requests to activate or deactivate a rule.
// URL parameter: rule_id
func (h *GinHandlers) SetRuleActiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ruleID := c.Param("rule_id")
		var request struct {
			Active *bool `json:"active" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.SetRuleActive(ruleID, *request.Active); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"rule_id": ruleID, "active": *request.Active})
	}
}

// ListViolationsHandler handles GET requests for recorded violations.
// Optional query parameter: resource_id
func (h *GinHandlers) ListViolationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		violations, err := h.service.ListViolations(c.Query("resource_id"))
		response.Handle(c, violations, err)
	}
}

// ResolveViolationHandler handles POST requests to mark a violation resolved.
// URL parameter: violation_id
func (h *GinHandlers) ResolveViolationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		violationID := c.Param("violation_id")

		if err := h.service.ResolveViolation(violationID); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"violation_id": violationID, "resolved": true})
	}
}
