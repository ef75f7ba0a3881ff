package audit

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/metrics"
	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// retentionDays maps event types to their regulatory retention period.
// Financial records are retained for years; operational alerts for months.
var retentionDays = map[types.EventType]int{
	types.EventOrderPlaced:       2555, // 7 years
	types.EventOrderSubmitted:    2555,
	types.EventOrderExecuted:     2555,
	types.EventOrderCancelled:    2555,
	types.EventOrderRejected:     2555,
	types.EventOrderExpired:      2555,
	types.EventRiskCheck:         2555,
	types.EventComplianceCheck:   2555,
	types.EventPositionUpdated:   2555,
	types.EventPositionClosed:    2555,
	types.EventSignalGenerated:   1825, // 5 years
	types.EventSignalRejected:    1825,
	types.EventStrategyDeployed:  1825,
	types.EventStrategyPaused:    1825,
	types.EventStrategyResumed:   1825,
	types.EventStrategyStopped:   1825,
	types.EventPerformanceUpdate: 365,
	types.EventEmergencyStop:     2555,
	types.EventSystemAlert:       90,
}

const defaultRetentionDays = 365

// Service durably records every trading event for regulatory retention. It
// consumes the bus asynchronously so audit writes never block the execution
// path; a failing write is retried by the bus and then surfaced as an alert.
type Service struct {
	db *Database
}

// NewService creates an audit logger with the given database connection.
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// Register subscribes the audit logger to every event type on the bus.
func (s *Service) Register(bus *events.Bus) {
	bus.SubscribeAll(s.OnEvent)
}

// OnEvent appends one audit record for a delivered event.
func (s *Service) OnEvent(event *types.TradingEvent) error {
	record := &AuditRecord{
		AuditID:             "AUD_" + uuid.New().String(),
		EventID:             event.EventID,
		EventType:           event.EventType,
		SessionID:           event.SessionID,
		UserID:              event.UserID,
		ComplianceStatus:    complianceStatus(event),
		RegulatoryTags:      regulatoryTags(event.EventType),
		DataClassification:  classification(event.EventType),
		RetentionPeriodDays: RetentionFor(event.EventType),
		RecordedAt:          time.Now(),
	}
	if event.Context != nil {
		record.Rationale = event.Context.Rationale
	}

	if err := s.db.AppendRecord(record); err != nil {
		metrics.AuditWriteFailures.Inc()
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	log.Debug().
		Str("audit_id", record.AuditID).
		Str("event_id", event.EventID).
		Str("event_type", string(event.EventType)).
		Int("retention_days", record.RetentionPeriodDays).
		Msg("audit record appended")

	return nil
}

// RetentionFor returns the retention period for an event type.
func RetentionFor(eventType types.EventType) int {
	if days, ok := retentionDays[eventType]; ok {
		return days
	}
	return defaultRetentionDays
}

func complianceStatus(event *types.TradingEvent) string {
	switch event.EventType {
	case types.EventRiskCheck, types.EventComplianceCheck:
		if event.Success {
			return ComplianceStatusCompliant
		}
		return ComplianceStatusNonCompliant
	case types.EventOrderRejected:
		return ComplianceStatusNonCompliant
	}
	return ComplianceStatusNotAssessed
}

func classification(eventType types.EventType) string {
	switch eventType {
	case types.EventOrderPlaced, types.EventOrderSubmitted, types.EventOrderExecuted,
		types.EventOrderCancelled, types.EventOrderRejected, types.EventOrderExpired,
		types.EventPositionUpdated, types.EventPositionClosed:
		return ClassificationConfidential
	}
	return ClassificationInternal
}

func regulatoryTags(eventType types.EventType) []string {
	switch eventType {
	case types.EventRiskCheck, types.EventComplianceCheck, types.EventOrderRejected:
		return []string{"MIFID_II_RTS_6", "SEC_15c3-5"}
	case types.EventOrderPlaced, types.EventOrderSubmitted, types.EventOrderExecuted,
		types.EventOrderCancelled, types.EventOrderExpired:
		return []string{"SEC_17a-4", "FINRA_4511"}
	case types.EventPositionUpdated, types.EventPositionClosed:
		return []string{"SEC_17a-4"}
	case types.EventEmergencyStop, types.EventSystemAlert:
		return []string{"OPERATIONAL_RESILIENCE"}
	}
	return []string{"BOOKS_AND_RECORDS"}
}

// GenerateReport aggregates audit records in a window. Read-only: it never
// mutates a record.
func (s *Service) GenerateReport(start, end time.Time) (*RegulatoryReport, error) {
	records, err := s.db.ListRecords(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	violations, err := s.db.ListViolationsBetween(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}

	report := &RegulatoryReport{
		WindowStart:          start,
		WindowEnd:            end,
		TotalRecords:         len(records),
		ByComplianceStatus:   make(map[string]int),
		ByEventType:          make(map[types.EventType]int),
		ViolationsBySeverity: make(map[string]int),
		GeneratedAt:          time.Now(),
	}
	for _, record := range records {
		report.ByComplianceStatus[record.ComplianceStatus]++
		report.ByEventType[record.EventType]++
	}
	for _, violation := range violations {
		report.ViolationsBySeverity[violation.Severity]++
	}

	log.Info().
		Time("window_start", start).
		Time("window_end", end).
		Int("total_records", report.TotalRecords).
		Msg("regulatory report generated")

	return report, nil
}

// SessionRecords returns the audit trail for one session.
func (s *Service) SessionRecords(sessionID string) ([]AuditRecord, error) {
	return s.db.ListRecordsBySession(sessionID)
}

// GinHandlers contains HTTP handlers for audit endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for audit endpoints.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ReportHandler handles GET requests for a regulatory report.
// Query parameters: start, end (RFC3339); defaults to the last 24 hours.
func (h *GinHandlers) ReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		end := time.Now()
		start := end.Add(-24 * time.Hour)

		if raw := c.Query("start"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.BadRequest(c, "invalid start time")
				return
			}
			start = parsed
		}
		if raw := c.Query("end"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.BadRequest(c, "invalid end time")
				return
			}
			end = parsed
		}

		report, err := h.service.GenerateReport(start, end)
		response.Handle(c, report, err)
	}
}

// SessionRecordsHandler handles GET requests for a session's audit trail.
// URL parameter: session_id
func (h *GinHandlers) SessionRecordsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := h.service.SessionRecords(c.Param("session_id"))
		response.Handle(c, records, err)
	}
}
