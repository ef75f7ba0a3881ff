package audit

import (
	"time"

	"github.com/ksred/trading-core/internal/types"
	"gorm.io/gorm"
)

// Compliance statuses stamped on audit records.
const (
	ComplianceStatusCompliant    = "COMPLIANT"
	ComplianceStatusNonCompliant = "NON_COMPLIANT"
	ComplianceStatusNotAssessed  = "NOT_ASSESSED"
)

// Data classifications for retention handling.
const (
	ClassificationConfidential = "CONFIDENTIAL"
	ClassificationInternal     = "INTERNAL"
)

// AuditRecord is the durable regulatory record written for every trading
// event. Records are append-only: the service exposes no update or delete.
type AuditRecord struct {
	gorm.Model          `json:"-"`
	AuditID             string          `gorm:"uniqueIndex" json:"audit_id"`
	EventID             string          `gorm:"index" json:"event_id"`
	EventType           types.EventType `gorm:"index" json:"event_type"`
	SessionID           string          `gorm:"index" json:"session_id"`
	UserID              string          `json:"user_id"`
	ComplianceStatus    string          `gorm:"index" json:"compliance_status"`
	RegulatoryTags      []string        `gorm:"serializer:json" json:"regulatory_tags"`
	DataClassification  string          `json:"data_classification"`
	RetentionPeriodDays int             `json:"retention_period_days"`
	Rationale           string          `json:"rationale,omitempty"`
	RecordedAt          time.Time       `gorm:"index" json:"recorded_at"`
}

// RegulatoryReport is the on-demand aggregation over a time window. It is a
// read model: generating it never alters any audit record.
type RegulatoryReport struct {
	WindowStart          time.Time               `json:"window_start"`
	WindowEnd            time.Time               `json:"window_end"`
	TotalRecords         int                     `json:"total_records"`
	ByComplianceStatus   map[string]int          `json:"by_compliance_status"`
	ByEventType          map[types.EventType]int `json:"by_event_type"`
	ViolationsBySeverity map[string]int          `json:"violations_by_severity"`
	GeneratedAt          time.Time               `json:"generated_at"`
}
