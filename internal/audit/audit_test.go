package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "audit.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&AuditRecord{}, &types.Violation{}))
	return NewService(db)
}

func TestRetentionPeriods(t *testing.T) {
	assert.Equal(t, 2555, RetentionFor(types.EventOrderExecuted))
	assert.Equal(t, 2555, RetentionFor(types.EventComplianceCheck))
	assert.Equal(t, 1825, RetentionFor(types.EventSignalGenerated))
	assert.Equal(t, 365, RetentionFor(types.EventPerformanceUpdate))
	assert.Equal(t, 90, RetentionFor(types.EventSystemAlert))
	assert.Equal(t, defaultRetentionDays, RetentionFor(types.EventType("UNKNOWN")))
}

func TestOnEventAppendsRecord(t *testing.T) {
	svc := testService(t)

	event := events.New(types.EventOrderExecuted, "USR_1", "SES_1")
	event.Context = &types.DecisionContext{Rationale: "broker fill 100.0000 @ 99.5000"}
	require.NoError(t, svc.OnEvent(event))

	records, err := svc.SessionRecords("SES_1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, event.EventID, record.EventID)
	assert.Equal(t, 2555, record.RetentionPeriodDays)
	assert.Equal(t, ClassificationConfidential, record.DataClassification)
	assert.Equal(t, "broker fill 100.0000 @ 99.5000", record.Rationale)
	assert.Contains(t, record.RegulatoryTags, "SEC_17a-4")
}

func TestComplianceStatusStamping(t *testing.T) {
	svc := testService(t)

	passed := events.New(types.EventRiskCheck, "USR_1", "SES_1")
	require.NoError(t, svc.OnEvent(passed))

	failed := events.New(types.EventComplianceCheck, "USR_1", "SES_1")
	failed.Success = false
	require.NoError(t, svc.OnEvent(failed))

	neutral := events.New(types.EventPositionUpdated, "USR_1", "SES_1")
	require.NoError(t, svc.OnEvent(neutral))

	records, err := svc.SessionRecords("SES_1")
	require.NoError(t, err)
	require.Len(t, records, 3)

	statuses := make(map[string]string)
	for _, r := range records {
		statuses[r.EventID] = r.ComplianceStatus
	}
	assert.Equal(t, ComplianceStatusCompliant, statuses[passed.EventID])
	assert.Equal(t, ComplianceStatusNonCompliant, statuses[failed.EventID])
	assert.Equal(t, ComplianceStatusNotAssessed, statuses[neutral.EventID])
}

func TestGenerateReport(t *testing.T) {
	svc := testService(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.OnEvent(events.New(types.EventOrderExecuted, "USR_1", "SES_1")))
	}
	rejected := events.New(types.EventOrderRejected, "USR_1", "SES_1")
	rejected.Success = false
	require.NoError(t, svc.OnEvent(rejected))

	report, err := svc.GenerateReport(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 4, report.TotalRecords)
	assert.Equal(t, 3, report.ByEventType[types.EventOrderExecuted])
	assert.Equal(t, 1, report.ByComplianceStatus[ComplianceStatusNonCompliant])
}

func TestReportWindowExcludesOutside(t *testing.T) {
	svc := testService(t)
	require.NoError(t, svc.OnEvent(events.New(types.EventOrderPlaced, "USR_1", "SES_1")))

	report, err := svc.GenerateReport(time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, report.TotalRecords)
}
