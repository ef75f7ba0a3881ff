package investigation

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/trading-core/internal/execution"
	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/pkg/response"
	"gorm.io/gorm"
)

// SessionSummary is the top-level investigation view of one session.
type SessionSummary struct {
	SessionID     string               `json:"session_id"`
	EventCount    int                  `json:"event_count"`
	EventsByType  map[string]int       `json:"events_by_type"`
	SuccessRate   float64              `json:"success_rate"`
	FirstSequence int64                `json:"first_sequence"`
	LastSequence  int64                `json:"last_sequence"`
	StartedAt     time.Time            `json:"started_at"`
	EndedAt       time.Time            `json:"ended_at"`
	Orders        []types.Order        `json:"orders"`
	Executions    []types.Execution    `json:"executions"`
	Alerts        []types.TradingEvent `json:"alerts,omitempty"`
}

// Service exposes the read-only investigation surface: session summaries,
// decision trees, replay, and performance attribution. Nothing here mutates
// trading state.
type Service struct {
	db       *Database
	replayer *Replayer
	engine   *execution.Service
}

// NewService creates an investigation service over the event store and the
// execution engine's order history.
func NewService(gormDB *gorm.DB, engine *execution.Service) *Service {
	db := NewDatabase(gormDB)
	return &Service{
		db:       db,
		replayer: NewReplayer(db),
		engine:   engine,
	}
}

// Replayer exposes the underlying replayer so callers can register extra
// handlers before serving requests.
func (s *Service) Replayer() *Replayer {
	return s.replayer
}

// SessionSummary assembles the investigation view for one session.
func (s *Service) SessionSummary(sessionID string) (*SessionSummary, error) {
	recorded, err := s.db.ListSessionEvents(sessionID)
	if err != nil {
		return nil, err
	}
	if len(recorded) == 0 {
		return nil, nil
	}

	summary := &SessionSummary{
		SessionID:     sessionID,
		EventCount:    len(recorded),
		EventsByType:  make(map[string]int),
		FirstSequence: recorded[0].SequenceNumber,
		LastSequence:  recorded[len(recorded)-1].SequenceNumber,
		StartedAt:     recorded[0].Timestamp,
		EndedAt:       recorded[len(recorded)-1].Timestamp,
	}

	var succeeded int
	for i := range recorded {
		event := recorded[i]
		summary.EventsByType[string(event.EventType)]++
		if event.Success {
			succeeded++
		}
		if event.EventType == types.EventSystemAlert || event.EventType == types.EventEmergencyStop {
			summary.Alerts = append(summary.Alerts, event)
		}
	}
	summary.SuccessRate = float64(succeeded) / float64(len(recorded))

	orders, executions, err := s.engine.SessionHistory(sessionID)
	if err != nil {
		return nil, err
	}
	summary.Orders = orders
	summary.Executions = executions

	return summary, nil
}

// DecisionTree reconstructs the session's decision tree from recorded events.
func (s *Service) DecisionTree(sessionID string) (*DecisionTree, error) {
	recorded, err := s.db.ListSessionEvents(sessionID)
	if err != nil {
		return nil, err
	}
	if len(recorded) == 0 {
		return nil, nil
	}
	return BuildDecisionTree(sessionID, recorded), nil
}

// Replay runs the session's events through the registered replay handlers in
// a sandbox.
func (s *Service) Replay(sessionID string, cfg ReplayConfig) (*ReplayResult, error) {
	return s.replayer.Replay(sessionID, cfg)
}

// Attribution computes performance attribution for one session from its
// order and execution history.
func (s *Service) Attribution(sessionID, userID, strategyID string, baseEquity float64, benchmark []float64) (*PerformanceAttribution, error) {
	orders, executions, err := s.engine.SessionHistory(sessionID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 && len(executions) == 0 {
		return nil, nil
	}

	start, end := periodBounds(executions)
	result := Attribute(AttributionInput{
		SessionID:        sessionID,
		StrategyID:       strategyID,
		UserID:           userID,
		Start:            start,
		End:              end,
		BaseEquity:       baseEquity,
		Orders:           orders,
		Executions:       executions,
		BenchmarkReturns: benchmark,
	})
	return &result, nil
}

func periodBounds(executions []types.Execution) (time.Time, time.Time) {
	var start, end time.Time
	for _, exec := range executions {
		if start.IsZero() || exec.ExecutedAt.Before(start) {
			start = exec.ExecutedAt
		}
		if end.IsZero() || exec.ExecutedAt.After(end) {
			end = exec.ExecutedAt
		}
	}
	return start, end
}

// GinHandlers contains HTTP handlers for the investigation surface.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of investigation handlers.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// SessionHandler handles GET requests for a session investigation summary.
// URL parameter: session_id
func (h *GinHandlers) SessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := h.service.SessionSummary(c.Param("session_id"))
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if summary == nil {
			response.NotFound(c, "No events recorded for session")
			return
		}
		response.Success(c, summary)
	}
}

// DecisionTreeHandler handles GET requests for a session decision tree.
// URL parameter: session_id
func (h *GinHandlers) DecisionTreeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tree, err := h.service.DecisionTree(c.Param("session_id"))
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if tree == nil {
			response.NotFound(c, "No events recorded for session")
			return
		}
		response.Success(c, tree)
	}
}

// ReplayHandlerHTTP handles POST requests to replay a session. The request
// body is an optional ReplayConfig; an empty body replays everything at full
// speed.
func (h *GinHandlers) ReplayHandlerHTTP() gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg ReplayConfig
		if c.Request.Body != nil && c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&cfg); err != nil {
				response.BadRequest(c, "Invalid replay config: "+err.Error())
				return
			}
		}
		if cfg.Speed < 0 {
			response.BadRequest(c, "Speed must be non-negative")
			return
		}

		result, err := h.service.Replay(c.Param("session_id"), cfg)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, result)
	}
}

// AttributionHandler handles GET requests for performance attribution.
// Query parameters: session_id (required), user_id, strategy_id,
// base_equity, benchmark (comma-separated per-interval returns).
func (h *GinHandlers) AttributionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Query("session_id")
		if sessionID == "" {
			response.BadRequest(c, "session_id is required")
			return
		}

		baseEquity := 1_000_000.0
		if raw := c.Query("base_equity"); raw != "" {
			parsed, err := strconv.ParseFloat(raw, 64)
			if err != nil || parsed <= 0 {
				response.BadRequest(c, "base_equity must be a positive number")
				return
			}
			baseEquity = parsed
		}

		var benchmark []float64
		if raw := c.Query("benchmark"); raw != "" {
			for _, part := range strings.Split(raw, ",") {
				parsed, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
				if err != nil {
					response.BadRequest(c, "benchmark must be comma-separated numbers")
					return
				}
				benchmark = append(benchmark, parsed)
			}
		}

		attribution, err := h.service.Attribution(sessionID, c.Query("user_id"), c.Query("strategy_id"), baseEquity, benchmark)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if attribution == nil {
			response.NotFound(c, "No trading history for session")
			return
		}
		response.Success(c, attribution)
	}
}
