package strategy

import (
	"context"
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

// OrderPlacer is the slice of the execution engine the strategy manager
// routes validated signals into.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, order *types.Order) (*types.OrderResult, error)
}

// Service supervises strategy lifecycles and routes signals from deployed
// strategies into the execution engine. Signals from inactive strategies are
// discarded and recorded, never executed.
type Service struct {
	db     *Database
	bus    *events.Bus
	placer OrderPlacer

	// BaseEquity is the account equity used for signal position sizing.
	BaseEquity float64
}

// NewService creates a strategy manager.
func NewService(gormDB *gorm.DB, bus *events.Bus, placer OrderPlacer) *Service {
	return &Service{
		db:         NewDatabase(gormDB),
		bus:        bus,
		placer:     placer,
		BaseEquity: 1_000_000,
	}
}

// CreateStrategy registers a new strategy in DRAFT.
func (s *Service) CreateStrategy(strategy *Strategy) error {
	strategy.StrategyID = "STR_" + uuid.New().String()
	strategy.Status = StatusDraft
	strategy.CreatedAt = time.Now()
	strategy.UpdatedAt = time.Now()
	if strategy.AllocationPct <= 0 {
		strategy.AllocationPct = 2.0
	}
	return s.db.CreateStrategy(strategy)
}

// transition moves a strategy through its lifecycle and publishes the
// corresponding event.
func (s *Service) transition(strategy *Strategy, to string, eventType types.EventType, reason string) error {
	from := strategy.Status
	if !transitionAllowed(from, to) {
		return fmt.Errorf("strategy %s: illegal transition %s -> %s", strategy.StrategyID, from, to)
	}

	strategy.Status = to
	strategy.UpdatedAt = time.Now()
	if err := s.db.UpdateStrategy(strategy); err != nil {
		return fmt.Errorf("failed to persist strategy: %w", err)
	}

	switch to {
	case StatusDeployed:
		metrics.ActiveStrategies.Inc()
	case StatusPaused, StatusStopped:
		if from == StatusDeployed {
			metrics.ActiveStrategies.Dec()
		}
	}

	event := events.New(eventType, strategy.UserID, "")
	event.Data["strategy_id"] = strategy.StrategyID
	event.Data["status_before"] = from
	event.Data["status_after"] = to
	if reason != "" {
		event.Data["reason"] = reason
	}
	s.bus.Publish(events.PriorityNormal, event)

	log.Info().
		Str("strategy_id", strategy.StrategyID).
		Str("from", from).
		Str("to", to).
		Str("reason", reason).
		Str("service", "strategy").
		Msg("strategy transitioned")

	return nil
}

// Deploy activates a DRAFT or PAUSED strategy.
func (s *Service) Deploy(strategyID string) error {
	strategy, err := s.mustGet(strategyID)
	if err != nil {
		return err
	}
	eventType := types.EventStrategyDeployed
	if strategy.Status == StatusPaused {
		eventType = types.EventStrategyResumed
	}
	return s.transition(strategy, StatusDeployed, eventType, "")
}

// Pause suspends a DEPLOYED strategy. reason distinguishes manual pauses
// from automatic performance-degradation pauses.
func (s *Service) Pause(strategyID, reason string) error {
	strategy, err := s.mustGet(strategyID)
	if err != nil {
		return err
	}
	return s.transition(strategy, StatusPaused, types.EventStrategyPaused, reason)
}

// Stop terminates a strategy permanently.
func (s *Service) Stop(strategyID, reason string) error {
	strategy, err := s.mustGet(strategyID)
	if err != nil {
		return err
	}
	return s.transition(strategy, StatusStopped, types.EventStrategyStopped, reason)
}

// EmergencyStopAll pauses every deployed strategy. It is the privileged
// control-surface path and publishes a critical event.
func (s *Service) EmergencyStopAll(reason string) (int, error) {
	deployed, err := s.db.ListByStatus(StatusDeployed)
	if err != nil {
		return 0, err
	}

	paused := 0
	for i := range deployed {
		if err := s.transition(&deployed[i], StatusPaused, types.EventStrategyPaused, "emergency stop: "+reason); err != nil {
			log.Error().Err(err).Str("strategy_id", deployed[i].StrategyID).Msg("emergency stop failed for strategy")
			continue
		}
		paused++
	}

	event := events.New(types.EventEmergencyStop, "", "")
	event.Data["reason"] = reason
	event.Data["strategies_paused"] = paused
	s.bus.Publish(events.PriorityCritical, event)

	log.Warn().Int("strategies_paused", paused).Str("reason", reason).Msg("emergency stop executed")
	return paused, nil
}

func (s *Service) mustGet(strategyID string) (*Strategy, error) {
	strategy, err := s.db.GetStrategy(strategyID)
	if err != nil {
		return nil, err
	}
	if strategy == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return strategy, nil
}

// GetStrategy returns a strategy by ID.
func (s *Service) GetStrategy(strategyID string) (*Strategy, error) {
	return s.db.GetStrategy(strategyID)
}

// ListStrategies returns all strategies.
func (s *Service) ListStrategies() ([]Strategy, error) {
	return s.db.ListStrategies()
}

// HandleSignal routes one signal. Only DEPLOYED strategies reach the
// execution engine; anything else is discarded with a recorded reason. The
// returned result is nil when the signal was discarded.
func (s *Service) HandleSignal(ctx context.Context, sessionID string, signal types.Signal) (*types.OrderResult, error) {
	started := time.Now()
	logger := log.With().
		Str("strategy_id", signal.StrategyID).
		Str("symbol", signal.Symbol).
		Str("session_id", sessionID).
		Str("service", "strategy").
		Logger()

	strategy, err := s.db.GetStrategy(signal.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy: %w", err)
	}
	if strategy == nil {
		return nil, fmt.Errorf("unknown strategy %s", signal.StrategyID)
	}

	if strategy.Status != StatusDeployed {
		event := events.New(types.EventSignalRejected, strategy.UserID, sessionID)
		event.Data["strategy_id"] = signal.StrategyID
		event.Data["symbol"] = signal.Symbol
		event.Data["reason"] = "strategy inactive"
		event.Data["strategy_status"] = strategy.Status
		event.ExecutionTimeMS = events.ElapsedMS(started)
		event.Success = false
		s.bus.Publish(events.PriorityNormal, event)
		logger.Warn().Str("status", strategy.Status).Msg("signal discarded, strategy inactive")
		return nil, nil
	}

	if signal.Confidence < strategy.MinConfidence {
		event := events.New(types.EventSignalRejected, strategy.UserID, sessionID)
		event.Data["strategy_id"] = signal.StrategyID
		event.Data["symbol"] = signal.Symbol
		event.Data["reason"] = "confidence below threshold"
		event.Data["confidence"] = signal.Confidence
		event.ExecutionTimeMS = events.ElapsedMS(started)
		event.Success = false
		s.bus.Publish(events.PriorityNormal, event)
		logger.Info().Float64("confidence", signal.Confidence).Msg("signal discarded, low confidence")
		return nil, nil
	}

	quantity := s.sizeOrder(strategy, signal)

	signalEvent := events.New(types.EventSignalGenerated, strategy.UserID, sessionID)
	signalEvent.Data["strategy_id"] = signal.StrategyID
	signalEvent.Data["symbol"] = signal.Symbol
	signalEvent.Data["side"] = signal.Side
	signalEvent.Data["quantity"] = quantity
	signalEvent.Context = &types.DecisionContext{
		SignalInputs: map[string]float64{
			"confidence":   signal.Confidence,
			"target_price": signal.TargetPrice,
		},
		RiskParameters: map[string]float64{
			"allocation_pct": strategy.AllocationPct,
			"base_equity":    s.BaseEquity,
		},
		Rationale:       fmt.Sprintf("sized %.4f %s from %.1f%% allocation", quantity, signal.Symbol, strategy.AllocationPct),
		ConfidenceScore: signal.Confidence,
	}
	signalEvent.Confidence = signal.Confidence
	signalEvent.ExecutionTimeMS = events.ElapsedMS(started)
	s.bus.Publish(events.PriorityNormal, signalEvent)

	order := &types.Order{
		UserID:         strategy.UserID,
		StrategyID:     strategy.StrategyID,
		SessionID:      sessionID,
		Symbol:         signal.Symbol,
		Side:           signal.Side,
		OrderType:      types.OrderTypeMarket,
		Quantity:       quantity,
		RequestedPrice: signal.TargetPrice,
		// The order's lifecycle events chain back to the signal that
		// created it.
		LastEventID:    signalEvent.EventID,
	}

	result, err := s.placer.PlaceOrder(ctx, order)
	if err != nil {
		logger.Error().Err(err).Msg("order placement failed")
		return nil, err
	}

	logger.Info().
		Str("order_id", result.Order.OrderID).
		Str("status", result.Order.Status).
		Msg("signal routed to execution engine")

	return result, nil
}

// sizeOrder converts the strategy's allocation into a share quantity at the
// signal's target price.
func (s *Service) sizeOrder(strategy *Strategy, signal types.Signal) float64 {
	if signal.TargetPrice <= 0 {
		return 0
	}
	return s.BaseEquity * strategy.AllocationPct / 100 / signal.TargetPrice
}

// OnPerformanceUpdate is a bus handler for PERFORMANCE_UPDATE events. A
// deployed strategy whose reported drawdown breaches its threshold is paused
// automatically.
func (s *Service) OnPerformanceUpdate(event *types.TradingEvent) error {
	strategyID, _ := event.Data["strategy_id"].(string)
	drawdown, _ := event.Data["max_drawdown"].(float64)
	if strategyID == "" {
		return nil
	}

	strategy, err := s.db.GetStrategy(strategyID)
	if err != nil || strategy == nil {
		return err
	}
	if strategy.Status != StatusDeployed || strategy.MaxDrawdown <= 0 {
		return nil
	}
	if drawdown <= strategy.MaxDrawdown {
		return nil
	}

	reason := fmt.Sprintf("performance degradation: drawdown %.4f exceeds %.4f", drawdown, strategy.MaxDrawdown)
	return s.Pause(strategyID, reason)
}

// GinHandlers contains HTTP handlers for strategy endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for strategy endpoints.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateStrategyHandler handles POST requests to register a strategy.
func (h *GinHandlers) CreateStrategyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var strategy Strategy
		if err := c.ShouldBindJSON(&strategy); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.service.CreateStrategy(&strategy); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, strategy)
	}
}

// ListStrategiesHandler handles GET requests for all strategies.
func (h *GinHandlers) ListStrategiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategies, err := h.service.ListStrategies()
		response.Handle(c, strategies, err)
	}
}

// DeployStrategyHandler handles POST requests to deploy a strategy.
// URL parameter: strategy_id
func (h *GinHandlers) DeployStrategyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.Deploy(c.Param("strategy_id")); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"status": StatusDeployed})
	}
}

// PauseStrategyHandler handles POST requests to pause a strategy.
// URL parameter: strategy_id
func (h *GinHandlers) PauseStrategyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.Pause(c.Param("strategy_id"), "manual pause"); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"status": StatusPaused})
	}
}

// StopStrategyHandler handles POST requests to stop a strategy.
// URL parameter: strategy_id
func (h *GinHandlers) StopStrategyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.Stop(c.Param("strategy_id"), "manual stop"); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"status": StatusStopped})
	}
}

// EmergencyStopHandler handles POST requests to pause all deployed strategies.
func (h *GinHandlers) EmergencyStopHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&request)
		if request.Reason == "" {
			request.Reason = "operator request"
		}

		paused, err := h.service.EmergencyStopAll(request.Reason)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"strategies_paused": paused})
	}
}

// SignalHandler handles POST requests delivering signals from the external
// signal-generation collaborator.
func (h *GinHandlers) SignalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.GetHeader("X-Session-ID")
		if sessionID == "" {
			response.BadRequest(c, "X-Session-ID header is required")
			return
		}

		var signal types.Signal
		if err := c.ShouldBindJSON(&signal); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.HandleSignal(c.Request.Context(), sessionID, signal)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if result == nil {
			response.Success(c, gin.H{"accepted": false, "reason": "signal discarded"})
			return
		}
		if result.Order.Status == types.StatusRejected {
			response.ValidationFailed(c, result.Order.RejectReason, result.Validation.Violations)
			return
		}
		response.Success(c, result)
	}
}
