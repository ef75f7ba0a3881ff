package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/trading-core/internal/compliance"
	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/metrics"
	"github.com/ksred/trading-core/internal/position"
	"github.com/ksred/trading-core/internal/risk"
	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Broker is the external execution collaborator. Submission may block on
// network I/O; the engine wraps every call in a timeout.
type Broker interface {
	Submit(ctx context.Context, order *types.Order) (brokerOrderID string, err error)
	Cancel(ctx context.Context, brokerOrderID string) (bool, error)
}

// Fill is the asynchronous execution callback delivered by the broker.
type Fill struct {
	BrokerOrderID string    `json:"broker_order_id"`
	ExecutionID   string    `json:"execution_id"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	Commission    float64   `json:"commission"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// fillQuantityTolerance absorbs float64 drift when broker fill quantities
// re-sum to the order quantity: a split like q and Q-q can land one ulp off
// Q. A fill past the quantity by more than this is an invariant violation;
// a total within it is clamped to exactly filled.
const fillQuantityTolerance = 1e-6

// validTransitions is the order state machine. A transition absent from this
// table is an invariant violation.
var validTransitions = map[string][]string{
	types.StatusPending:         {types.StatusValidating, types.StatusCancelled},
	types.StatusValidating:      {types.StatusRejected, types.StatusSubmitted, types.StatusCancelled},
	types.StatusSubmitted:       {types.StatusPartiallyFilled, types.StatusFilled, types.StatusCancelled, types.StatusExpired, types.StatusError},
	types.StatusPartiallyFilled: {types.StatusPartiallyFilled, types.StatusFilled, types.StatusCancelled, types.StatusExpired, types.StatusError},
}

func transitionAllowed(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Service owns the order lifecycle. Per-order locks serialize every mutation
// of a single order while different orders proceed concurrently.
type Service struct {
	db         *Database
	bus        *events.Bus
	broker     Broker
	riskSvc    *risk.Service
	compliance *compliance.Service
	positions  *position.Service

	mu         sync.Mutex
	orderLocks map[string]*sync.Mutex

	fillSeq atomic.Int64

	// SubmitTimeout bounds each broker submission attempt;
	// MaxSubmitAttempts and RetryBase bound the retry schedule.
	SubmitTimeout     time.Duration
	MaxSubmitAttempts int
	RetryBase         time.Duration

	// BaseEquity is the account equity assumed for allocation percentages;
	// realized P&L is added on top when building risk snapshots.
	BaseEquity float64
}

// NewService creates an execution engine wired to its validators, the
// position manager, and the broker collaborator.
func NewService(gormDB *gorm.DB, bus *events.Bus, broker Broker, riskSvc *risk.Service, complianceSvc *compliance.Service, positions *position.Service) *Service {
	return &Service{
		db:                NewDatabase(gormDB),
		bus:               bus,
		broker:            broker,
		riskSvc:           riskSvc,
		compliance:        complianceSvc,
		positions:         positions,
		orderLocks:        make(map[string]*sync.Mutex),
		SubmitTimeout:     2 * time.Second,
		MaxSubmitAttempts: 3,
		RetryBase:         100 * time.Millisecond,
		BaseEquity:        1_000_000,
	}
}

func (s *Service) lockFor(orderID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.orderLocks[orderID]
	if !ok {
		l = &sync.Mutex{}
		s.orderLocks[orderID] = l
	}
	return l
}

// transition moves the order to a new status, records the metric, and
// publishes an event carrying the before/after pair. The event is parented
// on the order's previous event, so a session's decision tree links every
// lifecycle step back to the signal that started it; started stamps the
// elapsed decision time.
func (s *Service) transition(order *types.Order, to string, eventType types.EventType, priority events.Priority, started time.Time, ctx *types.DecisionContext, extra map[string]interface{}) error {
	from := order.Status
	if !transitionAllowed(from, to) {
		return &InvariantViolationError{
			OrderID: order.OrderID,
			Detail:  fmt.Sprintf("illegal transition %s -> %s", from, to),
		}
	}

	order.Status = to
	order.UpdatedAt = time.Now()
	metrics.OrderTransitions.WithLabelValues(from, to).Inc()

	event := events.New(eventType, order.UserID, order.SessionID)
	event.ParentEventID = order.LastEventID
	event.ExecutionTimeMS = events.ElapsedMS(started)
	event.Data["order_id"] = order.OrderID
	event.Data["symbol"] = order.Symbol
	event.Data["side"] = order.Side
	event.Data["status_before"] = from
	event.Data["status_after"] = to
	event.Data["quantity"] = order.Quantity
	event.Data["filled_quantity"] = order.FilledQuantity
	event.Data["requested_price"] = order.RequestedPrice
	for k, v := range extra {
		event.Data[k] = v
	}
	event.Context = ctx
	event.Success = to != types.StatusRejected && to != types.StatusError && to != types.StatusExpired
	order.LastEventID = event.EventID
	s.bus.Publish(priority, event)

	return nil
}

// PlaceOrder runs the full synchronous path: persist, validate against both
// risk and compliance, and submit to the broker. No side effect reaches the
// broker before both validators pass. The returned result always carries the
// merged validation outcome.
func (s *Service) PlaceOrder(ctx context.Context, order *types.Order) (*types.OrderResult, error) {
	started := time.Now()
	order.OrderID = "ORD_" + uuid.New().String()
	order.Status = types.StatusPending
	order.CreatedAt = time.Now()
	order.UpdatedAt = time.Now()

	logger := log.With().
		Str("order_id", order.OrderID).
		Str("user_id", order.UserID).
		Str("symbol", order.Symbol).
		Str("side", order.Side).
		Str("service", "execution").
		Logger()

	if err := s.db.CreateOrder(order); err != nil {
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	if err := s.transition(order, types.StatusValidating, types.EventOrderPlaced, events.PriorityNormal, started, nil, nil); err != nil {
		return nil, err
	}
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	result, err := s.validate(order, logger)
	if err != nil {
		return nil, err
	}

	if !result.Compliant {
		rejectCtx := &types.DecisionContext{
			RiskParameters: map[string]float64{"violations": float64(len(result.Violations))},
			Rationale:      result.Rationale(),
		}
		order.RejectReason = result.Rationale()
		if err := s.transition(order, types.StatusRejected, types.EventOrderRejected, events.PriorityHigh, started, rejectCtx, nil); err != nil {
			return nil, err
		}
		if err := s.db.UpdateOrder(order); err != nil {
			return nil, fmt.Errorf("failed to persist order: %w", err)
		}
		logger.Warn().
			Str("reason", order.RejectReason).
			Dur("elapsed", time.Since(started)).
			Msg("order rejected by validation")
		return &types.OrderResult{Order: order, Validation: result}, nil
	}

	brokerOrderID, err := s.submitWithRetry(ctx, order)
	if err != nil {
		order.RejectReason = "validation/submission timeout: " + err.Error()
		submitCtx := &types.DecisionContext{Rationale: order.RejectReason}
		if terr := s.transition(order, types.StatusRejected, types.EventOrderRejected, events.PriorityHigh, started, submitCtx, nil); terr != nil {
			return nil, terr
		}
		if perr := s.db.UpdateOrder(order); perr != nil {
			return nil, fmt.Errorf("failed to persist order: %w", perr)
		}
		logger.Error().Err(err).Msg("broker submission failed, order rejected")
		return &types.OrderResult{Order: order, Validation: result}, nil
	}

	order.BrokerOrderID = brokerOrderID
	submitCtx := &types.DecisionContext{
		MarketData: map[string]float64{"requested_price": order.RequestedPrice},
		Rationale:  result.Rationale(),
	}
	if err := s.transition(order, types.StatusSubmitted, types.EventOrderSubmitted, events.PriorityNormal, started, submitCtx, nil); err != nil {
		return nil, err
	}
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	logger.Info().
		Str("broker_order_id", brokerOrderID).
		Dur("elapsed", time.Since(started)).
		Msg("order submitted to broker")

	return &types.OrderResult{Order: order, Validation: result}, nil
}

// validate runs risk then compliance over the same captured snapshot and
// merges the outcomes. Both check events are published with the snapshot
// embedded so replay sees exactly what the validators saw.
func (s *Service) validate(order *types.Order, logger zerolog.Logger) (types.ValidationResult, error) {
	summary := s.positions.GetPortfolioSummary(order.UserID)
	equity := s.BaseEquity + summary.TotalRealizedPnL
	snapshot := risk.BuildSnapshot(order, summary, equity)

	riskStarted := time.Now()
	riskResult, err := s.riskSvc.Validate(order.OrderID, snapshot)
	if err != nil {
		return types.ValidationResult{}, fmt.Errorf("risk validation failed: %w", err)
	}
	s.publishCheckEvent(types.EventRiskCheck, order, snapshot, riskResult, riskStarted)

	complianceStarted := time.Now()
	complianceResult, err := s.compliance.Validate(order.OrderID, snapshot.Fields())
	if err != nil {
		return types.ValidationResult{}, fmt.Errorf("compliance validation failed: %w", err)
	}
	s.publishCheckEvent(types.EventComplianceCheck, order, snapshot, complianceResult, complianceStarted)

	merged := riskResult
	merged.Merge(complianceResult)

	logger.Debug().
		Bool("compliant", merged.Compliant).
		Int("violations", len(merged.Violations)).
		Int("warnings", len(merged.Warnings)).
		Msg("validation gate evaluated")

	return merged, nil
}

func (s *Service) publishCheckEvent(eventType types.EventType, order *types.Order, snapshot risk.Snapshot, result types.ValidationResult, started time.Time) {
	priority := events.PriorityNormal
	if !result.Compliant {
		priority = events.PriorityHigh
	}

	event := events.New(eventType, order.UserID, order.SessionID)
	event.ParentEventID = order.LastEventID
	event.ExecutionTimeMS = events.ElapsedMS(started)
	event.Data["order_id"] = order.OrderID
	event.Data["compliant"] = result.Compliant
	event.Data["violations"] = len(result.Violations)
	event.Data["warnings"] = len(result.Warnings)
	event.Context = &types.DecisionContext{
		MarketData:     map[string]float64{"requested_price": order.RequestedPrice},
		RiskParameters: snapshot.Fields(),
		Rationale:      result.Rationale(),
	}
	event.Success = result.Compliant
	order.LastEventID = event.EventID
	s.bus.Publish(priority, event)
}

// submitWithRetry pushes the order to the broker with a per-attempt timeout
// and bounded exponential backoff. The synchronous path never hangs.
func (s *Service) submitWithRetry(ctx context.Context, order *types.Order) (string, error) {
	var lastErr error
	backoff := s.RetryBase

	for attempt := 1; attempt <= s.MaxSubmitAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.SubmitTimeout)
		brokerOrderID, err := s.broker.Submit(attemptCtx, order)
		cancel()

		if err == nil {
			return brokerOrderID, nil
		}
		lastErr = err

		log.Warn().
			Err(err).
			Str("order_id", order.OrderID).
			Int("attempt", attempt).
			Msg("broker submission attempt failed")

		if attempt < s.MaxSubmitAttempts {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return "", &SubmissionError{OrderID: order.OrderID, Attempts: attempt, Err: ctx.Err()}
			}
		}
	}

	return "", &SubmissionError{OrderID: order.OrderID, Attempts: s.MaxSubmitAttempts, Err: lastErr}
}

// HandleFill reconciles one asynchronous broker fill. Duplicate execution
// IDs are ignored before any order state mutates; a fill that would push
// filled quantity past the order quantity freezes the order in ERROR.
func (s *Service) HandleFill(fill Fill) error {
	started := time.Now()
	logger := log.With().
		Str("broker_order_id", fill.BrokerOrderID).
		Str("execution_id", fill.ExecutionID).
		Str("service", "execution").
		Logger()

	order, err := s.db.GetOrderByBrokerID(fill.BrokerOrderID)
	if err != nil {
		return fmt.Errorf("failed to look up order for fill: %w", err)
	}
	if order == nil {
		recErr := &ReconciliationError{
			BrokerOrderID: fill.BrokerOrderID,
			ExecutionID:   fill.ExecutionID,
			Reason:        "no order for broker order id",
		}
		s.publishAlert("", "", recErr.Error())
		logger.Error().Msg("fill references unknown order")
		return recErr
	}

	lock := s.lockFor(order.OrderID)
	lock.Lock()
	defer lock.Unlock()

	// Reload under the lock; another fill may have advanced the order.
	order, err = s.db.GetOrder(order.OrderID)
	if err != nil || order == nil {
		return fmt.Errorf("failed to reload order: %w", err)
	}

	existing, err := s.db.GetExecution(fill.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to check execution: %w", err)
	}
	if existing != nil {
		logger.Warn().Msg("duplicate fill notification ignored")
		return nil
	}

	if order.Status != types.StatusSubmitted && order.Status != types.StatusPartiallyFilled {
		recErr := &ReconciliationError{
			BrokerOrderID: fill.BrokerOrderID,
			ExecutionID:   fill.ExecutionID,
			Reason:        fmt.Sprintf("order %s in state %s cannot accept fills", order.OrderID, order.Status),
		}
		s.publishAlert(order.UserID, order.SessionID, recErr.Error())
		logger.Error().Str("status", order.Status).Msg("fill for order in non-fillable state")
		return recErr
	}

	if order.FilledQuantity+fill.Quantity > order.Quantity+fillQuantityTolerance {
		invErr := &InvariantViolationError{
			OrderID: order.OrderID,
			Detail: fmt.Sprintf("fill of %.4f would exceed order quantity (filled %.4f of %.4f)",
				fill.Quantity, order.FilledQuantity, order.Quantity),
		}
		order.RejectReason = invErr.Detail
		if terr := s.transition(order, types.StatusError, types.EventSystemAlert, events.PriorityCritical, started, nil, nil); terr == nil {
			_ = s.db.UpdateOrder(order)
		}
		logger.Error().Str("detail", invErr.Detail).Msg("order frozen after invariant violation")
		return invErr
	}

	exec := &types.Execution{
		ExecutionID:    fill.ExecutionID,
		OrderID:        order.OrderID,
		Symbol:         order.Symbol,
		Side:           order.Side,
		Quantity:       fill.Quantity,
		Price:          fill.Price,
		Commission:     fill.Commission,
		SequenceNumber: s.fillSeq.Add(1),
		ExecutedAt:     fill.ExecutedAt,
	}
	if err := s.db.CreateExecution(exec); err != nil {
		return fmt.Errorf("failed to persist execution: %w", err)
	}

	// Weighted average fill price over the accumulated quantity.
	totalValue := order.AverageFillPrice*order.FilledQuantity + fill.Price*fill.Quantity
	order.FilledQuantity += fill.Quantity
	order.AverageFillPrice = totalValue / order.FilledQuantity

	next := types.StatusPartiallyFilled
	eventType := types.EventOrderExecuted
	if order.FilledQuantity >= order.Quantity-fillQuantityTolerance {
		order.FilledQuantity = order.Quantity
		next = types.StatusFilled
	}
	fillCtx := &types.DecisionContext{
		MarketData: map[string]float64{"fill_price": fill.Price, "fill_quantity": fill.Quantity},
		Rationale:  fmt.Sprintf("broker fill %.4f @ %.4f", fill.Quantity, fill.Price),
	}
	// The full fill payload rides on the event so a replay can rebuild
	// positions without reaching into live state.
	fillData := map[string]interface{}{
		"execution_id":  exec.ExecutionID,
		"fill_price":    fill.Price,
		"fill_quantity": fill.Quantity,
		"commission":    fill.Commission,
		"executed_at":   fill.ExecutedAt.Format(time.RFC3339Nano),
		"fill_sequence": exec.SequenceNumber,
	}
	// Publish and apply run as one unit under the position's symbol lock:
	// replay applies fills in recorded event order, so a concurrent fill on
	// the same position must not slip between this event and its book apply.
	if _, err := s.positions.ApplyExecutionWith(order.UserID, order.SessionID, exec, func() (string, error) {
		if terr := s.transition(order, next, eventType, events.PriorityNormal, started, fillCtx, fillData); terr != nil {
			return "", terr
		}
		return order.LastEventID, nil
	}); err != nil {
		logger.Error().Err(err).Msg("failed to reconcile fill into position")
		return err
	}
	if err := s.db.UpdateOrder(order); err != nil {
		return fmt.Errorf("failed to persist order: %w", err)
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Float64("filled_quantity", order.FilledQuantity).
		Float64("average_fill_price", order.AverageFillPrice).
		Str("status", order.Status).
		Msg("fill reconciled")

	return nil
}

// CancelOrder requests cancellation. The request races in-flight fills:
// cancel arriving after the order filled is a no-op, not an error.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*types.Order, error) {
	started := time.Now()
	lock := s.lockFor(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrUnknownOrder
	}

	logger := log.With().
		Str("order_id", orderID).
		Str("status", order.Status).
		Str("service", "execution").
		Logger()

	if order.IsTerminal() || order.FilledQuantity >= order.Quantity {
		logger.Info().Msg("cancel after fill treated as no-op")
		return order, nil
	}

	if order.BrokerOrderID != "" {
		cancelled, err := s.broker.Cancel(ctx, order.BrokerOrderID)
		if err != nil {
			logger.Warn().Err(err).Msg("broker cancel failed, order left as-is")
			return order, nil
		}
		if !cancelled {
			logger.Info().Msg("broker reported order already filled, cancel is a no-op")
			return order, nil
		}
	}

	cancelCtx := &types.DecisionContext{Rationale: "cancellation requested"}
	if err := s.transition(order, types.StatusCancelled, types.EventOrderCancelled, events.PriorityNormal, started, cancelCtx, nil); err != nil {
		return nil, err
	}
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	logger.Info().Float64("filled_quantity", order.FilledQuantity).Msg("order cancelled")
	return order, nil
}

// ExpireStaleOrders moves orders that have waited on the broker longer than
// ttl into EXPIRED, cancelling the remainder at the broker. Partial fills
// already applied to positions are kept. Returns the number expired.
func (s *Service) ExpireStaleOrders(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	stale, err := s.db.ListStaleOrders([]string{types.StatusSubmitted, types.StatusPartiallyFilled}, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale orders: %w", err)
	}

	expired := 0
	for i := range stale {
		started := time.Now()
		lock := s.lockFor(stale[i].OrderID)
		lock.Lock()

		// Reload under the lock; a fill may have raced the sweep.
		order, err := s.db.GetOrder(stale[i].OrderID)
		if err != nil || order == nil || order.IsTerminal() || order.UpdatedAt.After(cutoff) {
			lock.Unlock()
			continue
		}

		if order.BrokerOrderID != "" {
			if _, cerr := s.broker.Cancel(ctx, order.BrokerOrderID); cerr != nil {
				log.Warn().Err(cerr).Str("order_id", order.OrderID).Msg("broker cancel failed during expiry")
			}
		}

		expireCtx := &types.DecisionContext{
			Rationale: fmt.Sprintf("no fill within %s", ttl),
		}
		if terr := s.transition(order, types.StatusExpired, types.EventOrderExpired, events.PriorityNormal, started, expireCtx, nil); terr != nil {
			lock.Unlock()
			return expired, terr
		}
		if perr := s.db.UpdateOrder(order); perr != nil {
			lock.Unlock()
			return expired, fmt.Errorf("failed to persist order: %w", perr)
		}
		lock.Unlock()
		expired++

		log.Info().
			Str("order_id", order.OrderID).
			Float64("filled_quantity", order.FilledQuantity).
			Str("service", "execution").
			Msg("stale order expired")
	}

	return expired, nil
}

// GetOrder returns an order by ID.
func (s *Service) GetOrder(orderID string) (*types.Order, error) {
	return s.db.GetOrder(orderID)
}

// SessionHistory returns the orders and executions for one session, used by
// the attribution analyzer.
func (s *Service) SessionHistory(sessionID string) ([]types.Order, []types.Execution, error) {
	orders, err := s.db.ListOrdersBySession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	orderIDs := make([]string, len(orders))
	for i, o := range orders {
		orderIDs[i] = o.OrderID
	}
	executions, err := s.db.ListExecutionsForOrders(orderIDs)
	if err != nil {
		return nil, nil, err
	}
	return orders, executions, nil
}

func (s *Service) publishAlert(userID, sessionID, message string) {
	event := events.New(types.EventSystemAlert, userID, sessionID)
	event.Data["message"] = message
	event.Success = false
	s.bus.Publish(events.PriorityCritical, event)
}

// GinHandlers contains HTTP handlers for order endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetOrderHandler handles GET requests to retrieve order status.
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.GetOrder(c.Param("order_id"))
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}
		response.Success(c, order)
	}
}

// CancelOrderHandler handles POST requests to cancel an order.
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.CancelOrder(c.Request.Context(), c.Param("order_id"))
		if err != nil {
			if err == ErrUnknownOrder {
				response.NotFound(c, "Order not found")
				return
			}
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, order)
	}
}
