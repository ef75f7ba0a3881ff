package position

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// OrderPlacer is the slice of the execution engine the position manager
// needs to close a position. The manager never talks to the broker directly.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, order *types.Order) (*types.OrderResult, error)
}

// Service owns the authoritative view of open positions and P&L. State is
// mutated only by applying executions, under a per-(user,symbol) lock so
// concurrent fills cannot lose updates.
type Service struct {
	db   *Database
	bus  *events.Bus
	book *Book

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	placer OrderPlacer
}

// NewService creates a position manager and restores the book from the
// persisted snapshots.
func NewService(gormDB *gorm.DB, bus *events.Bus) (*Service, error) {
	s := &Service{
		db:    NewDatabase(gormDB),
		bus:   bus,
		book:  NewBook(),
		locks: make(map[string]*sync.Mutex),
	}

	positions, err := s.db.ListPositions()
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	applied, err := s.db.AppliedExecutionIDs()
	if err != nil {
		return nil, fmt.Errorf("failed to load applied executions: %w", err)
	}
	s.book.Restore(positions, applied)

	log.Info().
		Int("positions", len(positions)).
		Int("applied_executions", len(applied)).
		Msg("position manager restored from store")

	return s, nil
}

// SetOrderPlacer injects the execution engine after construction; the two
// services reference each other, so wiring happens in main.
func (s *Service) SetOrderPlacer(placer OrderPlacer) {
	s.placer = placer
}

func (s *Service) lockFor(userID, symbol string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(userID, symbol)
	l, ok := s.locks[k]
	if !ok {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	return l
}

// ApplyExecution applies one fill to the book and persists the resulting
// snapshot. Duplicate execution IDs are no-ops. Every applied fill publishes
// a POSITION_UPDATED event; a fill that closes the position also publishes
// POSITION_CLOSED.
func (s *Service) ApplyExecution(userID, sessionID string, exec *types.Execution) (*types.Position, error) {
	lock := s.lockFor(userID, exec.Symbol)
	lock.Lock()
	defer lock.Unlock()
	return s.applyExecution(userID, sessionID, "", exec)
}

// ApplyExecutionWith runs publish and then applies the fill as one unit
// under the per-(user,symbol) lock. Replay applies fills in recorded event
// order, so the caller's execution event and the book apply must not
// interleave with a concurrent fill on the same position. publish returns
// the ID of the event it published, which parents the position events.
func (s *Service) ApplyExecutionWith(userID, sessionID string, exec *types.Execution, publish func() (string, error)) (*types.Position, error) {
	lock := s.lockFor(userID, exec.Symbol)
	lock.Lock()
	defer lock.Unlock()

	parentEventID, err := publish()
	if err != nil {
		return nil, err
	}
	return s.applyExecution(userID, sessionID, parentEventID, exec)
}

func (s *Service) applyExecution(userID, sessionID, parentEventID string, exec *types.Execution) (*types.Position, error) {
	logger := log.With().
		Str("user_id", userID).
		Str("execution_id", exec.ExecutionID).
		Str("symbol", exec.Symbol).
		Str("service", "position").
		Logger()

	pos, applied := s.book.Apply(userID, exec)
	if !applied {
		logger.Warn().Msg("duplicate execution ignored")
		return pos, nil
	}

	if err := s.db.UpsertPosition(pos); err != nil {
		logger.Error().Err(err).Msg("failed to persist position snapshot")
		return nil, fmt.Errorf("failed to persist position: %w", err)
	}

	event := events.New(types.EventPositionUpdated, userID, sessionID)
	event.ParentEventID = parentEventID
	event.Data["symbol"] = exec.Symbol
	event.Data["execution_id"] = exec.ExecutionID
	event.Data["quantity"] = pos.Quantity
	event.Data["average_price"] = pos.AveragePrice
	event.Data["realized_pnl"] = pos.RealizedPnL
	s.bus.Publish(events.PriorityNormal, event)

	if pos.ClosedAt != nil {
		closeEvent := events.NewChild(types.EventPositionClosed, event)
		closeEvent.Data["symbol"] = exec.Symbol
		closeEvent.Data["realized_pnl"] = pos.RealizedPnL
		s.bus.Publish(events.PriorityNormal, closeEvent)
	}

	logger.Info().
		Float64("quantity", pos.Quantity).
		Float64("average_price", pos.AveragePrice).
		Float64("realized_pnl", pos.RealizedPnL).
		Bool("closed", pos.ClosedAt != nil).
		Msg("execution applied to position")

	return pos, nil
}

// MarkPrice revalues unrealized P&L for a position against a market price.
func (s *Service) MarkPrice(userID, symbol string, price float64) *types.Position {
	lock := s.lockFor(userID, symbol)
	lock.Lock()
	defer lock.Unlock()
	return s.book.Mark(userID, symbol, price)
}

// GetPosition returns the current position, or nil when none exists.
func (s *Service) GetPosition(userID, symbol string) *types.Position {
	lock := s.lockFor(userID, symbol)
	lock.Lock()
	defer lock.Unlock()
	return s.book.Get(userID, symbol)
}

// GetPortfolioSummary aggregates market value, P&L, and per-symbol exposure
// across the user's open positions.
func (s *Service) GetPortfolioSummary(userID string) *types.PortfolioSummary {
	positions := s.book.Positions(userID)

	summary := &types.PortfolioSummary{
		UserID:           userID,
		ExposureBySymbol: make(map[string]float64),
		GeneratedAt:      time.Now(),
	}

	for _, pos := range positions {
		summary.TotalRealizedPnL += pos.RealizedPnL
		if pos.Quantity == 0 {
			continue
		}
		exposure := pos.Quantity * pos.AveragePrice
		summary.ExposureBySymbol[pos.Symbol] = exposure
		summary.TotalMarketValue += math.Abs(exposure) + pos.UnrealizedPnL
		summary.TotalUnrealized += pos.UnrealizedPnL
		summary.OpenPositions++
	}

	return summary
}

// ClosePosition synthesizes a market order for the full open quantity and
// delegates it to the execution engine.
func (s *Service) ClosePosition(ctx context.Context, userID, symbol, sessionID string) (*types.OrderResult, error) {
	if s.placer == nil {
		return nil, fmt.Errorf("no order placer configured")
	}

	pos := s.GetPosition(userID, symbol)
	if pos == nil || pos.Quantity == 0 {
		return nil, fmt.Errorf("no open position for %s/%s", userID, symbol)
	}

	side := types.SideSell
	if pos.Quantity < 0 {
		side = types.SideBuy
	}

	order := &types.Order{
		UserID:         userID,
		SessionID:      sessionID,
		Symbol:         symbol,
		Side:           side,
		OrderType:      types.OrderTypeMarket,
		Quantity:       math.Abs(pos.Quantity),
		RequestedPrice: pos.AveragePrice,
	}

	log.Info().
		Str("user_id", userID).
		Str("symbol", symbol).
		Str("side", side).
		Float64("quantity", order.Quantity).
		Str("service", "position").
		Msg("synthesized closing order")

	return s.placer.PlaceOrder(ctx, order)
}

// GinHandlers contains HTTP handlers for position endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for position endpoints.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetPositionHandler handles GET requests for a single position.
// URL parameters: user_id, symbol
func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pos := h.service.GetPosition(c.Param("user_id"), c.Param("symbol"))
		if pos == nil {
			response.NotFound(c, "Position not found")
			return
		}
		response.Success(c, pos)
	}
}

// GetPortfolioHandler handles GET requests for a user's portfolio summary.
// URL parameter: user_id
func (h *GinHandlers) GetPortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.GetPortfolioSummary(c.Param("user_id")))
	}
}

// ClosePositionHandler handles POST requests to force-close a position.
// URL parameters: user_id, symbol
func (h *GinHandlers) ClosePositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Query("session_id")
		result, err := h.service.ClosePosition(c.Request.Context(), c.Param("user_id"), c.Param("symbol"), sessionID)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		response.Success(c, result)
	}
}
