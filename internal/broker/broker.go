// Package broker provides a simulated execution collaborator. It stands in
// for a real brokerage: submissions return a broker order ID and fills are
// delivered asynchronously through a callback, with latency, price variance,
// and partial fills modelled the way a live venue behaves.
package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/trading-core/internal/execution"
	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog/log"
)

type brokerOrder struct {
	order     types.Order
	remaining float64
	cancelled bool
}

// Simulator implements execution.Broker with configurable behaviour.
type Simulator struct {
	mu     sync.Mutex
	orders map[string]*brokerOrder
	onFill func(execution.Fill)

	MinLatency     time.Duration
	MaxLatency     time.Duration
	PartialProb    float64 // probability the first fill is partial
	PriceVariance  float64 // max fractional deviation from requested price
	CommissionRate float64 // fraction of notional per fill
	FailureRate    float64 // probability a submission is rejected outright
}

// NewSimulator creates a broker simulator delivering fills to onFill.
func NewSimulator(onFill func(execution.Fill)) *Simulator {
	return &Simulator{
		orders:         make(map[string]*brokerOrder),
		onFill:         onFill,
		MinLatency:     5 * time.Millisecond,
		MaxLatency:     50 * time.Millisecond,
		PartialProb:    0.3,
		PriceVariance:  0.02,
		CommissionRate: 0.001,
		FailureRate:    0.02,
	}
}

// Submit accepts an order and schedules asynchronous fills for it.
func (s *Simulator) Submit(ctx context.Context, order *types.Order) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	if rand.Float64() < s.FailureRate {
		return "", fmt.Errorf("broker rejected order for %s", order.Symbol)
	}

	brokerOrderID := "BRK_" + uuid.New().String()

	s.mu.Lock()
	s.orders[brokerOrderID] = &brokerOrder{order: *order, remaining: order.Quantity}
	s.mu.Unlock()

	log.Debug().
		Str("broker_order_id", brokerOrderID).
		Str("symbol", order.Symbol).
		Float64("quantity", order.Quantity).
		Msg("broker accepted order")

	go s.fillLoop(brokerOrderID)
	return brokerOrderID, nil
}

// Cancel cancels the unfilled remainder. Returns false when the order has
// already fully filled, which callers treat as a no-op.
func (s *Simulator) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bo, ok := s.orders[brokerOrderID]
	if !ok {
		return false, fmt.Errorf("unknown broker order %s", brokerOrderID)
	}
	if bo.remaining <= 0 {
		return false, nil
	}
	bo.cancelled = true
	return true, nil
}

// fillLoop delivers one or two fills with simulated venue latency.
func (s *Simulator) fillLoop(brokerOrderID string) {
	for {
		time.Sleep(s.latency())

		s.mu.Lock()
		bo, ok := s.orders[brokerOrderID]
		if !ok || bo.cancelled || bo.remaining <= 0 {
			s.mu.Unlock()
			return
		}

		quantity := bo.remaining
		if bo.remaining == bo.order.Quantity && rand.Float64() < s.PartialProb {
			quantity = bo.remaining * (0.3 + rand.Float64()*0.5)
		}
		bo.remaining -= quantity

		price := bo.order.RequestedPrice * (1 + (rand.Float64()*2-1)*s.PriceVariance)
		fill := execution.Fill{
			BrokerOrderID: brokerOrderID,
			ExecutionID:   "EXE_" + uuid.New().String(),
			Price:         price,
			Quantity:      quantity,
			Commission:    price * quantity * s.CommissionRate,
			ExecutedAt:    time.Now(),
		}
		done := bo.remaining <= 0
		s.mu.Unlock()

		s.onFill(fill)

		if done {
			return
		}
	}
}

func (s *Simulator) latency() time.Duration {
	if s.MaxLatency <= s.MinLatency {
		return s.MinLatency
	}
	return s.MinLatency + time.Duration(rand.Int63n(int64(s.MaxLatency-s.MinLatency)))
}
