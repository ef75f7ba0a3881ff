package position

import (
	"math"
	"sort"
	"time"

	"github.com/ksred/trading-core/internal/types"
)

// Book is a pure in-memory position ledger. It has no locking and no I/O:
// the live manager wraps it with per-key locks and persistence, and the
// event replayer runs a throwaway copy so replay never touches live state.
type Book struct {
	positions map[string]*types.Position
	applied   map[string]bool
}

// NewBook creates an empty position book.
func NewBook() *Book {
	return &Book{
		positions: make(map[string]*types.Position),
		applied:   make(map[string]bool),
	}
}

func key(userID, symbol string) string {
	return userID + "|" + symbol
}

// signedQuantity converts a fill to the book's sign convention:
// positive long, negative short.
func signedQuantity(exec *types.Execution) float64 {
	if exec.Side == types.SideSell {
		return -exec.Quantity
	}
	return exec.Quantity
}

// Apply mutates the book with one execution. Duplicate execution IDs are
// ignored, so applying the same fill twice changes state only once. The
// returned bool reports whether the execution was applied.
//
// Average price is a weighted average on same-direction fills; a reducing
// fill books realized P&L at the pre-fill average; a fill that flips the
// position's sign closes it and reopens the remainder in one step.
func (b *Book) Apply(userID string, exec *types.Execution) (*types.Position, bool) {
	if b.applied[exec.ExecutionID] {
		return b.Get(userID, exec.Symbol), false
	}
	b.applied[exec.ExecutionID] = true

	k := key(userID, exec.Symbol)
	pos := b.positions[k]
	signed := signedQuantity(exec)

	if pos == nil || pos.Quantity == 0 {
		carried := 0.0
		if pos != nil {
			carried = pos.RealizedPnL
		}
		pos = &types.Position{
			UserID:       userID,
			Symbol:       exec.Symbol,
			Quantity:     signed,
			AveragePrice: exec.Price,
			RealizedPnL:  carried - exec.Commission,
			OpenedAt:     exec.ExecutedAt,
		}
		b.positions[k] = pos
		return copyPosition(pos), true
	}

	sameDirection := (pos.Quantity > 0) == (signed > 0)
	switch {
	case sameDirection:
		total := pos.Quantity + signed
		pos.AveragePrice = (pos.AveragePrice*math.Abs(pos.Quantity) + exec.Price*math.Abs(signed)) / math.Abs(total)
		pos.Quantity = total

	case math.Abs(signed) <= math.Abs(pos.Quantity):
		// Reducing fill: realize P&L on the closed quantity at the
		// pre-fill average price.
		closedQty := math.Abs(signed)
		direction := 1.0
		if pos.Quantity < 0 {
			direction = -1.0
		}
		pos.RealizedPnL += closedQty * (exec.Price - pos.AveragePrice) * direction
		pos.Quantity += signed
		if pos.Quantity == 0 {
			closedAt := exec.ExecutedAt
			pos.ClosedAt = &closedAt
			pos.UnrealizedPnL = 0
		}

	default:
		// Flip: close the whole position and reopen the remainder at the
		// fill price, atomically within this update.
		closedQty := math.Abs(pos.Quantity)
		direction := 1.0
		if pos.Quantity < 0 {
			direction = -1.0
		}
		pos.RealizedPnL += closedQty * (exec.Price - pos.AveragePrice) * direction
		pos.Quantity += signed
		pos.AveragePrice = exec.Price
		pos.OpenedAt = exec.ExecutedAt
		pos.ClosedAt = nil
		pos.UnrealizedPnL = 0
	}

	pos.RealizedPnL -= exec.Commission
	return copyPosition(pos), true
}

// Mark revalues a position's unrealized P&L against a market price.
func (b *Book) Mark(userID, symbol string, price float64) *types.Position {
	pos := b.positions[key(userID, symbol)]
	if pos == nil {
		return nil
	}
	pos.UnrealizedPnL = pos.Quantity * (price - pos.AveragePrice)
	return copyPosition(pos)
}

// Get returns a copy of the position, or nil when none exists.
func (b *Book) Get(userID, symbol string) *types.Position {
	pos := b.positions[key(userID, symbol)]
	if pos == nil {
		return nil
	}
	return copyPosition(pos)
}

// Positions returns copies of every position for a user, sorted by symbol.
func (b *Book) Positions(userID string) []types.Position {
	var result []types.Position
	for _, pos := range b.positions {
		if pos.UserID == userID {
			result = append(result, *copyPosition(pos))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result
}

// Restore seeds the book from persisted state at startup.
func (b *Book) Restore(positions []types.Position, appliedExecutionIDs []string) {
	for i := range positions {
		pos := positions[i]
		b.positions[key(pos.UserID, pos.Symbol)] = &pos
	}
	for _, id := range appliedExecutionIDs {
		b.applied[id] = true
	}
}

func copyPosition(pos *types.Position) *types.Position {
	clone := *pos
	if pos.ClosedAt != nil {
		closedAt := *pos.ClosedAt
		clone.ClosedAt = &closedAt
	}
	return &clone
}

// SortExecutions orders fills into the deterministic position timeline:
// executed_at, then sequence number, then execution ID.
func SortExecutions(executions []types.Execution) {
	sort.Slice(executions, func(i, j int) bool {
		a, b := executions[i], executions[j]
		if !a.ExecutedAt.Equal(b.ExecutedAt) {
			return a.ExecutedAt.Before(b.ExecutedAt)
		}
		if a.SequenceNumber != b.SequenceNumber {
			return a.SequenceNumber < b.SequenceNumber
		}
		return a.ExecutionID < b.ExecutionID
	})
}

// ClosedSince is a small helper for reports: positions closed after the cutoff.
func (b *Book) ClosedSince(userID string, cutoff time.Time) []types.Position {
	var result []types.Position
	for _, pos := range b.positions {
		if pos.UserID == userID && pos.ClosedAt != nil && pos.ClosedAt.After(cutoff) {
			result = append(result, *copyPosition(pos))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result
}
