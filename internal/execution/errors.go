package execution

import (
	"errors"
	"fmt"
)

// ErrUnknownOrder is returned when a lookup references an order ID the
// engine has never seen.
var ErrUnknownOrder = errors.New("unknown order")

// SubmissionError reports that the broker rejected or timed out on an order
// after the bounded retry attempts. The order terminates cleanly in REJECTED;
// this is not an engine fault.
type SubmissionError struct {
	OrderID  string
	Attempts int
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("order %s: submission failed after %d attempts: %v", e.OrderID, e.Attempts, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ReconciliationError reports a fill that references an unknown order or an
// order that can no longer accept fills. It is surfaced as a critical alert
// and never silently dropped; the order is left in its last-known state.
type ReconciliationError struct {
	BrokerOrderID string
	ExecutionID   string
	Reason        string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("fill %s for broker order %s cannot be reconciled: %s",
		e.ExecutionID, e.BrokerOrderID, e.Reason)
}

// InvariantViolationError reports that applying a fill would break an order
// invariant. It is fatal for that order only: the order is frozen in ERROR
// for manual investigation and the engine keeps processing everything else.
type InvariantViolationError struct {
	OrderID string
	Detail  string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("order %s: invariant violation: %s", e.OrderID, e.Detail)
}
