// Package metrics provides Prometheus instrumentation for the trading core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsPublished counts events accepted onto the bus, by priority.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradingcore_events_published_total",
		Help: "Events accepted onto the event bus",
	}, []string{"priority"})

	// EventsDropped counts events dropped because a priority queue was full.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradingcore_events_dropped_total",
		Help: "Events dropped due to a full priority queue",
	}, []string{"priority"})

	// HandlerFailures counts subscriber deliveries that exhausted retries.
	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradingcore_handler_failures_total",
		Help: "Event deliveries that failed after all retries",
	}, []string{"event_type"})

	// OrderTransitions counts order state transitions.
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradingcore_order_transitions_total",
		Help: "Order state machine transitions",
	}, []string{"from", "to"})

	// ValidationFailures counts rejected validations by source.
	ValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradingcore_validation_failures_total",
		Help: "Risk and compliance validation failures",
	}, []string{"source", "severity"})

	// AuditWriteFailures counts audit records that could not be persisted.
	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradingcore_audit_write_failures_total",
		Help: "Audit record writes that failed after retries",
	})

	// ActiveStrategies tracks strategies currently deployed.
	ActiveStrategies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradingcore_active_strategies",
		Help: "Number of currently deployed strategies",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
