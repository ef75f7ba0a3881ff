package events

import (
	"sync"
	"time"

	"github.com/ksred/trading-core/internal/metrics"
	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog/log"
)

// Priority orders event delivery. Critical events (emergency stops, critical
// violations) are always dequeued before lower priorities.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical

	numPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// Handler consumes a delivered event. A non-nil error triggers a bounded
// retry; delivery failures never propagate back to the publisher.
type Handler func(event *types.TradingEvent) error

// Bus is the typed, prioritized publish/subscribe backbone. Publishing is
// fire-and-forget over bounded per-priority queues: a full queue drops the
// event rather than blocking the trading path.
type Bus struct {
	mu       sync.RWMutex
	handlers map[types.EventType][]Handler
	all      []Handler

	queues  [numPriorities]chan *types.TradingEvent
	done    chan struct{}
	stopped chan struct{}

	// closeMu orders Publish's pending.Add against Close's pending.Wait:
	// a publisher either registers before the close flag flips, and Close
	// waits for it, or it observes the flag and discards.
	closeMu sync.Mutex
	closed  bool
	pending sync.WaitGroup

	// MaxRetries and RetryBase control the per-delivery retry policy.
	MaxRetries int
	RetryBase  time.Duration
}

// NewBus creates a bus with the given per-priority queue capacity and starts
// its dispatcher.
func NewBus(queueSize int) *Bus {
	b := &Bus{
		handlers:   make(map[types.EventType][]Handler),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		MaxRetries: 3,
		RetryBase:  50 * time.Millisecond,
	}
	for i := range b.queues {
		b.queues[i] = make(chan *types.TradingEvent, queueSize)
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for a single event type.
func (b *Bus) Subscribe(eventType types.EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// SubscribeAll registers a handler for every event type on the bus.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish enqueues an event without blocking. When the priority queue is
// full the event is dropped, counted, and logged; the publisher never waits.
func (b *Bus) Publish(priority Priority, event *types.TradingEvent) {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		log.Warn().
			Str("event_id", event.EventID).
			Str("event_type", string(event.EventType)).
			Msg("event published after bus close, discarding")
		return
	}
	b.pending.Add(1)
	b.closeMu.Unlock()

	select {
	case b.queues[priority] <- event:
		metrics.EventsPublished.WithLabelValues(priority.String()).Inc()
	default:
		b.pending.Done()
		metrics.EventsDropped.WithLabelValues(priority.String()).Inc()
		log.Error().
			Str("event_id", event.EventID).
			Str("event_type", string(event.EventType)).
			Str("priority", priority.String()).
			Msg("event queue full, dropping event")
	}
}

// Close stops accepting new events, waits until every queued event has been
// delivered, then shuts the dispatcher down.
func (b *Bus) Close() {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return
	}
	b.closed = true
	b.closeMu.Unlock()
	b.pending.Wait()
	close(b.done)
	<-b.stopped
}

// dispatch drains the queues, always preferring the highest non-empty
// priority before falling back to a blocking wait across all of them.
func (b *Bus) dispatch() {
	defer close(b.stopped)
	for {
		event, ok := b.nextEvent()
		if !ok {
			return
		}
		b.deliver(event)
		b.pending.Done()
	}
}

// nextEvent sweeps the queues from critical downwards, then blocks on all
// four until an event or shutdown arrives. Re-sweeping after every delivery
// keeps critical events ahead of anything queued below them.
func (b *Bus) nextEvent() (*types.TradingEvent, bool) {
	for p := PriorityCritical; p >= PriorityLow; p-- {
		select {
		case event := <-b.queues[p]:
			return event, true
		default:
		}
	}

	select {
	case event := <-b.queues[PriorityCritical]:
		return event, true
	case event := <-b.queues[PriorityHigh]:
		return event, true
	case event := <-b.queues[PriorityNormal]:
		return event, true
	case event := <-b.queues[PriorityLow]:
		return event, true
	case <-b.done:
		return nil, false
	}
}

// deliver invokes every matching handler with bounded exponential backoff.
// A handler that keeps failing is surfaced as a system alert, never as an
// error on the publishing trading operation.
func (b *Bus) deliver(event *types.TradingEvent) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.all)+len(b.handlers[event.EventType]))
	handlers = append(handlers, b.handlers[event.EventType]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		var err error
		backoff := b.RetryBase
		for attempt := 0; attempt <= b.MaxRetries; attempt++ {
			if attempt > 0 {
				time.Sleep(backoff)
				backoff *= 2
			}
			if err = h(event); err == nil {
				break
			}
		}
		if err != nil {
			metrics.HandlerFailures.WithLabelValues(string(event.EventType)).Inc()
			log.Error().
				Err(err).
				Str("event_id", event.EventID).
				Str("event_type", string(event.EventType)).
				Int("attempts", b.MaxRetries+1).
				Msg("event handler failed after retries")
		}
	}
}
