package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ksred/trading-core/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(16)

	var mu sync.Mutex
	var received []string
	bus.Subscribe(types.EventOrderPlaced, func(event *types.TradingEvent) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, event.EventID)
		return nil
	})

	event := New(types.EventOrderPlaced, "USR_1", "SES_1")
	bus.Publish(PriorityNormal, event)
	bus.Close()

	require.Len(t, received, 1)
	assert.Equal(t, event.EventID, received[0])
}

func TestBusSubscribeAllSeesEveryType(t *testing.T) {
	bus := NewBus(16)

	var mu sync.Mutex
	var count int
	bus.SubscribeAll(func(event *types.TradingEvent) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	})

	bus.Publish(PriorityNormal, New(types.EventOrderPlaced, "USR_1", "SES_1"))
	bus.Publish(PriorityHigh, New(types.EventRiskCheck, "USR_1", "SES_1"))
	bus.Publish(PriorityCritical, New(types.EventEmergencyStop, "USR_1", "SES_1"))
	bus.Close()

	assert.Equal(t, 3, count)
}

func TestBusCriticalDeliveredBeforeLow(t *testing.T) {
	bus := NewBus(16)

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []types.EventType
	bus.SubscribeAll(func(event *types.TradingEvent) error {
		if event.EventType == types.EventOrderPlaced {
			// Hold the dispatcher so the remaining events queue up.
			<-gate
		}
		mu.Lock()
		defer mu.Unlock()
		order = append(order, event.EventType)
		return nil
	})

	bus.Publish(PriorityNormal, New(types.EventOrderPlaced, "USR_1", "SES_1"))
	time.Sleep(50 * time.Millisecond) // let the dispatcher pick up the blocker
	bus.Publish(PriorityLow, New(types.EventPositionUpdated, "USR_1", "SES_1"))
	bus.Publish(PriorityCritical, New(types.EventEmergencyStop, "USR_1", "SES_1"))
	close(gate)
	bus.Close()

	require.Len(t, order, 3)
	assert.Equal(t, types.EventOrderPlaced, order[0])
	assert.Equal(t, types.EventEmergencyStop, order[1], "critical must jump the low-priority event")
	assert.Equal(t, types.EventPositionUpdated, order[2])
}

func TestBusDropsInsteadOfBlockingWhenFull(t *testing.T) {
	bus := NewBus(1)

	gate := make(chan struct{})
	var mu sync.Mutex
	var delivered int
	bus.SubscribeAll(func(event *types.TradingEvent) error {
		<-gate
		mu.Lock()
		defer mu.Unlock()
		delivered++
		return nil
	})

	// First event occupies the dispatcher, second fills the queue, third
	// must be dropped without blocking the publisher.
	bus.Publish(PriorityLow, New(types.EventPositionUpdated, "USR_1", "SES_1"))
	time.Sleep(50 * time.Millisecond)
	bus.Publish(PriorityLow, New(types.EventPositionUpdated, "USR_1", "SES_1"))

	published := make(chan struct{})
	go func() {
		bus.Publish(PriorityLow, New(types.EventPositionUpdated, "USR_1", "SES_1"))
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full queue")
	}

	close(gate)
	bus.Close()
	assert.Equal(t, 2, delivered)
}

func TestBusRetriesFailingHandler(t *testing.T) {
	bus := NewBus(16)
	bus.RetryBase = time.Millisecond

	var mu sync.Mutex
	var attempts int
	bus.Subscribe(types.EventOrderExecuted, func(event *types.TradingEvent) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient failure")
		}
		return nil
	})

	bus.Publish(PriorityNormal, New(types.EventOrderExecuted, "USR_1", "SES_1"))
	bus.Close()

	assert.Equal(t, 3, attempts)
}

func TestBusPublishAfterCloseIsDiscarded(t *testing.T) {
	bus := NewBus(16)

	var mu sync.Mutex
	var delivered int
	bus.SubscribeAll(func(event *types.TradingEvent) error {
		mu.Lock()
		defer mu.Unlock()
		delivered++
		return nil
	})

	bus.Close()
	bus.Publish(PriorityNormal, New(types.EventOrderPlaced, "USR_1", "SES_1"))

	assert.Equal(t, 0, delivered)
}

func TestBusConcurrentPublishDuringClose(t *testing.T) {
	bus := NewBus(1024)

	var mu sync.Mutex
	var delivered int
	bus.SubscribeAll(func(event *types.TradingEvent) error {
		mu.Lock()
		defer mu.Unlock()
		delivered++
		return nil
	})

	// Hammer Publish from many goroutines while Close runs. Every event
	// accepted before the close must be delivered before Close returns.
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 100; j++ {
				bus.Publish(PriorityNormal, New(types.EventOrderPlaced, "USR_1", "SES_1"))
			}
		}()
	}
	close(start)
	time.Sleep(time.Millisecond)
	bus.Close()

	mu.Lock()
	afterClose := delivered
	mu.Unlock()

	wg.Wait()
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, afterClose, delivered, "no event may be delivered after Close returns")
	assert.LessOrEqual(t, delivered, 800)
}

func TestNewChildLinksParent(t *testing.T) {
	parent := New(types.EventSignalGenerated, "USR_1", "SES_1")
	child := NewChild(types.EventOrderPlaced, parent)

	assert.Equal(t, parent.EventID, child.ParentEventID)
	assert.Equal(t, parent.SessionID, child.SessionID)
	assert.Equal(t, parent.UserID, child.UserID)
	assert.NotEqual(t, parent.EventID, child.EventID)
}
