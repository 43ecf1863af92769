package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingListener) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingListener) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestBusDeliversOnLoop(t *testing.T) {
	loop := NewLoop()
	stop := runLoop(t, loop)
	bus := NewBus(loop)

	var loopGoroutine bool
	done := make(chan struct{})
	bus.Subscribe(KindOrderFilled, ListenerFunc(func(e Event) {
		// the marker below is set by a task on the same goroutine
		loopGoroutine = true
		close(done)
	}))
	bus.Publish(KindOrderFilled, OrderFilled{OrderID: "o1"}, "test")
	<-done
	stop()
	assert.True(t, loopGoroutine)
}

func TestBusPerSourceOrdering(t *testing.T) {
	loop := NewLoop()
	stop := runLoop(t, loop)
	bus := NewBus(loop)

	rec := &recordingListener{}
	bus.Subscribe(KindOrderFilled, rec)

	const perSource = 50
	var wg sync.WaitGroup
	for s := 0; s < 4; s++ {
		source := fmt.Sprintf("src-%d", s)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSource; i++ {
				bus.Publish(KindOrderFilled, OrderFilled{OrderID: fmt.Sprintf("%s/%d", source, i)}, source)
			}
		}()
	}
	wg.Wait()

	// flush: a task posted after all publishes runs after all deliveries
	flushed := make(chan struct{})
	loop.Post(func() { close(flushed) })
	<-flushed
	stop()

	got := rec.snapshot()
	require.Len(t, got, 4*perSource)
	next := map[string]int{}
	for _, e := range got {
		payload := e.Payload.(OrderFilled)
		want := fmt.Sprintf("%s/%d", e.Source, next[e.Source])
		assert.Equal(t, want, payload.OrderID)
		next[e.Source]++
	}
}

func TestBusPanicIsolation(t *testing.T) {
	loop := NewLoop()
	stop := runLoop(t, loop)
	defer stop()
	bus := NewBus(loop)

	bus.Subscribe(KindOrderCancelled, ListenerFunc(func(Event) {
		panic("listener exploded")
	}))
	rec := &recordingListener{}
	bus.Subscribe(KindOrderCancelled, rec)

	done := make(chan struct{})
	bus.Publish(KindOrderCancelled, OrderCancelled{OrderID: "o1", Timestamp: time.Now()}, "test")
	loop.Post(func() { close(done) })
	<-done

	require.Len(t, rec.snapshot(), 1)
}

func TestBusUnsubscribe(t *testing.T) {
	loop := NewLoop()
	stop := runLoop(t, loop)
	defer stop()
	bus := NewBus(loop)

	rec := &recordingListener{}
	sub := bus.Subscribe(KindOrderExpired, rec)
	bus.Unsubscribe(sub)
	bus.Unsubscribe(Subscription{})

	done := make(chan struct{})
	bus.Publish(KindOrderExpired, OrderExpired{OrderID: "o1"}, "test")
	loop.Post(func() { close(done) })
	<-done

	assert.Empty(t, rec.snapshot())
}

func TestBusMultipleFuncListenersOnOneKind(t *testing.T) {
	loop := NewLoop()
	stop := runLoop(t, loop)
	defer stop()
	bus := NewBus(loop)

	var first, second int
	subFirst := bus.Subscribe(KindOrderFilled, ListenerFunc(func(Event) { first++ }))
	bus.Subscribe(KindOrderFilled, ListenerFunc(func(Event) { second++ }))

	flush := func() {
		done := make(chan struct{})
		loop.Post(func() { close(done) })
		<-done
	}
	bus.Publish(KindOrderFilled, OrderFilled{OrderID: "o1"}, "test")
	flush()
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)

	bus.Unsubscribe(subFirst)
	bus.Publish(KindOrderFilled, OrderFilled{OrderID: "o2"}, "test")
	flush()
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}
