package events

import (
	"sync"
	"time"

	"arbor/internal/logger"
)

// Event is the envelope delivered to listeners. Payloads are immutable
// once published.
type Event struct {
	Kind    Kind
	Source  string
	Payload any
	At      time.Time
}

// Listener receives events on the control goroutine. Implementations
// must not block on network I/O; long operations belong in a new task
// posted back onto the loop.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }

// Subscription identifies one registration on the bus. Keep it around
// to unsubscribe; the zero value unsubscribes nothing.
type Subscription struct {
	kind Kind
	id   uint64
}

type subscriber struct {
	id uint64
	l  Listener
}

// Bus is the publish/subscribe primitive. Publish can be called from
// any goroutine: delivery is always deferred onto the control loop, so
// listeners observe a strict single-writer discipline and per-source
// FIFO ordering.
type Bus struct {
	loop *Loop

	mu        sync.Mutex
	nextID    uint64
	listeners map[Kind][]subscriber
}

func NewBus(loop *Loop) *Bus {
	return &Bus{
		loop:      loop,
		listeners: make(map[Kind][]subscriber),
	}
}

// Loop returns the control loop deliveries are marshaled onto.
func (b *Bus) Loop() *Loop { return b.loop }

// Subscribe registers the listener for one event kind. Subscriptions
// are keyed by the returned token, not by listener identity, so the
// same listener (or equal func values) may be registered repeatedly.
func (b *Bus) Subscribe(kind Kind, l Listener) Subscription {
	if l == nil {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[kind] = append(b.listeners[kind], subscriber{id: b.nextID, l: l})
	return Subscription{kind: kind, id: b.nextID}
}

func (b *Bus) Unsubscribe(sub Subscription) {
	if sub.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.listeners[sub.kind]
	for i, s := range current {
		if s.id == sub.id {
			b.listeners[sub.kind] = append(current[:i:i], current[i+1:]...)
			return
		}
	}
}

// Publish enqueues the event and returns immediately; no listener runs
// in the caller's goroutine.
func (b *Bus) Publish(kind Kind, payload any, source string) {
	evt := Event{Kind: kind, Source: source, Payload: payload, At: time.Now()}
	b.loop.Post(func() { b.deliver(evt) })
}

func (b *Bus) deliver(evt Event) {
	b.mu.Lock()
	targets := make([]subscriber, len(b.listeners[evt.Kind]))
	copy(targets, b.listeners[evt.Kind])
	b.mu.Unlock()

	for _, s := range targets {
		b.safeInvoke(s.l, evt)
	}
}

// safeInvoke keeps one panicking listener from starving the rest.
func (b *Bus) safeInvoke(l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("bus: listener panic on %s from %s: %v", evt.Kind, evt.Source, r)
		}
	}()
	l.OnEvent(evt)
}
