package events

import (
	"context"
	"sync"

	"arbor/internal/logger"
)

// Loop is the single control goroutine all state mutation runs on.
// Post never blocks the caller: tasks go into an internal FIFO drained
// by Run, so a handler can safely post follow-up work from inside the
// loop itself.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post schedules fn to run on the control goroutine, in submission order.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		logger.Warnf("loop: task dropped after stop")
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains the task queue until ctx is done. It must be called from
// exactly one goroutine.
func (l *Loop) Run(ctx context.Context) {
	logger.Infof("control loop started")
	for {
		select {
		case <-ctx.Done():
			// Refuse new tasks, then drain what is already queued so
			// in-flight lifecycle events still reach their listeners.
			l.mu.Lock()
			l.stopped = true
			l.mu.Unlock()
			l.drain()
			logger.Infof("control loop stopped")
			return
		case <-l.wake:
			l.drain()
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}
