package executor

import (
	"context"
	"time"

	"arbor/internal/connector"
	"arbor/internal/events"
	"arbor/internal/notifier"
)

// Status is the executor lifecycle state.
type Status int

const (
	StatusNotStarted Status = iota
	StatusRunning
	StatusStopping
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "NOT_STARTED"
	case StatusRunning:
		return "RUNNING"
	case StatusStopping:
		return "STOPPING"
	case StatusTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Config is the capability set every executor configuration carries.
// ControllerID may be empty for executors without an owning controller.
type Config interface {
	ExecutorID() string
	ControllerID() string
}

// StrategyContext gives executors access to the runtime without
// coupling them to concrete wiring.
type StrategyContext interface {
	Connector(name string) (connector.Connector, bool)
	Registry(name string) (*connector.OrderRegistry, bool)
	Bus() *events.Bus
	Loop() *events.Loop
	Notifier() notifier.TextNotifier
}

// Executor is a self-contained unit of trading logic. Tick runs on the
// control loop at the configured update interval; Start/Stop bound the
// lifecycle. Stop is cooperative: in-flight network calls complete and
// their events are still processed, but no new steps begin once
// STOPPING is observed.
type Executor interface {
	Config() Config
	Status() Status
	Start(ctx context.Context)
	Stop()
	EarlyStop()
	Tick(now time.Time)
}

// CustomInfoProvider is optionally implemented by executors that expose
// a type-specific telemetry projection.
type CustomInfoProvider interface {
	CustomInfo() map[string]any
}

// Lifecycle is the embeddable state shared by executors. It is mutated
// on the control loop only.
type Lifecycle struct {
	status Status
}

func (l *Lifecycle) Status() Status { return l.status }

func (l *Lifecycle) SetStatus(s Status) { l.status = s }

// ShouldRun reports whether new steps may be initiated.
func (l *Lifecycle) ShouldRun() bool { return l.status == StatusRunning }

// RequestStop flips RUNNING to STOPPING; other states are final or not
// started yet and terminate directly.
func (l *Lifecycle) RequestStop() {
	switch l.status {
	case StatusRunning:
		l.status = StatusStopping
	case StatusNotStarted:
		l.status = StatusTerminated
	}
}

// StartTicker posts Tick onto the loop at the given interval until the
// returned stop function is called or ctx ends. The ticker goroutine
// never touches executor state directly.
func StartTicker(ctx context.Context, loop *events.Loop, ex Executor, interval time.Duration) (stop func()) {
	tickCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case now := <-ticker.C:
				loop.Post(func() { ex.Tick(now) })
			}
		}
	}()
	return cancel
}
