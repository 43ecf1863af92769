package position

import (
	"context"
	"fmt"
	"time"

	"arbor/internal/connector"
	"arbor/internal/events"
	"arbor/internal/executor"
	"arbor/internal/logger"

	"github.com/shopspring/decimal"
)

// Phase is the position executor's step in its open/monitor/close
// chain.
type Phase int

const (
	PhaseOpen Phase = iota
	PhaseMonitor
	PhaseClose
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "OPEN"
	case PhaseMonitor:
		return "MONITOR"
	case PhaseClose:
		return "CLOSE"
	case PhaseDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

const submitTimeout = 30 * time.Second

// Config opens a position, watches the price against a bound and
// closes once the price stays out of bound long enough (or the monitor
// window runs out).
type Config struct {
	ID         string `mapstructure:"id"`
	Controller string `mapstructure:"controller_id"`
	Connector  string `mapstructure:"connector"`

	TradingPair string           `mapstructure:"trading_pair"`
	Side        events.TradeSide `mapstructure:"side"`
	Amount      decimal.Decimal  `mapstructure:"amount"`

	// BoundPrice is the stop level: for a long, closing triggers when
	// the price holds at or below it; for a short, at or above it.
	BoundPrice decimal.Decimal `mapstructure:"bound_price"`
	// OutOfBoundFor is how long the price must stay continuously out of
	// bound before the close leg fires.
	OutOfBoundFor time.Duration `mapstructure:"out_of_bound_for"`
	// MonitorTimeout bounds the whole monitor phase. When it elapses
	// the wait is treated as a recoverable timeout and the position is
	// closed.
	MonitorTimeout time.Duration `mapstructure:"monitor_timeout"`

	PlaceOrderTrialsLimit int `mapstructure:"place_order_trials_limit"`
}

func (c Config) ExecutorID() string   { return c.ID }
func (c Config) ControllerID() string { return c.Controller }

// Executor drives one position through OPEN -> MONITOR -> CLOSE. Same
// single-writer discipline as the sequencer: ticks and events run on
// the control loop, submissions are dispatched off it and re-enter via
// Post.
type Executor struct {
	executor.Lifecycle

	cfg  Config
	sctx executor.StrategyContext
	conn connector.Connector

	phase          Phase
	trials         int
	orderID        string
	submitPending  bool
	pending        []events.Event
	entryPrice     decimal.Decimal
	monitorStarted time.Time
	outOfBoundAt   time.Time

	runCtx     context.Context
	stopTicker func()
	interval   time.Duration
	subs       []events.Subscription
}

func New(sctx executor.StrategyContext, cfg executor.Config, interval time.Duration) (executor.Executor, error) {
	pc, ok := cfg.(Config)
	if !ok {
		return nil, fmt.Errorf("position: unexpected config type %T", cfg)
	}
	conn, ok := sctx.Connector(pc.Connector)
	if !ok {
		return nil, fmt.Errorf("position %s: unknown connector %q", pc.ID, pc.Connector)
	}
	if pc.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("position %s: amount must be positive", pc.ID)
	}
	if pc.Side != events.SideBuy && pc.Side != events.SideSell {
		return nil, fmt.Errorf("position %s: side must be BUY or SELL", pc.ID)
	}
	if pc.PlaceOrderTrialsLimit <= 0 {
		pc.PlaceOrderTrialsLimit = 10
	}
	if pc.MonitorTimeout <= 0 {
		pc.MonitorTimeout = 24 * time.Hour
	}
	return &Executor{
		cfg:      pc,
		sctx:     sctx,
		conn:     conn,
		phase:    PhaseOpen,
		interval: interval,
	}, nil
}

func (e *Executor) Config() executor.Config { return e.cfg }

func (e *Executor) Phase() Phase { return e.phase }

func (e *Executor) Start(ctx context.Context) {
	if e.Status() != executor.StatusNotStarted {
		return
	}
	e.runCtx = ctx
	bus := e.sctx.Bus()
	e.subs = []events.Subscription{
		bus.Subscribe(events.KindBuyOrderCompleted, e),
		bus.Subscribe(events.KindSellOrderCompleted, e),
		bus.Subscribe(events.KindOrderFailure, e),
	}
	e.SetStatus(executor.StatusRunning)
	e.stopTicker = executor.StartTicker(ctx, e.sctx.Loop(), e, e.interval)
}

func (e *Executor) Stop() {
	e.sctx.Loop().Post(func() {
		e.RequestStop()
		if !e.submitPending && e.orderID == "" {
			e.finish()
		}
	})
}

func (e *Executor) EarlyStop() { e.Stop() }

func (e *Executor) finish() {
	if e.stopTicker != nil {
		e.stopTicker()
	}
	bus := e.sctx.Bus()
	for _, sub := range e.subs {
		bus.Unsubscribe(sub)
	}
	e.subs = nil
	e.phase = PhaseDone
	e.SetStatus(executor.StatusTerminated)
}

func (e *Executor) Tick(now time.Time) {
	if !e.ShouldRun() {
		return
	}
	switch e.phase {
	case PhaseOpen:
		if !e.submitPending && e.orderID == "" {
			e.submitLeg(e.cfg.Side)
		}
	case PhaseMonitor:
		e.monitor(now)
	case PhaseClose:
		if !e.submitPending && e.orderID == "" {
			e.submitLeg(closeSide(e.cfg.Side))
		}
	}
}

// monitor polls the mid price against the bound each tick and tracks
// how long the price has been continuously out of bound.
func (e *Executor) monitor(now time.Time) {
	if e.monitorStarted.IsZero() {
		e.monitorStarted = now
	}
	if now.Sub(e.monitorStarted) >= e.cfg.MonitorTimeout {
		logger.Warnf("position %s: monitor window elapsed, closing", e.cfg.ID)
		e.phase = PhaseClose
		return
	}
	price, err := e.conn.GetMidPrice(e.cfg.TradingPair)
	if err != nil {
		// A failed poll is recoverable; the next tick re-polls.
		logger.Debugf("position %s: price poll failed: %v", e.cfg.ID, err)
		return
	}
	if !e.outOfBound(price) {
		e.outOfBoundAt = time.Time{}
		return
	}
	if e.outOfBoundAt.IsZero() {
		e.outOfBoundAt = now
		return
	}
	if now.Sub(e.outOfBoundAt) >= e.cfg.OutOfBoundFor {
		logger.Infof("position %s: price %s out of bound %s for %s, closing",
			e.cfg.ID, price.String(), e.cfg.BoundPrice.String(), now.Sub(e.outOfBoundAt))
		e.phase = PhaseClose
	}
}

func (e *Executor) outOfBound(price decimal.Decimal) bool {
	if e.cfg.Side == events.SideBuy {
		return price.LessThanOrEqual(e.cfg.BoundPrice)
	}
	return price.GreaterThanOrEqual(e.cfg.BoundPrice)
}

func (e *Executor) submitLeg(side events.TradeSide) {
	e.trials++
	e.submitPending = true
	e.pending = nil
	trial := e.trials
	phase := e.phase
	loop := e.sctx.Loop()
	go func() {
		ctx, cancel := context.WithTimeout(e.runCtx, submitTimeout)
		defer cancel()
		var orderID string
		var err error
		if side == events.SideBuy {
			orderID, err = e.conn.Buy(ctx, e.cfg.TradingPair, e.cfg.Amount, decimal.Zero, events.OrderTypeMarket)
		} else {
			orderID, err = e.conn.Sell(ctx, e.cfg.TradingPair, e.cfg.Amount, decimal.Zero, events.OrderTypeMarket)
		}
		loop.Post(func() { e.onSubmitResult(phase, trial, orderID, err) })
	}()
}

func (e *Executor) onSubmitResult(phase Phase, trial int, orderID string, err error) {
	if e.phase != phase || e.trials != trial {
		return
	}
	e.submitPending = false
	if err != nil {
		e.onLegFailure(err.Error())
		return
	}
	e.orderID = orderID
	e.flushPending()
}

// flushPending redelivers events queued while the submit response was
// in flight; a fast fill can beat the REST call home. Events for other
// ids are dropped.
func (e *Executor) flushPending() {
	if len(e.pending) == 0 {
		return
	}
	queued := e.pending
	e.pending = nil
	for _, evt := range queued {
		if payloadOrderID(evt) != e.orderID {
			continue
		}
		e.OnEvent(evt)
	}
}

func payloadOrderID(evt events.Event) string {
	switch p := evt.Payload.(type) {
	case events.OrderCompleted:
		return p.OrderID
	case events.OrderFailure:
		return p.OrderID
	default:
		return ""
	}
}

func (e *Executor) OnEvent(evt events.Event) {
	if evt.Source != e.conn.DisplayName() {
		return
	}
	if e.orderID == "" {
		if e.submitPending && payloadOrderID(evt) != "" {
			e.pending = append(e.pending, evt)
		}
		return
	}
	switch evt.Kind {
	case events.KindBuyOrderCompleted, events.KindSellOrderCompleted:
		p, ok := evt.Payload.(events.OrderCompleted)
		if !ok || p.OrderID != e.orderID {
			return
		}
		e.onLegCompleted(p)
	case events.KindOrderFailure:
		p, ok := evt.Payload.(events.OrderFailure)
		if !ok || p.OrderID != e.orderID {
			return
		}
		e.onLegFailure(p.Reason)
	}
}

func (e *Executor) onLegCompleted(p events.OrderCompleted) {
	e.orderID = ""
	e.trials = 0
	switch e.phase {
	case PhaseOpen:
		if p.BaseAmount.Sign() > 0 {
			e.entryPrice = p.QuoteAmount.Div(p.BaseAmount)
		}
		logger.Infof("position %s: opened %s %s at ~%s", e.cfg.ID, e.cfg.Side, e.cfg.TradingPair, e.entryPrice.String())
		if e.Status() == executor.StatusStopping {
			// Stop was requested mid-open; unwind instead of monitoring.
			e.phase = PhaseClose
			e.submitLeg(closeSide(e.cfg.Side))
			return
		}
		e.phase = PhaseMonitor
	case PhaseClose:
		logger.Infof("position %s: closed %s", e.cfg.ID, e.cfg.TradingPair)
		e.finish()
	}
}

func (e *Executor) onLegFailure(reason string) {
	if e.trials < e.cfg.PlaceOrderTrialsLimit {
		logger.Warnf("position %s: %s leg failed (%s), retrying (%d/%d)",
			e.cfg.ID, e.phase, reason, e.trials, e.cfg.PlaceOrderTrialsLimit)
		e.orderID = ""
		side := e.cfg.Side
		if e.phase == PhaseClose {
			side = closeSide(e.cfg.Side)
		}
		e.submitLeg(side)
		return
	}
	msg := fmt.Sprintf("position %s: %s leg on %s failed %d times, giving up: %s",
		e.cfg.ID, e.phase, e.cfg.TradingPair, e.trials, reason)
	logger.Errorf("%s", msg)
	if err := e.sctx.Notifier().SendText(msg); err != nil {
		logger.Warnf("position %s: notify failed: %v", e.cfg.ID, err)
	}
	e.orderID = ""
	e.finish()
}

// CustomInfo reports the phase and entry telemetry.
func (e *Executor) CustomInfo() map[string]any {
	return map[string]any{
		"id":           e.cfg.ID,
		"status":       e.Status().String(),
		"phase":        e.phase.String(),
		"trading_pair": e.cfg.TradingPair,
		"entry_price":  e.entryPrice.String(),
	}
}

func closeSide(open events.TradeSide) events.TradeSide {
	if open == events.SideBuy {
		return events.SideSell
	}
	return events.SideBuy
}
