package triarb

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

// RoundState is the sequencer's trading state, separate from the
// executor lifecycle status.
type RoundState int

const (
	StateNotInit RoundState = iota
	StateActive
	StateRoundStarted
	StateNotActive
)

func (s RoundState) String() string {
	switch s {
	case StateNotInit:
		return "NOT_INIT"
	case StateActive:
		return "ACTIVE"
	case StateRoundStarted:
		return "ARBITRAGE_STARTED"
	case StateNotActive:
		return "NOT_ACTIVE"
	default:
		return "UNKNOWN"
	}
}

const submitTimeout = 30 * time.Second

// round tracks one in-progress chain of dependent legs. pending holds
// order events that arrived while the submit response was still in
// flight; a fast fill can reach the loop before the REST call returns
// the client order id.
type round struct {
	dir          direction
	idx          int
	inputAmount  decimal.Decimal
	initialSpent decimal.Decimal
	orderID      string
	trials       int
	pending      []events.Event
}

// Sequencer threads a chain of dependent order placements through a
// triangle of trading pairs. All state lives on the control loop; the
// only goroutines it spawns are order submissions, whose results
// re-enter through Post or bus events.
type Sequencer struct {
	executor.Lifecycle

	cfg  Config
	sctx executor.StrategyContext
	conn connector.Connector

	state           RoundState
	direct, reverse direction

	round            *round
	cumulativeProfit decimal.Decimal
	roundsCompleted  int
	killSwitchFired  bool

	runCtx     context.Context
	stopTicker func()
	interval   time.Duration
	subs       []events.Subscription
}

// New is the executor constructor registered for Config.
func New(sctx executor.StrategyContext, cfg executor.Config, interval time.Duration) (executor.Executor, error) {
	tc, ok := cfg.(Config)
	if !ok {
		return nil, fmt.Errorf("triarb: unexpected config type %T", cfg)
	}
	conn, ok := sctx.Connector(tc.Connector)
	if !ok {
		return nil, fmt.Errorf("triarb %s: unknown connector %q", tc.ID, tc.Connector)
	}
	if tc.OrderAmount.Sign() <= 0 {
		return nil, fmt.Errorf("triarb %s: order_amount must be positive", tc.ID)
	}
	if tc.PlaceOrderTrialsLimit <= 0 {
		tc.PlaceOrderTrialsLimit = 10
	}
	return &Sequencer{
		cfg:      tc,
		sctx:     sctx,
		conn:     conn,
		state:    StateNotInit,
		interval: interval,
	}, nil
}

func (s *Sequencer) Config() executor.Config { return s.cfg }

// State returns the trading state; callers outside the control loop
// must read it via a posted task.
func (s *Sequencer) State() RoundState { return s.state }

func (s *Sequencer) CumulativeProfit() decimal.Decimal { return s.cumulativeProfit }

func (s *Sequencer) Start(ctx context.Context) {
	if s.Status() != executor.StatusNotStarted {
		return
	}
	s.runCtx = ctx
	bus := s.sctx.Bus()
	s.subs = []events.Subscription{
		bus.Subscribe(events.KindBuyOrderCompleted, s),
		bus.Subscribe(events.KindSellOrderCompleted, s),
		bus.Subscribe(events.KindOrderFailure, s),
	}
	s.SetStatus(executor.StatusRunning)
	s.stopTicker = executor.StartTicker(ctx, s.sctx.Loop(), s, s.interval)
}

func (s *Sequencer) Stop() {
	s.sctx.Loop().Post(func() {
		s.RequestStop()
		if s.round == nil {
			s.finish()
		}
	})
}

func (s *Sequencer) EarlyStop() { s.Stop() }

func (s *Sequencer) finish() {
	if s.stopTicker != nil {
		s.stopTicker()
	}
	bus := s.sctx.Bus()
	for _, sub := range s.subs {
		bus.Unsubscribe(sub)
	}
	s.subs = nil
	s.SetStatus(executor.StatusTerminated)
}

// Tick runs on the control loop once per update interval.
func (s *Sequencer) Tick(now time.Time) {
	if !s.ShouldRun() {
		return
	}
	switch s.state {
	case StateNotInit:
		s.initialize()
	case StateActive:
		s.maybeStartRound()
	case StateRoundStarted, StateNotActive:
		// Rounds advance on completion events, not ticks; NOT_ACTIVE
		// refuses new rounds until externally reset.
	}
}

func (s *Sequencer) initialize() {
	direct, reverse, err := resolveDirections(s.cfg.HoldingAsset, s.cfg.Pairs)
	if err != nil {
		logger.Errorf("triarb %s: %v", s.cfg.ID, err)
		s.state = StateNotActive
		return
	}
	s.direct = direct
	s.reverse = reverse
	s.state = StateActive
	logger.Infof("triarb %s: active over %v holding %s", s.cfg.ID, s.cfg.Pairs, s.cfg.HoldingAsset)
}

func (s *Sequencer) maybeStartRound() {
	directEnd, okDirect := s.simulate(s.direct)
	reverseEnd, okReverse := s.simulate(s.reverse)

	best := s.direct
	bestEnd := directEnd
	bestOK := okDirect
	if !okDirect || (okReverse && reverseEnd.GreaterThan(directEnd)) {
		best = s.reverse
		bestEnd = reverseEnd
		bestOK = okReverse
	}
	if !bestOK {
		return
	}
	profitPct := profitPercent(s.cfg.OrderAmount, bestEnd)
	logger.Debugf("triarb %s: %s path expects %s%%", s.cfg.ID, best.name, profitPct.StringFixed(4))
	if profitPct.LessThan(s.cfg.MinProfitability) {
		return
	}
	logger.Infof("triarb %s: starting %s round, expected profit %s%%", s.cfg.ID, best.name, profitPct.StringFixed(4))
	s.round = &round{
		dir:          best,
		inputAmount:  s.cfg.OrderAmount,
		initialSpent: s.cfg.OrderAmount,
	}
	s.state = StateRoundStarted
	s.submitCurrentLeg()
}

// simulate walks every leg's order book depth, feeding each leg's
// output into the next, and returns the final holding-asset amount.
func (s *Sequencer) simulate(dir direction) (decimal.Decimal, bool) {
	amount := s.cfg.OrderAmount
	for _, l := range dir.legs {
		book, err := s.conn.GetOrderBook(l.pair)
		if err != nil || book == nil {
			return decimal.Zero, false
		}
		var ok bool
		if l.side == events.SideBuy {
			amount, ok = book.BaseForQuote(amount)
		} else {
			amount, ok = book.QuoteForBase(amount)
		}
		if !ok || amount.Sign() <= 0 {
			return decimal.Zero, false
		}
	}
	return amount, true
}

// submitCurrentLeg sizes the order from the book and dispatches it off
// the loop. Each call consumes one trial of the leg's retry budget.
func (s *Sequencer) submitCurrentLeg() {
	r := s.round
	if r == nil {
		return
	}
	l := r.dir.legs[r.idx]
	r.trials++
	r.orderID = ""
	r.pending = nil

	amount, err := s.legOrderAmount(l, r.inputAmount)
	if err != nil {
		s.onLegFailure(err.Error())
		return
	}

	legIdx := r.idx
	trial := r.trials
	loop := s.sctx.Loop()
	go func() {
		ctx, cancel := context.WithTimeout(s.runCtx, submitTimeout)
		defer cancel()
		var orderID string
		var submitErr error
		if l.side == events.SideBuy {
			orderID, submitErr = s.conn.Buy(ctx, l.pair, amount, decimal.Zero, events.OrderTypeMarket)
		} else {
			orderID, submitErr = s.conn.Sell(ctx, l.pair, amount, decimal.Zero, events.OrderTypeMarket)
		}
		loop.Post(func() { s.onSubmitResult(legIdx, trial, orderID, submitErr) })
	}()
}

// legOrderAmount converts the leg's input notional into a quantized
// base amount. A quantity floored to zero counts as a placement
// failure.
func (s *Sequencer) legOrderAmount(l leg, input decimal.Decimal) (decimal.Decimal, error) {
	base := input
	if l.side == events.SideBuy {
		book, err := s.conn.GetOrderBook(l.pair)
		if err != nil || book == nil {
			return decimal.Zero, fmt.Errorf("no order book for %s", l.pair)
		}
		var ok bool
		base, ok = book.BaseForQuote(input)
		if !ok {
			return decimal.Zero, fmt.Errorf("insufficient depth on %s", l.pair)
		}
	}
	quantized := s.conn.QuantizeOrderAmount(l.pair, base)
	if quantized.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("order amount on %s quantized to zero", l.pair)
	}
	return quantized, nil
}

func (s *Sequencer) onSubmitResult(legIdx, trial int, orderID string, err error) {
	r := s.round
	if r == nil || r.idx != legIdx || r.trials != trial {
		return // stale result from a superseded attempt
	}
	if err != nil {
		s.onLegFailure(err.Error())
		return
	}
	r.orderID = orderID
	s.flushPending()
}

// flushPending redelivers events that were queued while the order id
// was unknown. Events for other ids are dropped.
func (s *Sequencer) flushPending() {
	r := s.round
	if r == nil || len(r.pending) == 0 {
		return
	}
	queued := r.pending
	r.pending = nil
	for _, evt := range queued {
		if payloadOrderID(evt) != r.orderID {
			continue
		}
		s.OnEvent(evt)
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

// OnEvent advances the round on leg completion and drives the retry
// path on failures. It runs on the control loop.
func (s *Sequencer) OnEvent(evt events.Event) {
	if evt.Source != s.conn.DisplayName() || s.round == nil {
		return
	}
	if s.round.orderID == "" {
		// submit response still in flight; hold order events until the
		// id is known
		if payloadOrderID(evt) != "" {
			s.round.pending = append(s.round.pending, evt)
		}
		return
	}
	switch evt.Kind {
	case events.KindBuyOrderCompleted, events.KindSellOrderCompleted:
		p, ok := evt.Payload.(events.OrderCompleted)
		if !ok || p.OrderID != s.round.orderID {
			return
		}
		acquired := p.QuoteAmount
		if p.Side == events.SideBuy {
			acquired = p.BaseAmount
		}
		s.advanceRound(acquired)
	case events.KindOrderFailure:
		p, ok := evt.Payload.(events.OrderFailure)
		if !ok || p.OrderID != s.round.orderID {
			return
		}
		s.onLegFailure(p.Reason)
	}
}

func (s *Sequencer) advanceRound(acquired decimal.Decimal) {
	r := s.round
	r.idx++
	if r.idx < len(r.dir.legs) {
		r.inputAmount = acquired
		r.trials = 0
		s.submitCurrentLeg()
		return
	}

	profit := acquired.Sub(r.initialSpent)
	s.cumulativeProfit = s.cumulativeProfit.Add(profit)
	s.roundsCompleted++
	logger.Infof("triarb %s: round %d done via %s, profit %s %s (cumulative %s)",
		s.cfg.ID, s.roundsCompleted, r.dir.name, profit.String(), s.cfg.HoldingAsset, s.cumulativeProfit.String())
	s.round = nil
	s.state = StateActive

	if s.Status() == executor.StatusStopping {
		s.finish()
		return
	}
	s.checkKillSwitch()
}

func (s *Sequencer) onLegFailure(reason string) {
	r := s.round
	if r == nil {
		return
	}
	l := r.dir.legs[r.idx]
	if r.trials < s.cfg.PlaceOrderTrialsLimit {
		logger.Warnf("triarb %s: leg %d (%s %s) failed (%s), retrying (%d/%d)",
			s.cfg.ID, r.idx, l.side, l.pair, reason, r.trials, s.cfg.PlaceOrderTrialsLimit)
		s.submitCurrentLeg()
		return
	}
	msg := fmt.Sprintf("triarb %s: abandoning round, leg %d (%s %s) failed %d times: %s",
		s.cfg.ID, r.idx, l.side, l.pair, r.trials, reason)
	logger.Errorf("%s", msg)
	if err := s.sctx.Notifier().SendText(msg); err != nil {
		logger.Warnf("triarb %s: notify failed: %v", s.cfg.ID, err)
	}
	s.round = nil
	s.state = StateNotActive
	if s.Status() == executor.StatusStopping {
		s.finish()
	}
}

// checkKillSwitch halts trading for good once cumulative loss as a
// percentage of the per-round notional crosses the configured negative
// threshold. The halt notification fires once.
func (s *Sequencer) checkKillSwitch() {
	if s.killSwitchFired || s.cfg.KillSwitchRate.Sign() >= 0 {
		return
	}
	pct := profitPercent(s.cfg.OrderAmount, s.cfg.OrderAmount.Add(s.cumulativeProfit))
	if pct.GreaterThan(s.cfg.KillSwitchRate) {
		return
	}
	s.killSwitchFired = true
	s.state = StateNotActive
	msg := fmt.Sprintf("triarb %s: trading halted, cumulative profit %s%% crossed kill switch %s%%",
		s.cfg.ID, pct.StringFixed(4), s.cfg.KillSwitchRate.String())
	logger.Errorf("%s", msg)
	if err := s.sctx.Notifier().SendText(msg); err != nil {
		logger.Warnf("triarb %s: notify failed: %v", s.cfg.ID, err)
	}
}

// Reset re-arms a NOT_ACTIVE sequencer. It is the external reset the
// kill switch requires and must be posted onto the control loop.
func (s *Sequencer) Reset() {
	if s.state != StateNotActive {
		return
	}
	s.killSwitchFired = false
	s.cumulativeProfit = decimal.Zero
	s.state = StateActive
	logger.Infof("triarb %s: reset to active", s.cfg.ID)
}

// CustomInfo reports round and profit telemetry.
func (s *Sequencer) CustomInfo() map[string]any {
	return map[string]any{
		"id":                s.cfg.ID,
		"status":            s.Status().String(),
		"state":             s.state.String(),
		"rounds_completed":  s.roundsCompleted,
		"cumulative_profit": s.cumulativeProfit.String(),
		"holding_asset":     s.cfg.HoldingAsset,
	}
}

func profitPercent(start, end decimal.Decimal) decimal.Decimal {
	if start.Sign() <= 0 {
		return decimal.Zero
	}
	return end.Sub(start).Div(start).Mul(decimal.NewFromInt(100))
}
