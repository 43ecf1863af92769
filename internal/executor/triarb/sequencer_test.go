package triarb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"arbor/internal/connector"
	"arbor/internal/events"
	"arbor/internal/executor"
	"arbor/internal/notifier"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type submitCall struct {
	pair   string
	side   events.TradeSide
	amount decimal.Decimal
	id     string
}

// stubConnector serves canned order books and records submissions.
// When hold is set, submissions block until it is closed, after the
// order id has been assigned and the call recorded. That models a
// fill arriving off the stream before the submit response returns.
type stubConnector struct {
	mu        sync.Mutex
	books     map[string]*connector.OrderBook
	submits   []submitCall
	submitErr error
	nextID    int
	hold      chan struct{}

	calls chan submitCall
}

func newStubConnector(books map[string]*connector.OrderBook) *stubConnector {
	return &stubConnector{books: books, calls: make(chan submitCall, 64)}
}

func (c *stubConnector) DisplayName() string { return "binance" }

func (c *stubConnector) GetOrderBook(pair string) (*connector.OrderBook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	book, ok := c.books[pair]
	if !ok {
		return nil, fmt.Errorf("no book for %s", pair)
	}
	return book, nil
}

func (c *stubConnector) GetPrice(pair string, isBuy bool) (decimal.Decimal, error) {
	book, err := c.GetOrderBook(pair)
	if err != nil {
		return decimal.Zero, err
	}
	if isBuy {
		return book.Asks[0].Price, nil
	}
	return book.Bids[0].Price, nil
}

func (c *stubConnector) GetMidPrice(pair string) (decimal.Decimal, error) {
	book, err := c.GetOrderBook(pair)
	if err != nil {
		return decimal.Zero, err
	}
	return book.MidPrice(), nil
}

func (c *stubConnector) QuantizeOrderAmount(_ string, amount decimal.Decimal) decimal.Decimal {
	return amount
}

func (c *stubConnector) QuantizeOrderPrice(_ string, price decimal.Decimal) decimal.Decimal {
	return price
}

func (c *stubConnector) Buy(_ context.Context, pair string, amount, _ decimal.Decimal, _ events.OrderType) (string, error) {
	return c.submit(pair, events.SideBuy, amount)
}

func (c *stubConnector) Sell(_ context.Context, pair string, amount, _ decimal.Decimal, _ events.OrderType) (string, error) {
	return c.submit(pair, events.SideSell, amount)
}

func (c *stubConnector) submit(pair string, side events.TradeSide, amount decimal.Decimal) (string, error) {
	c.mu.Lock()
	if c.submitErr != nil {
		err := c.submitErr
		call := submitCall{pair: pair, side: side, amount: amount}
		c.submits = append(c.submits, call)
		c.mu.Unlock()
		c.calls <- call
		return "", err
	}
	c.nextID++
	call := submitCall{pair: pair, side: side, amount: amount, id: fmt.Sprintf("ord-%d", c.nextID)}
	c.submits = append(c.submits, call)
	hold := c.hold
	c.mu.Unlock()
	c.calls <- call
	if hold != nil {
		<-hold
	}
	return call.id, nil
}

func (c *stubConnector) Cancel(context.Context, string, string) error { return nil }
func (c *stubConnector) CancelAll(context.Context) error              { return nil }
func (c *stubConnector) BatchOrderCreate(context.Context, []connector.OrderRequest) ([]string, error) {
	return nil, nil
}
func (c *stubConnector) BatchOrderCancel(context.Context, string, []string) error { return nil }
func (c *stubConnector) GetBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (c *stubConnector) GetAvailableBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (c *stubConnector) TrackingStates() ([]byte, error)    { return nil, nil }
func (c *stubConnector) RestoreTrackingStates([]byte) error { return nil }

type chanNotifier struct {
	messages chan string
}

func (n *chanNotifier) SendText(text string) error {
	n.messages <- text
	return nil
}

type testContext struct {
	conn *stubConnector
	bus  *events.Bus
	loop *events.Loop
	note notifier.TextNotifier
}

func (c *testContext) Connector(string) (connector.Connector, bool) { return c.conn, true }
func (c *testContext) Registry(string) (*connector.OrderRegistry, bool) {
	return nil, false
}
func (c *testContext) Bus() *events.Bus                { return c.bus }
func (c *testContext) Loop() *events.Loop              { return c.loop }
func (c *testContext) Notifier() notifier.TextNotifier { return c.note }

// profitableBooks yields 0.8% on the direct path with a 100 USDT round:
// 100 USDT -> 200 ADA -> 0.002 BTC -> 100.8 USDT.
func profitableBooks() map[string]*connector.OrderBook {
	return map[string]*connector.OrderBook{
		"ADA-USDT": {
			Bids: []connector.Level{{Price: dec("0.499"), Amount: dec("1000")}},
			Asks: []connector.Level{{Price: dec("0.5"), Amount: dec("1000")}},
		},
		"ADA-BTC": {
			Bids: []connector.Level{{Price: dec("0.00001"), Amount: dec("1000")}},
			Asks: []connector.Level{{Price: dec("0.0000101"), Amount: dec("1000")}},
		},
		"BTC-USDT": {
			Bids: []connector.Level{{Price: dec("50400"), Amount: dec("1")}},
			Asks: []connector.Level{{Price: dec("50500"), Amount: dec("1")}},
		},
	}
}

func testConfig() Config {
	return Config{
		ID:                    "tri-1",
		Connector:             "binance",
		HoldingAsset:          "USDT",
		Pairs:                 []string{"ADA-USDT", "ADA-BTC", "BTC-USDT"},
		OrderAmount:           dec("100"),
		MinProfitability:      dec("0.5"),
		KillSwitchRate:        dec("-2"),
		PlaceOrderTrialsLimit: 3,
	}
}

type harness struct {
	t    *testing.T
	loop *events.Loop
	bus  *events.Bus
	conn *stubConnector
	note *chanNotifier
	seq  *Sequencer
	stop func()
}

func newHarness(t *testing.T, cfg Config, books map[string]*connector.OrderBook) *harness {
	t.Helper()
	loop := events.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	bus := events.NewBus(loop)
	conn := newStubConnector(books)
	note := &chanNotifier{messages: make(chan string, 8)}
	sctx := &testContext{conn: conn, bus: bus, loop: loop, note: note}

	ex, err := New(sctx, cfg, time.Hour)
	require.NoError(t, err)
	seq := ex.(*Sequencer)
	seq.Start(ctx)

	h := &harness{t: t, loop: loop, bus: bus, conn: conn, note: note, seq: seq}
	h.stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(h.stop)
	return h
}

// onLoop runs fn on the control loop and waits for it.
func (h *harness) onLoop(fn func()) {
	h.t.Helper()
	done := make(chan struct{})
	h.loop.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.t.Fatal("control loop stalled")
	}
}

func (h *harness) tick() {
	h.onLoop(func() { h.seq.Tick(time.Now()) })
}

func (h *harness) state() RoundState {
	var s RoundState
	h.onLoop(func() { s = h.seq.state })
	return s
}

// nextSubmit waits for the next order submission and then for the
// round to track its order id, so completion events published
// afterwards are not dropped as foreign.
func (h *harness) nextSubmit() submitCall {
	h.t.Helper()
	var call submitCall
	select {
	case call = <-h.conn.calls:
	case <-time.After(2 * time.Second):
		h.t.Fatal("no order submitted")
	}
	if call.id == "" {
		return call
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		var tracked string
		h.onLoop(func() {
			if h.seq.round != nil {
				tracked = h.seq.round.orderID
			}
		})
		if tracked == call.id {
			return call
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("order id %s never tracked by the round", call.id)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) complete(call submitCall, acquired decimal.Decimal) {
	kind := events.KindSellOrderCompleted
	payload := events.OrderCompleted{OrderID: call.id, Side: call.side}
	if call.side == events.SideBuy {
		kind = events.KindBuyOrderCompleted
		payload.BaseAmount = acquired
	} else {
		payload.QuoteAmount = acquired
	}
	payload.Timestamp = time.Now()
	h.bus.Publish(kind, payload, "binance")
	h.onLoop(func() {})
}

func TestSequencerRunsProfitableRound(t *testing.T) {
	h := newHarness(t, testConfig(), profitableBooks())

	h.tick() // NOT_INIT -> ACTIVE
	require.Equal(t, StateActive, h.state())

	h.tick() // simulation picks the direct path and starts a round
	require.Equal(t, StateRoundStarted, h.state())

	leg1 := h.nextSubmit()
	assert.Equal(t, "ADA-USDT", leg1.pair)
	assert.Equal(t, events.SideBuy, leg1.side)
	assert.True(t, leg1.amount.Equal(dec("200")), "got %s", leg1.amount)
	h.complete(leg1, dec("200"))

	leg2 := h.nextSubmit()
	assert.Equal(t, "ADA-BTC", leg2.pair)
	assert.Equal(t, events.SideSell, leg2.side)
	assert.True(t, leg2.amount.Equal(dec("200")))
	h.complete(leg2, dec("0.002"))

	leg3 := h.nextSubmit()
	assert.Equal(t, "BTC-USDT", leg3.pair)
	assert.Equal(t, events.SideSell, leg3.side)
	assert.True(t, leg3.amount.Equal(dec("0.002")))
	h.complete(leg3, dec("100.8"))

	assert.Equal(t, StateActive, h.state())
	var profit decimal.Decimal
	var rounds int
	h.onLoop(func() {
		profit = h.seq.cumulativeProfit
		rounds = h.seq.roundsCompleted
	})
	assert.True(t, profit.Equal(dec("0.8")), "got %s", profit)
	assert.Equal(t, 1, rounds)
}

func TestSequencerSkipsUnprofitableRound(t *testing.T) {
	cfg := testConfig()
	cfg.MinProfitability = dec("1.5") // direct path only yields 0.8%
	h := newHarness(t, cfg, profitableBooks())

	h.tick()
	h.tick()
	assert.Equal(t, StateActive, h.state())
	assert.Empty(t, h.conn.calls)
}

func TestSequencerRetriesThenAbandonsRound(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, profitableBooks())
	h.conn.submitErr = errors.New("insufficient balance")

	h.tick()
	h.tick()

	// every submission consumes one trial of the budget
	for i := 0; i < cfg.PlaceOrderTrialsLimit; i++ {
		h.nextSubmit()
	}

	select {
	case msg := <-h.note.messages:
		assert.Contains(t, msg, "abandoning round")
	case <-time.After(2 * time.Second):
		t.Fatal("no abandon notification")
	}
	assert.Equal(t, StateNotActive, h.state())

	// exactly one notification and no further submissions
	h.tick()
	assert.Empty(t, h.note.messages)
	assert.Empty(t, h.conn.calls)
	h.conn.mu.Lock()
	defer h.conn.mu.Unlock()
	assert.Len(t, h.conn.submits, cfg.PlaceOrderTrialsLimit)
}

func TestSequencerKillSwitch(t *testing.T) {
	h := newHarness(t, testConfig(), profitableBooks())

	h.tick()
	h.tick()
	leg1 := h.nextSubmit()
	h.complete(leg1, dec("200"))
	leg2 := h.nextSubmit()
	h.complete(leg2, dec("0.002"))
	leg3 := h.nextSubmit()
	// reality disagrees with the simulation: the round loses 3 USDT,
	// crossing the -2% kill switch
	h.complete(leg3, dec("97"))

	assert.Equal(t, StateNotActive, h.state())
	select {
	case msg := <-h.note.messages:
		assert.Contains(t, msg, "kill switch")
	case <-time.After(2 * time.Second):
		t.Fatal("no kill switch notification")
	}

	// sticky: no new rounds start
	h.tick()
	assert.Empty(t, h.conn.calls)

	// external reset re-arms trading
	h.onLoop(func() { h.seq.Reset() })
	assert.Equal(t, StateActive, h.state())
	h.tick()
	h.nextSubmit()
}

func TestSequencerIgnoresForeignEvents(t *testing.T) {
	h := newHarness(t, testConfig(), profitableBooks())

	h.tick()
	h.tick()
	leg1 := h.nextSubmit()

	// wrong source and wrong order id must both be ignored
	h.bus.Publish(events.KindBuyOrderCompleted, events.OrderCompleted{
		OrderID: leg1.id, Side: events.SideBuy, BaseAmount: dec("200"),
	}, "other-venue")
	h.bus.Publish(events.KindBuyOrderCompleted, events.OrderCompleted{
		OrderID: "someone-elses-order", Side: events.SideBuy, BaseAmount: dec("200"),
	}, "binance")
	h.onLoop(func() {})

	assert.Equal(t, StateRoundStarted, h.state())
}

func TestSequencerHandlesFillBeforeSubmitReturns(t *testing.T) {
	h := newHarness(t, testConfig(), profitableBooks())
	h.conn.hold = make(chan struct{})

	h.tick()
	h.tick()

	var leg1 submitCall
	select {
	case leg1 = <-h.conn.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("no order submitted")
	}

	// the fill lands before Buy returns, so the round does not know
	// its own order id yet; the completion must be held, not dropped
	h.complete(leg1, dec("200"))
	require.Equal(t, StateRoundStarted, h.state())
	h.onLoop(func() {
		require.NotNil(t, h.seq.round)
		assert.Empty(t, h.seq.round.orderID)
		assert.Len(t, h.seq.round.pending, 1)
	})

	close(h.conn.hold)

	leg2 := h.nextSubmit()
	assert.Equal(t, "ADA-BTC", leg2.pair)
	h.complete(leg2, dec("0.002"))
	leg3 := h.nextSubmit()
	h.complete(leg3, dec("100.8"))

	assert.Equal(t, StateActive, h.state())
	var rounds int
	h.onLoop(func() { rounds = h.seq.roundsCompleted })
	assert.Equal(t, 1, rounds)
}

func TestSequencerStopDuringRoundFinishesAfterRound(t *testing.T) {
	h := newHarness(t, testConfig(), profitableBooks())

	h.tick()
	h.tick()
	leg1 := h.nextSubmit()
	h.seq.Stop()
	h.onLoop(func() {})

	// the in-flight round still completes
	h.complete(leg1, dec("200"))
	leg2 := h.nextSubmit()
	h.complete(leg2, dec("0.002"))
	leg3 := h.nextSubmit()
	h.complete(leg3, dec("100.8"))

	var status executor.Status
	h.onLoop(func() { status = h.seq.Status() })
	assert.Equal(t, executor.StatusTerminated, status)
}

func TestSequencerCustomInfo(t *testing.T) {
	h := newHarness(t, testConfig(), profitableBooks())
	h.tick()

	var info map[string]any
	h.onLoop(func() { info = h.seq.CustomInfo() })
	assert.Equal(t, "tri-1", info["id"])
	assert.Equal(t, "ACTIVE", info["state"])
	assert.Equal(t, "USDT", info["holding_asset"])
}
