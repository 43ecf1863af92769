package binance

import (
	"context"
	"testing"
	"time"

	"arbor/internal/connector"
	"arbor/internal/events"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestReconnectDelayResetsAfterHealthyConnection(t *testing.T) {
	assert.Equal(t, time.Second, reconnectDelay(16*time.Second, 2*time.Minute))
	assert.Equal(t, 16*time.Second, reconnectDelay(16*time.Second, 3*time.Second))
	assert.Equal(t, time.Second, reconnectDelay(time.Second, backoffResetAfter))
}

func TestNextDelayCaps(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextDelay(time.Second))
	assert.Equal(t, 30*time.Second, nextDelay(20*time.Second))
	assert.Equal(t, 30*time.Second, nextDelay(30*time.Second))
}

func newTestConnector(t *testing.T) (*Connector, *events.Loop, *events.Bus) {
	t.Helper()
	loop := events.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	bus := events.NewBus(loop)
	registry := connector.NewOrderRegistry("binance")
	conn := NewConnector(Config{}, bus, loop, registry)
	return conn, loop, bus
}

func flushLoop(t *testing.T, loop *events.Loop) {
	t.Helper()
	done := make(chan struct{})
	loop.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("control loop stalled")
	}
}

func TestHandleMessageFilledExecutionReport(t *testing.T) {
	conn, loop, bus := newTestConnector(t)
	conn.rememberPair("ADA-USDT")
	loop.Post(func() {
		conn.registry.AddOrder(&connector.Order{
			ClientOrderID: "o-1",
			TradingPair:   "ADA-USDT",
			Side:          events.SideBuy,
		})
	})

	var got []events.Event
	record := events.ListenerFunc(func(e events.Event) { got = append(got, e) })
	bus.Subscribe(events.KindOrderFilled, record)
	bus.Subscribe(events.KindBuyOrderCompleted, record)

	raw := `{"e":"executionReport","s":"ADAUSDT","c":"o-1","C":"","S":"BUY","o":"MARKET",` +
		`"x":"TRADE","X":"FILLED","i":42,"t":7,"l":"200","L":"0.5","n":"0.1","z":"200","Z":"100",` +
		`"T":1700000000000,"r":"NONE"}`
	conn.stream.handleMessage([]byte(raw))
	flushLoop(t, loop)

	require.Len(t, got, 2)
	fill, ok := got[0].Payload.(events.OrderFilled)
	require.True(t, ok)
	assert.Equal(t, "o-1", fill.OrderID)
	assert.Equal(t, "7", fill.ExchangeTradeID)
	assert.Equal(t, "ADA-USDT", fill.TradingPair)
	assert.True(t, fill.Amount.Equal(dec("200")))
	assert.True(t, fill.Price.Equal(dec("0.5")))
	assert.True(t, fill.Fee.Equal(dec("0.1")))

	completed, ok := got[1].Payload.(events.OrderCompleted)
	require.True(t, ok)
	assert.Equal(t, "o-1", completed.OrderID)
	assert.Equal(t, "ADA", completed.BaseAsset)
	assert.Equal(t, "USDT", completed.QuoteAsset)
	assert.True(t, completed.BaseAmount.Equal(dec("200")))
	assert.True(t, completed.QuoteAmount.Equal(dec("100")))

	// a fully filled order leaves the registry
	var tracked int
	done := make(chan struct{})
	loop.Post(func() {
		tracked = conn.registry.Len()
		close(done)
	})
	<-done
	assert.Equal(t, 0, tracked)
}

func TestHandleMessageCancelUsesOriginalID(t *testing.T) {
	conn, loop, bus := newTestConnector(t)
	conn.rememberPair("ADA-USDT")

	var got []events.Event
	bus.Subscribe(events.KindOrderCancelled, events.ListenerFunc(func(e events.Event) {
		got = append(got, e)
	}))

	raw := `{"e":"executionReport","s":"ADAUSDT","c":"cancel-req-9","C":"o-1","S":"BUY",` +
		`"o":"LIMIT","x":"CANCELED","X":"CANCELED","i":42,"T":1700000000000}`
	conn.stream.handleMessage([]byte(raw))
	flushLoop(t, loop)

	require.Len(t, got, 1)
	cancelled, ok := got[0].Payload.(events.OrderCancelled)
	require.True(t, ok)
	assert.Equal(t, "o-1", cancelled.OrderID)
}

func TestHandleMessageIgnoresOtherPayloads(t *testing.T) {
	conn, loop, bus := newTestConnector(t)

	var got []events.Event
	bus.Subscribe(events.KindOrderFilled, events.ListenerFunc(func(e events.Event) {
		got = append(got, e)
	}))

	conn.stream.handleMessage([]byte(`{"e":"outboundAccountPosition"}`))
	conn.stream.handleMessage([]byte(`not json`))
	flushLoop(t, loop)

	assert.Empty(t, got)
}
