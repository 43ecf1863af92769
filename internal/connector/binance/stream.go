package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"arbor/internal/events"
	"arbor/internal/logger"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	mainnetStreamBase = "wss://stream.binance.com:9443/ws/"
	testnetStreamBase = "wss://stream.testnet.binance.vision/ws/"

	keepaliveInterval = 30 * time.Minute
	readTimeout       = 3 * time.Minute
)

// userStream consumes the account's execution reports and turns them
// into lifecycle events. It owns its reconnect loop; each reconnect
// fetches a fresh listen key.
type userStream struct {
	conn *Connector

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newUserStream(conn *Connector) *userStream {
	return &userStream{conn: conn}
}

func (s *userStream) start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("binance: user stream already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	return nil
}

func (s *userStream) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

const backoffResetAfter = time.Minute

func (s *userStream) run(ctx context.Context) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		err := s.serveOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warnf("binance: user stream dropped: %v", err)
		}
		delay = reconnectDelay(delay, time.Since(started))
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

// reconnectDelay picks the pause before the next connection attempt. A
// connection that held for backoffResetAfter was healthy, so the
// backoff starts over instead of ratcheting toward the cap for the
// life of the process.
func reconnectDelay(current, connectedFor time.Duration) time.Duration {
	if connectedFor >= backoffResetAfter {
		return time.Second
	}
	return current
}

func (s *userStream) serveOnce(ctx context.Context) error {
	listenKey, err := s.conn.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("start user stream: %w", err)
	}
	base := mainnetStreamBase
	if s.conn.cfg.Testnet {
		base = testnetStreamBase
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, base+listenKey, nil)
	if err != nil {
		return fmt.Errorf("dial user stream: %w", err)
	}
	defer ws.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepalive(connCtx, listenKey)
	go func() {
		<-connCtx.Done()
		ws.Close()
	}()

	logger.Infof("binance: user stream connected")
	for {
		if err := ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

func (s *userStream) keepalive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.conn.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Warnf("binance: listen key keepalive failed: %v", err)
			}
		}
	}
}

// handleMessage parses one raw stream payload. Execution reports carry
// the whole order lifecycle; everything else is ignored.
func (s *userStream) handleMessage(msg []byte) {
	if !gjson.ValidBytes(msg) {
		logger.Warnf("binance: dropping malformed stream payload")
		return
	}
	parsed := gjson.ParseBytes(msg)
	if parsed.Get("e").String() != "executionReport" {
		return
	}

	clientOrderID := parsed.Get("c").String()
	execType := parsed.Get("x").String()
	orderStatus := parsed.Get("X").String()
	if execType == "CANCELED" {
		// the original id lives in C on cancels, c holds the cancel
		// request's own id
		if orig := parsed.Get("C").String(); orig != "" {
			clientOrderID = orig
		}
	}
	if clientOrderID == "" {
		return
	}

	symbol := parsed.Get("s").String()
	pair := s.conn.pairForSymbol(symbol)
	side := events.TradeSide(parsed.Get("S").String())
	typ := events.OrderType(parsed.Get("o").String())
	exchangeID := strconv.FormatInt(parsed.Get("i").Int(), 10)
	at := time.UnixMilli(parsed.Get("T").Int())
	name := s.conn.DisplayName()

	s.conn.loop.Post(func() {
		s.conn.registry.SetExchangeOrderID(clientOrderID, exchangeID)
		s.conn.registry.UpdateStatus(clientOrderID, orderStatus, at)
	})

	switch execType {
	case "TRADE":
		s.publishFill(parsed, clientOrderID, pair, side, typ, at)
		if orderStatus == "FILLED" {
			s.publishCompleted(parsed, clientOrderID, pair, side, typ, at)
			s.dropOrder(clientOrderID)
		}
	case "CANCELED":
		s.conn.bus.Publish(events.KindOrderCancelled, events.OrderCancelled{
			OrderID:   clientOrderID,
			Timestamp: at,
		}, name)
		s.dropOrder(clientOrderID)
	case "REJECTED":
		s.conn.bus.Publish(events.KindOrderFailure, events.OrderFailure{
			OrderID:   clientOrderID,
			Type:      typ,
			Reason:    parsed.Get("r").String(),
			Timestamp: at,
		}, name)
		s.dropOrder(clientOrderID)
	case "EXPIRED":
		s.conn.bus.Publish(events.KindOrderExpired, events.OrderExpired{
			OrderID:   clientOrderID,
			Timestamp: at,
		}, name)
		s.dropOrder(clientOrderID)
	}
}

func (s *userStream) publishFill(parsed gjson.Result, clientOrderID, pair string, side events.TradeSide, typ events.OrderType, at time.Time) {
	price := decimalField(parsed, "L")
	amount := decimalField(parsed, "l")
	if amount.Sign() <= 0 {
		return
	}
	s.conn.bus.Publish(events.KindOrderFilled, events.OrderFilled{
		OrderID:         clientOrderID,
		ExchangeTradeID: strconv.FormatInt(parsed.Get("t").Int(), 10),
		TradingPair:     pair,
		Side:            side,
		Type:            typ,
		Price:           price,
		Amount:          amount,
		Fee:             decimalField(parsed, "n"),
		Timestamp:       at,
	}, s.conn.DisplayName())
}

func (s *userStream) publishCompleted(parsed gjson.Result, clientOrderID, pair string, side events.TradeSide, typ events.OrderType, at time.Time) {
	base, quote := splitPair(pair)
	kind := events.KindBuyOrderCompleted
	if side == events.SideSell {
		kind = events.KindSellOrderCompleted
	}
	s.conn.bus.Publish(kind, events.OrderCompleted{
		OrderID:     clientOrderID,
		Side:        side,
		Type:        typ,
		BaseAsset:   base,
		QuoteAsset:  quote,
		BaseAmount:  decimalField(parsed, "z"),
		QuoteAmount: decimalField(parsed, "Z"),
		Timestamp:   at,
	}, s.conn.DisplayName())
}

func (s *userStream) dropOrder(clientOrderID string) {
	s.conn.loop.Post(func() { s.conn.registry.RemoveOrder(clientOrderID) })
}

func decimalField(parsed gjson.Result, key string) decimal.Decimal {
	raw := parsed.Get(key).String()
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func splitPair(pair string) (string, string) {
	parts := strings.SplitN(pair, "-", 2)
	if len(parts) != 2 {
		return pair, ""
	}
	return parts[0], parts[1]
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}
