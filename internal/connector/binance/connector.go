package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"arbor/internal/connector"
	"arbor/internal/events"
	"arbor/internal/logger"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	restTimeout = 10 * time.Second
	depthLimit  = 20
)

// Connector adapts the Binance spot API to the runtime's venue
// capability set. Order submissions and queries go over REST; the
// lifecycle events come back through the user data stream.
type Connector struct {
	cfg      Config
	client   *gobinance.Client
	bus      *events.Bus
	loop     *events.Loop
	registry *connector.OrderRegistry

	rulesMu sync.RWMutex
	rules   map[string]tradingRule
	// exchange symbol (ADAUSDT) back to trading pair (ADA-USDT)
	symbols map[string]string

	stream *userStream
}

type tradingRule struct {
	stepSize decimal.Decimal
	tickSize decimal.Decimal
}

func NewConnector(cfg Config, bus *events.Bus, loop *events.Loop, registry *connector.OrderRegistry) *Connector {
	final := cfg.withDefaults()
	gobinance.UseTestnet = final.Testnet
	client := gobinance.NewClient(final.APIKey, final.SecretKey)
	c := &Connector{
		cfg:      final,
		client:   client,
		bus:      bus,
		loop:     loop,
		registry: registry,
		rules:    make(map[string]tradingRule),
		symbols:  make(map[string]string),
	}
	c.stream = newUserStream(c)
	return c
}

func (c *Connector) DisplayName() string { return "binance" }

func (c *Connector) Registry() *connector.OrderRegistry { return c.registry }

// Start opens the user data stream. Lifecycle events are dead until
// this runs.
func (c *Connector) Start(ctx context.Context) error {
	return c.stream.start(ctx)
}

func (c *Connector) Stop() { c.stream.stop() }

func toExchangeSymbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(pair), "-", ""))
}

func (c *Connector) rememberPair(pair string) string {
	symbol := toExchangeSymbol(pair)
	c.rulesMu.Lock()
	c.symbols[symbol] = pair
	c.rulesMu.Unlock()
	return symbol
}

func (c *Connector) pairForSymbol(symbol string) string {
	c.rulesMu.RLock()
	defer c.rulesMu.RUnlock()
	if pair, ok := c.symbols[symbol]; ok {
		return pair
	}
	return symbol
}

func (c *Connector) GetPrice(pair string, isBuy bool) (decimal.Decimal, error) {
	book, err := c.GetOrderBook(pair)
	if err != nil {
		return decimal.Zero, err
	}
	if isBuy {
		if len(book.Asks) == 0 {
			return decimal.Zero, fmt.Errorf("binance: no asks for %s", pair)
		}
		return book.Asks[0].Price, nil
	}
	if len(book.Bids) == 0 {
		return decimal.Zero, fmt.Errorf("binance: no bids for %s", pair)
	}
	return book.Bids[0].Price, nil
}

func (c *Connector) GetMidPrice(pair string) (decimal.Decimal, error) {
	book, err := c.GetOrderBook(pair)
	if err != nil {
		return decimal.Zero, err
	}
	mid := book.MidPrice()
	if mid.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("binance: empty book for %s", pair)
	}
	return mid, nil
}

func (c *Connector) GetOrderBook(pair string) (*connector.OrderBook, error) {
	symbol := c.rememberPair(pair)
	ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
	defer cancel()
	res, err := c.client.NewDepthService().Symbol(symbol).Limit(depthLimit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: depth %s: %w", pair, err)
	}
	book := &connector.OrderBook{
		Bids: make([]connector.Level, 0, len(res.Bids)),
		Asks: make([]connector.Level, 0, len(res.Asks)),
	}
	for _, b := range res.Bids {
		price, qty, err := parseLevel(b.Price, b.Quantity)
		if err != nil {
			continue
		}
		book.Bids = append(book.Bids, connector.Level{Price: price, Amount: qty})
	}
	for _, a := range res.Asks {
		price, qty, err := parseLevel(a.Price, a.Quantity)
		if err != nil {
			continue
		}
		book.Asks = append(book.Asks, connector.Level{Price: price, Amount: qty})
	}
	return book, nil
}

func parseLevel(priceStr, qtyStr string) (decimal.Decimal, decimal.Decimal, error) {
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return price, qty, nil
}

func (c *Connector) QuantizeOrderAmount(pair string, amount decimal.Decimal) decimal.Decimal {
	rule, err := c.ruleFor(pair)
	if err != nil || rule.stepSize.Sign() <= 0 {
		return amount
	}
	return amount.Div(rule.stepSize).Floor().Mul(rule.stepSize)
}

func (c *Connector) QuantizeOrderPrice(pair string, price decimal.Decimal) decimal.Decimal {
	rule, err := c.ruleFor(pair)
	if err != nil || rule.tickSize.Sign() <= 0 {
		return price
	}
	return price.Div(rule.tickSize).Floor().Mul(rule.tickSize)
}

func (c *Connector) ruleFor(pair string) (tradingRule, error) {
	symbol := c.rememberPair(pair)
	c.rulesMu.RLock()
	rule, ok := c.rules[symbol]
	c.rulesMu.RUnlock()
	if ok {
		return rule, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
	defer cancel()
	info, err := c.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return tradingRule{}, fmt.Errorf("binance: exchange info %s: %w", pair, err)
	}
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}
		rule = tradingRule{}
		if lot := s.LotSizeFilter(); lot != nil {
			if step, err := decimal.NewFromString(lot.StepSize); err == nil {
				rule.stepSize = step
			}
		}
		if pf := s.PriceFilter(); pf != nil {
			if tick, err := decimal.NewFromString(pf.TickSize); err == nil {
				rule.tickSize = tick
			}
		}
		c.rulesMu.Lock()
		c.rules[symbol] = rule
		c.rulesMu.Unlock()
		return rule, nil
	}
	return tradingRule{}, fmt.Errorf("binance: symbol %s not in exchange info", symbol)
}

func (c *Connector) Buy(ctx context.Context, pair string, amount, price decimal.Decimal, typ events.OrderType) (string, error) {
	return c.submit(ctx, pair, events.SideBuy, amount, price, typ)
}

func (c *Connector) Sell(ctx context.Context, pair string, amount, price decimal.Decimal, typ events.OrderType) (string, error) {
	return c.submit(ctx, pair, events.SideSell, amount, price, typ)
}

func (c *Connector) submit(ctx context.Context, pair string, side events.TradeSide, amount, price decimal.Decimal, typ events.OrderType) (string, error) {
	if amount.Sign() <= 0 {
		return "", fmt.Errorf("binance: amount must be positive")
	}
	symbol := c.rememberPair(pair)
	clientOrderID := uuid.NewString()
	order := &connector.Order{
		ClientOrderID: clientOrderID,
		TradingPair:   pair,
		Side:          side,
		Type:          typ,
		Amount:        amount,
		Price:         price,
		CreatedAt:     time.Now(),
		LastStatus:    "PENDING_CREATE",
		LastUpdateAt:  time.Now(),
	}
	// Track before the wire call so a fast fill off the stream can
	// resolve its order id.
	c.loop.Post(func() { c.registry.AddOrder(order) })

	svc := c.client.NewCreateOrderService().
		Symbol(symbol).
		NewClientOrderID(clientOrderID).
		Quantity(amount.String())
	if side == events.SideBuy {
		svc = svc.Side(gobinance.SideTypeBuy)
	} else {
		svc = svc.Side(gobinance.SideTypeSell)
	}
	if typ == events.OrderTypeMarket {
		svc = svc.Type(gobinance.OrderTypeMarket)
	} else {
		svc = svc.Type(gobinance.OrderTypeLimit).
			TimeInForce(gobinance.TimeInForceTypeGTC).
			Price(price.String())
	}

	var res *gobinance.CreateOrderResponse
	err := c.withRetry(ctx, func() error {
		var callErr error
		res, callErr = svc.Do(ctx)
		return callErr
	})
	if err != nil {
		c.loop.Post(func() { c.registry.RemoveOrder(clientOrderID) })
		c.bus.Publish(events.KindOrderFailure, events.OrderFailure{
			OrderID:   clientOrderID,
			Type:      typ,
			Reason:    err.Error(),
			Timestamp: time.Now(),
		}, c.DisplayName())
		return "", fmt.Errorf("binance: %s %s: %w", side, pair, err)
	}

	exchangeID := strconv.FormatInt(res.OrderID, 10)
	c.loop.Post(func() {
		c.registry.SetExchangeOrderID(clientOrderID, exchangeID)
		c.registry.UpdateStatus(clientOrderID, "OPEN", time.Now())
	})
	kind := events.KindBuyOrderCreated
	if side == events.SideSell {
		kind = events.KindSellOrderCreated
	}
	c.bus.Publish(kind, events.OrderCreated{
		OrderID:         clientOrderID,
		ExchangeOrderID: exchangeID,
		TradingPair:     pair,
		Side:            side,
		Type:            typ,
		Amount:          amount,
		Price:           price,
		CreatedAt:       order.CreatedAt,
	}, c.DisplayName())
	return clientOrderID, nil
}

func (c *Connector) Cancel(ctx context.Context, pair, clientOrderID string) error {
	symbol := toExchangeSymbol(pair)
	err := c.withRetry(ctx, func() error {
		_, callErr := c.client.NewCancelOrderService().
			Symbol(symbol).
			OrigClientOrderID(clientOrderID).
			Do(ctx)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("binance: cancel %s on %s: %w", clientOrderID, pair, err)
	}
	return nil
}

func (c *Connector) CancelAll(ctx context.Context) error {
	c.rulesMu.RLock()
	symbols := make([]string, 0, len(c.symbols))
	for symbol := range c.symbols {
		symbols = append(symbols, symbol)
	}
	c.rulesMu.RUnlock()
	var firstErr error
	for _, symbol := range symbols {
		_, err := c.client.NewCancelOpenOrdersService().Symbol(symbol).Do(ctx)
		if err != nil && !isNoOpenOrders(err) && firstErr == nil {
			firstErr = fmt.Errorf("binance: cancel all on %s: %w", symbol, err)
		}
	}
	return firstErr
}

func (c *Connector) BatchOrderCreate(ctx context.Context, reqs []connector.OrderRequest) ([]string, error) {
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		var id string
		var err error
		if req.Side == events.SideBuy {
			id, err = c.Buy(ctx, req.TradingPair, req.Amount, req.Price, req.Type)
		} else {
			id, err = c.Sell(ctx, req.TradingPair, req.Amount, req.Price, req.Type)
		}
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Connector) BatchOrderCancel(ctx context.Context, pair string, clientOrderIDs []string) error {
	var firstErr error
	for _, id := range clientOrderIDs {
		if err := c.Cancel(ctx, pair, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Connector) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	b, err := c.balance(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Total, nil
}

func (c *Connector) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	b, err := c.balance(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Available, nil
}

func (c *Connector) balance(ctx context.Context, asset string) (connector.Balance, error) {
	account, err := c.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return connector.Balance{}, fmt.Errorf("binance: account: %w", err)
	}
	asset = strings.ToUpper(strings.TrimSpace(asset))
	for _, raw := range account.Balances {
		if raw.Asset != asset {
			continue
		}
		free, err := decimal.NewFromString(raw.Free)
		if err != nil {
			return connector.Balance{}, err
		}
		locked, err := decimal.NewFromString(raw.Locked)
		if err != nil {
			return connector.Balance{}, err
		}
		return connector.Balance{Asset: asset, Total: free.Add(locked), Available: free}, nil
	}
	return connector.Balance{Asset: asset}, nil
}

func (c *Connector) TrackingStates() ([]byte, error) {
	return c.registry.TrackingStates()
}

func (c *Connector) RestoreTrackingStates(blob []byte) error {
	return c.registry.ReconcileFromSnapshot(blob)
}

// withRetry re-issues the call on transient failures up to the
// configured budget. Exchange rejections are permanent and surface
// immediately.
func (c *Connector) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		logger.Warnf("binance: transient error (attempt %d/%d): %v", attempt+1, c.cfg.MaxRetries, lastErr)
	}
	return lastErr
}

func isTransient(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1000, -1001, -1007:
			// UNKNOWN, DISCONNECTED, TIMEOUT
			return true
		default:
			return false
		}
	}
	// Network level failures are worth another try.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func isNoOpenOrders(err error) bool {
	var apiErr *common.APIError
	// -2011 covers cancel requests with nothing to cancel
	return errors.As(err, &apiErr) && apiErr.Code == -2011
}
