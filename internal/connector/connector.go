package connector

import (
	"context"
	"time"

	"arbor/internal/events"

	"github.com/shopspring/decimal"
)

// Order is the authoritative in-memory record of one submission while
// it is in flight. The client order id is assigned locally before the
// exchange confirms anything; the exchange order id arrives async.
type Order struct {
	ClientOrderID   string                `json:"client_order_id"`
	ExchangeOrderID string                `json:"exchange_order_id,omitempty"`
	TradingPair     string                `json:"trading_pair"`
	Side            events.TradeSide      `json:"side"`
	Type            events.OrderType      `json:"type"`
	Amount          decimal.Decimal       `json:"amount"`
	Price           decimal.Decimal       `json:"price"`
	Leverage        int                   `json:"leverage,omitempty"`
	Position        events.PositionAction `json:"position,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	LastStatus      string                `json:"last_status"`
	LastUpdateAt    time.Time             `json:"last_update_at"`
}

// OrderRequest is one entry of a batch create.
type OrderRequest struct {
	TradingPair string
	Side        events.TradeSide
	Type        events.OrderType
	Amount      decimal.Decimal
	Price       decimal.Decimal
}

// Balance is a per-asset total/available pair.
type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
}

// Connector is the capability set a venue adapter exposes to the
// runtime. Implementations convert their wire errors into OrderFailure
// events; methods only return errors for local misuse (unknown pair,
// zero amount) or when the call itself could not be issued.
type Connector interface {
	DisplayName() string

	GetPrice(pair string, isBuy bool) (decimal.Decimal, error)
	GetMidPrice(pair string) (decimal.Decimal, error)
	GetOrderBook(pair string) (*OrderBook, error)

	QuantizeOrderAmount(pair string, amount decimal.Decimal) decimal.Decimal
	QuantizeOrderPrice(pair string, price decimal.Decimal) decimal.Decimal

	Buy(ctx context.Context, pair string, amount, price decimal.Decimal, typ events.OrderType) (string, error)
	Sell(ctx context.Context, pair string, amount, price decimal.Decimal, typ events.OrderType) (string, error)
	Cancel(ctx context.Context, pair, clientOrderID string) error
	CancelAll(ctx context.Context) error
	BatchOrderCreate(ctx context.Context, reqs []OrderRequest) ([]string, error)
	BatchOrderCancel(ctx context.Context, pair string, clientOrderIDs []string) error

	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// TrackingStates serializes the in-flight order set for snapshots;
	// RestoreTrackingStates is its inverse at startup.
	TrackingStates() ([]byte, error)
	RestoreTrackingStates(blob []byte) error
}
