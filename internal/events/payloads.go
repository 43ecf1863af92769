package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide is the direction of an order or fill.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// OrderType distinguishes limit and market submissions.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// PositionAction marks how a derivative order affects a position.
type PositionAction string

const (
	PositionNil   PositionAction = "NIL"
	PositionOpen  PositionAction = "OPEN"
	PositionClose PositionAction = "CLOSE"
)

// OrderCreated is published when a connector accepts a buy or sell
// submission. The client order id is assigned locally before submission,
// the exchange order id may arrive later.
type OrderCreated struct {
	OrderID         string
	ExchangeOrderID string
	TradingPair     string
	Side            TradeSide
	Type            OrderType
	Amount          decimal.Decimal
	Price           decimal.Decimal
	Leverage        int
	Position        PositionAction
	CreatedAt       time.Time
}

// OrderFilled reports quantity executed against an order, keyed by the
// exchange-assigned trade id. Fills may precede the create event.
type OrderFilled struct {
	OrderID         string
	ExchangeTradeID string
	TradingPair     string
	Side            TradeSide
	Type            OrderType
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Fee             decimal.Decimal
	Leverage        int
	Position        PositionAction
	Timestamp       time.Time
}

// OrderCompleted reports that the full requested amount traded.
type OrderCompleted struct {
	OrderID     string
	Side        TradeSide
	Type        OrderType
	BaseAsset   string
	QuoteAsset  string
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
	Timestamp   time.Time
}

// OrderCancelled reports a cancel acknowledged by the exchange.
type OrderCancelled struct {
	OrderID   string
	Timestamp time.Time
}

// OrderExpired reports an order aged out on the exchange side.
type OrderExpired struct {
	OrderID   string
	Timestamp time.Time
}

// OrderFailure is the terminal event for a rejected submission. Transient
// network errors are retried inside the connector and only surface here
// once retries are exhausted.
type OrderFailure struct {
	OrderID   string
	Type      OrderType
	Reason    string
	Timestamp time.Time
}

// FundingPaymentCompleted reports a perpetual funding payment.
type FundingPaymentCompleted struct {
	TradingPair string
	Rate        decimal.Decimal
	Amount      decimal.Decimal
	Timestamp   time.Time
}

// RangePositionEvent covers AMM range position initiation and updates.
type RangePositionEvent struct {
	OrderID   string
	TokenID   string
	TxHash    string
	Fee       decimal.Decimal
	Timestamp time.Time
}
