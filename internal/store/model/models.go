package model

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OrderModel is the durable copy of an order. Rows are never deleted;
// the status transitions to a terminal value instead.
type OrderModel struct {
	ID              string          `gorm:"column:id;primaryKey"`
	ConfigID        string          `gorm:"column:config_id;index"`
	Strategy        string          `gorm:"column:strategy"`
	Market          string          `gorm:"column:market;index"`
	Symbol          string          `gorm:"column:symbol"`
	BaseAsset       string          `gorm:"column:base_asset"`
	QuoteAsset      string          `gorm:"column:quote_asset"`
	CreationTS      int64           `gorm:"column:creation_timestamp"`
	OrderType       string          `gorm:"column:order_type"`
	Amount          decimal.Decimal `gorm:"column:amount;type:TEXT"`
	Leverage        int             `gorm:"column:leverage"`
	Price           decimal.Decimal `gorm:"column:price;type:TEXT"`
	Position        string          `gorm:"column:position"`
	LastStatus      string          `gorm:"column:last_status"`
	LastUpdateTS    int64           `gorm:"column:last_update_timestamp"`
	ExchangeOrderID *string         `gorm:"column:exchange_order_id"`
}

func (OrderModel) TableName() string { return "orders" }

// OrderStatusModel is one append-only lifecycle history row. The order
// id may reference an order row that does not exist yet: fills can
// precede creates.
type OrderStatusModel struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID   string `gorm:"column:order_id;index"`
	Timestamp int64  `gorm:"column:timestamp"`
	Status    string `gorm:"column:status"`
}

func (OrderStatusModel) TableName() string { return "order_statuses" }

// TradeFillModel is one append-only fill row, keyed by the
// exchange-assigned trade id. The unique index de-duplicates fills
// redelivered by at-least-once transports.
type TradeFillModel struct {
	ID              int64           `gorm:"column:id;primaryKey;autoIncrement"`
	ConfigID        string          `gorm:"column:config_id;index"`
	Strategy        string          `gorm:"column:strategy"`
	Market          string          `gorm:"column:market;index"`
	Symbol          string          `gorm:"column:symbol"`
	BaseAsset       string          `gorm:"column:base_asset"`
	QuoteAsset      string          `gorm:"column:quote_asset"`
	Timestamp       int64           `gorm:"column:timestamp"`
	OrderID         string          `gorm:"column:order_id;index"`
	TradeType       string          `gorm:"column:trade_type"`
	OrderType       string          `gorm:"column:order_type"`
	Price           decimal.Decimal `gorm:"column:price;type:TEXT"`
	Amount          decimal.Decimal `gorm:"column:amount;type:TEXT"`
	Leverage        int             `gorm:"column:leverage"`
	TradeFee        decimal.Decimal `gorm:"column:trade_fee;type:TEXT"`
	ExchangeTradeID string          `gorm:"column:exchange_trade_id;uniqueIndex"`
	Position        string          `gorm:"column:position"`
}

func (TradeFillModel) TableName() string { return "trade_fills" }

// MarketStateModel holds the opaque serialized in-flight order set of
// one connector. At most one row per (config id, market): every write
// is an upsert.
type MarketStateModel struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement"`
	ConfigID   string         `gorm:"column:config_id;uniqueIndex:idx_market_state,priority:1"`
	Market     string         `gorm:"column:market;uniqueIndex:idx_market_state,priority:2"`
	Timestamp  int64          `gorm:"column:timestamp"`
	SavedState datatypes.JSON `gorm:"column:saved_state;type:TEXT"`
}

func (MarketStateModel) TableName() string { return "market_states" }

// FundingPaymentModel records one perpetual funding payment.
type FundingPaymentModel struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement"`
	Timestamp int64           `gorm:"column:timestamp;uniqueIndex:idx_funding,priority:1"`
	ConfigID  string          `gorm:"column:config_id;uniqueIndex:idx_funding,priority:2"`
	Market    string          `gorm:"column:market"`
	Symbol    string          `gorm:"column:symbol"`
	Rate      decimal.Decimal `gorm:"column:rate;type:TEXT"`
	Amount    decimal.Decimal `gorm:"column:amount;type:TEXT"`
}

func (FundingPaymentModel) TableName() string { return "funding_payments" }

// ExecutorModel stores an executor's config and last reported state.
type ExecutorModel struct {
	ID           string         `gorm:"column:id;primaryKey"`
	ControllerID string         `gorm:"column:controller_id;index"`
	Type         string         `gorm:"column:type"`
	Timestamp    int64          `gorm:"column:timestamp"`
	Status       string         `gorm:"column:status"`
	Config       datatypes.JSON `gorm:"column:config;type:TEXT"`
	CustomInfo   datatypes.JSON `gorm:"column:custom_info;type:TEXT"`
}

func (ExecutorModel) TableName() string { return "executors" }
