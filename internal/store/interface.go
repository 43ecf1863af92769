package store

import (
	"context"

	"arbor/internal/store/model"
)

// UnitOfWork defines a transaction scope. Sessions are short-lived:
// a unit of work is opened, used and committed within one call, never
// held across an await point.
type UnitOfWork interface {
	Commit() error
	Rollback() error

	Orders() OrderRepository
	Statuses() OrderStatusRepository
	Fills() TradeFillRepository
	MarketStates() MarketStateRepository
	FundingPayments() FundingPaymentRepository
	Executors() ExecutorRepository
}

// Store is the entry point for database access.
type Store interface {
	Begin(ctx context.Context) (UnitOfWork, error)
	Close() error
}

// OrderFilter narrows order queries.
type OrderFilter struct {
	ConfigID            string
	Market              string
	WithExchangeOrderID bool
	Limit               int
}

// TradeFilter narrows trade fill queries.
type TradeFilter struct {
	ConfigID string
	Market   string
	Symbol   string
	Limit    int
}

// OrderRepository handles durable order rows.
type OrderRepository interface {
	Upsert(ctx context.Context, order *model.OrderModel) error
	FindByID(ctx context.Context, id string) (*model.OrderModel, error)
	List(ctx context.Context, filter OrderFilter) ([]model.OrderModel, error)
}

// OrderStatusRepository appends lifecycle history rows.
type OrderStatusRepository interface {
	Append(ctx context.Context, status *model.OrderStatusModel) error
	ListByOrder(ctx context.Context, orderID string) ([]model.OrderStatusModel, error)
}

// TradeFillRepository appends fill rows keyed by exchange trade id.
type TradeFillRepository interface {
	Append(ctx context.Context, fill *model.TradeFillModel) (inserted bool, err error)
	List(ctx context.Context, filter TradeFilter) ([]model.TradeFillModel, error)
	ListByOrder(ctx context.Context, orderID string) ([]model.TradeFillModel, error)
}

// MarketStateRepository upserts the single snapshot row per
// (config id, market).
type MarketStateRepository interface {
	Upsert(ctx context.Context, state *model.MarketStateModel) error
	Find(ctx context.Context, configID, market string) (*model.MarketStateModel, error)
}

// FundingPaymentRepository records funding payments once per timestamp.
type FundingPaymentRepository interface {
	InsertIfAbsent(ctx context.Context, payment *model.FundingPaymentModel) error
	List(ctx context.Context, configID string, limit int) ([]model.FundingPaymentModel, error)
}

// ExecutorRepository stores executor configs and their terminal info.
type ExecutorRepository interface {
	Upsert(ctx context.Context, rec *model.ExecutorModel) error
	ListByController(ctx context.Context, controllerID string) ([]model.ExecutorModel, error)
}
