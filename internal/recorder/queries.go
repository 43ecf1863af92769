package recorder

import (
	"context"

	"arbor/internal/store"
	"arbor/internal/store/model"
)

// QueryOrders returns durable order rows newest-first. The recorder's
// config id is applied unless the filter overrides it.
func (r *Recorder) QueryOrders(filter store.OrderFilter) ([]model.OrderModel, error) {
	if filter.ConfigID == "" {
		filter.ConfigID = r.configID
	}
	var out []model.OrderModel
	err := r.inTx(func(ctx context.Context, uow store.UnitOfWork) error {
		orders, err := uow.Orders().List(ctx, filter)
		if err != nil {
			return err
		}
		out = orders
		return nil
	})
	return out, err
}

// QueryTrades returns trade fill rows newest-first.
func (r *Recorder) QueryTrades(filter store.TradeFilter) ([]model.TradeFillModel, error) {
	if filter.ConfigID == "" {
		filter.ConfigID = r.configID
	}
	var out []model.TradeFillModel
	err := r.inTx(func(ctx context.Context, uow store.UnitOfWork) error {
		fills, err := uow.Fills().List(ctx, filter)
		if err != nil {
			return err
		}
		out = fills
		return nil
	})
	return out, err
}

// OrderHistory returns the append-only status history of one order.
func (r *Recorder) OrderHistory(orderID string) ([]model.OrderStatusModel, error) {
	var out []model.OrderStatusModel
	err := r.inTx(func(ctx context.Context, uow store.UnitOfWork) error {
		statuses, err := uow.Statuses().ListByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		out = statuses
		return nil
	})
	return out, err
}

// ExchangeOrderIDs builds the exchange order id -> client order id
// mapping from durable orders of one market, used at startup to resume
// order-id correlation after a restart. The mapping is keyed off the
// orders table rather than recorded fills: fill rows reference the
// client order id only, while the exchange order id is written to the
// order row when the first execution report for it arrives.
func (r *Recorder) ExchangeOrderIDs(market string, limit int) (map[string]string, error) {
	orders, err := r.QueryOrders(store.OrderFilter{
		Market:              market,
		WithExchangeOrderID: true,
		Limit:               limit,
	})
	if err != nil {
		return nil, err
	}
	mapping := make(map[string]string, len(orders))
	for _, o := range orders {
		if o.ExchangeOrderID != nil && *o.ExchangeOrderID != "" {
			mapping[*o.ExchangeOrderID] = o.ID
		}
	}
	return mapping, nil
}
