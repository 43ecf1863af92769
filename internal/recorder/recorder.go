package recorder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"arbor/internal/events"
	"arbor/internal/logger"
	"arbor/internal/store"
	"arbor/internal/store/model"
)

// Snapshotter is the slice of the connector capability set the recorder
// needs for market state snapshots.
type Snapshotter interface {
	DisplayName() string
	TrackingStates() ([]byte, error)
	RestoreTrackingStates(blob []byte) error
}

// Recorder subscribes to lifecycle events and makes order, status, fill
// and snapshot state crash-recoverable. Every record call runs as one
// short-lived transaction: all effects commit together or none do.
//
// A persistence failure is logged and contained here; it never
// propagates into the trading control loop, which keeps trading off the
// in-memory registry.
type Recorder struct {
	store    store.Store
	bus      *events.Bus
	loop     *events.Loop
	configID string
	strategy string

	connectors map[string]Snapshotter
	audit      *AuditWriter
	subs       []events.Subscription
}

func New(st store.Store, bus *events.Bus, configID, strategy string, audit *AuditWriter) *Recorder {
	return &Recorder{
		store:      st,
		bus:        bus,
		loop:       bus.Loop(),
		configID:   configID,
		strategy:   strategy,
		connectors: make(map[string]Snapshotter),
		audit:      audit,
	}
}

// Attach registers a connector so events from its source name can be
// paired with a snapshot write.
func (r *Recorder) Attach(conn Snapshotter) {
	r.connectors[conn.DisplayName()] = conn
}

// Start subscribes to every lifecycle event kind.
func (r *Recorder) Start() {
	if len(r.subs) > 0 {
		return
	}
	for _, kind := range events.AllKinds() {
		r.subs = append(r.subs, r.bus.Subscribe(kind, r))
	}
}

// Stop unsubscribes from all kinds.
func (r *Recorder) Stop() {
	for _, sub := range r.subs {
		r.bus.Unsubscribe(sub)
	}
	r.subs = nil
}

// OnEvent runs on the control loop. Errors stay local: they are logged
// with order context and swallowed so durability problems degrade
// recording, not trading.
func (r *Recorder) OnEvent(evt events.Event) {
	var err error
	switch evt.Kind {
	case events.KindBuyOrderCreated, events.KindSellOrderCreated:
		payload, ok := evt.Payload.(events.OrderCreated)
		if !ok {
			return
		}
		err = r.recordOrderCreated(evt, payload)
	case events.KindOrderFilled:
		payload, ok := evt.Payload.(events.OrderFilled)
		if !ok {
			return
		}
		err = r.recordOrderFilled(evt, payload)
	case events.KindOrderCancelled:
		payload, ok := evt.Payload.(events.OrderCancelled)
		if !ok {
			return
		}
		err = r.recordStatusChange(evt, payload.OrderID, payload.Timestamp)
	case events.KindOrderExpired:
		payload, ok := evt.Payload.(events.OrderExpired)
		if !ok {
			return
		}
		err = r.recordStatusChange(evt, payload.OrderID, payload.Timestamp)
	case events.KindOrderFailure:
		payload, ok := evt.Payload.(events.OrderFailure)
		if !ok {
			return
		}
		err = r.recordStatusChange(evt, payload.OrderID, payload.Timestamp)
	case events.KindBuyOrderCompleted, events.KindSellOrderCompleted:
		payload, ok := evt.Payload.(events.OrderCompleted)
		if !ok {
			return
		}
		err = r.recordStatusChange(evt, payload.OrderID, payload.Timestamp)
	case events.KindFundingPaymentCompleted:
		payload, ok := evt.Payload.(events.FundingPaymentCompleted)
		if !ok {
			return
		}
		err = r.recordFundingPayment(evt, payload)
	case events.KindRangePositionInitiated, events.KindRangePositionUpdated:
		payload, ok := evt.Payload.(events.RangePositionEvent)
		if !ok {
			return
		}
		err = r.recordStatusChange(evt, payload.OrderID, payload.Timestamp)
	}
	if err != nil {
		logger.Errorf("recorder: %s from %s not persisted: %v", evt.Kind, evt.Source, err)
	}
}

func (r *Recorder) recordOrderCreated(evt events.Event, p events.OrderCreated) error {
	base, quote := splitTradingPair(p.TradingPair)
	ts := toMillis(p.CreatedAt)
	status := evt.Kind.String()

	return r.inTx(func(ctx context.Context, uow store.UnitOfWork) error {
		order := &model.OrderModel{
			ID:           p.OrderID,
			ConfigID:     r.configID,
			Strategy:     r.strategy,
			Market:       evt.Source,
			Symbol:       p.TradingPair,
			BaseAsset:    base,
			QuoteAsset:   quote,
			CreationTS:   ts,
			OrderType:    string(p.Type),
			Amount:       p.Amount,
			Leverage:     orDefaultLeverage(p.Leverage),
			Price:        p.Price,
			Position:     positionOrNil(p.Position),
			LastStatus:   status,
			LastUpdateTS: ts,
		}
		if p.ExchangeOrderID != "" {
			id := p.ExchangeOrderID
			order.ExchangeOrderID = &id
		}
		if err := uow.Orders().Upsert(ctx, order); err != nil {
			return err
		}
		if err := uow.Statuses().Append(ctx, &model.OrderStatusModel{
			OrderID:   p.OrderID,
			Timestamp: ts,
			Status:    status,
		}); err != nil {
			return err
		}
		return r.saveMarketState(ctx, uow, evt.Source)
	})
}

func (r *Recorder) recordOrderFilled(evt events.Event, p events.OrderFilled) error {
	base, quote := splitTradingPair(p.TradingPair)
	ts := toMillis(p.Timestamp)
	status := evt.Kind.String()

	var duplicate bool
	var orderCreationTS int64
	err := r.inTx(func(ctx context.Context, uow store.UnitOfWork) error {
		fill := &model.TradeFillModel{
			ConfigID:        r.configID,
			Strategy:        r.strategy,
			Market:          evt.Source,
			Symbol:          p.TradingPair,
			BaseAsset:       base,
			QuoteAsset:      quote,
			Timestamp:       ts,
			OrderID:         p.OrderID,
			TradeType:       string(p.Side),
			OrderType:       string(p.Type),
			Price:           p.Price,
			Amount:          p.Amount,
			Leverage:        orDefaultLeverage(p.Leverage),
			TradeFee:        p.Fee,
			ExchangeTradeID: p.ExchangeTradeID,
			Position:        positionOrNil(p.Position),
		}
		inserted, err := uow.Fills().Append(ctx, fill)
		if err != nil {
			return err
		}
		if !inserted {
			duplicate = true
			return nil
		}

		// The order row may not exist yet: fills can race ahead of the
		// create event for market orders. Status and fill rows are
		// written regardless; the later create upserts the order row
		// and prior fills stay attributed via the client order id.
		order, err := uow.Orders().FindByID(ctx, p.OrderID)
		if err != nil {
			return err
		}
		if order != nil {
			orderCreationTS = order.CreationTS
			order.LastStatus = status
			order.LastUpdateTS = ts
			if err := uow.Orders().Upsert(ctx, order); err != nil {
				return err
			}
		}
		if err := uow.Statuses().Append(ctx, &model.OrderStatusModel{
			OrderID:   p.OrderID,
			Timestamp: ts,
			Status:    status,
		}); err != nil {
			return err
		}
		return r.saveMarketState(ctx, uow, evt.Source)
	})
	if err != nil {
		return err
	}
	if duplicate {
		logger.Debugf("recorder: duplicate fill %s for order %s ignored", p.ExchangeTradeID, p.OrderID)
		return nil
	}
	// Audit CSV is a side effect only; it must never fail the
	// transaction above.
	if r.audit != nil {
		r.audit.AppendFill(p, evt.Source, r.configID, r.strategy, orderCreationTS)
	}
	return nil
}

func (r *Recorder) recordStatusChange(evt events.Event, orderID string, at time.Time) error {
	ts := toMillis(at)
	status := evt.Kind.String()
	return r.inTx(func(ctx context.Context, uow store.UnitOfWork) error {
		order, err := uow.Orders().FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order != nil {
			order.LastStatus = status
			order.LastUpdateTS = ts
			if err := uow.Orders().Upsert(ctx, order); err != nil {
				return err
			}
		}
		if err := uow.Statuses().Append(ctx, &model.OrderStatusModel{
			OrderID:   orderID,
			Timestamp: ts,
			Status:    status,
		}); err != nil {
			return err
		}
		return r.saveMarketState(ctx, uow, evt.Source)
	})
}

func (r *Recorder) recordFundingPayment(evt events.Event, p events.FundingPaymentCompleted) error {
	return r.inTx(func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.FundingPayments().InsertIfAbsent(ctx, &model.FundingPaymentModel{
			Timestamp: toMillis(p.Timestamp),
			ConfigID:  r.configID,
			Market:    evt.Source,
			Symbol:    p.TradingPair,
			Rate:      p.Rate,
			Amount:    p.Amount,
		})
	})
}

// saveMarketState upserts the connector's tracking states inside the
// caller's transaction. It is only reached from OnEvent, which already
// runs on the control loop, so the tracking state is read directly.
// Unknown sources are skipped: not every event source has an attached
// snapshotter in tests.
func (r *Recorder) saveMarketState(ctx context.Context, uow store.UnitOfWork, source string) error {
	conn, ok := r.connectors[source]
	if !ok {
		return nil
	}
	blob, err := conn.TrackingStates()
	if err != nil {
		return fmt.Errorf("tracking states for %s: %w", source, err)
	}
	return uow.MarketStates().Upsert(ctx, &model.MarketStateModel{
		ConfigID:   r.configID,
		Market:     source,
		Timestamp:  nowMillis(),
		SavedState: blob,
	})
}

const loopCallTimeout = 5 * time.Second

// captureTrackingStates serializes the connector's in-flight order set
// on the control loop, where the tracking state is owned. SaveSnapshot
// callers run off-loop (periodic snapshot goroutine, shutdown), so the
// read must re-enter through the loop.
func (r *Recorder) captureTrackingStates(conn Snapshotter) ([]byte, error) {
	type result struct {
		blob []byte
		err  error
	}
	done := make(chan result, 1)
	r.loop.Post(func() {
		blob, err := conn.TrackingStates()
		done <- result{blob: blob, err: err}
	})
	select {
	case res := <-done:
		return res.blob, res.err
	case <-time.After(loopCallTimeout):
		return nil, fmt.Errorf("control loop busy, tracking states for %s not captured", conn.DisplayName())
	}
}

// SaveSnapshot persists the connector's current in-flight order set.
// The blob is captured on the loop; only the store write runs here.
func (r *Recorder) SaveSnapshot(conn Snapshotter) error {
	blob, err := r.captureTrackingStates(conn)
	if err != nil {
		return err
	}
	return r.inTx(func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.MarketStates().Upsert(ctx, &model.MarketStateModel{
			ConfigID:   r.configID,
			Market:     conn.DisplayName(),
			Timestamp:  nowMillis(),
			SavedState: blob,
		})
	})
}

// RestoreSnapshot hands the saved blob back to the connector on the
// control loop. A missing snapshot is not an error; there is simply
// nothing to restore.
func (r *Recorder) RestoreSnapshot(conn Snapshotter) error {
	var blob []byte
	var found bool
	err := r.inTx(func(ctx context.Context, uow store.UnitOfWork) error {
		state, err := uow.MarketStates().Find(ctx, r.configID, conn.DisplayName())
		if err != nil {
			return err
		}
		if state != nil {
			blob = state.SavedState
			found = true
		}
		return nil
	})
	if err != nil || !found {
		return err
	}
	done := make(chan error, 1)
	r.loop.Post(func() { done <- conn.RestoreTrackingStates(blob) })
	select {
	case restoreErr := <-done:
		return restoreErr
	case <-time.After(loopCallTimeout):
		return fmt.Errorf("control loop busy, snapshot for %s not restored", conn.DisplayName())
	}
}

// RecordExecutor upserts an executor's config and latest status.
func (r *Recorder) RecordExecutor(rec *model.ExecutorModel) error {
	return r.inTx(func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Executors().Upsert(ctx, rec)
	})
}

func (r *Recorder) inTx(fn func(context.Context, store.UnitOfWork) error) error {
	ctx := context.Background()
	uow, err := r.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(ctx, uow); err != nil {
		if rbErr := uow.Rollback(); rbErr != nil {
			logger.Warnf("recorder: rollback failed: %v", rbErr)
		}
		return err
	}
	return uow.Commit()
}

func splitTradingPair(pair string) (base, quote string) {
	parts := strings.SplitN(pair, "-", 2)
	if len(parts) != 2 {
		return pair, ""
	}
	return parts[0], parts[1]
}

func positionOrNil(p events.PositionAction) string {
	if p == "" {
		return string(events.PositionNil)
	}
	return string(p)
}

func orDefaultLeverage(lev int) int {
	if lev <= 0 {
		return 1
	}
	return lev
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return nowMillis()
	}
	return t.UnixMilli()
}

func nowMillis() int64 { return time.Now().UnixMilli() }
