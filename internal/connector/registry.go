package connector

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"arbor/internal/logger"
)

// OrderRegistry tracks the in-flight orders of one connector. It is
// mutated exclusively on the control loop, so it carries no locks
// (same discipline as the rest of the loop-owned state).
type OrderRegistry struct {
	connectorName string
	orders        map[string]*Order
	byExchangeID  map[string]string
}

func NewOrderRegistry(connectorName string) *OrderRegistry {
	return &OrderRegistry{
		connectorName: connectorName,
		orders:        make(map[string]*Order),
		byExchangeID:  make(map[string]string),
	}
}

func (r *OrderRegistry) AddOrder(o *Order) {
	if o == nil || o.ClientOrderID == "" {
		return
	}
	r.orders[o.ClientOrderID] = o
	if o.ExchangeOrderID != "" {
		r.byExchangeID[o.ExchangeOrderID] = o.ClientOrderID
	}
}

// GetOrder returns a not-found flag instead of an error: fills may
// legitimately arrive before the corresponding create event.
func (r *OrderRegistry) GetOrder(clientOrderID string) (*Order, bool) {
	o, ok := r.orders[clientOrderID]
	return o, ok
}

// GetOrderByExchangeID resolves an exchange-assigned id to the local
// order, using the correlation learned from creates or reconciliation.
func (r *OrderRegistry) GetOrderByExchangeID(exchangeOrderID string) (*Order, bool) {
	clientID, ok := r.byExchangeID[exchangeOrderID]
	if !ok {
		return nil, false
	}
	return r.GetOrder(clientID)
}

func (r *OrderRegistry) RemoveOrder(clientOrderID string) {
	if o, ok := r.orders[clientOrderID]; ok {
		if o.ExchangeOrderID != "" {
			delete(r.byExchangeID, o.ExchangeOrderID)
		}
		delete(r.orders, clientOrderID)
	}
}

// SetExchangeOrderID records the async exchange id assignment.
func (r *OrderRegistry) SetExchangeOrderID(clientOrderID, exchangeOrderID string) {
	o, ok := r.orders[clientOrderID]
	if !ok || exchangeOrderID == "" {
		return
	}
	o.ExchangeOrderID = exchangeOrderID
	r.byExchangeID[exchangeOrderID] = clientOrderID
}

// UpdateStatus mutates the tracked order's last status, ignoring
// unknown ids.
func (r *OrderRegistry) UpdateStatus(clientOrderID, status string, at time.Time) {
	if o, ok := r.orders[clientOrderID]; ok {
		o.LastStatus = status
		o.LastUpdateAt = at
	}
}

func (r *OrderRegistry) Len() int { return len(r.orders) }

// ActiveOrders returns the tracked orders sorted by client id for
// deterministic iteration.
func (r *OrderRegistry) ActiveOrders() []*Order {
	out := make([]*Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out
}

// TrackingStates serializes the in-flight order set as the opaque blob
// stored in the market state snapshot.
func (r *OrderRegistry) TrackingStates() ([]byte, error) {
	return json.Marshal(r.orders)
}

// ReconcileFromSnapshot repopulates the registry from a snapshot blob.
// It is idempotent; on an id collision with a currently tracked order
// the live entry wins and the incoming record is skipped.
func (r *OrderRegistry) ReconcileFromSnapshot(blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	var saved map[string]*Order
	if err := json.Unmarshal(blob, &saved); err != nil {
		return fmt.Errorf("decode tracking states for %s: %w", r.connectorName, err)
	}
	for id, o := range saved {
		if o == nil || id == "" {
			continue
		}
		if _, ok := r.orders[id]; ok {
			// live state always wins, regardless of timestamps: the
			// snapshot is at best as current as what the stream has
			// already applied
			logger.Warnf("registry %s: snapshot order %s collides with live state, keeping live", r.connectorName, id)
			continue
		}
		o.ClientOrderID = id
		r.AddOrder(o)
	}
	return nil
}

// ReconcileExchangeIDs merges exchange id -> client id correlations
// learned from historical trade fills at startup.
func (r *OrderRegistry) ReconcileExchangeIDs(mapping map[string]string) {
	for exchangeID, clientID := range mapping {
		if exchangeID == "" || clientID == "" {
			continue
		}
		if _, taken := r.byExchangeID[exchangeID]; taken {
			continue
		}
		r.byExchangeID[exchangeID] = clientID
		if o, ok := r.orders[clientID]; ok && o.ExchangeOrderID == "" {
			o.ExchangeOrderID = exchangeID
		}
	}
}
