package connector

import (
	"testing"
	"time"

	"arbor/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackedOrder(id string, at time.Time) *Order {
	return &Order{
		ClientOrderID: id,
		TradingPair:   "ADA-USDT",
		Side:          events.SideBuy,
		Type:          events.OrderTypeLimit,
		Amount:        dec("10"),
		Price:         dec("0.5"),
		CreatedAt:     at,
		LastStatus:    "OPEN",
		LastUpdateAt:  at,
	}
}

func TestRegistryTrackingRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	src := NewOrderRegistry("binance")
	src.AddOrder(trackedOrder("a", now))
	src.AddOrder(trackedOrder("b", now))

	blob, err := src.TrackingStates()
	require.NoError(t, err)

	dst := NewOrderRegistry("binance")
	require.NoError(t, dst.ReconcileFromSnapshot(blob))
	assert.Equal(t, 2, dst.Len())

	got, ok := dst.GetOrder("a")
	require.True(t, ok)
	assert.Equal(t, "ADA-USDT", got.TradingPair)
	assert.True(t, got.Amount.Equal(dec("10")))
}

func TestReconcileIsIdempotent(t *testing.T) {
	now := time.Now()
	src := NewOrderRegistry("binance")
	src.AddOrder(trackedOrder("a", now))
	blob, err := src.TrackingStates()
	require.NoError(t, err)

	dst := NewOrderRegistry("binance")
	require.NoError(t, dst.ReconcileFromSnapshot(blob))
	require.NoError(t, dst.ReconcileFromSnapshot(blob))
	assert.Equal(t, 1, dst.Len())
}

func TestReconcileLiveStateWins(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	snapshotReg := NewOrderRegistry("binance")
	stale := trackedOrder("a", old)
	stale.LastStatus = "OPEN"
	snapshotReg.AddOrder(stale)
	blob, err := snapshotReg.TrackingStates()
	require.NoError(t, err)

	live := NewOrderRegistry("binance")
	fresh := trackedOrder("a", time.Now())
	fresh.LastStatus = "PARTIALLY_FILLED"
	live.AddOrder(fresh)

	require.NoError(t, live.ReconcileFromSnapshot(blob))
	got, ok := live.GetOrder("a")
	require.True(t, ok)
	assert.Equal(t, "PARTIALLY_FILLED", got.LastStatus)
}

func TestReconcileLiveStateWinsOverNewerSnapshot(t *testing.T) {
	now := time.Now()
	snapshotReg := NewOrderRegistry("binance")
	newer := trackedOrder("a", now.Add(time.Second))
	newer.LastStatus = "CANCELED"
	snapshotReg.AddOrder(newer)
	blob, err := snapshotReg.TrackingStates()
	require.NoError(t, err)

	// even a snapshot record with a later timestamp never replaces live
	// state; only untracked ids are adopted
	live := NewOrderRegistry("binance")
	tracked := trackedOrder("a", now)
	tracked.LastStatus = "OPEN"
	live.AddOrder(tracked)

	require.NoError(t, live.ReconcileFromSnapshot(blob))
	got, ok := live.GetOrder("a")
	require.True(t, ok)
	assert.Equal(t, "OPEN", got.LastStatus)
	assert.Equal(t, 1, live.Len())
}

func TestReconcileRejectsGarbage(t *testing.T) {
	reg := NewOrderRegistry("binance")
	assert.Error(t, reg.ReconcileFromSnapshot([]byte("not json")))
	assert.NoError(t, reg.ReconcileFromSnapshot(nil))
}

func TestReconcileExchangeIDs(t *testing.T) {
	reg := NewOrderRegistry("binance")
	reg.AddOrder(trackedOrder("a", time.Now()))
	reg.ReconcileExchangeIDs(map[string]string{"ex-1": "a", "ex-2": "gone"})

	got, ok := reg.GetOrderByExchangeID("ex-1")
	require.True(t, ok)
	assert.Equal(t, "a", got.ClientOrderID)
	assert.Equal(t, "ex-1", got.ExchangeOrderID)

	// correlation for an untracked order resolves to nothing but is kept
	_, ok = reg.GetOrderByExchangeID("ex-2")
	assert.False(t, ok)
}

func TestSetExchangeOrderID(t *testing.T) {
	reg := NewOrderRegistry("binance")
	reg.AddOrder(trackedOrder("a", time.Now()))
	reg.SetExchangeOrderID("a", "ex-9")

	got, ok := reg.GetOrderByExchangeID("ex-9")
	require.True(t, ok)
	assert.Equal(t, "a", got.ClientOrderID)

	reg.RemoveOrder("a")
	_, ok = reg.GetOrderByExchangeID("ex-9")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}
