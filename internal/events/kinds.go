package events

// Kind identifies a lifecycle event published by a connector.
type Kind int

const (
	KindUnknown Kind = iota
	KindBuyOrderCreated
	KindSellOrderCreated
	KindOrderFilled
	KindOrderCancelled
	KindOrderFailure
	KindBuyOrderCompleted
	KindSellOrderCompleted
	KindOrderExpired
	KindFundingPaymentCompleted
	KindRangePositionInitiated
	KindRangePositionUpdated
)

func (k Kind) String() string {
	switch k {
	case KindBuyOrderCreated:
		return "BuyOrderCreated"
	case KindSellOrderCreated:
		return "SellOrderCreated"
	case KindOrderFilled:
		return "OrderFilled"
	case KindOrderCancelled:
		return "OrderCancelled"
	case KindOrderFailure:
		return "OrderFailure"
	case KindBuyOrderCompleted:
		return "BuyOrderCompleted"
	case KindSellOrderCompleted:
		return "SellOrderCompleted"
	case KindOrderExpired:
		return "OrderExpired"
	case KindFundingPaymentCompleted:
		return "FundingPaymentCompleted"
	case KindRangePositionInitiated:
		return "RangePositionInitiated"
	case KindRangePositionUpdated:
		return "RangePositionUpdated"
	default:
		return "Unknown"
	}
}

// AllKinds lists every lifecycle kind a recorder subscribes to.
func AllKinds() []Kind {
	return []Kind{
		KindBuyOrderCreated,
		KindSellOrderCreated,
		KindOrderFilled,
		KindOrderCancelled,
		KindOrderFailure,
		KindBuyOrderCompleted,
		KindSellOrderCompleted,
		KindOrderExpired,
		KindFundingPaymentCompleted,
		KindRangePositionInitiated,
		KindRangePositionUpdated,
	}
}
