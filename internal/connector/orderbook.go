package connector

import "github.com/shopspring/decimal"

// Level is one price level of an order book side.
type Level struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// OrderBook is a depth snapshot. Bids are sorted best (highest) first,
// asks best (lowest) first.
type OrderBook struct {
	TradingPair string
	Bids        []Level
	Asks        []Level
}

// MidPrice returns the midpoint of the best bid and ask, or zero when
// either side is empty.
func (b *OrderBook) MidPrice() decimal.Decimal {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return decimal.Zero
	}
	two := decimal.NewFromInt(2)
	return b.Bids[0].Price.Add(b.Asks[0].Price).Div(two)
}

// BaseForQuote walks the ask side and returns how much base asset the
// given quote notional buys, consuming depth level by level. The second
// return reports whether the book held enough depth.
func (b *OrderBook) BaseForQuote(quote decimal.Decimal) (decimal.Decimal, bool) {
	remaining := quote
	acquired := decimal.Zero
	for _, lvl := range b.Asks {
		if remaining.Sign() <= 0 {
			break
		}
		levelQuote := lvl.Price.Mul(lvl.Amount)
		if levelQuote.GreaterThanOrEqual(remaining) {
			acquired = acquired.Add(remaining.Div(lvl.Price))
			remaining = decimal.Zero
			break
		}
		acquired = acquired.Add(lvl.Amount)
		remaining = remaining.Sub(levelQuote)
	}
	return acquired, remaining.Sign() <= 0
}

// QuoteForBase walks the bid side and returns the quote proceeds of
// selling the given base amount.
func (b *OrderBook) QuoteForBase(base decimal.Decimal) (decimal.Decimal, bool) {
	remaining := base
	proceeds := decimal.Zero
	for _, lvl := range b.Bids {
		if remaining.Sign() <= 0 {
			break
		}
		if lvl.Amount.GreaterThanOrEqual(remaining) {
			proceeds = proceeds.Add(remaining.Mul(lvl.Price))
			remaining = decimal.Zero
			break
		}
		proceeds = proceeds.Add(lvl.Amount.Mul(lvl.Price))
		remaining = remaining.Sub(lvl.Amount)
	}
	return proceeds, remaining.Sign() <= 0
}
