package triarb

import (
	"fmt"
	"strings"

	"arbor/internal/events"

	"github.com/shopspring/decimal"
)

// Config drives one triangular arbitrage sequencer on a single venue.
// Amounts are denominated in the holding asset.
type Config struct {
	ID         string `mapstructure:"id"`
	Controller string `mapstructure:"controller_id"`
	Connector  string `mapstructure:"connector"`

	HoldingAsset string   `mapstructure:"holding_asset"`
	Pairs        []string `mapstructure:"pairs"`

	OrderAmount           decimal.Decimal `mapstructure:"order_amount"`
	MinProfitability      decimal.Decimal `mapstructure:"min_profitability"`
	KillSwitchRate        decimal.Decimal `mapstructure:"kill_switch_rate"`
	PlaceOrderTrialsLimit int             `mapstructure:"place_order_trials_limit"`
}

func (c Config) ExecutorID() string   { return c.ID }
func (c Config) ControllerID() string { return c.Controller }

// leg is one step of a round: trade on pair in side direction. The
// input asset is whatever the previous leg produced.
type leg struct {
	pair string
	side events.TradeSide
}

// direction is an ordered chain of legs starting and ending in the
// holding asset.
type direction struct {
	name string
	legs []leg
}

type parsedPair struct {
	pair  string
	base  string
	quote string
}

func (pp parsedPair) other(asset string) string {
	if pp.base == asset {
		return pp.quote
	}
	return pp.base
}

func (pp parsedPair) joins(a, b string) bool {
	return (pp.base == a && pp.quote == b) || (pp.base == b && pp.quote == a)
}

// toward returns the leg converting the pair's other asset into want:
// buying acquires the base, selling acquires the quote.
func (pp parsedPair) toward(want string) leg {
	if pp.base == want {
		return leg{pair: pp.pair, side: events.SideBuy}
	}
	return leg{pair: pp.pair, side: events.SideSell}
}

// resolveDirections validates that the configured pairs share exactly
// the required common-asset structure: three pairs covering the holding
// asset plus exactly two intermediate assets, each asset appearing in
// exactly two pairs. It returns the direct and reverse leg chains.
func resolveDirections(holding string, pairs []string) (direct, reverse direction, err error) {
	if len(pairs) != 3 {
		return direct, reverse, fmt.Errorf("triangular arbitrage needs exactly 3 pairs, got %d", len(pairs))
	}
	parsed := make([]parsedPair, 0, 3)
	occurrences := make(map[string]int)
	for _, p := range pairs {
		parts := strings.SplitN(p, "-", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return direct, reverse, fmt.Errorf("malformed trading pair %q", p)
		}
		parsed = append(parsed, parsedPair{pair: p, base: parts[0], quote: parts[1]})
		occurrences[parts[0]]++
		occurrences[parts[1]]++
	}
	if len(occurrences) != 3 {
		return direct, reverse, fmt.Errorf("pairs %v must cover exactly 3 assets, got %d", pairs, len(occurrences))
	}
	if occurrences[holding] != 2 {
		return direct, reverse, fmt.Errorf("holding asset %s must appear in exactly 2 of %v", holding, pairs)
	}
	for asset, n := range occurrences {
		if n != 2 {
			return direct, reverse, fmt.Errorf("asset %s must appear in exactly 2 pairs, appears in %d", asset, n)
		}
	}

	var holdPairs []parsedPair
	var cross parsedPair
	for _, pp := range parsed {
		if pp.base == holding || pp.quote == holding {
			holdPairs = append(holdPairs, pp)
		} else {
			cross = pp
		}
	}
	if len(holdPairs) != 2 || cross.pair == "" {
		return direct, reverse, fmt.Errorf("pairs %v do not form a triangle over %s", pairs, holding)
	}
	holdA, holdB := holdPairs[0], holdPairs[1]
	assetA := holdA.other(holding)
	assetB := holdB.other(holding)
	if !cross.joins(assetA, assetB) {
		return direct, reverse, fmt.Errorf("cross pair %s does not join %s and %s", cross.pair, assetA, assetB)
	}

	// Direct walks holding -> a -> b -> holding; reverse walks the same
	// triangle the other way round.
	direct = direction{name: "direct", legs: []leg{
		holdA.toward(assetA),
		cross.toward(assetB),
		holdB.toward(holding),
	}}
	reverse = direction{name: "reverse", legs: []leg{
		holdB.toward(assetB),
		cross.toward(assetA),
		holdA.toward(holding),
	}}
	return direct, reverse, nil
}
