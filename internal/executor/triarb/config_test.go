package triarb

import (
	"testing"

	"arbor/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDirections(t *testing.T) {
	direct, reverse, err := resolveDirections("USDT", []string{"ADA-USDT", "ADA-BTC", "BTC-USDT"})
	require.NoError(t, err)

	require.Len(t, direct.legs, 3)
	assert.Equal(t, leg{pair: "ADA-USDT", side: events.SideBuy}, direct.legs[0])
	assert.Equal(t, leg{pair: "ADA-BTC", side: events.SideSell}, direct.legs[1])
	assert.Equal(t, leg{pair: "BTC-USDT", side: events.SideSell}, direct.legs[2])

	require.Len(t, reverse.legs, 3)
	assert.Equal(t, leg{pair: "BTC-USDT", side: events.SideBuy}, reverse.legs[0])
	assert.Equal(t, leg{pair: "ADA-BTC", side: events.SideBuy}, reverse.legs[1])
	assert.Equal(t, leg{pair: "ADA-USDT", side: events.SideSell}, reverse.legs[2])
}

func TestResolveDirectionsRejectsBadShapes(t *testing.T) {
	cases := []struct {
		name    string
		holding string
		pairs   []string
	}{
		{"two pairs", "USDT", []string{"ADA-USDT", "ADA-BTC"}},
		{"four assets", "USDT", []string{"ADA-USDT", "ETH-BTC", "BTC-USDT"}},
		{"holding in one pair", "ADA", []string{"ADA-USDT", "ETH-USDT", "ETH-BTC"}},
		{"malformed pair", "USDT", []string{"ADAUSDT", "ADA-BTC", "BTC-USDT"}},
		{"duplicate pair", "USDT", []string{"ADA-USDT", "ADA-USDT", "BTC-USDT"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := resolveDirections(tc.holding, tc.pairs)
			assert.Error(t, err)
		})
	}
}
