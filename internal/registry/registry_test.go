package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidemill/weir/internal/schema"
)

func expected() map[string][]string {
	return map[string][]string{
		"price":       {"binance", "bybit", "okx"},
		"flow":        {"binance", "bybit"},
		"liquidity":   {"binance"},
		"derivatives": {"binance", "bybit"},
	}
}

func TestObserveAndCounts(t *testing.T) {
	r := New(expected())
	r.Observe("BTCUSDT", schema.MarketFutures, "binance:futures:trade", 1000, false)
	r.Observe("BTCUSDT", schema.MarketFutures, "bybit:futures:trade", 1100, false)
	r.Observe("BTCUSDT", schema.MarketFutures, "agg:all:cvd", 1200, true)
	// Older timestamp does not regress LastSeen.
	r.Observe("BTCUSDT", schema.MarketFutures, "binance:futures:trade", 900, false)

	counts := r.Counts("BTCUSDT", schema.MarketFutures)
	require.Equal(t, 1, counts.Agg)
	require.Equal(t, 2, counts.Raw)

	ts, ok := r.LastSeen("BTCUSDT", schema.MarketFutures, "binance:futures:trade")
	require.True(t, ok)
	require.Equal(t, schema.TimeMS(1000), ts)

	sources := r.Sources("BTCUSDT", schema.MarketFutures)
	require.Len(t, sources, 3)
	require.Equal(t, "agg:all:cvd", sources[0].StreamID)
	require.Equal(t, 2, sources[1].Samples)
}

func TestMarkDegradedTransitionsOnce(t *testing.T) {
	r := New(expected())
	r.Observe("BTCUSDT", schema.MarketFutures, "okx:futures:ticker", 500, false)

	require.True(t, r.MarkDegraded("BTCUSDT", schema.MarketFutures, "okx:futures:ticker", true))
	require.False(t, r.MarkDegraded("BTCUSDT", schema.MarketFutures, "okx:futures:ticker", true))
	require.True(t, r.MarkDegraded("BTCUSDT", schema.MarketFutures, "okx:futures:ticker", false))
	require.False(t, r.MarkDegraded("BTCUSDT", schema.MarketFutures, "unseen", true))
}

func TestExpectedStreams(t *testing.T) {
	r := New(expected())

	price := r.ExpectedStreams(schema.BlockPrice, schema.MarketFutures)
	require.Equal(t, []string{"binance:futures:ticker", "bybit:futures:ticker", "okx:futures:ticker"}, price)
	require.Equal(t, 3, r.ExpectedCount(schema.BlockPrice, schema.MarketFutures))

	// Derivatives channels do not exist on spot markets.
	require.Empty(t, r.ExpectedStreams(schema.BlockDerivatives, schema.MarketSpot))
	require.Equal(t, 2, r.ExpectedCount(schema.BlockDerivatives, schema.MarketFutures))
}

func TestMissingStreams(t *testing.T) {
	r := New(expected())
	r.Observe("BTCUSDT", schema.MarketFutures, "binance:futures:trade", 10_000, false)
	r.Observe("BTCUSDT", schema.MarketFutures, "bybit:futures:trade", 2_000, false)

	missing := r.MissingStreams("BTCUSDT", schema.MarketFutures, schema.BlockFlow, 5_000)
	require.Equal(t, []string{"bybit:futures:trade"}, missing)

	missing = r.MissingStreams("BTCUSDT", schema.MarketFutures, schema.BlockFlow, 1_000)
	require.Empty(t, missing)

	require.Nil(t, r.MissingStreams("BTCUSDT", schema.MarketSpot, schema.BlockDerivatives, 0))
}

func TestBlockOf(t *testing.T) {
	block, ok := BlockOf(schema.ChannelTicker)
	require.True(t, ok)
	require.Equal(t, schema.BlockPrice, block)

	block, ok = BlockOf(schema.ChannelFunding)
	require.True(t, ok)
	require.Equal(t, schema.BlockDerivatives, block)

	_, ok = BlockOf(schema.ChannelKline)
	require.False(t, ok)
}
