package features_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/features"
	"github.com/tidemill/weir/internal/schema"
)

func candle(ts int64, tf string, high, low, close float64) schema.KlineEvent {
	return schema.KlineEvent{
		Meta:       schema.NewMeta("test", schema.WithTsEvent(schema.TimeMS(ts)), schema.WithStream("binance:futures:kline")),
		Symbol:     "BTCUSDT",
		MarketType: schema.MarketFutures,
		StreamID:   "binance:futures:kline",
		Timeframe:  tf,
		StartTs:    schema.TimeMS(ts - 60_000),
		EndTs:      schema.TimeMS(ts),
		Open:       close,
		High:       high,
		Low:        low,
		Close:      close,
		Volume:     1,
		Closed:     true,
	}
}

func smallKlineConfig() features.KlineConfig {
	return features.KlineConfig{
		EMAFast:     2,
		EMASlow:     3,
		RSIPeriod:   2,
		ATRPeriod:   2,
		SlopeWindow: 3,
	}
}

func TestKlineWarmupAndOneShotReadyPerTimeframe(t *testing.T) {
	b := bus.New(zerolog.Nop())
	engine := features.NewKlineEngine(b, smallKlineConfig(), zerolog.Nop())
	require.NoError(t, engine.Start())
	defer engine.Stop()

	var emitted []schema.KlineFeatures
	bus.Subscribe(b, schema.TopicKlineFeatures, func(e schema.KlineFeatures) {
		emitted = append(emitted, e)
	})
	var ready []schema.ReadyEvent
	bus.Subscribe(b, schema.TopicReady, func(e schema.ReadyEvent) {
		ready = append(ready, e)
	})

	// Warmup is max(emaSlow, rsi+1, atr+1) = 3 closed candles.
	closes := []float64{100, 102, 101, 103, 105}
	for i, c := range closes {
		bus.Publish(b, schema.TopicKline, candle(int64(60_000*(i+1)), "1m", c+1, c-1, c))
	}

	require.Len(t, emitted, 5)
	require.False(t, emitted[0].WarmedUp)
	require.False(t, emitted[1].WarmedUp)
	require.True(t, emitted[2].WarmedUp)
	require.NotNil(t, emitted[2].EMAFast)
	require.NotNil(t, emitted[2].EMASlow)
	require.NotNil(t, emitted[2].RSI)
	require.NotNil(t, emitted[2].ATR)
	require.NotNil(t, emitted[4].ATRPct)

	require.Len(t, ready, 1)
	require.Equal(t, schema.ReadyKlineWarmup, ready[0].Reason)
	require.Equal(t, "1m", ready[0].Timeframe)

	// A second timeframe warms up independently.
	for i, c := range closes {
		bus.Publish(b, schema.TopicKline, candle(int64(300_000*(i+1)), "5m", c+1, c-1, c))
	}
	require.Len(t, ready, 2)
	require.Equal(t, "5m", ready[1].Timeframe)
}

func TestKlineIgnoresOpenCandles(t *testing.T) {
	b := bus.New(zerolog.Nop())
	engine := features.NewKlineEngine(b, smallKlineConfig(), zerolog.Nop())
	require.NoError(t, engine.Start())
	defer engine.Stop()

	var emitted []schema.KlineFeatures
	bus.Subscribe(b, schema.TopicKlineFeatures, func(e schema.KlineFeatures) {
		emitted = append(emitted, e)
	})

	open := candle(60_000, "1m", 101, 99, 100)
	open.Closed = false
	bus.Publish(b, schema.TopicKline, open)
	require.Empty(t, emitted)
}

func TestKlineIndicatorValues(t *testing.T) {
	b := bus.New(zerolog.Nop())
	engine := features.NewKlineEngine(b, smallKlineConfig(), zerolog.Nop())
	require.NoError(t, engine.Start())
	defer engine.Stop()

	var emitted []schema.KlineFeatures
	bus.Subscribe(b, schema.TopicKlineFeatures, func(e schema.KlineFeatures) {
		emitted = append(emitted, e)
	})

	// Monotonic rise: RSI pegs at 100, EMAs trail the closes.
	closes := []float64{100, 110, 120, 130}
	for i, c := range closes {
		bus.Publish(b, schema.TopicKline, candle(int64(60_000*(i+1)), "1m", c, c, c))
	}

	last := emitted[3]
	require.NotNil(t, last.RSI)
	require.Equal(t, 100.0, *last.RSI)
	require.NotNil(t, last.EMAFast)
	require.NotNil(t, last.EMASlow)
	// The fast EMA tracks price more closely than the slow one.
	require.Greater(t, *last.EMAFast, *last.EMASlow)
	require.NotNil(t, last.EMASlowSlope)
	require.Greater(t, *last.EMASlowSlope, 0.0)
}

func TestKlineBootstrapSeedsChainAndReadiness(t *testing.T) {
	b := bus.New(zerolog.Nop())
	engine := features.NewKlineEngine(b, smallKlineConfig(), zerolog.Nop())
	require.NoError(t, engine.Start())
	defer engine.Stop()

	var emitted []schema.KlineFeatures
	bus.Subscribe(b, schema.TopicKlineFeatures, func(e schema.KlineFeatures) {
		emitted = append(emitted, e)
	})
	var ready []schema.ReadyEvent
	bus.Subscribe(b, schema.TopicReady, func(e schema.ReadyEvent) {
		ready = append(ready, e)
	})

	var klines []schema.KlineEvent
	for i := 0; i < 10; i++ {
		c := 100 + float64(i)
		klines = append(klines, candle(int64(60_000*(i+1)), "1m", c+1, c-1, c))
	}
	bus.Publish(b, schema.TopicKlineBootstrap, schema.KlineBootstrap{
		Meta:       schema.NewMeta("test"),
		Venue:      "binance",
		MarketType: schema.MarketFutures,
		StreamID:   "binance:futures:kline",
		Symbol:     "BTCUSDT",
		Timeframe:  "1m",
		Klines:     klines,
	})

	// The bootstrap alone satisfies warmup.
	require.Len(t, ready, 1)
	require.Equal(t, schema.ReadyKlineWarmup, ready[0].Reason)

	// The first live candle continues the seeded chain, fully warmed.
	bus.Publish(b, schema.TopicKline, candle(11*60_000, "1m", 111, 109, 110))
	require.Len(t, emitted, 1)
	live := emitted[0]
	require.True(t, live.WarmedUp)
	require.Equal(t, 11, live.SampleCount)
	require.NotNil(t, live.EMAFast)
	require.NotNil(t, live.RSI)
	require.NotNil(t, live.ATR)

	// A late bootstrap does not rewind a live chain.
	bus.Publish(b, schema.TopicKlineBootstrap, schema.KlineBootstrap{
		Meta:      schema.NewMeta("test"),
		Symbol:    "BTCUSDT",
		Timeframe: "1m",
		Klines:    klines[:3],
	})
	require.Len(t, ready, 1)
}
