package marketctx_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/marketctx"
	"github.com/tidemill/weir/internal/schema"
)

func newBuilder(t *testing.T, b *bus.Bus) *marketctx.ContextBuilder {
	t.Helper()
	builder := marketctx.NewContextBuilder(b, marketctx.Config{
		MacroTfs:         []string{"1h", "4h"},
		HighVolThreshold: 2,
	}, zerolog.Nop())
	require.NoError(t, builder.Start())
	t.Cleanup(builder.Stop)
	return builder
}

func readyEvent(reason, tf string) schema.ReadyEvent {
	return schema.ReadyEvent{
		Meta:       schema.NewMeta("test", schema.WithTsEvent(1_000)),
		Symbol:     "BTCUSDT",
		MarketType: schema.MarketFutures,
		Reason:     reason,
		Timeframe:  tf,
	}
}

func klineFeatures(tf string, emaFast, emaSlow, slope, atrPct float64) schema.KlineFeatures {
	return schema.KlineFeatures{
		Meta:         schema.NewMeta("test", schema.WithTsEvent(1_000)),
		Symbol:       "BTCUSDT",
		MarketType:   schema.MarketFutures,
		Timeframe:    tf,
		Close:        100,
		EMAFast:      &emaFast,
		EMASlow:      &emaSlow,
		EMASlowSlope: &slope,
		ATRPct:       &atrPct,
		WarmedUp:     true,
	}
}

func TestMacroReadinessRequiresAllTimeframes(t *testing.T) {
	b := bus.New(zerolog.Nop())
	newBuilder(t, b)

	var macro []schema.ReadyEvent
	bus.Subscribe(b, schema.TopicReady, func(e schema.ReadyEvent) {
		if e.Reason == schema.ReadyMacroWarmup {
			macro = append(macro, e)
		}
	})

	bus.Publish(b, schema.TopicReady, readyEvent(schema.ReadyTickerWarmup, ""))
	bus.Publish(b, schema.TopicReady, readyEvent(schema.ReadyKlineWarmup, "4h"))
	require.Empty(t, macro)

	bus.Publish(b, schema.TopicReady, readyEvent(schema.ReadyKlineWarmup, "1h"))
	require.Len(t, macro, 1)
	require.Equal(t, []string{"1h", "4h"}, macro[0].ReadyTfs)

	// One-shot: repeated readiness does not re-fire.
	bus.Publish(b, schema.TopicReady, readyEvent(schema.ReadyKlineWarmup, "1h"))
	require.Len(t, macro, 1)
}

func TestMacroReadinessWaitsForTickerPath(t *testing.T) {
	b := bus.New(zerolog.Nop())
	newBuilder(t, b)

	var macro []schema.ReadyEvent
	bus.Subscribe(b, schema.TopicReady, func(e schema.ReadyEvent) {
		if e.Reason == schema.ReadyMacroWarmup {
			macro = append(macro, e)
		}
	})

	bus.Publish(b, schema.TopicReady, readyEvent(schema.ReadyKlineWarmup, "1h"))
	bus.Publish(b, schema.TopicReady, readyEvent(schema.ReadyKlineWarmup, "4h"))
	require.Empty(t, macro)

	bus.Publish(b, schema.TopicReady, readyEvent(schema.ReadyTickerWarmup, ""))
	require.Len(t, macro, 1)
}

func TestRegimeTrendRequiresUnanimity(t *testing.T) {
	b := bus.New(zerolog.Nop())
	newBuilder(t, b)

	var contexts []schema.MarketContext
	bus.Subscribe(b, schema.TopicContext, func(e schema.MarketContext) {
		contexts = append(contexts, e)
	})

	// Both macro tfs bull: fast above slow with positive slope, low vol.
	bus.Publish(b, schema.TopicKlineFeatures, klineFeatures("1h", 110, 100, 1, 0.5))
	bus.Publish(b, schema.TopicKlineFeatures, klineFeatures("4h", 120, 100, 2, 0.5))
	require.NotEmpty(t, contexts)
	require.Equal(t, schema.RegimeTrendBull, contexts[len(contexts)-1].RegimeV2)
	require.Equal(t, schema.RegimeCalm, contexts[len(contexts)-1].Regime)

	// One tf flips bear: mixed trends read calm_range.
	bus.Publish(b, schema.TopicKlineFeatures, klineFeatures("4h", 90, 100, -1, 0.5))
	require.Equal(t, schema.RegimeCalmRange, contexts[len(contexts)-1].RegimeV2)
}

func TestRegimeStormDominates(t *testing.T) {
	b := bus.New(zerolog.Nop())
	newBuilder(t, b)

	var contexts []schema.MarketContext
	bus.Subscribe(b, schema.TopicContext, func(e schema.MarketContext) {
		contexts = append(contexts, e)
	})

	bus.Publish(b, schema.TopicKlineFeatures, klineFeatures("1h", 110, 100, 1, 0.5))
	// atrPct at the threshold reads storm even while the other tf trends.
	bus.Publish(b, schema.TopicKlineFeatures, klineFeatures("4h", 120, 100, 2, 2.0))

	last := contexts[len(contexts)-1]
	require.Equal(t, schema.RegimeStorm, last.RegimeV2)
	require.Equal(t, schema.RegimeVolatile, last.Regime)
}

func TestViewBuilderComposesAndMirrorsRegime(t *testing.T) {
	b := bus.New(zerolog.Nop())
	view := marketctx.NewViewBuilder(b, zerolog.Nop())
	require.NoError(t, view.Start())
	defer view.Stop()

	var views []schema.MarketView
	bus.Subscribe(b, schema.TopicMarketView, func(e schema.MarketView) {
		views = append(views, e)
	})
	var regimes []schema.RegimeEvent
	bus.Subscribe(b, schema.TopicRegime, func(e schema.RegimeEvent) {
		regimes = append(regimes, e)
	})

	bus.Publish(b, schema.TopicPriceCanonical, schema.CanonicalPriceEvent{
		AggregateCore: schema.AggregateCore{
			Meta:       schema.NewMeta("test", schema.WithTsEvent(1_000)),
			Symbol:     "BTCUSDT",
			MarketType: schema.MarketFutures,
		},
		Price:         50_000,
		PriceTypeUsed: schema.PriceIndex,
	})
	require.Len(t, views, 1)
	require.NotNil(t, views[0].Price)
	require.Nil(t, views[0].Context)

	bus.Publish(b, schema.TopicContext, schema.MarketContext{
		Meta:       schema.NewMeta("test", schema.WithTsEvent(1_100)),
		Symbol:     "BTCUSDT",
		MarketType: schema.MarketFutures,
		Regime:     schema.RegimeCalm,
		RegimeV2:   schema.RegimeTrendBull,
	})
	require.Len(t, views, 2)
	require.NotNil(t, views[1].Price)
	require.NotNil(t, views[1].Context)
	require.Len(t, regimes, 1)
	require.Equal(t, schema.RegimeTrendBull, regimes[0].RegimeV2)
}
