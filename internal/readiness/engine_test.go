package readiness_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/quality"
	"github.com/tidemill/weir/internal/readiness"
	"github.com/tidemill/weir/internal/registry"
	"github.com/tidemill/weir/internal/schema"
)

func testPolicy() *quality.StalenessPolicy {
	return quality.NewStalenessPolicy([]quality.StalenessRule{
		{Topic: "market:price_canonical", StaleThresholdMs: 5_000, MinSamples: 1},
	})
}

func newEngine(t *testing.T, b *bus.Bus, cfg readiness.Config, reg *registry.Registry) *readiness.Engine {
	t.Helper()
	engine := readiness.NewEngine(b, cfg, reg, testPolicy(), clock.NewManual(time.UnixMilli(0)).Now, zerolog.Nop())
	require.NoError(t, engine.Start())
	t.Cleanup(engine.Stop)
	return engine
}

func futTicker(venue string, ts int64) schema.TickerEvent {
	streamID := schema.BuildStreamID(venue, schema.MarketFutures, schema.ChannelTicker)
	return schema.TickerEvent{
		Meta:       schema.NewMeta("test", schema.WithTsEvent(schema.TimeMS(ts)), schema.WithStream(streamID)),
		Symbol:     "BTCUSDT",
		MarketType: schema.MarketFutures,
		StreamID:   streamID,
		Last:       50_000,
	}
}

func collectStatus(b *bus.Bus) *[]schema.MarketDataStatus {
	var statuses []schema.MarketDataStatus
	bus.Subscribe(b, schema.TopicMarketDataStatus, func(s schema.MarketDataStatus) {
		statuses = append(statuses, s)
	})
	return &statuses
}

func TestStatusEmittedOnBucketCloseWithWarmup(t *testing.T) {
	b := bus.New(zerolog.Nop())
	reg := registry.New(map[string][]string{
		string(schema.BlockPrice): {"binance", "bybit"},
	})
	newEngine(t, b, readiness.Config{Symbol: "BTCUSDT", Market: schema.MarketFutures, BucketMs: 60_000}, reg)
	statuses := collectStatus(b)

	bus.Publish(b, schema.TopicTicker, futTicker("binance", 1_000))
	bus.Publish(b, schema.TopicTicker, futTicker("bybit", 56_000))
	require.Empty(t, *statuses)

	bus.Publish(b, schema.TopicTicker, futTicker("binance", 61_000))
	require.Len(t, *statuses, 1)

	status := (*statuses)[0]
	require.True(t, status.WarmingUp)
	require.InDelta(t, 0.5, status.WarmingProgress, 1e-9)
	require.Equal(t, 1.0, status.BlockConfidence.Price)
	require.False(t, status.Degraded)
	require.Equal(t, schema.TimeMS(0), status.LastBucketTs)
	require.Equal(t, 2, status.ActiveSources.Raw)
}

func TestSourcesMissingAfterWarmup(t *testing.T) {
	b := bus.New(zerolog.Nop())
	reg := registry.New(map[string][]string{
		string(schema.BlockPrice): {"binance", "bybit"},
	})
	newEngine(t, b, readiness.Config{
		Symbol: "BTCUSDT", Market: schema.MarketFutures,
		BucketMs: 60_000, WarmupMs: 1_000,
	}, reg)
	statuses := collectStatus(b)

	bus.Publish(b, schema.TopicTicker, futTicker("binance", 1_000))
	bus.Publish(b, schema.TopicTicker, futTicker("binance", 61_000))

	require.Len(t, *statuses, 1)
	status := (*statuses)[0]
	require.False(t, status.WarmingUp)
	require.True(t, status.Degraded)
	require.Contains(t, status.DegradedReasons, schema.DegradedSourcesMissing)
	require.InDelta(t, 0.5, status.BlockConfidence.Price, 1e-9)
}

func TestMismatchPenalizesBlockAndDegrades(t *testing.T) {
	b := bus.New(zerolog.Nop())
	reg := registry.New(map[string][]string{
		string(schema.BlockPrice): {"binance", "bybit"},
	})
	newEngine(t, b, readiness.Config{Symbol: "BTCUSDT", Market: schema.MarketFutures, BucketMs: 60_000}, reg)
	statuses := collectStatus(b)
	var priceConfidence []schema.ConfidenceEvent
	bus.Subscribe(b, schema.TopicConfidence, func(e schema.ConfidenceEvent) {
		if e.Block == schema.BlockPrice {
			priceConfidence = append(priceConfidence, e)
		}
	})

	bus.Publish(b, schema.TopicTicker, futTicker("binance", 58_000))
	bus.Publish(b, schema.TopicTicker, futTicker("bybit", 59_000))
	bus.Publish(b, schema.TopicMismatch, schema.MismatchEvent{
		Meta:          schema.NewMeta("test", schema.WithTsEvent(60_000)),
		Symbol:        "BTCUSDT",
		MarketType:    schema.MarketFutures,
		Metric:        "price",
		MismatchCount: 1,
	})

	require.Len(t, *statuses, 1)
	status := (*statuses)[0]
	require.True(t, status.Degraded)
	require.Contains(t, status.DegradedReasons, schema.DegradedMismatchDetected)
	require.InDelta(t, 0.5, status.BlockConfidence.Price, 1e-9)

	last := priceConfidence[len(priceConfidence)-1]
	require.Contains(t, last.Penalties, "MISMATCH x0.50")

	// Flags clear at bucket close; the following bucket reads clean.
	bus.Publish(b, schema.TopicTicker, futTicker("binance", 61_000))
	bus.Publish(b, schema.TopicTicker, futTicker("binance", 121_000))
	final := (*statuses)[len(*statuses)-1]
	require.NotContains(t, final.DegradedReasons, schema.DegradedMismatchDetected)
}

func TestDisconnectDegradesUntilRecoveryWindowPasses(t *testing.T) {
	b := bus.New(zerolog.Nop())
	reg := registry.New(nil)
	newEngine(t, b, readiness.Config{
		Symbol: "BTCUSDT", Market: schema.MarketFutures,
		BucketMs: 60_000, WSRecoveryWindowMs: 10_000,
	}, reg)
	statuses := collectStatus(b)
	var degradedSources []schema.SourceStateEvent
	bus.Subscribe(b, schema.TopicSourceDegraded, func(e schema.SourceStateEvent) {
		degradedSources = append(degradedSources, e)
	})

	bybitStream := schema.BuildStreamID("bybit", schema.MarketFutures, schema.ChannelTicker)
	bus.Publish(b, schema.TopicTicker, futTicker("binance", 1_000))
	bus.Publish(b, schema.TopicTicker, futTicker("bybit", 2_000))

	bus.Publish(b, schema.TopicDisconnected, schema.ConnectionEvent{
		Meta:       schema.NewMeta("test", schema.WithTsEvent(5_000)),
		Venue:      "bybit",
		MarketType: schema.MarketFutures,
		StreamIDs:  []string{bybitStream},
	})
	require.Len(t, *statuses, 1)
	require.True(t, (*statuses)[0].Degraded)
	require.Contains(t, (*statuses)[0].DegradedReasons, schema.DegradedWSDisconnected)
	require.Len(t, degradedSources, 1)
	require.Equal(t, bybitStream, degradedSources[0].StreamID)

	// Reconnecting inside the recovery window keeps the reason; no re-emit.
	bus.Publish(b, schema.TopicConnected, schema.ConnectionEvent{
		Meta:       schema.NewMeta("test", schema.WithTsEvent(6_000)),
		Venue:      "bybit",
		MarketType: schema.MarketFutures,
		StreamIDs:  []string{bybitStream},
	})
	require.Len(t, *statuses, 1)

	// Past the window the next bucket close reads clean.
	bus.Publish(b, schema.TopicTicker, futTicker("binance", 61_000))
	require.Len(t, *statuses, 2)
	require.False(t, (*statuses)[1].Degraded)
}

func TestFlowLowConfidenceAndBucketMismatchWarning(t *testing.T) {
	b := bus.New(zerolog.Nop())
	reg := registry.New(nil)
	newEngine(t, b, readiness.Config{
		Symbol: "BTCUSDT", Market: schema.MarketFutures,
		BucketMs: 60_000, FlowLowConfThreshold: 0.5,
	}, reg)
	statuses := collectStatus(b)

	bus.Publish(b, schema.TopicPriceCanonical, schema.CanonicalPriceEvent{
		AggregateCore: schema.AggregateCore{
			Meta:       schema.NewMeta("test", schema.WithTsEvent(1_000)),
			Symbol:     "BTCUSDT",
			MarketType: schema.MarketFutures,
		},
		Price: 50_000,
	})
	bus.Publish(b, schema.TopicFlow, schema.FlowSnapshot{
		Meta:        schema.NewMeta("test", schema.WithTsEvent(120_000)),
		Symbol:      "BTCUSDT",
		MarketType:  schema.MarketFutures,
		BucketTs:    60_000,
		BucketEndTs: 120_000,
		Confidence:  0.2,
	})

	require.Len(t, *statuses, 1)
	status := (*statuses)[0]
	require.Contains(t, status.DegradedReasons, schema.DegradedFlowLowConf)
	// Latest price sits in a bucket behind the flow bucket.
	require.Contains(t, status.Warnings, schema.WarningPriceBucketMismatch)
}

func TestSequenceBreakDegrades(t *testing.T) {
	b := bus.New(zerolog.Nop())
	reg := registry.New(nil)
	newEngine(t, b, readiness.Config{Symbol: "BTCUSDT", Market: schema.MarketFutures, BucketMs: 60_000}, reg)
	statuses := collectStatus(b)

	bus.Publish(b, schema.TopicSeqGapOrOutOfOrder, schema.OutOfOrderEvent{
		Meta:     schema.NewMeta("test", schema.WithTsEvent(1_000)),
		StreamID: "binance:futures:trade",
		Topic:    schema.TopicTrade.Name(),
		Symbol:   "BTCUSDT",
	})

	require.Len(t, *statuses, 1)
	require.Contains(t, (*statuses)[0].DegradedReasons, schema.DegradedSeqBroken)
}

func TestSourceCapClampsBlockScore(t *testing.T) {
	b := bus.New(zerolog.Nop())
	reg := registry.New(map[string][]string{
		string(schema.BlockPrice): {"binance"},
	})
	newEngine(t, b, readiness.Config{
		Symbol: "BTCUSDT", Market: schema.MarketFutures,
		BucketMs:   60_000,
		SourceCaps: map[string]float64{"binance:futures:ticker": 0.7},
	}, reg)
	statuses := collectStatus(b)

	bus.Publish(b, schema.TopicTicker, futTicker("binance", 59_000))
	bus.Publish(b, schema.TopicTicker, futTicker("binance", 61_000))

	require.Len(t, *statuses, 1)
	require.InDelta(t, 0.7, (*statuses)[0].BlockConfidence.Price, 1e-9)
}

func TestPriceStaleReason(t *testing.T) {
	b := bus.New(zerolog.Nop())
	reg := registry.New(nil)
	newEngine(t, b, readiness.Config{Symbol: "BTCUSDT", Market: schema.MarketFutures, BucketMs: 60_000}, reg)
	statuses := collectStatus(b)

	bus.Publish(b, schema.TopicPriceCanonical, schema.CanonicalPriceEvent{
		AggregateCore: schema.AggregateCore{
			Meta:       schema.NewMeta("test", schema.WithTsEvent(1_000)),
			Symbol:     "BTCUSDT",
			MarketType: schema.MarketFutures,
		},
		Price: 50_000,
	})
	bus.Publish(b, schema.TopicTicker, futTicker("binance", 2_000))
	bus.Publish(b, schema.TopicTicker, futTicker("binance", 61_000))

	require.Len(t, *statuses, 1)
	require.Contains(t, (*statuses)[0].DegradedReasons, schema.DegradedPriceStale)
}

func TestStaleSourceRaisesSingleEventUntilRecovery(t *testing.T) {
	b := bus.New(zerolog.Nop())
	reg := registry.New(nil)
	newEngine(t, b, readiness.Config{Symbol: "BTCUSDT", Market: schema.MarketFutures, BucketMs: 60_000}, reg)

	var stales []schema.StaleEvent
	bus.Subscribe(b, schema.TopicStale, func(e schema.StaleEvent) { stales = append(stales, e) })

	binanceStream := schema.BuildStreamID("binance", schema.MarketFutures, schema.ChannelTicker)

	bus.Publish(b, schema.TopicTicker, futTicker("binance", 1_000))
	require.Empty(t, stales)

	// binance aged past the default cutoff; flagged exactly once even though
	// later events keep evaluating.
	bus.Publish(b, schema.TopicTicker, futTicker("bybit", 20_000))
	require.Len(t, stales, 1)
	require.Equal(t, binanceStream, stales[0].StreamID)
	require.Equal(t, int64(19_000), stales[0].AgeMs)
	require.Equal(t, int64(10_000), stales[0].ThresholdMs)

	bus.Publish(b, schema.TopicTicker, futTicker("bybit", 22_000))
	require.Len(t, stales, 1)

	// Fresh data clears the flag; going stale again raises a new event.
	bus.Publish(b, schema.TopicTicker, futTicker("binance", 23_000))
	bus.Publish(b, schema.TopicTicker, futTicker("bybit", 40_000))
	require.Len(t, stales, 2)
	require.Equal(t, binanceStream, stales[1].StreamID)
}
