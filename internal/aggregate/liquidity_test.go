package aggregate_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/weir/internal/aggregate"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/schema"
)

const liqStream = "binance:futures:book"

func bookSnapshot(ts int64, updateID schema.SeqNum) schema.OrderbookSnapshotEvent {
	return schema.OrderbookSnapshotEvent{
		Meta:       schema.NewMeta("test", schema.WithTsEvent(schema.TimeMS(ts)), schema.WithStream(liqStream)),
		Symbol:     "BTCUSDT",
		MarketType: schema.MarketFutures,
		StreamID:   liqStream,
		Bids: []schema.PriceLevel{
			{Price: "50000", Quantity: "2"},
			{Price: "49990", Quantity: "3"},
		},
		Asks: []schema.PriceLevel{
			{Price: "50010", Quantity: "1"},
			{Price: "50020", Quantity: "2"},
		},
		UpdateID:   updateID,
		ExchangeTs: schema.TimeMS(ts),
	}
}

func bookDelta(ts int64, first, final schema.SeqNum) schema.OrderbookDeltaEvent {
	return schema.OrderbookDeltaEvent{
		Meta:          schema.NewMeta("test", schema.WithTsEvent(schema.TimeMS(ts)), schema.WithStream(liqStream)),
		Symbol:        "BTCUSDT",
		MarketType:    schema.MarketFutures,
		StreamID:      liqStream,
		Bids:          []schema.PriceLevel{{Price: "50000", Quantity: "5"}},
		FirstUpdateID: first,
		FinalUpdateID: final,
		ExchangeTs:    schema.TimeMS(ts),
	}
}

func TestLiquiditySilentAfterDisconnectUntilFreshSnapshot(t *testing.T) {
	b := bus.New(zerolog.Nop())
	agg := aggregate.NewLiquidity(b, testConfig(), manualClock(0).Now, zerolog.Nop())
	require.NoError(t, agg.Start())
	defer agg.Stop()

	var got []schema.LiquidityAggregate
	bus.Subscribe(b, schema.TopicLiquidityAgg, func(e schema.LiquidityAggregate) {
		got = append(got, e)
	})

	bus.Publish(b, schema.TopicOrderbookSnapshot, bookSnapshot(1_000, 100))
	bus.Publish(b, schema.TopicOrderbookDelta, bookDelta(1_100, 101, 101))
	require.Len(t, got, 2)

	bus.Publish(b, schema.TopicDisconnected, schema.ConnectionEvent{
		Meta:       schema.NewMeta("test"),
		Venue:      "binance",
		MarketType: schema.MarketFutures,
		StreamIDs:  []string{liqStream},
	})

	// Deltas after the disconnect must not produce aggregates.
	bus.Publish(b, schema.TopicOrderbookDelta, bookDelta(1_200, 102, 102))
	bus.Publish(b, schema.TopicOrderbookDelta, bookDelta(1_300, 103, 103))
	require.Len(t, got, 2)

	// A fresh snapshot re-enables emission.
	bus.Publish(b, schema.TopicOrderbookSnapshot, bookSnapshot(2_000, 200))
	require.Len(t, got, 3)
}

func TestLiquidityDepthSpreadImbalance(t *testing.T) {
	b := bus.New(zerolog.Nop())
	agg := aggregate.NewLiquidity(b, testConfig(), manualClock(0).Now, zerolog.Nop())
	require.NoError(t, agg.Start())
	defer agg.Stop()

	var got []schema.LiquidityAggregate
	bus.Subscribe(b, schema.TopicLiquidityAgg, func(e schema.LiquidityAggregate) {
		got = append(got, e)
	})
	var mirrored []schema.LiquidityAggregate
	bus.Subscribe(b, schema.TopicLiquidity, func(e schema.LiquidityAggregate) {
		mirrored = append(mirrored, e)
	})

	bus.Publish(b, schema.TopicOrderbookSnapshot, bookSnapshot(1_000, 100))

	require.Len(t, got, 1)
	require.Len(t, mirrored, 1)
	out := got[0]
	require.Equal(t, 50_000.0, out.BestBid)
	require.Equal(t, 50_010.0, out.BestAsk)
	require.Equal(t, 10.0, out.Spread)
	require.Equal(t, 5.0, out.DepthBid)
	require.Equal(t, 3.0, out.DepthAsk)
	require.InDelta(t, 0.25, out.Imbalance, 1e-9)
	require.Equal(t, []string{liqStream}, out.SourcesUsed)
}

func TestLiquidityGapStopsEmissionUntilResnapshot(t *testing.T) {
	b := bus.New(zerolog.Nop())
	agg := aggregate.NewLiquidity(b, testConfig(), manualClock(0).Now, zerolog.Nop())
	require.NoError(t, agg.Start())
	defer agg.Stop()

	var got []schema.LiquidityAggregate
	bus.Subscribe(b, schema.TopicLiquidityAgg, func(e schema.LiquidityAggregate) {
		got = append(got, e)
	})

	bus.Publish(b, schema.TopicOrderbookSnapshot, bookSnapshot(1_000, 100))
	require.Len(t, got, 1)

	// Update 105 is not contiguous with position 100.
	bus.Publish(b, schema.TopicOrderbookDelta, bookDelta(1_100, 105, 105))
	require.Len(t, got, 1)

	// The resyncing book ignores further deltas.
	bus.Publish(b, schema.TopicOrderbookDelta, bookDelta(1_200, 106, 106))
	require.Len(t, got, 1)

	bus.Publish(b, schema.TopicOrderbookSnapshot, bookSnapshot(2_000, 200))
	require.Len(t, got, 2)
}
