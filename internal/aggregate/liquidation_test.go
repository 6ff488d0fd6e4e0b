package aggregate_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/weir/internal/aggregate"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/schema"
)

func liquidationAt(stream string, ts int64, side schema.Side, price, size float64) schema.LiquidationEvent {
	return schema.LiquidationEvent{
		Meta:       schema.NewMeta("test", schema.WithTsEvent(schema.TimeMS(ts)), schema.WithStream(stream)),
		Symbol:     "BTCUSDT",
		MarketType: schema.MarketFutures,
		StreamID:   stream,
		Side:       side,
		Price:      price,
		Size:       size,
	}
}

func TestLiquidationsBucketTallyWithSideSplit(t *testing.T) {
	b := bus.New(zerolog.Nop())
	agg := aggregate.NewLiquidations(b, testConfig(), manualClock(0).Now, zerolog.Nop())
	require.NoError(t, agg.Start())
	defer agg.Stop()

	var got []schema.LiquidationsAggregate
	bus.Subscribe(b, schema.TopicLiquidationsAgg, func(e schema.LiquidationsAggregate) {
		got = append(got, e)
	})

	stream := "binance:futures:liquidation"
	bus.Publish(b, schema.TopicLiquidation, liquidationAt(stream, 10_000, schema.SideBuy, 50_000, 1))
	bus.Publish(b, schema.TopicLiquidation, liquidationAt(stream, 20_000, schema.SideSell, 50_000, 2))
	require.Empty(t, got)

	// The rollover event closes the first bucket.
	bus.Publish(b, schema.TopicLiquidation, liquidationAt(stream, 61_000, schema.SideBuy, 50_000, 1))

	require.Len(t, got, 1)
	closed := got[0]
	require.Equal(t, schema.TimeMS(0), closed.BucketTs)
	require.Equal(t, schema.TimeMS(60_000), closed.BucketEndTs)
	require.Equal(t, 2, closed.Count)
	require.Equal(t, 1, closed.BuyCount)
	require.Equal(t, 1, closed.SellCount)
	require.Equal(t, 50_000.0, closed.BuyNotional)
	require.Equal(t, 100_000.0, closed.SellNotional)
	require.Equal(t, 150_000.0, closed.Notional)
}

func TestLiquidationsPrefersVenueNotional(t *testing.T) {
	b := bus.New(zerolog.Nop())
	agg := aggregate.NewLiquidations(b, testConfig(), manualClock(0).Now, zerolog.Nop())
	require.NoError(t, agg.Start())
	defer agg.Stop()

	var got []schema.LiquidationsAggregate
	bus.Subscribe(b, schema.TopicLiquidationsAgg, func(e schema.LiquidationsAggregate) {
		got = append(got, e)
	})

	stream := "okx:futures:liquidation"
	e := liquidationAt(stream, 10_000, schema.SideSell, 50_000, 3)
	e.Notional = 42_000
	bus.Publish(b, schema.TopicLiquidation, e)
	bus.Publish(b, schema.TopicLiquidation, liquidationAt(stream, 61_000, schema.SideBuy, 50_000, 1))

	require.Len(t, got, 1)
	require.Equal(t, 42_000.0, got[0].Notional)
}

func TestLiquidationsEmptyBucketEmitsNothing(t *testing.T) {
	b := bus.New(zerolog.Nop())
	agg := aggregate.NewLiquidations(b, testConfig(), manualClock(0).Now, zerolog.Nop())
	require.NoError(t, agg.Start())
	defer agg.Stop()

	var got []schema.LiquidationsAggregate
	bus.Subscribe(b, schema.TopicLiquidationsAgg, func(e schema.LiquidationsAggregate) {
		got = append(got, e)
	})

	stream := "binance:futures:liquidation"
	// A single event far into a later bucket: the skipped buckets are empty
	// and close silently.
	bus.Publish(b, schema.TopicLiquidation, liquidationAt(stream, 10_000, schema.SideBuy, 50_000, 1))
	bus.Publish(b, schema.TopicLiquidation, liquidationAt(stream, 600_000, schema.SideBuy, 50_000, 1))

	require.Len(t, got, 1)
	require.Equal(t, schema.TimeMS(0), got[0].BucketTs)
}
