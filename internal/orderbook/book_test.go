package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/weir/internal/schema"
)

func snapshot(updateID schema.SeqNum) schema.OrderbookSnapshotEvent {
	return schema.OrderbookSnapshotEvent{
		Symbol:     "BTCUSDT",
		MarketType: schema.MarketFutures,
		StreamID:   "binance:futures:book",
		Bids: []schema.PriceLevel{
			{Price: "64000.5", Quantity: "1.5"},
			{Price: "64000.0", Quantity: "2.0"},
			{Price: "63999.5", Quantity: "0.7"},
		},
		Asks: []schema.PriceLevel{
			{Price: "64001.0", Quantity: "1.1"},
			{Price: "64001.5", Quantity: "3.2"},
		},
		UpdateID:   updateID,
		ExchangeTs: 10_000,
	}
}

func TestBookIgnoresDeltasUntilSnapshot(t *testing.T) {
	book := NewBook("BTCUSDT", "binance:futures:book")
	require.Equal(t, StateUninitialized, book.State())

	result := book.ApplyDelta(schema.OrderbookDeltaEvent{
		Bids:          []schema.PriceLevel{{Price: "64000", Quantity: "1"}},
		FirstUpdateID: 1,
		FinalUpdateID: 2,
	})
	require.Equal(t, DeltaIgnored, result)
	bids, asks := book.Len()
	require.Zero(t, bids)
	require.Zero(t, asks)
}

func TestSnapshotSeedsBookAndReady(t *testing.T) {
	book := NewBook("BTCUSDT", "binance:futures:book")
	book.ApplySnapshot(snapshot(100))

	require.Equal(t, StateReady, book.State())
	require.Equal(t, schema.SeqNum(100), book.UpdateID())

	bestBid, ok := book.BestBid()
	require.True(t, ok)
	require.True(t, bestBid.Price.Equal(decimal.RequireFromString("64000.5")))
	bestAsk, ok := book.BestAsk()
	require.True(t, ok)
	require.True(t, bestAsk.Price.Equal(decimal.RequireFromString("64001.0")))
}

func TestWindowedDeltaAppliesAndAdvances(t *testing.T) {
	book := NewBook("BTCUSDT", "binance:futures:book")
	book.ApplySnapshot(snapshot(100))

	result := book.ApplyDelta(schema.OrderbookDeltaEvent{
		Bids:          []schema.PriceLevel{{Price: "64000.5", Quantity: "4.0"}},
		Asks:          []schema.PriceLevel{{Price: "64001.0", Quantity: "0"}},
		FirstUpdateID: 98,
		FinalUpdateID: 105,
		ExchangeTs:    10_100,
	})
	require.Equal(t, DeltaApplied, result)
	require.Equal(t, schema.SeqNum(105), book.UpdateID())
	require.Equal(t, schema.TimeMS(10_100), book.ExchangeTs())

	bestBid, _ := book.BestBid()
	require.True(t, bestBid.Qty.Equal(decimal.RequireFromString("4.0")))
	// Zero quantity removed the level.
	bestAsk, _ := book.BestAsk()
	require.True(t, bestAsk.Price.Equal(decimal.RequireFromString("64001.5")))
}

func TestWindowedDeltaStaleAndGap(t *testing.T) {
	book := NewBook("BTCUSDT", "binance:futures:book")
	book.ApplySnapshot(snapshot(100))

	stale := book.ApplyDelta(schema.OrderbookDeltaEvent{FirstUpdateID: 90, FinalUpdateID: 95})
	require.Equal(t, DeltaStale, stale)
	require.Equal(t, schema.SeqNum(100), book.UpdateID())

	gap := book.ApplyDelta(schema.OrderbookDeltaEvent{FirstUpdateID: 102, FinalUpdateID: 110})
	require.Equal(t, DeltaGap, gap)
}

func TestChainedDeltaConvention(t *testing.T) {
	book := NewBook("BTCUSDT", "okx:futures:book")
	book.ApplySnapshot(snapshot(100))

	applied := book.ApplyDelta(schema.OrderbookDeltaEvent{
		Bids:          []schema.PriceLevel{{Price: "63999.0", Quantity: "2"}},
		PrevUpdateID:  100,
		FinalUpdateID: 101,
	})
	require.Equal(t, DeltaApplied, applied)
	require.Equal(t, schema.SeqNum(101), book.UpdateID())

	stale := book.ApplyDelta(schema.OrderbookDeltaEvent{PrevUpdateID: 100, FinalUpdateID: 101})
	require.Equal(t, DeltaStale, stale)

	gap := book.ApplyDelta(schema.OrderbookDeltaEvent{PrevUpdateID: 105, FinalUpdateID: 106})
	require.Equal(t, DeltaGap, gap)
}

func TestResyncingDropsStateUntilSnapshot(t *testing.T) {
	book := NewBook("BTCUSDT", "binance:futures:book")
	book.ApplySnapshot(snapshot(100))
	book.MarkResyncing()

	require.Equal(t, StateResyncing, book.State())
	bids, asks := book.Len()
	require.Zero(t, bids)
	require.Zero(t, asks)

	result := book.ApplyDelta(schema.OrderbookDeltaEvent{FirstUpdateID: 101, FinalUpdateID: 102})
	require.Equal(t, DeltaIgnored, result)

	book.ApplySnapshot(snapshot(200))
	require.Equal(t, StateReady, book.State())
	require.Equal(t, schema.SeqNum(200), book.UpdateID())
}

func TestLevelsSortedAndDepthLimited(t *testing.T) {
	book := NewBook("BTCUSDT", "binance:futures:book")
	book.ApplySnapshot(snapshot(100))

	bids, asks := book.Levels(2)
	require.Len(t, bids, 2)
	require.Len(t, asks, 2)
	require.True(t, bids[0].Price.GreaterThan(bids[1].Price))
	require.True(t, asks[0].Price.LessThan(asks[1].Price))

	bidDepth, askDepth := book.Depth(2)
	require.True(t, bidDepth.Equal(decimal.RequireFromString("3.5")))
	require.True(t, askDepth.Equal(decimal.RequireFromString("4.3")))
}

func TestSnapshotSkipsMalformedAndZeroLevels(t *testing.T) {
	book := NewBook("BTCUSDT", "binance:futures:book")
	book.ApplySnapshot(schema.OrderbookSnapshotEvent{
		Symbol:   "BTCUSDT",
		StreamID: "binance:futures:book",
		Bids: []schema.PriceLevel{
			{Price: "64000", Quantity: "1"},
			{Price: "bogus", Quantity: "1"},
			{Price: "63999", Quantity: "0"},
		},
		UpdateID: 1,
	})
	bids, _ := book.Len()
	require.Equal(t, 1, bids)
}
