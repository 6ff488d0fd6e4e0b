package binance

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
)

func newNormalizer(market schema.MarketType) *Normalizer {
	manual := clock.NewManual(time.UnixMilli(1_000))
	return NewNormalizer(market, manual.Now, zerolog.Nop())
}

func TestTradeAggressorOppositeOfMaker(t *testing.T) {
	n := newNormalizer(schema.MarketFutures)

	frame := []byte(`{"e":"aggTrade","E":1700000001000,"s":"BTCUSDT","a":311,"p":"42000.5","q":"0.25","T":1700000000900,"m":true}`)
	ev, err := n.Trade(frame)
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", ev.Symbol)
	require.Equal(t, schema.SideSell, ev.Side)
	require.Equal(t, "311", ev.TradeID)
	require.Equal(t, 42000.5, ev.Price)
	require.Equal(t, 0.25, ev.Size)
	require.Equal(t, schema.TimeMS(1700000000900), ev.TradeTs)
	require.Equal(t, schema.TimeMS(1700000000900), ev.Meta.TsEvent)
	require.Equal(t, "binance:futures:trade", ev.StreamID)

	frame = []byte(`{"e":"trade","E":1700000002000,"s":"BTCUSDT","t":312,"p":"42001","q":"0.1","T":1700000001900,"m":false}`)
	ev, err = n.Trade(frame)
	require.NoError(t, err)
	require.Equal(t, schema.SideBuy, ev.Side)
	require.Equal(t, "312", ev.TradeID)
}

func TestFuturesDepthChainGapRequestsResync(t *testing.T) {
	n := newNormalizer(schema.MarketFutures)

	// First delta anchors the chain; nothing to compare against yet.
	_, resync, err := n.DepthDelta([]byte(`{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":90,"u":100,"pu":80,"b":[["42000","1"]],"a":[]}`))
	require.NoError(t, err)
	require.Nil(t, resync)

	// Chained: pu equals the last final id.
	ev, resync, err := n.DepthDelta([]byte(`{"e":"depthUpdate","E":2,"s":"BTCUSDT","U":101,"u":110,"pu":100,"b":[],"a":[["42001","2"]]}`))
	require.NoError(t, err)
	require.Nil(t, resync)
	require.Equal(t, schema.SeqNum(110), ev.FinalUpdateID)

	// Broken chain: pu skips the last final id.
	_, resync, err = n.DepthDelta([]byte(`{"e":"depthUpdate","E":3,"s":"BTCUSDT","U":120,"u":130,"pu":115,"b":[],"a":[]}`))
	require.NoError(t, err)
	require.NotNil(t, resync)
	require.Equal(t, "gap", resync.Reason)
	require.Equal(t, "BTCUSDT", resync.Symbol)
	require.Equal(t, schema.SeqNum(110), resync.LastSeq)
}

func TestSpotDepthGapUsesUpdateWindow(t *testing.T) {
	n := newNormalizer(schema.MarketSpot)

	_, resync, err := n.DepthDelta([]byte(`{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":90,"u":100,"b":[],"a":[]}`))
	require.NoError(t, err)
	require.Nil(t, resync)

	// Contiguous: first id is lastFinal+1.
	_, resync, err = n.DepthDelta([]byte(`{"e":"depthUpdate","E":2,"s":"BTCUSDT","U":101,"u":105,"b":[],"a":[]}`))
	require.NoError(t, err)
	require.Nil(t, resync)

	// Hole between 105 and 110.
	_, resync, err = n.DepthDelta([]byte(`{"e":"depthUpdate","E":3,"s":"BTCUSDT","U":110,"u":115,"b":[],"a":[]}`))
	require.NoError(t, err)
	require.NotNil(t, resync)
	require.Equal(t, schema.SeqNum(105), resync.LastSeq)
}

func TestDepthSnapshotReanchorsChain(t *testing.T) {
	n := newNormalizer(schema.MarketSpot)

	_, resync, err := n.DepthDelta([]byte(`{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":90,"u":100,"b":[],"a":[]}`))
	require.NoError(t, err)
	require.Nil(t, resync)

	snap, err := n.DepthSnapshot("btcusdt", []byte(`{"lastUpdateId":200,"bids":[["41999","3"]],"asks":[["42001","1"]]}`))
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", snap.Symbol)
	require.Equal(t, schema.SeqNum(200), snap.UpdateID)
	require.Len(t, snap.Bids, 1)

	// Deltas resume against the snapshot id, not the stale 100.
	_, resync, err = n.DepthDelta([]byte(`{"e":"depthUpdate","E":2,"s":"BTCUSDT","U":201,"u":210,"b":[],"a":[]}`))
	require.NoError(t, err)
	require.Nil(t, resync)
}

func TestMarkPriceSplitsTickerAndFunding(t *testing.T) {
	n := newNormalizer(schema.MarketFutures)

	ticker, funding, err := n.MarkPrice([]byte(`{"e":"markPriceUpdate","E":1700000003000,"s":"BTCUSDT","p":"42010.1","i":"42008.7","r":"0.0001","T":1700028800000}`))
	require.NoError(t, err)
	require.Equal(t, 42010.1, ticker.Mark)
	require.Equal(t, 42008.7, ticker.Index)
	require.Equal(t, "binance:futures:ticker", ticker.StreamID)
	require.Equal(t, 0.0001, funding.Rate)
	require.Equal(t, schema.TimeMS(1700028800000), funding.NextFundingTs)
	require.Equal(t, "binance:futures:funding", funding.StreamID)
}

func TestForceOrderBecomesLiquidation(t *testing.T) {
	n := newNormalizer(schema.MarketFutures)

	ev, err := n.ForceOrder([]byte(`{"e":"forceOrder","E":1700000004000,"o":{"s":"ETHUSDT","S":"SELL","p":"2200.5","q":"12","T":1700000003900}}`))
	require.NoError(t, err)
	require.Equal(t, "ETHUSDT", ev.Symbol)
	require.Equal(t, schema.SideSell, ev.Side)
	require.Equal(t, 2200.5, ev.Price)
	require.Equal(t, 12.0, ev.Size)
	require.Equal(t, schema.OIUnitBase, ev.Unit)
	require.Equal(t, schema.TimeMS(1700000003900), ev.Meta.TsEvent)
}

func TestKlineCarriesCloseFlagAndEndTs(t *testing.T) {
	n := newNormalizer(schema.MarketSpot)

	ev, err := n.Kline([]byte(`{"e":"kline","E":1700000060001,"s":"BTCUSDT","k":{"t":1700000000000,"T":1700000059999,"i":"1m","o":"42000","h":"42050","l":"41990","c":"42040","v":"18.4","x":true}}`))
	require.NoError(t, err)
	require.Equal(t, "1m", ev.Timeframe)
	require.True(t, ev.Closed)
	require.Equal(t, schema.TimeMS(1700000059999), ev.EndTs)
	require.Equal(t, ev.EndTs, ev.Meta.TsEvent)
	require.Equal(t, 42040.0, ev.Close)
}

func TestRestKlinesParsePositionalRows(t *testing.T) {
	n := newNormalizer(schema.MarketFutures)

	body := []byte(`[
		[1700000000000,"42000","42050","41990","42040","18.4",1700000059999,"0",0,"0","0","0"],
		[1700000060000,"42040","42100","42030","42090","22.1",1700000119999,"0",0,"0","0","0"]
	]`)
	klines, err := n.RestKlines("BTCUSDT", "1m", body)
	require.NoError(t, err)
	require.Len(t, klines, 2)
	require.Equal(t, schema.TimeMS(1700000000000), klines[0].StartTs)
	require.Equal(t, schema.TimeMS(1700000059999), klines[0].EndTs)
	require.Equal(t, 42040.0, klines[0].Close)
	require.True(t, klines[0].Closed)
	require.Equal(t, 42090.0, klines[1].Close)
}

func TestOpenInterestUsesBaseUnits(t *testing.T) {
	n := newNormalizer(schema.MarketFutures)

	ev, err := n.OpenInterest([]byte(`{"symbol":"BTCUSDT","openInterest":"84521.337","time":1700000005000}`))
	require.NoError(t, err)
	require.Equal(t, 84521.337, ev.Value)
	require.Equal(t, schema.OIUnitBase, ev.Unit)
	require.Equal(t, schema.TimeMS(1700000005000), ev.Meta.TsEvent)
}
