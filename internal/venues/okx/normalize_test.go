package okx

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

func TestInstIDFromCanonicalSymbol(t *testing.T) {
	require.Equal(t, "BTC-USDT-SWAP", instID("BTCUSDT", schema.MarketFutures))
	require.Equal(t, "BTC-USDT", instID("BTCUSDT", schema.MarketSpot))
	require.Equal(t, "ETH-USDC-SWAP", instID("ETHUSDC", schema.MarketFutures))
}

func TestBarMapping(t *testing.T) {
	require.Equal(t, "1m", bar("1m"))
	require.Equal(t, "15m", bar("15m"))
	require.Equal(t, "1H", bar("1h"))
	require.Equal(t, "4H", bar("4h"))
	require.Equal(t, "1D", bar("1d"))
}

func TestTradesNormalizeBatch(t *testing.T) {
	n := newNormalizer(schema.MarketFutures)

	data := []byte(`[{"instId":"BTC-USDT-SWAP","tradeId":"771","px":"42000.5","sz":"2","side":"sell","ts":"1700000000100"}]`)
	trades, err := n.Trades(data)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, "BTCUSDT", trades[0].Symbol)
	require.Equal(t, schema.SideSell, trades[0].Side)
	require.Equal(t, "771", trades[0].TradeID)
	require.Equal(t, schema.TimeMS(1700000000100), trades[0].TradeTs)
	require.Equal(t, "okx:futures:trade", trades[0].StreamID)
}

func TestBooksSeqChainGapRequestsResync(t *testing.T) {
	n := newNormalizer(schema.MarketFutures)

	snap, err := n.BookSnapshot("BTC-USDT-SWAP", []byte(`[{"asks":[["42001","5","0","2"]],"bids":[["42000","3","0","1"]],"ts":"1","seqId":100}]`))
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", snap.Symbol)
	require.Equal(t, schema.SeqNum(100), snap.UpdateID)
	require.Equal(t, "42001", snap.Asks[0].Price)

	// Chained: prevSeqId matches the last seqId.
	_, resync, err := n.BookDelta("BTC-USDT-SWAP", []byte(`[{"asks":[],"bids":[["41999","1","0","1"]],"ts":"2","seqId":101,"prevSeqId":100}]`))
	require.NoError(t, err)
	require.Nil(t, resync)

	// Broken link.
	_, resync, err = n.BookDelta("BTC-USDT-SWAP", []byte(`[{"asks":[],"bids":[],"ts":"3","seqId":110,"prevSeqId":105}]`))
	require.NoError(t, err)
	require.NotNil(t, resync)
	require.Equal(t, "gap", resync.Reason)
	require.Equal(t, schema.SeqNum(101), resync.LastSeq)
}

func TestMarkAndIndexSplitAcrossFrames(t *testing.T) {
	n := newNormalizer(schema.MarketFutures)

	mark, err := n.MarkPrice([]byte(`[{"instId":"BTC-USDT-SWAP","markPx":"42010.1","ts":"1700000003000"}]`))
	require.NoError(t, err)
	require.Equal(t, 42010.1, mark.Mark)
	require.Zero(t, mark.Index)

	index, err := n.IndexTicker([]byte(`[{"instId":"BTC-USDT","idxPx":"42008.7","ts":"1700000003000"}]`))
	require.NoError(t, err)
	require.Equal(t, 42008.7, index.Index)
	require.Equal(t, "BTCUSDT", index.Symbol)
}

func TestFundingRateNormalizes(t *testing.T) {
	n := newNormalizer(schema.MarketFutures)

	ev, err := n.FundingRate([]byte(`[{"instId":"BTC-USDT-SWAP","fundingRate":"0.0001","nextFundingTime":"1700028800000","ts":"1700000003000"}]`))
	require.NoError(t, err)
	require.Equal(t, 0.0001, ev.Rate)
	require.Equal(t, schema.TimeMS(1700028800000), ev.NextFundingTs)
	require.Equal(t, "okx:futures:funding", ev.StreamID)
}

func TestOpenInterestPrefersBaseUnits(t *testing.T) {
	n := newNormalizer(schema.MarketFutures)

	ev, err := n.OpenInterest([]byte(`[{"instId":"BTC-USDT-SWAP","oi":"845213","oiCcy":"84521.3","ts":"1700000005000"}]`))
	require.NoError(t, err)
	require.Equal(t, 84521.3, ev.Value)
	require.Equal(t, schema.OIUnitBase, ev.Unit)

	ev, err = n.OpenInterest([]byte(`[{"instId":"BTC-USDT-SWAP","oi":"845213","ts":"1700000005000"}]`))
	require.NoError(t, err)
	require.Equal(t, 845213.0, ev.Value)
	require.Equal(t, schema.OIUnitContracts, ev.Unit)
}

func TestLiquidationsFanOutDetails(t *testing.T) {
	n := newNormalizer(schema.MarketFutures)

	events, err := n.Liquidations([]byte(`[{"instId":"ETH-USDT-SWAP","details":[
		{"side":"sell","sz":"12","bkPx":"2200.5","ts":"1700000004000"},
		{"side":"buy","sz":"3","bkPx":"2205","ts":"1700000004100"}
	]}]`))
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "ETHUSDT", events[0].Symbol)
	require.Equal(t, schema.SideSell, events[0].Side)
	require.Equal(t, schema.SideBuy, events[1].Side)
	require.Equal(t, schema.OIUnitContracts, events[0].Unit)
}

func TestCandlesLiveConfirmFlag(t *testing.T) {
	n := newNormalizer(schema.MarketSpot)

	data := []byte(`[["1700000000000","42000","42050","41990","42040","18.4","0","0","1"],
		["1700000060000","42040","42100","42030","42090","22.1","0","0","0"]]`)
	klines, err := n.Candles("BTC-USDT", "1m", data, true)
	require.NoError(t, err)
	require.Len(t, klines, 2)
	require.True(t, klines[0].Closed)
	require.False(t, klines[1].Closed)
	require.Equal(t, schema.TimeMS(1700000059999), klines[0].EndTs)
	require.Equal(t, "1m", klines[0].Timeframe)
}

func TestCandlesRESTReverseToOldestFirst(t *testing.T) {
	n := newNormalizer(schema.MarketFutures)

	// REST history arrives newest first and has no confirm column.
	data := []byte(`[["1700000060000","42040","42100","42030","42090","22.1","0","0"],
		["1700000000000","42000","42050","41990","42040","18.4","0","0"]]`)
	klines, err := n.Candles("BTC-USDT-SWAP", "1m", data, false)
	require.NoError(t, err)
	require.Len(t, klines, 2)
	require.Equal(t, schema.TimeMS(1700000000000), klines[0].StartTs)
	require.True(t, klines[0].Closed)
	require.True(t, klines[1].Closed)
}
