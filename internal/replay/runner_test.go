package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/journal"
	"github.com/tidemill/weir/internal/schema"
)

func writeRecords(t *testing.T, path string, records ...schema.JournalRecord) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	for _, record := range records {
		data, err := json.Marshal(record)
		require.NoError(t, err)
		_, err = f.Write(append(data, '\n'))
		require.NoError(t, err)
	}
}

func tradeRecord(t *testing.T, seq uint64, tradeTs schema.TimeMS) schema.JournalRecord {
	t.Helper()
	ev := schema.TradeEvent{
		Meta: schema.Meta{
			Source:        "binance",
			TsEvent:       tradeTs,
			TsIngest:      tradeTs + 5,
			CorrelationID: "corr-1",
		},
		Symbol:   "BTCUSDT",
		StreamID: "binance:futures:trade",
		Price:    64_000,
		Size:     0.25,
		Side:     schema.SideBuy,
		TradeTs:  tradeTs,
	}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	return schema.JournalRecord{
		Seq:      seq,
		StreamID: ev.StreamID,
		Topic:    schema.TopicTrade.Name(),
		Symbol:   ev.Symbol,
		TsIngest: ev.Meta.TsIngest,
		Payload:  payload,
	}
}

func TestReplayTradeRoundTripAppliesReplayMeta(t *testing.T) {
	dir := t.TempDir()
	tradeTs := schema.TimeMS(1_700_000_000_000)
	path := journal.PartitionPath(dir, "binance:futures:trade", "BTCUSDT",
		schema.TopicTrade.Name(), "", "run-1", tradeTs)
	writeRecords(t, path, tradeRecord(t, 1, tradeTs), tradeRecord(t, 2, tradeTs+100))

	b := bus.New(zerolog.Nop())
	var trades []schema.TradeEvent
	bus.Subscribe(b, schema.TopicTrade, func(e schema.TradeEvent) { trades = append(trades, e) })
	var finished []schema.ReplayFinished
	bus.Subscribe(b, schema.TopicReplayFinished, func(f schema.ReplayFinished) { finished = append(finished, f) })

	runner := NewRunner(b, zerolog.Nop())
	require.NoError(t, runner.Run(context.Background(), Request{
		Dir:      dir,
		StreamID: "binance:futures:trade",
		Symbol:   "BTCUSDT",
		RunID:    "run-1",
		Topic:    schema.TopicTrade.Name(),
	}))

	require.Len(t, trades, 2)
	require.Equal(t, schema.SourceReplay, trades[0].Meta.Source)
	// Authoritative time for trades is the trade timestamp.
	require.Equal(t, tradeTs, trades[0].Meta.Ts)
	require.Equal(t, "corr-1", trades[0].Meta.CorrelationID)
	require.Equal(t, 64_000.0, trades[0].Price)

	require.Len(t, finished, 1)
	require.Equal(t, 2, finished[0].Counts[schema.TopicTrade.Name()])
	require.Zero(t, finished[0].Skipped)
}

func TestReplayKlineUsesEndTs(t *testing.T) {
	dir := t.TempDir()
	endTs := schema.TimeMS(1_700_000_059_999)
	ev := schema.KlineEvent{
		Meta:      schema.Meta{Source: "okx", TsEvent: endTs - 30_000, TsIngest: endTs},
		Symbol:    "BTCUSDT",
		StreamID:  "okx:futures:kline",
		Timeframe: "1m",
		StartTs:   endTs - 59_999,
		EndTs:     endTs,
		Close:     64_000,
		Closed:    true,
	}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	path := journal.PartitionPath(dir, ev.StreamID, ev.Symbol, schema.TopicKline.Name(),
		"1m", "run-1", ev.Meta.TsIngest)
	writeRecords(t, path, schema.JournalRecord{
		Seq: 1, StreamID: ev.StreamID, Topic: schema.TopicKline.Name(),
		Symbol: ev.Symbol, TsIngest: ev.Meta.TsIngest, Payload: payload,
	})

	b := bus.New(zerolog.Nop())
	var klines []schema.KlineEvent
	bus.Subscribe(b, schema.TopicKline, func(e schema.KlineEvent) { klines = append(klines, e) })

	runner := NewRunner(b, zerolog.Nop())
	require.NoError(t, runner.Run(context.Background(), Request{
		Dir:      dir,
		StreamID: ev.StreamID,
		Symbol:   ev.Symbol,
		RunID:    "run-1",
		Topic:    schema.TopicKline.Name(),
		Tf:       "1m",
	}))

	require.Len(t, klines, 1)
	require.Equal(t, endTs, klines[0].Meta.Ts)
	require.Equal(t, schema.SourceReplay, klines[0].Meta.Source)
}

func TestReplayOrderbookUsesExchangeTs(t *testing.T) {
	dir := t.TempDir()
	exchangeTs := schema.TimeMS(1_700_000_000_500)
	ev := schema.OrderbookDeltaEvent{
		Meta:          schema.Meta{Source: "bybit", TsEvent: exchangeTs + 20, TsIngest: exchangeTs + 25},
		Symbol:        "BTCUSDT",
		StreamID:      "bybit:futures:book",
		Bids:          []schema.PriceLevel{{Price: "64000", Quantity: "1.5"}},
		FinalUpdateID: 101,
		ExchangeTs:    exchangeTs,
	}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	path := journal.PartitionPath(dir, ev.StreamID, ev.Symbol,
		schema.TopicOrderbookDelta.Name(), "", "run-1", ev.Meta.TsIngest)
	writeRecords(t, path, schema.JournalRecord{
		Seq: 1, StreamID: ev.StreamID, Topic: schema.TopicOrderbookDelta.Name(),
		Symbol: ev.Symbol, TsIngest: ev.Meta.TsIngest, Payload: payload,
	})

	b := bus.New(zerolog.Nop())
	var deltas []schema.OrderbookDeltaEvent
	bus.Subscribe(b, schema.TopicOrderbookDelta, func(e schema.OrderbookDeltaEvent) { deltas = append(deltas, e) })

	runner := NewRunner(b, zerolog.Nop())
	require.NoError(t, runner.Run(context.Background(), Request{
		Dir:      dir,
		StreamID: ev.StreamID,
		Symbol:   ev.Symbol,
		RunID:    "run-1",
		Topic:    schema.TopicOrderbookDelta.Name(),
	}))

	require.Len(t, deltas, 1)
	require.Equal(t, exchangeTs, deltas[0].Meta.Ts)
}

func TestReplayFallsBackToLegacyLayout(t *testing.T) {
	dir := t.TempDir()
	tradeTs := schema.TimeMS(1_700_000_000_000)
	// Legacy layout: no runId segment.
	path := filepath.Join(dir, journal.SanitizeStream("binance:futures:trade"),
		"BTCUSDT", schema.TopicDir(schema.TopicTrade.Name()), journal.DateName(tradeTs))
	writeRecords(t, path, tradeRecord(t, 1, tradeTs))

	b := bus.New(zerolog.Nop())
	var trades []schema.TradeEvent
	bus.Subscribe(b, schema.TopicTrade, func(e schema.TradeEvent) { trades = append(trades, e) })

	runner := NewRunner(b, zerolog.Nop())
	require.NoError(t, runner.Run(context.Background(), Request{
		Dir:      dir,
		StreamID: "binance:futures:trade",
		Symbol:   "BTCUSDT",
		RunID:    "missing-run",
		Topic:    schema.TopicTrade.Name(),
	}))
	require.Len(t, trades, 1)
}

func TestReplaySkipsCorruptLinesAndWarns(t *testing.T) {
	dir := t.TempDir()
	tradeTs := schema.TimeMS(1_700_000_000_000)
	path := journal.PartitionPath(dir, "binance:futures:trade", "BTCUSDT",
		schema.TopicTrade.Name(), "", "run-1", tradeTs)
	writeRecords(t, path, tradeRecord(t, 1, tradeTs))
	// Hand-corrupt the file: one garbage line, one record for an unknown topic.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json}\n")
	require.NoError(t, err)
	unknown, _ := json.Marshal(schema.JournalRecord{Seq: 3, Topic: "market:mystery", Payload: []byte(`{}`)})
	_, err = f.Write(append(unknown, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	b := bus.New(zerolog.Nop())
	var trades []schema.TradeEvent
	var warnings []schema.ReplayWarning
	var finished []schema.ReplayFinished
	bus.Subscribe(b, schema.TopicTrade, func(e schema.TradeEvent) { trades = append(trades, e) })
	bus.Subscribe(b, schema.TopicReplayWarning, func(w schema.ReplayWarning) { warnings = append(warnings, w) })
	bus.Subscribe(b, schema.TopicReplayFinished, func(fin schema.ReplayFinished) { finished = append(finished, fin) })

	runner := NewRunner(b, zerolog.Nop())
	require.NoError(t, runner.Run(context.Background(), Request{
		Dir:      dir,
		StreamID: "binance:futures:trade",
		Symbol:   "BTCUSDT",
		RunID:    "run-1",
		Topic:    schema.TopicTrade.Name(),
	}))

	require.Len(t, trades, 1)
	require.Len(t, warnings, 2)
	require.Len(t, finished, 1)
	require.Equal(t, 2, finished[0].Skipped)
}

func TestReplayWithNoMatchingFilesErrors(t *testing.T) {
	b := bus.New(zerolog.Nop())
	var errsSeen []schema.ReplayError
	bus.Subscribe(b, schema.TopicReplayError, func(e schema.ReplayError) { errsSeen = append(errsSeen, e) })

	runner := NewRunner(b, zerolog.Nop())
	err := runner.Run(context.Background(), Request{
		Dir:      t.TempDir(),
		StreamID: "binance:futures:trade",
		Symbol:   "BTCUSDT",
		Topic:    schema.TopicTrade.Name(),
	})
	require.Error(t, err)
	require.Len(t, errsSeen, 1)
}

func TestReplayDateWindowFilters(t *testing.T) {
	dir := t.TempDir()
	day1 := schema.TimeMS(1_710_374_400_000) // 2024-03-14 UTC
	day2 := day1 + 86_400_000
	day3 := day2 + 86_400_000
	for seq, ts := range map[uint64]schema.TimeMS{1: day1, 2: day2, 3: day3} {
		path := journal.PartitionPath(dir, "binance:futures:trade", "BTCUSDT",
			schema.TopicTrade.Name(), "", "run-1", ts)
		writeRecords(t, path, tradeRecord(t, seq, ts))
	}

	b := bus.New(zerolog.Nop())
	var trades []schema.TradeEvent
	bus.Subscribe(b, schema.TopicTrade, func(e schema.TradeEvent) { trades = append(trades, e) })

	runner := NewRunner(b, zerolog.Nop())
	mid := journal.DateName(day2)
	date := mid[:len(mid)-len(".jsonl")]
	require.NoError(t, runner.Run(context.Background(), Request{
		Dir:      dir,
		StreamID: "binance:futures:trade",
		Symbol:   "BTCUSDT",
		RunID:    "run-1",
		Topic:    schema.TopicTrade.Name(),
		DateFrom: date,
		DateTo:   date,
	}))
	require.Len(t, trades, 1)
}
