package quality

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/schema"
)

type capturedQuality struct {
	gaps       []schema.GapEvent
	outOfOrder []schema.OutOfOrderEvent
	timeOOO    []schema.OutOfOrderEvent
	duplicates []schema.DuplicateEvent
	latency    []schema.LatencySpikeEvent
}

func newMonitor(t *testing.T, cfg MonitorConfig) (*Monitor, *capturedQuality) {
	t.Helper()
	b := bus.New(zerolog.Nop())
	captured := &capturedQuality{}
	bus.Subscribe(b, schema.TopicGapDetected, func(e schema.GapEvent) { captured.gaps = append(captured.gaps, e) })
	bus.Subscribe(b, schema.TopicOutOfOrder, func(e schema.OutOfOrderEvent) { captured.outOfOrder = append(captured.outOfOrder, e) })
	bus.Subscribe(b, schema.TopicTimeOutOfOrder, func(e schema.OutOfOrderEvent) { captured.timeOOO = append(captured.timeOOO, e) })
	bus.Subscribe(b, schema.TopicDuplicateDetected, func(e schema.DuplicateEvent) { captured.duplicates = append(captured.duplicates, e) })
	bus.Subscribe(b, schema.TopicLatencySpike, func(e schema.LatencySpikeEvent) { captured.latency = append(captured.latency, e) })
	return NewMonitor(b, cfg, zerolog.Nop()), captured
}

func entry(seq schema.SeqNum, tsEvent schema.TimeMS) schema.JournalEntry {
	return schema.JournalEntry{
		Topic:    schema.TopicTrade.Name(),
		StreamID: "binance:futures:trade",
		Symbol:   "BTCUSDT",
		Sequence: seq,
		TsEvent:  tsEvent,
	}
}

func TestMonitorDetectsSequenceGap(t *testing.T) {
	m, captured := newMonitor(t, MonitorConfig{})

	m.Observe(entry(100, 1_000))
	m.Observe(entry(101, 1_001))
	m.Observe(entry(105, 1_002))

	require.Len(t, captured.gaps, 1)
	require.Equal(t, schema.SeqNum(102), captured.gaps[0].Expected)
	require.Equal(t, schema.SeqNum(105), captured.gaps[0].Observed)
	require.Equal(t, uint64(3), captured.gaps[0].Missed)
}

func TestMonitorFirstEventNeverGaps(t *testing.T) {
	m, captured := newMonitor(t, MonitorConfig{})
	m.Observe(entry(5_000, 1_000))
	require.Empty(t, captured.gaps)
	require.Empty(t, captured.outOfOrder)
}

func TestMonitorDetectsSeqOutOfOrderAndDuplicate(t *testing.T) {
	m, captured := newMonitor(t, MonitorConfig{})

	m.Observe(entry(100, 1_000))
	m.Observe(entry(99, 1_001))
	require.Len(t, captured.outOfOrder, 1)
	require.Equal(t, schema.SeqNum(100), captured.outOfOrder[0].PrevSeq)
	require.Equal(t, schema.SeqNum(99), captured.outOfOrder[0].Observed)

	m.Observe(entry(100, 1_002))
	require.Len(t, captured.duplicates, 1)
	require.Equal(t, schema.SeqNum(100), captured.duplicates[0].Sequence)
}

func TestMonitorDetectsTimeRegression(t *testing.T) {
	m, captured := newMonitor(t, MonitorConfig{})

	m.Observe(entry(1, 2_000))
	m.Observe(entry(2, 1_500))

	require.Len(t, captured.timeOOO, 1)
	require.Equal(t, schema.TimeMS(2_000), captured.timeOOO[0].PrevTs)
	require.Equal(t, schema.TimeMS(1_500), captured.timeOOO[0].ObservedTs)
	require.True(t, captured.timeOOO[0].ByTime)
}

func TestMonitorScopesStreamsIndependently(t *testing.T) {
	m, captured := newMonitor(t, MonitorConfig{})

	m.Observe(entry(10, 1_000))
	other := entry(500, 1_000)
	other.StreamID = "bybit:futures:trade"
	m.Observe(other)

	require.Empty(t, captured.gaps)
	require.Empty(t, captured.outOfOrder)

	// Klines of different timeframes track separate sequences too.
	k1 := schema.JournalEntry{Topic: schema.TopicKline.Name(), StreamID: "okx:futures:kline", Timeframe: "1m", Sequence: 7}
	k2 := schema.JournalEntry{Topic: schema.TopicKline.Name(), StreamID: "okx:futures:kline", Timeframe: "1h", Sequence: 900}
	m.Observe(k1)
	m.Observe(k2)
	require.Empty(t, captured.gaps)
}

func TestMonitorLatencySpikeOverThreshold(t *testing.T) {
	m, captured := newMonitor(t, MonitorConfig{LatencyThresholdMs: 100})

	within := entry(1, 1_000)
	within.TsExchange = 10_000
	within.TsIngest = 10_050
	m.Observe(within)
	require.Empty(t, captured.latency)

	over := entry(2, 1_001)
	over.TsExchange = 10_000
	over.TsIngest = 10_250
	m.Observe(over)
	require.Len(t, captured.latency, 1)
	require.Equal(t, int64(250), captured.latency[0].LagMs)
	require.Equal(t, int64(100), captured.latency[0].ThresholdMs)
}

func TestMonitorResetClearsStreamBookkeeping(t *testing.T) {
	m, captured := newMonitor(t, MonitorConfig{})

	m.Observe(entry(100, 1_000))
	m.Reset("binance:futures:trade")

	// After a reconnect the venue restarts numbering; no false gap.
	m.Observe(entry(1, 2_000))
	require.Empty(t, captured.gaps)
	require.Empty(t, captured.outOfOrder)
	require.Empty(t, captured.timeOOO)
}

func TestMonitorTradeIDDedup(t *testing.T) {
	m, captured := newMonitor(t, MonitorConfig{DedupWindow: 2})

	e := entry(0, 1_000)
	m.ObserveTradeID(e, "t-1")
	m.ObserveTradeID(e, "t-2")
	require.Empty(t, captured.duplicates)

	m.ObserveTradeID(e, "t-1")
	require.Len(t, captured.duplicates, 1)
	require.Equal(t, "t-1", captured.duplicates[0].TradeID)

	// t-2 evicted the original t-1 from the window; not flagged again.
	m.ObserveTradeID(e, "t-3")
	m.ObserveTradeID(e, "t-4")
	m.ObserveTradeID(e, "t-2")
	require.Len(t, captured.duplicates, 1)
}
