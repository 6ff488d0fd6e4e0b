// Package quality watches normalized streams for sequence gaps, reordering,
// duplicates and ingest lag, matches staleness rules, and compares venue
// values for cross-venue mismatch. Findings surface as data:* events;
// nothing here ever fails the pipeline.
package quality

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/schema"
)

const meterName = "weir/quality"

// MonitorConfig tunes the per-stream monitors.
type MonitorConfig struct {
	// LatencyThresholdMs flags events whose tsIngest-tsExchange exceeds it.
	LatencyThresholdMs int64
	// DedupWindow bounds the remembered identities per stream.
	DedupWindow int
	// GapDebug raises gap logging from debug to info.
	GapDebug bool
}

func (c *MonitorConfig) normalize() {
	if c.LatencyThresholdMs <= 0 {
		c.LatencyThresholdMs = 3_000
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 2_048
	}
}

// streamKey scopes monitor state: per topic, per stream, per tf for klines.
type streamKey struct {
	topic    string
	streamID string
	tf       string
}

type streamState struct {
	lastSeq    schema.SeqNum
	lastTs     schema.TimeMS
	hasSeq     bool
	hasTs      bool
	recent     map[string]struct{}
	recentRing []string
}

// Monitor inspects journal entries as they flow and emits quality events on
// the bus. Not safe for concurrent use; callers invoke it from the
// dispatcher thread only.
type Monitor struct {
	cfg     MonitorConfig
	log     zerolog.Logger
	b       *bus.Bus
	streams map[streamKey]*streamState

	gaps    metric.Int64Counter
	dups    metric.Int64Counter
	reorder metric.Int64Counter
	lag     metric.Int64Histogram
}

// NewMonitor builds a monitor publishing on b.
func NewMonitor(b *bus.Bus, cfg MonitorConfig, log zerolog.Logger) *Monitor {
	cfg.normalize()
	meter := otel.Meter(meterName)
	m := &Monitor{
		cfg:     cfg,
		log:     log.With().Str("component", "quality").Logger(),
		b:       b,
		streams: make(map[streamKey]*streamState),
	}
	m.gaps = counter(meter, "weir.quality.gaps", "Sequence gaps detected")
	m.dups = counter(meter, "weir.quality.duplicates", "Duplicates detected")
	m.reorder = counter(meter, "weir.quality.out_of_order", "Out-of-order events detected")
	var err error
	m.lag, err = meter.Int64Histogram("weir.ingest.lag", metric.WithDescription("Exchange-to-ingest lag in ms"), metric.WithUnit("ms"))
	if err != nil {
		m.lag, _ = noop.Meter{}.Int64Histogram("weir.ingest.lag")
	}
	return m
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = noop.Meter{}.Int64Counter(name)
	}
	return c
}

// Observe inspects one journal entry. Sequence bookkeeping is per
// (topic, stream, tf); time ordering uses tsEvent; dedup keys on sequence
// when present, trade identity otherwise.
func (m *Monitor) Observe(entry schema.JournalEntry) {
	key := streamKey{topic: entry.Topic, streamID: entry.StreamID, tf: entry.Timeframe}
	st, ok := m.streams[key]
	if !ok {
		st = &streamState{recent: make(map[string]struct{})}
		m.streams[key] = st
	}

	meta := schema.NewMeta("quality",
		schema.WithTsEvent(entry.TsEvent),
		schema.WithTsIngest(entry.TsIngest),
		schema.WithStream(entry.StreamID))

	if entry.Sequence != 0 {
		m.observeSeq(st, entry, meta)
	} else {
		m.ObserveTradeID(entry, entry.TradeID)
	}
	m.observeTime(st, entry, meta)
	m.observeLatency(entry, meta)
}

func (m *Monitor) observeSeq(st *streamState, entry schema.JournalEntry, meta schema.Meta) {
	seq := entry.Sequence
	defer func() {
		if seq > st.lastSeq || !st.hasSeq {
			st.lastSeq = seq
			st.hasSeq = true
		}
	}()
	if !st.hasSeq {
		return
	}
	switch {
	case seq == st.lastSeq:
		m.dups.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", entry.Topic)))
		bus.Publish(m.b, schema.TopicDuplicateDetected, schema.DuplicateEvent{
			Meta: meta, StreamID: entry.StreamID, Topic: entry.Topic, Symbol: entry.Symbol, Sequence: seq,
		})
	case seq < st.lastSeq:
		m.reorder.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", entry.Topic)))
		ev := schema.OutOfOrderEvent{
			Meta: meta, StreamID: entry.StreamID, Topic: entry.Topic, Symbol: entry.Symbol,
			Timeframe: entry.Timeframe, PrevSeq: st.lastSeq, Observed: seq,
		}
		bus.Publish(m.b, schema.TopicOutOfOrder, ev)
		bus.Publish(m.b, schema.TopicSeqGapOrOutOfOrder, ev)
	case seq > st.lastSeq+1:
		m.gaps.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", entry.Topic)))
		gap := schema.GapEvent{
			Meta: meta, StreamID: entry.StreamID, Topic: entry.Topic, Symbol: entry.Symbol,
			Timeframe: entry.Timeframe, Expected: st.lastSeq + 1, Observed: seq,
			Missed: uint64(seq - st.lastSeq - 1),
		}
		logEvent := m.log.Debug()
		if m.cfg.GapDebug {
			logEvent = m.log.Info()
		}
		logEvent.Str("topic", entry.Topic).Str("stream", entry.StreamID).
			Uint64("expected", uint64(gap.Expected)).Uint64("observed", uint64(seq)).
			Msg("sequence gap")
		bus.Publish(m.b, schema.TopicGapDetected, gap)
		bus.Publish(m.b, schema.TopicSeqGapOrOutOfOrder, schema.OutOfOrderEvent{
			Meta: meta, StreamID: entry.StreamID, Topic: entry.Topic, Symbol: entry.Symbol,
			Timeframe: entry.Timeframe, PrevSeq: st.lastSeq, Observed: seq,
		})
	}
}

func (m *Monitor) observeTime(st *streamState, entry schema.JournalEntry, meta schema.Meta) {
	ts := entry.TsEvent
	if ts == 0 {
		return
	}
	if st.hasTs && ts < st.lastTs {
		m.reorder.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", entry.Topic)))
		bus.Publish(m.b, schema.TopicTimeOutOfOrder, schema.OutOfOrderEvent{
			Meta: meta, StreamID: entry.StreamID, Topic: entry.Topic, Symbol: entry.Symbol,
			Timeframe: entry.Timeframe, PrevTs: st.lastTs, ObservedTs: ts, ByTime: true,
		})
		return
	}
	st.lastTs = ts
	st.hasTs = true
}

func (m *Monitor) observeLatency(entry schema.JournalEntry, meta schema.Meta) {
	if entry.TsExchange == 0 || entry.TsIngest == 0 {
		return
	}
	lag := int64(entry.TsIngest) - int64(entry.TsExchange)
	if lag < 0 {
		return
	}
	m.lag.Record(context.Background(), lag, metric.WithAttributes(attribute.String("topic", entry.Topic)))
	if lag <= m.cfg.LatencyThresholdMs {
		return
	}
	bus.Publish(m.b, schema.TopicLatencySpike, schema.LatencySpikeEvent{
		Meta: meta, StreamID: entry.StreamID, Topic: entry.Topic, Symbol: entry.Symbol,
		LagMs: lag, ThresholdMs: m.cfg.LatencyThresholdMs,
	})
}

// ObserveTradeID checks trade-identity duplicates for venues without
// sequence numbers on trade prints.
func (m *Monitor) ObserveTradeID(entry schema.JournalEntry, tradeID string) {
	if tradeID == "" {
		return
	}
	key := streamKey{topic: entry.Topic, streamID: entry.StreamID}
	st, ok := m.streams[key]
	if !ok {
		st = &streamState{recent: make(map[string]struct{})}
		m.streams[key] = st
	}
	if _, dup := st.recent[tradeID]; dup {
		m.dups.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", entry.Topic)))
		bus.Publish(m.b, schema.TopicDuplicateDetected, schema.DuplicateEvent{
			Meta: schema.NewMeta("quality",
				schema.WithTsEvent(entry.TsEvent),
				schema.WithTsIngest(entry.TsIngest),
				schema.WithStream(entry.StreamID)),
			StreamID: entry.StreamID, Topic: entry.Topic, Symbol: entry.Symbol, TradeID: tradeID,
		})
		return
	}
	st.recent[tradeID] = struct{}{}
	st.recentRing = append(st.recentRing, tradeID)
	if len(st.recentRing) > m.cfg.DedupWindow {
		oldest := st.recentRing[0]
		st.recentRing = st.recentRing[1:]
		delete(st.recent, oldest)
	}
}

// Reset drops the bookkeeping for every stream on streamID, as after a
// disconnect, so the next event does not read as a gap.
func (m *Monitor) Reset(streamID string) {
	for key := range m.streams {
		if key.streamID == streamID {
			delete(m.streams, key)
		}
	}
}
