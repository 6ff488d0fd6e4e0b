package schema

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tidemill/weir/internal/bus"
)

// SourceReplay marks events re-emitted from the journal.
const SourceReplay = "replay"

// JournalRecord is the on-disk JSONL record shape. Records are one per
// line, UTF-8, partitioned by stream/symbol/topic as the journal lays out.
type JournalRecord struct {
	Seq      uint64          `json:"seq"`
	StreamID string          `json:"streamId"`
	Topic    string          `json:"topic"`
	Symbol   string          `json:"symbol"`
	TsIngest TimeMS          `json:"tsIngest"`
	Payload  json.RawMessage `json:"payload"`
}

// JournalEntry is the journal's typed view of one journalable event before
// encoding. Timeframe is set for klines only; TradeID for trades only, so
// the quality tap can dedup prints on venues without sequence numbers.
type JournalEntry struct {
	Topic      string
	StreamID   string
	Symbol     string
	Timeframe  string
	TsIngest   TimeMS
	TsExchange TimeMS
	TsEvent    TimeMS
	Sequence   SeqNum
	TradeID    string
	Payload    any
}

// JournalableTopics lists the normalized topics the partitioned journal
// accepts, in registry order.
func JournalableTopics() []string {
	return []string{
		TopicTicker.Name(),
		TopicKline.Name(),
		TopicTrade.Name(),
		TopicOrderbookSnapshot.Name(),
		TopicOrderbookDelta.Name(),
		TopicOI.Name(),
		TopicFunding.Name(),
		TopicLiquidation.Name(),
	}
}

var aggregatedTopicNames = map[string]struct{}{
	TopicOIAgg.Name():           {},
	TopicFundingAgg.Name():      {},
	TopicLiquidationsAgg.Name(): {},
	TopicVolumeAgg.Name():       {},
	TopicCVDSpot.Name():         {},
	TopicCVDFutures.Name():      {},
	TopicCVDSpotAgg.Name():      {},
	TopicCVDFuturesAgg.Name():   {},
	TopicCVDAgg.Name():          {},
	TopicPriceIndex.Name():      {},
	TopicPriceCanonical.Name():  {},
	TopicLiquidityAgg.Name():    {},
}

// AggregatedTopic reports whether the topic carries internally produced
// aggregates. Aggregated topics are rejected by the partitioned journal and
// handled by the separate aggregated journal.
func AggregatedTopic(topic string) bool {
	_, ok := aggregatedTopicNames[topic]
	return ok
}

// RawTopic reports whether the topic carries undecoded venue frames.
func RawTopic(topic string) bool {
	return strings.HasSuffix(topic, "_raw")
}

// TopicDir returns the directory segment used for the topic in journal
// partition paths: the part after the namespace colon.
func TopicDir(topic string) string {
	if idx := strings.IndexByte(topic, ':'); idx >= 0 {
		return topic[idx+1:]
	}
	return topic
}

// SubscribeJournal attaches fn to the named journalable topic, converting
// each event into its JournalEntry. Returns false when the topic is not
// journalable (unknown, raw, or aggregated).
func SubscribeJournal(b *bus.Bus, topic string, fn func(JournalEntry)) (bus.Subscription, bool) {
	switch topic {
	case TopicTicker.Name():
		return bus.Subscribe(b, TopicTicker, func(e TickerEvent) {
			fn(entryFromMeta(topic, e.StreamID, e.Symbol, "", e.Meta, e))
		}), true
	case TopicKline.Name():
		return bus.Subscribe(b, TopicKline, func(e KlineEvent) {
			fn(entryFromMeta(topic, e.StreamID, e.Symbol, e.Timeframe, e.Meta, e))
		}), true
	case TopicTrade.Name():
		return bus.Subscribe(b, TopicTrade, func(e TradeEvent) {
			entry := entryFromMeta(topic, e.StreamID, e.Symbol, "", e.Meta, e)
			entry.TradeID = e.TradeID
			fn(entry)
		}), true
	case TopicOrderbookSnapshot.Name():
		return bus.Subscribe(b, TopicOrderbookSnapshot, func(e OrderbookSnapshotEvent) {
			entry := entryFromMeta(topic, e.StreamID, e.Symbol, "", e.Meta, e)
			if entry.TsExchange == 0 {
				entry.TsExchange = e.ExchangeTs
			}
			fn(entry)
		}), true
	case TopicOrderbookDelta.Name():
		return bus.Subscribe(b, TopicOrderbookDelta, func(e OrderbookDeltaEvent) {
			entry := entryFromMeta(topic, e.StreamID, e.Symbol, "", e.Meta, e)
			if entry.TsExchange == 0 {
				entry.TsExchange = e.ExchangeTs
			}
			fn(entry)
		}), true
	case TopicOI.Name():
		return bus.Subscribe(b, TopicOI, func(e OpenInterestEvent) {
			fn(entryFromMeta(topic, e.StreamID, e.Symbol, "", e.Meta, e))
		}), true
	case TopicFunding.Name():
		return bus.Subscribe(b, TopicFunding, func(e FundingRateEvent) {
			fn(entryFromMeta(topic, e.StreamID, e.Symbol, "", e.Meta, e))
		}), true
	case TopicLiquidation.Name():
		return bus.Subscribe(b, TopicLiquidation, func(e LiquidationEvent) {
			fn(entryFromMeta(topic, e.StreamID, e.Symbol, "", e.Meta, e))
		}), true
	}
	return bus.Subscription{}, false
}

// SubscribeAggregatedJournal attaches fn to the named aggregated topic.
// Returns false for topics outside the aggregated set.
func SubscribeAggregatedJournal(b *bus.Bus, topic string, fn func(JournalEntry)) (bus.Subscription, bool) {
	core := func(c AggregateCore, payload any) {
		fn(entryFromMeta(topic, c.Meta.StreamID, c.Symbol, "", c.Meta, payload))
	}
	switch topic {
	case TopicPriceCanonical.Name():
		return bus.Subscribe(b, TopicPriceCanonical, func(e CanonicalPriceEvent) { core(e.AggregateCore, e) }), true
	case TopicPriceIndex.Name():
		return bus.Subscribe(b, TopicPriceIndex, func(e CanonicalPriceEvent) { core(e.AggregateCore, e) }), true
	case TopicCVDAgg.Name():
		return bus.Subscribe(b, TopicCVDAgg, func(e CVDAggregate) { core(e.AggregateCore, e) }), true
	case TopicCVDSpotAgg.Name():
		return bus.Subscribe(b, TopicCVDSpotAgg, func(e CVDAggregate) { core(e.AggregateCore, e) }), true
	case TopicCVDFuturesAgg.Name():
		return bus.Subscribe(b, TopicCVDFuturesAgg, func(e CVDAggregate) { core(e.AggregateCore, e) }), true
	case TopicOIAgg.Name():
		return bus.Subscribe(b, TopicOIAgg, func(e OIAggregate) { core(e.AggregateCore, e) }), true
	case TopicFundingAgg.Name():
		return bus.Subscribe(b, TopicFundingAgg, func(e FundingAggregate) { core(e.AggregateCore, e) }), true
	case TopicLiquidationsAgg.Name():
		return bus.Subscribe(b, TopicLiquidationsAgg, func(e LiquidationsAggregate) { core(e.AggregateCore, e) }), true
	case TopicVolumeAgg.Name():
		return bus.Subscribe(b, TopicVolumeAgg, func(e VolumeAggregate) { core(e.AggregateCore, e) }), true
	case TopicLiquidityAgg.Name():
		return bus.Subscribe(b, TopicLiquidityAgg, func(e LiquidityAggregate) { core(e.AggregateCore, e) }), true
	}
	return bus.Subscription{}, false
}

func entryFromMeta(topic, streamID, symbol, tf string, m Meta, payload any) JournalEntry {
	return JournalEntry{
		Topic:      topic,
		StreamID:   streamID,
		Symbol:     symbol,
		Timeframe:  tf,
		TsIngest:   m.TsIngest,
		TsExchange: m.TsExchange,
		TsEvent:    m.TsEvent,
		Sequence:   m.Sequence,
		Payload:    payload,
	}
}

// PublishJournaled decodes a journaled payload for the topic and republishes
// it with replay meta rules applied: Source becomes "replay", CorrelationID
// and TsExchange are preserved, and Ts is set to the topic's authoritative
// time (klines endTs, trades tradeTs, orderbook exchangeTs, otherwise the
// journaled tsEvent). Returns an error for unknown topics or undecodable
// payloads; the caller converts those into replay warnings.
func PublishJournaled(b *bus.Bus, topic string, payload []byte) error {
	switch topic {
	case TopicTicker.Name():
		var e TickerEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		e.Meta = replayMeta(e.Meta, e.Meta.TsEvent)
		bus.Publish(b, TopicTicker, e)
	case TopicKline.Name():
		var e KlineEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		e.Meta = replayMeta(e.Meta, e.EndTs)
		bus.Publish(b, TopicKline, e)
	case TopicTrade.Name():
		var e TradeEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		e.Meta = replayMeta(e.Meta, e.TradeTs)
		bus.Publish(b, TopicTrade, e)
	case TopicOrderbookSnapshot.Name():
		var e OrderbookSnapshotEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		e.Meta = replayMeta(e.Meta, e.ExchangeTs)
		bus.Publish(b, TopicOrderbookSnapshot, e)
	case TopicOrderbookDelta.Name():
		var e OrderbookDeltaEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		e.Meta = replayMeta(e.Meta, e.ExchangeTs)
		bus.Publish(b, TopicOrderbookDelta, e)
	case TopicOI.Name():
		var e OpenInterestEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		e.Meta = replayMeta(e.Meta, e.Meta.TsEvent)
		bus.Publish(b, TopicOI, e)
	case TopicFunding.Name():
		var e FundingRateEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		e.Meta = replayMeta(e.Meta, e.Meta.TsEvent)
		bus.Publish(b, TopicFunding, e)
	case TopicLiquidation.Name():
		var e LiquidationEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		e.Meta = replayMeta(e.Meta, e.Meta.TsEvent)
		bus.Publish(b, TopicLiquidation, e)
	default:
		return &UnknownTopicError{Topic: topic}
	}
	return nil
}

func replayMeta(m Meta, authoritative TimeMS) Meta {
	m.Source = SourceReplay
	if authoritative != 0 {
		m.Ts = authoritative
	} else {
		m.Ts = m.TsEvent
	}
	return m
}

// UnknownTopicError marks a replay payload addressed to a topic outside the
// journalable registry.
type UnknownTopicError struct {
	Topic string
}

func (e *UnknownTopicError) Error() string {
	return "unknown journalable topic " + e.Topic
}
