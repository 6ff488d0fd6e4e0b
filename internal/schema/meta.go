// Package schema defines the event contracts shared by every Weir component:
// the meta envelope, normalized market events, aggregates, quality signals,
// control state, and the typed topic registry.
package schema

import (
	"strconv"
	"time"
)

// TimeMS is a timestamp in milliseconds since the Unix epoch, nominally UTC.
type TimeMS int64

// NowMS returns the current wall clock as TimeMS.
func NowMS() TimeMS { return TimeFromStd(time.Now()) }

// TimeFromStd converts a time.Time to TimeMS.
func TimeFromStd(t time.Time) TimeMS {
	if t.IsZero() {
		return 0
	}
	return TimeMS(t.UnixMilli())
}

// Std converts the timestamp back to time.Time in UTC.
func (t TimeMS) Std() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// String renders the timestamp as its decimal millisecond value.
func (t TimeMS) String() string { return strconv.FormatInt(int64(t), 10) }

// IsZero reports whether the timestamp is unset.
func (t TimeMS) IsZero() bool { return t == 0 }

// SeqNum is a per-stream sequence number as reported by a venue.
type SeqNum uint64

// MarketType distinguishes spot from perpetual-futures markets.
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
	MarketUnknown MarketType = "unknown"
)

// Known reports whether the market type is one of the supported values.
func (m MarketType) Known() bool {
	return m == MarketSpot || m == MarketFutures
}

// Side is the taker side of a trade or liquidation.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Meta is the envelope carried by every event on the bus. TsEvent is the
// authoritative time for bucketing and replay; Ts aliases it for back-compat.
type Meta struct {
	Source        string `json:"source"`
	TsEvent       TimeMS `json:"tsEvent"`
	Ts            TimeMS `json:"ts"`
	TsIngest      TimeMS `json:"tsIngest,omitempty"`
	TsExchange    TimeMS `json:"tsExchange,omitempty"`
	Sequence      SeqNum `json:"sequence,omitempty"`
	StreamID      string `json:"streamId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// MetaOption configures a Meta under construction.
type MetaOption func(*Meta)

// NewMeta builds a Meta for the given source. TsEvent defaults to the
// current wall clock when no option provides one; Ts always mirrors TsEvent.
func NewMeta(source string, opts ...MetaOption) Meta {
	m := Meta{Source: source}
	for _, opt := range opts {
		if opt != nil {
			opt(&m)
		}
	}
	if m.TsEvent == 0 {
		m.TsEvent = NowMS()
	}
	if m.TsIngest == 0 {
		m.TsIngest = m.TsEvent
	}
	m.Ts = m.TsEvent
	return m
}

// InheritMeta derives a Meta for an event caused by parent. CorrelationID is
// preserved, substituting the parent TsEvent rendered as a decimal string
// when absent. TsIngest, TsExchange, Sequence and StreamID carry forward
// unless overridden; Source is reset to the emitting component.
func InheritMeta(parent Meta, source string, opts ...MetaOption) Meta {
	m := Meta{
		Source:        source,
		TsEvent:       parent.TsEvent,
		TsIngest:      parent.TsIngest,
		TsExchange:    parent.TsExchange,
		Sequence:      parent.Sequence,
		StreamID:      parent.StreamID,
		CorrelationID: parent.CorrelationID,
	}
	if m.CorrelationID == "" {
		m.CorrelationID = parent.TsEvent.String()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&m)
		}
	}
	if m.TsEvent == 0 {
		m.TsEvent = NowMS()
	}
	m.Ts = m.TsEvent
	return m
}

// WithTsEvent sets the authoritative event time.
func WithTsEvent(ts TimeMS) MetaOption {
	return func(m *Meta) { m.TsEvent = ts }
}

// WithTsIngest sets the local receive time.
func WithTsIngest(ts TimeMS) MetaOption {
	return func(m *Meta) { m.TsIngest = ts }
}

// WithTsExchange sets the venue-reported time.
func WithTsExchange(ts TimeMS) MetaOption {
	return func(m *Meta) { m.TsExchange = ts }
}

// WithSequence sets the venue sequence number.
func WithSequence(seq SeqNum) MetaOption {
	return func(m *Meta) { m.Sequence = seq }
}

// WithStream sets the stream identity.
func WithStream(streamID string) MetaOption {
	return func(m *Meta) { m.StreamID = streamID }
}

// WithCorrelation sets the correlation identifier.
func WithCorrelation(id string) MetaOption {
	return func(m *Meta) { m.CorrelationID = id }
}
