package schema

import (
	"strings"

	json "github.com/goccy/go-json"
)

// Channel names a venue stream family. Combined with venue and market type
// it forms the stream identity.
type Channel string

const (
	ChannelTicker      Channel = "ticker"
	ChannelTrade       Channel = "trade"
	ChannelBook        Channel = "book"
	ChannelKline       Channel = "kline"
	ChannelOI          Channel = "oi"
	ChannelFunding     Channel = "funding"
	ChannelLiquidation Channel = "liquidation"
)

// BuildStreamID assembles the canonical stream identity
// <venue>:<marketType>:<channel>, e.g. "binance:futures:book".
func BuildStreamID(venue string, market MarketType, channel Channel) string {
	return strings.ToLower(strings.TrimSpace(venue)) + ":" + string(market) + ":" + string(channel)
}

// StreamVenue extracts the venue component of a stream identity.
func StreamVenue(streamID string) string {
	if idx := strings.IndexByte(streamID, ':'); idx > 0 {
		return streamID[:idx]
	}
	return streamID
}

// TickerEvent is a normalized per-venue ticker. Mark and Index are populated
// on futures streams when the venue publishes them alongside the last price.
type TickerEvent struct {
	Meta       Meta       `json:"meta"`
	Symbol     string     `json:"symbol"`
	MarketType MarketType `json:"marketType"`
	StreamID   string     `json:"streamId"`
	Last       float64    `json:"last"`
	Bid        float64    `json:"bid,omitempty"`
	Ask        float64    `json:"ask,omitempty"`
	Mark       float64    `json:"mark,omitempty"`
	Index      float64    `json:"index,omitempty"`
	Volume24h  float64    `json:"volume24h,omitempty"`
}

// KlineEvent is a normalized per-venue candle.
type KlineEvent struct {
	Meta       Meta       `json:"meta"`
	Symbol     string     `json:"symbol"`
	MarketType MarketType `json:"marketType"`
	StreamID   string     `json:"streamId"`
	Timeframe  string     `json:"tf"`
	StartTs    TimeMS     `json:"startTs"`
	EndTs      TimeMS     `json:"endTs"`
	Open       float64    `json:"open"`
	High       float64    `json:"high"`
	Low        float64    `json:"low"`
	Close      float64    `json:"close"`
	Volume     float64    `json:"volume"`
	Closed     bool       `json:"closed"`
}

// TradeEvent is a normalized per-venue trade print.
type TradeEvent struct {
	Meta       Meta       `json:"meta"`
	Symbol     string     `json:"symbol"`
	MarketType MarketType `json:"marketType"`
	StreamID   string     `json:"streamId"`
	TradeID    string     `json:"tradeId,omitempty"`
	Price      float64    `json:"price"`
	Size       float64    `json:"size"`
	Side       Side       `json:"side"`
	TradeTs    TimeMS     `json:"tradeTs"`
}

// PriceLevel is one side entry of an orderbook message. Prices and
// quantities stay venue-exact strings until the book engine parses them.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// OrderbookSnapshotEvent replaces the full L2 book for a symbol.
type OrderbookSnapshotEvent struct {
	Meta       Meta         `json:"meta"`
	Symbol     string       `json:"symbol"`
	MarketType MarketType   `json:"marketType"`
	StreamID   string       `json:"streamId"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	UpdateID   SeqNum       `json:"updateId"`
	ExchangeTs TimeMS       `json:"exchangeTs"`
}

// OrderbookDeltaEvent applies an incremental L2 update. FirstUpdateID and
// FinalUpdateID bound the venue update window; PrevUpdateID is set by venues
// that chain deltas explicitly.
type OrderbookDeltaEvent struct {
	Meta          Meta         `json:"meta"`
	Symbol        string       `json:"symbol"`
	MarketType    MarketType   `json:"marketType"`
	StreamID      string       `json:"streamId"`
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
	FirstUpdateID SeqNum       `json:"firstUpdateId"`
	FinalUpdateID SeqNum       `json:"finalUpdateId"`
	PrevUpdateID  SeqNum       `json:"prevUpdateId,omitempty"`
	ExchangeTs    TimeMS       `json:"exchangeTs"`
}

// OIUnit names the unit an open-interest value is denominated in.
type OIUnit string

const (
	OIUnitContracts OIUnit = "contracts"
	OIUnitBase      OIUnit = "base"
	OIUnitUSD       OIUnit = "usd"
)

// OpenInterestEvent is a normalized per-venue open-interest reading.
// ContractSize is zero when the venue does not disclose it.
type OpenInterestEvent struct {
	Meta         Meta       `json:"meta"`
	Symbol       string     `json:"symbol"`
	MarketType   MarketType `json:"marketType"`
	StreamID     string     `json:"streamId"`
	Value        float64    `json:"value"`
	Unit         OIUnit     `json:"unit"`
	ContractSize float64    `json:"contractSize,omitempty"`
}

// FundingRateEvent is a normalized per-venue funding-rate reading.
type FundingRateEvent struct {
	Meta          Meta       `json:"meta"`
	Symbol        string     `json:"symbol"`
	MarketType    MarketType `json:"marketType"`
	StreamID      string     `json:"streamId"`
	Rate          float64    `json:"rate"`
	NextFundingTs TimeMS     `json:"nextFundingTs,omitempty"`
}

// LiquidationEvent is a normalized per-venue forced liquidation.
type LiquidationEvent struct {
	Meta       Meta       `json:"meta"`
	Symbol     string     `json:"symbol"`
	MarketType MarketType `json:"marketType"`
	StreamID   string     `json:"streamId"`
	Side       Side       `json:"side"`
	Price      float64    `json:"price"`
	Size       float64    `json:"size"`
	Unit       OIUnit     `json:"unit,omitempty"`
	Notional   float64    `json:"notional,omitempty"`
}

// RawEvent carries an undecoded venue frame on a `_raw` topic. It holds
// transport fields only and is never fused with normalized events.
type RawEvent struct {
	Meta       Meta            `json:"meta"`
	Venue      string          `json:"venue"`
	Channel    Channel         `json:"channel"`
	MarketType MarketType      `json:"marketType"`
	Payload    json.RawMessage `json:"payload"`
}

// ConnectRequest asks a gateway to connect its (venue, marketType) target.
type ConnectRequest struct {
	Meta       Meta       `json:"meta"`
	Venue      string     `json:"venue"`
	MarketType MarketType `json:"marketType"`
}

// DisconnectRequest asks a gateway to drop its transport.
type DisconnectRequest struct {
	Meta       Meta       `json:"meta"`
	Venue      string     `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Reason     string     `json:"reason,omitempty"`
}

// SubscribeRequest asks a gateway to subscribe channels for symbols.
type SubscribeRequest struct {
	Meta       Meta       `json:"meta"`
	Venue      string     `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Symbols    []string   `json:"symbols"`
	Channels   []Channel  `json:"channels"`
}

// ConnectionEvent reports transport state changes on market:connected and
// market:disconnected.
type ConnectionEvent struct {
	Meta       Meta       `json:"meta"`
	Venue      string     `json:"venue"`
	MarketType MarketType `json:"marketType"`
	StreamIDs  []string   `json:"streamIds,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// MarketError reports a transport failure with the phase it occurred in.
type MarketError struct {
	Meta       Meta       `json:"meta"`
	Venue      string     `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Phase      string     `json:"phase"`
	Err        string     `json:"error"`
}

// ResyncRequest asks the gateway to recover a stream after a sequence gap.
type ResyncRequest struct {
	Meta       Meta       `json:"meta"`
	Venue      string     `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Symbol     string     `json:"symbol"`
	StreamID   string     `json:"streamId"`
	Reason     string     `json:"reason"`
	LastSeq    SeqNum     `json:"lastSeq,omitempty"`
}

// KlineBootstrapRequest asks venue REST clients for historical candles.
type KlineBootstrapRequest struct {
	Meta       Meta       `json:"meta"`
	Venue      string     `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Symbol     string     `json:"symbol"`
	Timeframe  string     `json:"tf"`
	Limit      int        `json:"limit"`
}

// KlineBootstrap delivers the historical candles fetched for one
// (symbol, tf); candles are ordered oldest first.
type KlineBootstrap struct {
	Meta       Meta         `json:"meta"`
	Venue      string       `json:"venue"`
	MarketType MarketType   `json:"marketType"`
	StreamID   string       `json:"streamId"`
	Symbol     string       `json:"symbol"`
	Timeframe  string       `json:"tf"`
	Klines     []KlineEvent `json:"klines"`
}
