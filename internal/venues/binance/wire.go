// Package binance normalizes Binance spot and USD-M futures streams.
package binance

import (
	json "github.com/goccy/go-json"
)

// Combined-stream envelope: {"stream":"btcusdt@depth","data":{...}}.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// wireTrade is an aggTrade or trade payload.
type wireTrade struct {
	EventType    string      `json:"e"`
	EventTime    json.Number `json:"E"`
	Symbol       string      `json:"s"`
	TradeID      json.Number `json:"a"`
	FallbackID   json.Number `json:"t"`
	Price        string      `json:"p"`
	Quantity     string      `json:"q"`
	TradeTime    json.Number `json:"T"`
	BuyerIsMaker bool        `json:"m"`
}

// wireDepth is a depthUpdate payload. U/u bound the update window; pu chains
// futures deltas.
type wireDepth struct {
	EventType     string      `json:"e"`
	EventTime     json.Number `json:"E"`
	Symbol        string      `json:"s"`
	FirstUpdateID json.Number `json:"U"`
	FinalUpdateID json.Number `json:"u"`
	PrevUpdateID  json.Number `json:"pu"`
	Bids          [][]string  `json:"b"`
	Asks          [][]string  `json:"a"`
}

// wireDepthSnapshot is the REST depth snapshot body.
type wireDepthSnapshot struct {
	LastUpdateID json.Number `json:"lastUpdateId"`
	Bids         [][]string  `json:"bids"`
	Asks         [][]string  `json:"asks"`
}

type wireKlineDetail struct {
	StartTime json.Number `json:"t"`
	EndTime   json.Number `json:"T"`
	Interval  string      `json:"i"`
	Open      string      `json:"o"`
	High      string      `json:"h"`
	Low       string      `json:"l"`
	Close     string      `json:"c"`
	Volume    string      `json:"v"`
	Closed    bool        `json:"x"`
}

type wireKline struct {
	EventType string          `json:"e"`
	EventTime json.Number     `json:"E"`
	Symbol    string          `json:"s"`
	Kline     wireKlineDetail `json:"k"`
}

// wireTicker is the 24hr rolling ticker payload.
type wireTicker struct {
	EventType string      `json:"e"`
	EventTime json.Number `json:"E"`
	Symbol    string      `json:"s"`
	LastPrice string      `json:"c"`
	BidPrice  string      `json:"b"`
	AskPrice  string      `json:"a"`
	Volume    string      `json:"v"`
}

// wireMarkPrice is the futures markPriceUpdate payload carrying mark, index
// and the funding rate in one frame.
type wireMarkPrice struct {
	EventType   string      `json:"e"`
	EventTime   json.Number `json:"E"`
	Symbol      string      `json:"s"`
	MarkPrice   string      `json:"p"`
	IndexPrice  string      `json:"i"`
	FundingRate string      `json:"r"`
	NextFunding json.Number `json:"T"`
}

// wireForceOrder is the futures liquidation order event.
type wireForceOrder struct {
	EventType string      `json:"e"`
	EventTime json.Number `json:"E"`
	Order     struct {
		Symbol   string      `json:"s"`
		Side     string      `json:"S"`
		Price    string      `json:"p"`
		Quantity string      `json:"q"`
		TradeTs  json.Number `json:"T"`
	} `json:"o"`
}

// wireOpenInterest is the REST openInterest body.
type wireOpenInterest struct {
	Symbol       string      `json:"symbol"`
	OpenInterest string      `json:"openInterest"`
	Time         json.Number `json:"time"`
}

// wireRESTKline is one row of the REST klines array:
// [openTime, open, high, low, close, volume, closeTime, ...].
type wireRESTKline []json.RawMessage
