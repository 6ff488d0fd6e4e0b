// Package bybit normalizes Bybit v5 public streams for spot and linear
// perpetuals.
package bybit

import (
	json "github.com/goccy/go-json"
)

// wireEnvelope is the v5 push frame: {"topic":"publicTrade.BTCUSDT",
// "type":"snapshot","ts":...,"data":...}.
type wireEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    json.Number     `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// wireAck is the response to op frames (subscribe, ping).
type wireAck struct {
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

// wireTrade is one publicTrade entry; S is the taker side.
type wireTrade struct {
	TradeTs json.Number `json:"T"`
	Symbol  string      `json:"s"`
	Side    string      `json:"S"`
	Size    string      `json:"v"`
	Price   string      `json:"p"`
	TradeID string      `json:"i"`
}

// wireBook is an orderbook.{depth} payload. u is the update id; seq breaks
// ties when venues replay the same u.
type wireBook struct {
	Symbol   string      `json:"s"`
	Bids     [][]string  `json:"b"`
	Asks     [][]string  `json:"a"`
	UpdateID json.Number `json:"u"`
	Seq      json.Number `json:"seq"`
}

// wireTicker is a tickers.{symbol} payload. Linear pushes deltas carrying
// only the changed fields; absent fields arrive as empty strings.
type wireTicker struct {
	Symbol          string      `json:"symbol"`
	LastPrice       string      `json:"lastPrice"`
	MarkPrice       string      `json:"markPrice"`
	IndexPrice      string      `json:"indexPrice"`
	Bid1Price       string      `json:"bid1Price"`
	Ask1Price       string      `json:"ask1Price"`
	Volume24h       string      `json:"volume24h"`
	FundingRate     string      `json:"fundingRate"`
	NextFundingTime json.Number `json:"nextFundingTime"`
	OpenInterest    string      `json:"openInterest"`
}

// wireKline is one kline.{interval}.{symbol} entry.
type wireKline struct {
	Start     json.Number `json:"start"`
	End       json.Number `json:"end"`
	Interval  string      `json:"interval"`
	Open      string      `json:"open"`
	High      string      `json:"high"`
	Low       string      `json:"low"`
	Close     string      `json:"close"`
	Volume    string      `json:"volume"`
	Confirm   bool        `json:"confirm"`
	Timestamp json.Number `json:"timestamp"`
}

// wireLiquidation is a liquidation.{symbol} payload. Side is the side of the
// liquidated position's closing order.
type wireLiquidation struct {
	UpdatedTime json.Number `json:"updatedTime"`
	Symbol      string      `json:"symbol"`
	Side        string      `json:"side"`
	Size        string      `json:"size"`
	Price       string      `json:"price"`
}

// wireRESTBook is the result of GET /v5/market/orderbook.
type wireRESTBook struct {
	Symbol   string      `json:"s"`
	Bids     [][]string  `json:"b"`
	Asks     [][]string  `json:"a"`
	Ts       json.Number `json:"ts"`
	UpdateID json.Number `json:"u"`
	Seq      json.Number `json:"seq"`
}

// wireRESTResponse is the v5 REST envelope.
type wireRESTResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// wireRESTKlines is the result of GET /v5/market/kline; list rows are
// [start, open, high, low, close, volume, turnover], newest first.
type wireRESTKlines struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"`
}
