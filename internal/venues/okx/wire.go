// Package okx normalizes OKX v5 public streams for spot and perpetual swaps.
package okx

import (
	json "github.com/goccy/go-json"
)

// wireEnvelope is the v5 push frame: {"arg":{"channel":"books","instId":
// "BTC-USDT-SWAP"},"action":"update","data":[...]}.
type wireEnvelope struct {
	Arg    wireArg         `json:"arg"`
	Action string          `json:"action"`
	Event  string          `json:"event"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

type wireArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
	InstType string `json:"instType"`
}

// wireTrade is one trades entry.
type wireTrade struct {
	InstID  string      `json:"instId"`
	TradeID string      `json:"tradeId"`
	Price   string      `json:"px"`
	Size    string      `json:"sz"`
	Side    string      `json:"side"`
	Ts      json.Number `json:"ts"`
}

// wireBook is one books entry. Levels carry [px, sz, liqOrders, numOrders];
// only the first two matter here. seqId chains updates via prevSeqId.
type wireBook struct {
	Asks      [][]string  `json:"asks"`
	Bids      [][]string  `json:"bids"`
	Ts        json.Number `json:"ts"`
	SeqID     json.Number `json:"seqId"`
	PrevSeqID json.Number `json:"prevSeqId"`
}

// wireTicker is one tickers entry.
type wireTicker struct {
	InstID  string      `json:"instId"`
	Last    string      `json:"last"`
	BidPx   string      `json:"bidPx"`
	AskPx   string      `json:"askPx"`
	Vol24h  string      `json:"vol24h"`
	Ts      json.Number `json:"ts"`
}

// wireMarkPrice is one mark-price entry.
type wireMarkPrice struct {
	InstID string      `json:"instId"`
	MarkPx string      `json:"markPx"`
	Ts     json.Number `json:"ts"`
}

// wireIndexTicker is one index-tickers entry.
type wireIndexTicker struct {
	InstID string      `json:"instId"`
	IdxPx  string      `json:"idxPx"`
	Ts     json.Number `json:"ts"`
}

// wireFundingRate is one funding-rate entry.
type wireFundingRate struct {
	InstID          string      `json:"instId"`
	FundingRate     string      `json:"fundingRate"`
	NextFundingTime json.Number `json:"nextFundingTime"`
	Ts              json.Number `json:"ts"`
}

// wireOpenInterest is one open-interest entry. oi is in contracts, oiCcy in
// base currency.
type wireOpenInterest struct {
	InstID string      `json:"instId"`
	OI     string      `json:"oi"`
	OICcy  string      `json:"oiCcy"`
	Ts     json.Number `json:"ts"`
}

// wireLiquidation is one liquidation-orders entry; fills nest under details.
type wireLiquidation struct {
	InstID  string `json:"instId"`
	Details []struct {
		Side  string      `json:"side"`
		Size  string      `json:"sz"`
		Price string      `json:"bkPx"`
		Ts    json.Number `json:"ts"`
	} `json:"details"`
}

// wireRESTResponse is the v5 REST envelope.
type wireRESTResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Candle rows, push and REST alike, are positional string arrays:
// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm]. ts is the bucket
// start; confirm is "1" once the bucket closes.
type wireCandle []string
