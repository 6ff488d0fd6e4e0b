package binance

import (
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
	"github.com/tidemill/weir/internal/venues"
)

// Venue is the canonical venue name used in stream identities.
const Venue = "binance"

// Normalizer turns decoded Binance frames into normalized bus events. It
// tracks the per-symbol depth chain so sequence gaps surface as resync
// requests. Single goroutine use; the client invokes it from the dispatcher.
type Normalizer struct {
	market    schema.MarketType
	log       zerolog.Logger
	now       clock.Now
	lastFinal map[string]schema.SeqNum
}

// NewNormalizer builds a normalizer for one market type.
func NewNormalizer(market schema.MarketType, now clock.Now, log zerolog.Logger) *Normalizer {
	if now == nil {
		now = clock.System()
	}
	return &Normalizer{
		market:    market,
		log:       log.With().Str("component", "binance_normalizer").Logger(),
		now:       now,
		lastFinal: make(map[string]schema.SeqNum),
	}
}

func (n *Normalizer) streamID(ch schema.Channel) string {
	return schema.BuildStreamID(Venue, n.market, ch)
}

func (n *Normalizer) ingestTs() schema.TimeMS {
	return schema.TimeFromStd(n.now())
}

// ResetBook forgets the depth chain for a symbol, as after a resync.
func (n *Normalizer) ResetBook(symbol string) {
	delete(n.lastFinal, symbol)
}

// ResetAll forgets every depth chain, as after a disconnect.
func (n *Normalizer) ResetAll() {
	n.lastFinal = make(map[string]schema.SeqNum)
}

// Trade normalizes an aggTrade or trade frame. Binance reports the maker
// side; the aggressor is the opposite.
func (n *Normalizer) Trade(data []byte) (schema.TradeEvent, error) {
	var w wireTrade
	if err := json.Unmarshal(data, &w); err != nil {
		return schema.TradeEvent{}, errs.New("binance", errs.CodeDataQuality, errs.WithMessage("decode trade"), errs.WithCause(err))
	}
	price, err := parseF(w.Price)
	if err != nil {
		return schema.TradeEvent{}, err
	}
	size, err := parseF(w.Quantity)
	if err != nil {
		return schema.TradeEvent{}, err
	}
	tradeTs := schema.TimeMS(numToInt(w.TradeTime))
	side := schema.SideBuy
	if w.BuyerIsMaker {
		side = schema.SideSell
	}
	tradeID := w.TradeID.String()
	if tradeID == "" || tradeID == "0" {
		tradeID = w.FallbackID.String()
	}
	streamID := n.streamID(schema.ChannelTrade)
	return schema.TradeEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(tradeTs),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(schema.TimeMS(numToInt(w.EventTime))),
			schema.WithStream(streamID)),
		Symbol:     venues.CanonicalSymbol(w.Symbol),
		MarketType: n.market,
		StreamID:   streamID,
		TradeID:    tradeID,
		Price:      price,
		Size:       size,
		Side:       side,
		TradeTs:    tradeTs,
	}, nil
}

// DepthDelta normalizes a depthUpdate frame and checks the sequence chain:
// futures deltas chain via pu, spot via the U..u window against the last
// final id. A broken chain returns a resync request alongside the event.
func (n *Normalizer) DepthDelta(data []byte) (schema.OrderbookDeltaEvent, *schema.ResyncRequest, error) {
	var w wireDepth
	if err := json.Unmarshal(data, &w); err != nil {
		return schema.OrderbookDeltaEvent{}, nil, errs.New("binance", errs.CodeDataQuality, errs.WithMessage("decode depth"), errs.WithCause(err))
	}
	symbol := venues.CanonicalSymbol(w.Symbol)
	first := venues.SeqFromNumber(w.FirstUpdateID)
	final := venues.SeqFromNumber(w.FinalUpdateID)
	prev := venues.SeqFromNumber(w.PrevUpdateID)
	streamID := n.streamID(schema.ChannelBook)
	exchangeTs := schema.TimeMS(numToInt(w.EventTime))

	var resync *schema.ResyncRequest
	if last, ok := n.lastFinal[symbol]; ok {
		broken := false
		if prev != 0 {
			broken = prev != last
		} else {
			broken = first > last+1
		}
		if broken {
			resync = &schema.ResyncRequest{
				Meta:       schema.NewMeta(Venue, schema.WithTsEvent(exchangeTs), schema.WithStream(streamID)),
				Venue:      Venue,
				MarketType: n.market,
				Symbol:     symbol,
				StreamID:   streamID,
				Reason:     "gap",
				LastSeq:    last,
			}
		}
	}
	n.lastFinal[symbol] = final

	return schema.OrderbookDeltaEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(exchangeTs),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(exchangeTs),
			schema.WithSequence(final),
			schema.WithStream(streamID)),
		Symbol:        symbol,
		MarketType:    n.market,
		StreamID:      streamID,
		Bids:          venues.Levels(w.Bids),
		Asks:          venues.Levels(w.Asks),
		FirstUpdateID: first,
		FinalUpdateID: final,
		PrevUpdateID:  prev,
		ExchangeTs:    exchangeTs,
	}, resync, nil
}

// DepthSnapshot normalizes a REST depth body, re-anchoring the chain.
func (n *Normalizer) DepthSnapshot(symbol string, data []byte) (schema.OrderbookSnapshotEvent, error) {
	var w wireDepthSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return schema.OrderbookSnapshotEvent{}, errs.New("binance", errs.CodeDataQuality, errs.WithMessage("decode depth snapshot"), errs.WithCause(err))
	}
	symbol = venues.CanonicalSymbol(symbol)
	updateID := venues.SeqFromNumber(w.LastUpdateID)
	n.lastFinal[symbol] = updateID
	streamID := n.streamID(schema.ChannelBook)
	ts := n.ingestTs()
	return schema.OrderbookSnapshotEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(ts),
			schema.WithTsIngest(ts),
			schema.WithSequence(updateID),
			schema.WithStream(streamID)),
		Symbol:     symbol,
		MarketType: n.market,
		StreamID:   streamID,
		Bids:       venues.Levels(w.Bids),
		Asks:       venues.Levels(w.Asks),
		UpdateID:   updateID,
		ExchangeTs: ts,
	}, nil
}

// Kline normalizes a kline frame.
func (n *Normalizer) Kline(data []byte) (schema.KlineEvent, error) {
	var w wireKline
	if err := json.Unmarshal(data, &w); err != nil {
		return schema.KlineEvent{}, errs.New("binance", errs.CodeDataQuality, errs.WithMessage("decode kline"), errs.WithCause(err))
	}
	open, err := parseF(w.Kline.Open)
	if err != nil {
		return schema.KlineEvent{}, err
	}
	high, _ := parseF(w.Kline.High)
	low, _ := parseF(w.Kline.Low)
	closeP, _ := parseF(w.Kline.Close)
	volume, _ := parseF(w.Kline.Volume)
	endTs := schema.TimeMS(numToInt(w.Kline.EndTime))
	streamID := n.streamID(schema.ChannelKline)
	return schema.KlineEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(endTs),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(schema.TimeMS(numToInt(w.EventTime))),
			schema.WithStream(streamID)),
		Symbol:     venues.CanonicalSymbol(w.Symbol),
		MarketType: n.market,
		StreamID:   streamID,
		Timeframe:  w.Kline.Interval,
		StartTs:    schema.TimeMS(numToInt(w.Kline.StartTime)),
		EndTs:      endTs,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closeP,
		Volume:     volume,
		Closed:     w.Kline.Closed,
	}, nil
}

// Ticker normalizes a 24hr ticker frame.
func (n *Normalizer) Ticker(data []byte) (schema.TickerEvent, error) {
	var w wireTicker
	if err := json.Unmarshal(data, &w); err != nil {
		return schema.TickerEvent{}, errs.New("binance", errs.CodeDataQuality, errs.WithMessage("decode ticker"), errs.WithCause(err))
	}
	last, err := parseF(w.LastPrice)
	if err != nil {
		return schema.TickerEvent{}, err
	}
	bid, _ := parseF(w.BidPrice)
	ask, _ := parseF(w.AskPrice)
	volume, _ := parseF(w.Volume)
	ts := schema.TimeMS(numToInt(w.EventTime))
	streamID := n.streamID(schema.ChannelTicker)
	return schema.TickerEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(ts),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(ts),
			schema.WithStream(streamID)),
		Symbol:     venues.CanonicalSymbol(w.Symbol),
		MarketType: n.market,
		StreamID:   streamID,
		Last:       last,
		Bid:        bid,
		Ask:        ask,
		Volume24h:  volume,
	}, nil
}

// MarkPrice normalizes a futures markPriceUpdate frame into a mark/index
// ticker and a funding-rate reading.
func (n *Normalizer) MarkPrice(data []byte) (schema.TickerEvent, schema.FundingRateEvent, error) {
	var w wireMarkPrice
	if err := json.Unmarshal(data, &w); err != nil {
		return schema.TickerEvent{}, schema.FundingRateEvent{}, errs.New("binance", errs.CodeDataQuality, errs.WithMessage("decode mark price"), errs.WithCause(err))
	}
	mark, err := parseF(w.MarkPrice)
	if err != nil {
		return schema.TickerEvent{}, schema.FundingRateEvent{}, err
	}
	index, _ := parseF(w.IndexPrice)
	rate, _ := parseF(w.FundingRate)
	ts := schema.TimeMS(numToInt(w.EventTime))
	symbol := venues.CanonicalSymbol(w.Symbol)
	tickerStream := n.streamID(schema.ChannelTicker)
	fundingStream := n.streamID(schema.ChannelFunding)

	ticker := schema.TickerEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(ts),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(ts),
			schema.WithStream(tickerStream)),
		Symbol:     symbol,
		MarketType: n.market,
		StreamID:   tickerStream,
		Mark:       mark,
		Index:      index,
	}
	funding := schema.FundingRateEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(ts),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(ts),
			schema.WithStream(fundingStream)),
		Symbol:        symbol,
		MarketType:    n.market,
		StreamID:      fundingStream,
		Rate:          rate,
		NextFundingTs: schema.TimeMS(numToInt(w.NextFunding)),
	}
	return ticker, funding, nil
}

// ForceOrder normalizes a futures liquidation event.
func (n *Normalizer) ForceOrder(data []byte) (schema.LiquidationEvent, error) {
	var w wireForceOrder
	if err := json.Unmarshal(data, &w); err != nil {
		return schema.LiquidationEvent{}, errs.New("binance", errs.CodeDataQuality, errs.WithMessage("decode force order"), errs.WithCause(err))
	}
	price, err := parseF(w.Order.Price)
	if err != nil {
		return schema.LiquidationEvent{}, err
	}
	size, _ := parseF(w.Order.Quantity)
	ts := schema.TimeMS(numToInt(w.Order.TradeTs))
	if ts == 0 {
		ts = schema.TimeMS(numToInt(w.EventTime))
	}
	streamID := n.streamID(schema.ChannelLiquidation)
	return schema.LiquidationEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(ts),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(ts),
			schema.WithStream(streamID)),
		Symbol:     venues.CanonicalSymbol(w.Order.Symbol),
		MarketType: n.market,
		StreamID:   streamID,
		Side:       venues.ParseSide(w.Order.Side),
		Price:      price,
		Size:       size,
		Unit:       schema.OIUnitBase,
	}, nil
}

// OpenInterest normalizes the REST openInterest body. Binance USD-M reports
// base units directly.
func (n *Normalizer) OpenInterest(data []byte) (schema.OpenInterestEvent, error) {
	var w wireOpenInterest
	if err := json.Unmarshal(data, &w); err != nil {
		return schema.OpenInterestEvent{}, errs.New("binance", errs.CodeDataQuality, errs.WithMessage("decode open interest"), errs.WithCause(err))
	}
	value, err := parseF(w.OpenInterest)
	if err != nil {
		return schema.OpenInterestEvent{}, err
	}
	ts := schema.TimeMS(numToInt(w.Time))
	if ts == 0 {
		ts = n.ingestTs()
	}
	streamID := n.streamID(schema.ChannelOI)
	return schema.OpenInterestEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(ts),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithStream(streamID)),
		Symbol:     venues.CanonicalSymbol(w.Symbol),
		MarketType: n.market,
		StreamID:   streamID,
		Value:      value,
		Unit:       schema.OIUnitBase,
	}, nil
}

// RestKlines parses the REST klines array into normalized candles, oldest
// first, all marked closed.
func (n *Normalizer) RestKlines(symbol, tf string, data []byte) ([]schema.KlineEvent, error) {
	var rows []wireRESTKline
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("binance", errs.CodeDataQuality, errs.WithMessage("decode rest klines"), errs.WithCause(err))
	}
	symbol = venues.CanonicalSymbol(symbol)
	streamID := n.streamID(schema.ChannelKline)
	out := make([]schema.KlineEvent, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		var openTime, closeTime int64
		var o, h, l, c, v string
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			continue
		}
		if err := json.Unmarshal(row[6], &closeTime); err != nil {
			continue
		}
		for i, dst := range []*string{&o, &h, &l, &c, &v} {
			if err := json.Unmarshal(row[i+1], dst); err != nil {
				continue
			}
		}
		open, err := parseF(o)
		if err != nil {
			continue
		}
		high, _ := parseF(h)
		low, _ := parseF(l)
		closeP, _ := parseF(c)
		volume, _ := parseF(v)
		out = append(out, schema.KlineEvent{
			Meta: schema.NewMeta(Venue,
				schema.WithTsEvent(schema.TimeMS(closeTime)),
				schema.WithTsIngest(n.ingestTs()),
				schema.WithStream(streamID)),
			Symbol:     symbol,
			MarketType: n.market,
			StreamID:   streamID,
			Timeframe:  tf,
			StartTs:    schema.TimeMS(openTime),
			EndTs:      schema.TimeMS(closeTime),
			Open:       open,
			High:       high,
			Low:        low,
			Close:      closeP,
			Volume:     volume,
			Closed:     true,
		})
	}
	return out, nil
}

func parseF(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errs.New("binance", errs.CodeDataQuality, errs.WithMessage("parse number "+s), errs.WithCause(err))
	}
	return v, nil
}

func numToInt(n json.Number) int64 {
	if n == "" {
		return 0
	}
	v, err := n.Int64()
	if err != nil {
		return 0
	}
	return v
}
