package bybit

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
const Venue = "bybit"

// tfToInterval maps canonical timeframes to Bybit interval codes.
var tfToInterval = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W",
}

// intervalToTf is the reverse mapping, for frames arriving off the wire.
var intervalToTf = func() map[string]string {
	out := make(map[string]string, len(tfToInterval))
	for tf, iv := range tfToInterval {
		out[iv] = tf
	}
	return out
}()

// Normalizer turns decoded Bybit frames into normalized bus events. The
// orderbook chain tracks u per symbol; ticker deltas merge into a per-symbol
// cache since linear pushes only changed fields. Single goroutine use.
type Normalizer struct {
	market schema.MarketType
	log    zerolog.Logger
	now    clock.Now
	lastU  map[string]schema.SeqNum
	ticker map[string]wireTicker
}

// NewNormalizer builds a normalizer for one market type.
func NewNormalizer(market schema.MarketType, now clock.Now, log zerolog.Logger) *Normalizer {
	if now == nil {
		now = clock.System()
	}
	return &Normalizer{
		market: market,
		log:    log.With().Str("component", "bybit_normalizer").Logger(),
		now:    now,
		lastU:  make(map[string]schema.SeqNum),
		ticker: make(map[string]wireTicker),
	}
}

func (n *Normalizer) streamID(ch schema.Channel) string {
	return schema.BuildStreamID(Venue, n.market, ch)
}

func (n *Normalizer) ingestTs() schema.TimeMS {
	return schema.TimeFromStd(n.now())
}

// ResetBook forgets the orderbook chain for a symbol.
func (n *Normalizer) ResetBook(symbol string) {
	delete(n.lastU, symbol)
}

// ResetAll forgets every chain and ticker cache, as after a disconnect.
func (n *Normalizer) ResetAll() {
	n.lastU = make(map[string]schema.SeqNum)
	n.ticker = make(map[string]wireTicker)
}

// Trades normalizes a publicTrade push; the payload is a batch.
func (n *Normalizer) Trades(envTs schema.TimeMS, data []byte) ([]schema.TradeEvent, error) {
	var rows []wireTrade
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("bybit", errs.CodeDataQuality, errs.WithMessage("decode trades"), errs.WithCause(err))
	}
	streamID := n.streamID(schema.ChannelTrade)
	out := make([]schema.TradeEvent, 0, len(rows))
	for _, row := range rows {
		price, err := parseF(row.Price)
		if err != nil {
			n.log.Warn().Err(err).Msg("trade price rejected")
			continue
		}
		size, _ := parseF(row.Size)
		tradeTs := schema.TimeMS(numToInt(row.TradeTs))
		out = append(out, schema.TradeEvent{
			Meta: schema.NewMeta(Venue,
				schema.WithTsEvent(tradeTs),
				schema.WithTsIngest(n.ingestTs()),
				schema.WithTsExchange(envTs),
				schema.WithStream(streamID)),
			Symbol:     venues.CanonicalSymbol(row.Symbol),
			MarketType: n.market,
			StreamID:   streamID,
			TradeID:    row.TradeID,
			Price:      price,
			Size:       size,
			Side:       venues.ParseSide(row.Side),
			TradeTs:    tradeTs,
		})
	}
	return out, nil
}

// BookSnapshot normalizes an orderbook snapshot push (type "snapshot", or
// u==1 after a venue-side service restart), re-anchoring the chain.
func (n *Normalizer) BookSnapshot(envTs schema.TimeMS, data []byte) (schema.OrderbookSnapshotEvent, error) {
	var w wireBook
	if err := json.Unmarshal(data, &w); err != nil {
		return schema.OrderbookSnapshotEvent{}, errs.New("bybit", errs.CodeDataQuality, errs.WithMessage("decode book snapshot"), errs.WithCause(err))
	}
	symbol := venues.CanonicalSymbol(w.Symbol)
	updateID := venues.SeqFromNumber(w.UpdateID)
	n.lastU[symbol] = updateID
	streamID := n.streamID(schema.ChannelBook)
	return schema.OrderbookSnapshotEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(envTs),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(envTs),
			schema.WithSequence(updateID),
			schema.WithStream(streamID)),
		Symbol:     symbol,
		MarketType: n.market,
		StreamID:   streamID,
		Bids:       venues.Levels(w.Bids),
		Asks:       venues.Levels(w.Asks),
		UpdateID:   updateID,
		ExchangeTs: envTs,
	}, nil
}

// BookDelta normalizes an orderbook delta push and checks the u chain: each
// delta increments u by one. A skipped id returns a resync request alongside
// the event.
func (n *Normalizer) BookDelta(envTs schema.TimeMS, data []byte) (schema.OrderbookDeltaEvent, *schema.ResyncRequest, error) {
	var w wireBook
	if err := json.Unmarshal(data, &w); err != nil {
		return schema.OrderbookDeltaEvent{}, nil, errs.New("bybit", errs.CodeDataQuality, errs.WithMessage("decode book delta"), errs.WithCause(err))
	}
	symbol := venues.CanonicalSymbol(w.Symbol)
	updateID := venues.SeqFromNumber(w.UpdateID)
	streamID := n.streamID(schema.ChannelBook)

	var resync *schema.ResyncRequest
	if last, ok := n.lastU[symbol]; ok && updateID != last+1 {
		resync = &schema.ResyncRequest{
			Meta:       schema.NewMeta(Venue, schema.WithTsEvent(envTs), schema.WithStream(streamID)),
			Venue:      Venue,
			MarketType: n.market,
			Symbol:     symbol,
			StreamID:   streamID,
			Reason:     "gap",
			LastSeq:    last,
		}
	}
	n.lastU[symbol] = updateID

	return schema.OrderbookDeltaEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(envTs),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(envTs),
			schema.WithSequence(updateID),
			schema.WithStream(streamID)),
		Symbol:        symbol,
		MarketType:    n.market,
		StreamID:      streamID,
		Bids:          venues.Levels(w.Bids),
		Asks:          venues.Levels(w.Asks),
		FirstUpdateID: updateID,
		FinalUpdateID: updateID,
		PrevUpdateID:  venues.SeqFromNumber(w.Seq),
		ExchangeTs:    envTs,
	}, resync, nil
}

// Ticker folds a tickers push into the per-symbol cache and emits the merged
// view: a ticker event, plus funding and open-interest readings on futures
// when the frame carries them.
func (n *Normalizer) Ticker(envTs schema.TimeMS, data []byte) (schema.TickerEvent, *schema.FundingRateEvent, *schema.OpenInterestEvent, error) {
	var w wireTicker
	if err := json.Unmarshal(data, &w); err != nil {
		return schema.TickerEvent{}, nil, nil, errs.New("bybit", errs.CodeDataQuality, errs.WithMessage("decode ticker"), errs.WithCause(err))
	}
	symbol := venues.CanonicalSymbol(w.Symbol)
	merged := n.mergeTicker(symbol, w)

	last, _ := parseF(merged.LastPrice)
	bid, _ := parseF(merged.Bid1Price)
	ask, _ := parseF(merged.Ask1Price)
	volume, _ := parseF(merged.Volume24h)
	mark, _ := parseF(merged.MarkPrice)
	index, _ := parseF(merged.IndexPrice)

	tickerStream := n.streamID(schema.ChannelTicker)
	ticker := schema.TickerEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(envTs),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(envTs),
			schema.WithStream(tickerStream)),
		Symbol:     symbol,
		MarketType: n.market,
		StreamID:   tickerStream,
		Last:       last,
		Bid:        bid,
		Ask:        ask,
		Volume24h:  volume,
		Mark:       mark,
		Index:      index,
	}

	var funding *schema.FundingRateEvent
	var oi *schema.OpenInterestEvent
	if n.market == schema.MarketFutures {
		// Only fields present in this frame changed; do not re-emit cached
		// funding and OI on every ticker tick.
		if w.FundingRate != "" {
			rate, _ := parseF(w.FundingRate)
			fundingStream := n.streamID(schema.ChannelFunding)
			funding = &schema.FundingRateEvent{
				Meta: schema.NewMeta(Venue,
					schema.WithTsEvent(envTs),
					schema.WithTsIngest(n.ingestTs()),
					schema.WithTsExchange(envTs),
					schema.WithStream(fundingStream)),
				Symbol:        symbol,
				MarketType:    n.market,
				StreamID:      fundingStream,
				Rate:          rate,
				NextFundingTs: schema.TimeMS(numToInt(merged.NextFundingTime)),
			}
		}
		if w.OpenInterest != "" {
			value, _ := parseF(w.OpenInterest)
			oiStream := n.streamID(schema.ChannelOI)
			oi = &schema.OpenInterestEvent{
				Meta: schema.NewMeta(Venue,
					schema.WithTsEvent(envTs),
					schema.WithTsIngest(n.ingestTs()),
					schema.WithTsExchange(envTs),
					schema.WithStream(oiStream)),
				Symbol:     symbol,
				MarketType: n.market,
				StreamID:   oiStream,
				Value:      value,
				Unit:       schema.OIUnitBase,
			}
		}
	}
	return ticker, funding, oi, nil
}

func (n *Normalizer) mergeTicker(symbol string, w wireTicker) wireTicker {
	cached := n.ticker[symbol]
	cached.Symbol = symbol
	if w.LastPrice != "" {
		cached.LastPrice = w.LastPrice
	}
	if w.MarkPrice != "" {
		cached.MarkPrice = w.MarkPrice
	}
	if w.IndexPrice != "" {
		cached.IndexPrice = w.IndexPrice
	}
	if w.Bid1Price != "" {
		cached.Bid1Price = w.Bid1Price
	}
	if w.Ask1Price != "" {
		cached.Ask1Price = w.Ask1Price
	}
	if w.Volume24h != "" {
		cached.Volume24h = w.Volume24h
	}
	if w.FundingRate != "" {
		cached.FundingRate = w.FundingRate
	}
	if w.NextFundingTime != "" {
		cached.NextFundingTime = w.NextFundingTime
	}
	if w.OpenInterest != "" {
		cached.OpenInterest = w.OpenInterest
	}
	n.ticker[symbol] = cached
	return cached
}

// Klines normalizes a kline push; the payload is a batch.
func (n *Normalizer) Klines(symbol string, data []byte) ([]schema.KlineEvent, error) {
	var rows []wireKline
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("bybit", errs.CodeDataQuality, errs.WithMessage("decode klines"), errs.WithCause(err))
	}
	symbol = venues.CanonicalSymbol(symbol)
	streamID := n.streamID(schema.ChannelKline)
	out := make([]schema.KlineEvent, 0, len(rows))
	for _, row := range rows {
		open, err := parseF(row.Open)
		if err != nil {
			n.log.Warn().Err(err).Msg("kline rejected")
			continue
		}
		high, _ := parseF(row.High)
		low, _ := parseF(row.Low)
		closeP, _ := parseF(row.Close)
		volume, _ := parseF(row.Volume)
		endTs := schema.TimeMS(numToInt(row.End))
		tf := intervalToTf[row.Interval]
		if tf == "" {
			tf = row.Interval
		}
		out = append(out, schema.KlineEvent{
			Meta: schema.NewMeta(Venue,
				schema.WithTsEvent(endTs),
				schema.WithTsIngest(n.ingestTs()),
				schema.WithTsExchange(schema.TimeMS(numToInt(row.Timestamp))),
				schema.WithStream(streamID)),
			Symbol:     symbol,
			MarketType: n.market,
			StreamID:   streamID,
			Timeframe:  tf,
			StartTs:    schema.TimeMS(numToInt(row.Start)),
			EndTs:      endTs,
			Open:       open,
			High:       high,
			Low:        low,
			Close:      closeP,
			Volume:     volume,
			Closed:     row.Confirm,
		})
	}
	return out, nil
}

// Liquidation normalizes a liquidation push.
func (n *Normalizer) Liquidation(data []byte) (schema.LiquidationEvent, error) {
	var w wireLiquidation
	if err := json.Unmarshal(data, &w); err != nil {
		return schema.LiquidationEvent{}, errs.New("bybit", errs.CodeDataQuality, errs.WithMessage("decode liquidation"), errs.WithCause(err))
	}
	price, err := parseF(w.Price)
	if err != nil {
		return schema.LiquidationEvent{}, err
	}
	size, _ := parseF(w.Size)
	ts := schema.TimeMS(numToInt(w.UpdatedTime))
	streamID := n.streamID(schema.ChannelLiquidation)
	return schema.LiquidationEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(ts),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(ts),
			schema.WithStream(streamID)),
		Symbol:     venues.CanonicalSymbol(w.Symbol),
		MarketType: n.market,
		StreamID:   streamID,
		Side:       venues.ParseSide(w.Side),
		Price:      price,
		Size:       size,
		Unit:       schema.OIUnitBase,
	}, nil
}

// RestBook parses the REST orderbook result, re-anchoring the chain.
func (n *Normalizer) RestBook(data []byte) (schema.OrderbookSnapshotEvent, error) {
	var w wireRESTBook
	if err := json.Unmarshal(data, &w); err != nil {
		return schema.OrderbookSnapshotEvent{}, errs.New("bybit", errs.CodeDataQuality, errs.WithMessage("decode rest book"), errs.WithCause(err))
	}
	symbol := venues.CanonicalSymbol(w.Symbol)
	updateID := venues.SeqFromNumber(w.UpdateID)
	n.lastU[symbol] = updateID
	streamID := n.streamID(schema.ChannelBook)
	ts := schema.TimeMS(numToInt(w.Ts))
	if ts == 0 {
		ts = n.ingestTs()
	}
	return schema.OrderbookSnapshotEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(ts),
			schema.WithTsIngest(n.ingestTs()),
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

// RestKlines parses the REST kline result, reversing the newest-first rows
// into oldest-first candles, all marked closed. Bucket ends derive from the
// interval since the rows carry only start times.
func (n *Normalizer) RestKlines(symbol, tf string, data []byte) ([]schema.KlineEvent, error) {
	var w wireRESTKlines
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errs.New("bybit", errs.CodeDataQuality, errs.WithMessage("decode rest klines"), errs.WithCause(err))
	}
	symbol = venues.CanonicalSymbol(symbol)
	streamID := n.streamID(schema.ChannelKline)
	spanMs := timeframeMs(tf)
	out := make([]schema.KlineEvent, 0, len(w.List))
	for i := len(w.List) - 1; i >= 0; i-- {
		row := w.List[i]
		if len(row) < 6 {
			continue
		}
		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		open, err := parseF(row[1])
		if err != nil {
			continue
		}
		high, _ := parseF(row[2])
		low, _ := parseF(row[3])
		closeP, _ := parseF(row[4])
		volume, _ := parseF(row[5])
		endTs := schema.TimeMS(start + spanMs - 1)
		out = append(out, schema.KlineEvent{
			Meta: schema.NewMeta(Venue,
				schema.WithTsEvent(endTs),
				schema.WithTsIngest(n.ingestTs()),
				schema.WithStream(streamID)),
			Symbol:     symbol,
			MarketType: n.market,
			StreamID:   streamID,
			Timeframe:  tf,
			StartTs:    schema.TimeMS(start),
			EndTs:      endTs,
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

// timeframeMs converts a canonical timeframe to its bucket span.
func timeframeMs(tf string) int64 {
	if len(tf) < 2 {
		return 60_000
	}
	v, err := strconv.ParseInt(tf[:len(tf)-1], 10, 64)
	if err != nil || v <= 0 {
		return 60_000
	}
	switch tf[len(tf)-1] {
	case 'm':
		return v * 60_000
	case 'h':
		return v * 3_600_000
	case 'd':
		return v * 86_400_000
	case 'w':
		return v * 7 * 86_400_000
	}
	return 60_000
}

func parseF(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errs.New("bybit", errs.CodeDataQuality, errs.WithMessage("parse number "+s), errs.WithCause(err))
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
