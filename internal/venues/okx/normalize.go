package okx

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
	"github.com/tidemill/weir/internal/venues"
)

// Venue is the canonical venue name used in stream identities.
const Venue = "okx"

// quoteCurrencies orders the suffixes tried when rebuilding an instId from a
// canonical symbol. USDT before USD so BTCUSDT does not split as BTC-USDT+T.
var quoteCurrencies = []string{"USDT", "USDC", "USD", "BTC", "ETH"}

// instID rebuilds the venue instrument id from a canonical symbol:
// "BTCUSDT" reads "BTC-USDT" on spot and "BTC-USDT-SWAP" on futures.
func instID(symbol string, market schema.MarketType) string {
	sym := venues.CanonicalSymbol(symbol)
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(sym, quote) && len(sym) > len(quote) {
			id := sym[:len(sym)-len(quote)] + "-" + quote
			if market == schema.MarketFutures {
				id += "-SWAP"
			}
			return id
		}
	}
	return sym
}

// bar maps a canonical timeframe to the venue candle bar code: minutes stay
// lowercase, larger units upshift ("1h" reads "1H").
func bar(tf string) string {
	if strings.HasSuffix(tf, "m") {
		return tf
	}
	return strings.ToUpper(tf)
}

// Normalizer turns decoded OKX frames into normalized bus events, tracking
// the books seqId chain per instrument. Single goroutine use.
type Normalizer struct {
	market  schema.MarketType
	log     zerolog.Logger
	now     clock.Now
	lastSeq map[string]schema.SeqNum
}

// NewNormalizer builds a normalizer for one market type.
func NewNormalizer(market schema.MarketType, now clock.Now, log zerolog.Logger) *Normalizer {
	if now == nil {
		now = clock.System()
	}
	return &Normalizer{
		market:  market,
		log:     log.With().Str("component", "okx_normalizer").Logger(),
		now:     now,
		lastSeq: make(map[string]schema.SeqNum),
	}
}

func (n *Normalizer) streamID(ch schema.Channel) string {
	return schema.BuildStreamID(Venue, n.market, ch)
}

func (n *Normalizer) ingestTs() schema.TimeMS {
	return schema.TimeFromStd(n.now())
}

// ResetBook forgets the books chain for a symbol.
func (n *Normalizer) ResetBook(symbol string) {
	delete(n.lastSeq, venues.CanonicalSymbol(symbol))
}

// ResetAll forgets every chain, as after a disconnect.
func (n *Normalizer) ResetAll() {
	n.lastSeq = make(map[string]schema.SeqNum)
}

// Trades normalizes a trades push; the payload is a batch.
func (n *Normalizer) Trades(data []byte) ([]schema.TradeEvent, error) {
	var rows []wireTrade
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("okx", errs.CodeDataQuality, errs.WithMessage("decode trades"), errs.WithCause(err))
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
		ts := schema.TimeMS(numToInt(row.Ts))
		out = append(out, schema.TradeEvent{
			Meta: schema.NewMeta(Venue,
				schema.WithTsEvent(ts),
				schema.WithTsIngest(n.ingestTs()),
				schema.WithTsExchange(ts),
				schema.WithStream(streamID)),
			Symbol:     venues.CanonicalSymbol(row.InstID),
			MarketType: n.market,
			StreamID:   streamID,
			TradeID:    row.TradeID,
			Price:      price,
			Size:       size,
			Side:       venues.ParseSide(row.Side),
			TradeTs:    ts,
		})
	}
	return out, nil
}

// BookSnapshot normalizes a books snapshot push, re-anchoring the chain.
func (n *Normalizer) BookSnapshot(instID string, data []byte) (schema.OrderbookSnapshotEvent, error) {
	row, err := firstBook(data)
	if err != nil {
		return schema.OrderbookSnapshotEvent{}, err
	}
	symbol := venues.CanonicalSymbol(instID)
	seq := venues.SeqFromNumber(row.SeqID)
	n.lastSeq[symbol] = seq
	streamID := n.streamID(schema.ChannelBook)
	ts := schema.TimeMS(numToInt(row.Ts))
	return schema.OrderbookSnapshotEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(ts),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(ts),
			schema.WithSequence(seq),
			schema.WithStream(streamID)),
		Symbol:     symbol,
		MarketType: n.market,
		StreamID:   streamID,
		Bids:       venues.Levels(row.Bids),
		Asks:       venues.Levels(row.Asks),
		UpdateID:   seq,
		ExchangeTs: ts,
	}, nil
}

// BookDelta normalizes a books update push and checks the chain: each update
// carries prevSeqId pointing at the previous frame's seqId. A broken link
// returns a resync request alongside the event.
func (n *Normalizer) BookDelta(instID string, data []byte) (schema.OrderbookDeltaEvent, *schema.ResyncRequest, error) {
	row, err := firstBook(data)
	if err != nil {
		return schema.OrderbookDeltaEvent{}, nil, err
	}
	symbol := venues.CanonicalSymbol(instID)
	seq := venues.SeqFromNumber(row.SeqID)
	prev := venues.SeqFromNumber(row.PrevSeqID)
	streamID := n.streamID(schema.ChannelBook)
	ts := schema.TimeMS(numToInt(row.Ts))

	var resync *schema.ResyncRequest
	if last, ok := n.lastSeq[symbol]; ok && prev != last {
		resync = &schema.ResyncRequest{
			Meta:       schema.NewMeta(Venue, schema.WithTsEvent(ts), schema.WithStream(streamID)),
			Venue:      Venue,
			MarketType: n.market,
			Symbol:     symbol,
			StreamID:   streamID,
			Reason:     "gap",
			LastSeq:    last,
		}
	}
	n.lastSeq[symbol] = seq

	return schema.OrderbookDeltaEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(ts),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(ts),
			schema.WithSequence(seq),
			schema.WithStream(streamID)),
		Symbol:        symbol,
		MarketType:    n.market,
		StreamID:      streamID,
		Bids:          venues.Levels(row.Bids),
		Asks:          venues.Levels(row.Asks),
		FirstUpdateID: seq,
		FinalUpdateID: seq,
		PrevUpdateID:  prev,
		ExchangeTs:    ts,
	}, resync, nil
}

// Ticker normalizes a tickers push.
func (n *Normalizer) Ticker(data []byte) (schema.TickerEvent, error) {
	var rows []wireTicker
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return schema.TickerEvent{}, errs.New("okx", errs.CodeDataQuality, errs.WithMessage("decode ticker"), errs.WithCause(err))
	}
	row := rows[0]
	last, err := parseF(row.Last)
	if err != nil {
		return schema.TickerEvent{}, err
	}
	bid, _ := parseF(row.BidPx)
	ask, _ := parseF(row.AskPx)
	volume, _ := parseF(row.Vol24h)
	ts := schema.TimeMS(numToInt(row.Ts))
	streamID := n.streamID(schema.ChannelTicker)
	return schema.TickerEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(ts),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(ts),
			schema.WithStream(streamID)),
		Symbol:     venues.CanonicalSymbol(row.InstID),
		MarketType: n.market,
		StreamID:   streamID,
		Last:       last,
		Bid:        bid,
		Ask:        ask,
		Volume24h:  volume,
	}, nil
}

// MarkPrice normalizes a mark-price push into a mark-only ticker reading.
func (n *Normalizer) MarkPrice(data []byte) (schema.TickerEvent, error) {
	var rows []wireMarkPrice
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return schema.TickerEvent{}, errs.New("okx", errs.CodeDataQuality, errs.WithMessage("decode mark price"), errs.WithCause(err))
	}
	row := rows[0]
	mark, err := parseF(row.MarkPx)
	if err != nil {
		return schema.TickerEvent{}, err
	}
	ts := schema.TimeMS(numToInt(row.Ts))
	streamID := n.streamID(schema.ChannelTicker)
	return schema.TickerEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(ts),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(ts),
			schema.WithStream(streamID)),
		Symbol:     venues.CanonicalSymbol(row.InstID),
		MarketType: n.market,
		StreamID:   streamID,
		Mark:       mark,
	}, nil
}

// IndexTicker normalizes an index-tickers push into an index-only reading.
func (n *Normalizer) IndexTicker(data []byte) (schema.TickerEvent, error) {
	var rows []wireIndexTicker
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return schema.TickerEvent{}, errs.New("okx", errs.CodeDataQuality, errs.WithMessage("decode index ticker"), errs.WithCause(err))
	}
	row := rows[0]
	index, err := parseF(row.IdxPx)
	if err != nil {
		return schema.TickerEvent{}, err
	}
	ts := schema.TimeMS(numToInt(row.Ts))
	streamID := n.streamID(schema.ChannelTicker)
	return schema.TickerEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(ts),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(ts),
			schema.WithStream(streamID)),
		Symbol:     venues.CanonicalSymbol(row.InstID),
		MarketType: n.market,
		StreamID:   streamID,
		Index:      index,
	}, nil
}

// FundingRate normalizes a funding-rate push.
func (n *Normalizer) FundingRate(data []byte) (schema.FundingRateEvent, error) {
	var rows []wireFundingRate
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return schema.FundingRateEvent{}, errs.New("okx", errs.CodeDataQuality, errs.WithMessage("decode funding rate"), errs.WithCause(err))
	}
	row := rows[0]
	rate, err := parseF(row.FundingRate)
	if err != nil {
		return schema.FundingRateEvent{}, err
	}
	ts := schema.TimeMS(numToInt(row.Ts))
	streamID := n.streamID(schema.ChannelFunding)
	return schema.FundingRateEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(ts),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(ts),
			schema.WithStream(streamID)),
		Symbol:        venues.CanonicalSymbol(row.InstID),
		MarketType:    n.market,
		StreamID:      streamID,
		Rate:          rate,
		NextFundingTs: schema.TimeMS(numToInt(row.NextFundingTime)),
	}, nil
}

// OpenInterest normalizes an open-interest push. oiCcy carries base units;
// the contracts figure is the fallback.
func (n *Normalizer) OpenInterest(data []byte) (schema.OpenInterestEvent, error) {
	var rows []wireOpenInterest
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return schema.OpenInterestEvent{}, errs.New("okx", errs.CodeDataQuality, errs.WithMessage("decode open interest"), errs.WithCause(err))
	}
	row := rows[0]
	unit := schema.OIUnitBase
	raw := row.OICcy
	if raw == "" {
		raw = row.OI
		unit = schema.OIUnitContracts
	}
	value, err := parseF(raw)
	if err != nil {
		return schema.OpenInterestEvent{}, err
	}
	ts := schema.TimeMS(numToInt(row.Ts))
	streamID := n.streamID(schema.ChannelOI)
	return schema.OpenInterestEvent{
		Meta: schema.NewMeta(Venue,
			schema.WithTsEvent(ts),
			schema.WithTsIngest(n.ingestTs()),
			schema.WithTsExchange(ts),
			schema.WithStream(streamID)),
		Symbol:     venues.CanonicalSymbol(row.InstID),
		MarketType: n.market,
		StreamID:   streamID,
		Value:      value,
		Unit:       unit,
	}, nil
}

// Liquidations normalizes a liquidation-orders push; each entry fans out one
// event per nested fill.
func (n *Normalizer) Liquidations(data []byte) ([]schema.LiquidationEvent, error) {
	var rows []wireLiquidation
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("okx", errs.CodeDataQuality, errs.WithMessage("decode liquidations"), errs.WithCause(err))
	}
	streamID := n.streamID(schema.ChannelLiquidation)
	var out []schema.LiquidationEvent
	for _, row := range rows {
		symbol := venues.CanonicalSymbol(row.InstID)
		for _, fill := range row.Details {
			price, err := parseF(fill.Price)
			if err != nil {
				n.log.Warn().Err(err).Msg("liquidation price rejected")
				continue
			}
			size, _ := parseF(fill.Size)
			ts := schema.TimeMS(numToInt(fill.Ts))
			out = append(out, schema.LiquidationEvent{
				Meta: schema.NewMeta(Venue,
					schema.WithTsEvent(ts),
					schema.WithTsIngest(n.ingestTs()),
					schema.WithTsExchange(ts),
					schema.WithStream(streamID)),
				Symbol:     symbol,
				MarketType: n.market,
				StreamID:   streamID,
				Side:       venues.ParseSide(fill.Side),
				Price:      price,
				Size:       size,
				Unit:       schema.OIUnitContracts,
			})
		}
	}
	return out, nil
}

// Candles normalizes candle rows, push and REST alike. live reports whether
// unconfirmed rows may appear; REST history is always confirmed.
func (n *Normalizer) Candles(instID, tf string, data []byte, live bool) ([]schema.KlineEvent, error) {
	var rows []wireCandle
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("okx", errs.CodeDataQuality, errs.WithMessage("decode candles"), errs.WithCause(err))
	}
	symbol := venues.CanonicalSymbol(instID)
	streamID := n.streamID(schema.ChannelKline)
	spanMs := timeframeMs(tf)
	out := make([]schema.KlineEvent, 0, len(rows))
	for _, row := range rows {
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
		closed := !live
		if live && len(row) >= 9 {
			closed = row[8] == "1"
		}
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
			Closed:     closed,
		})
	}
	// Push frames arrive oldest first, REST history newest first; normalize
	// to oldest first.
	if len(out) > 1 && out[0].StartTs > out[len(out)-1].StartTs {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func firstBook(data []byte) (wireBook, error) {
	var rows []wireBook
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return wireBook{}, errs.New("okx", errs.CodeDataQuality, errs.WithMessage("decode book"), errs.WithCause(err))
	}
	return rows[0], nil
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
	case 'h', 'H':
		return v * 3_600_000
	case 'd', 'D':
		return v * 86_400_000
	case 'w', 'W':
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
		return 0, errs.New("okx", errs.CodeDataQuality, errs.WithMessage("parse number "+s), errs.WithCause(err))
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
