package aggregate

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/orderbook"
	"github.com/tidemill/weir/internal/schema"
)

type liquidityBookKey struct {
	symbol   string
	streamID string
}

type liquidityKey struct {
	symbol string
	market schema.MarketType
}

// Liquidity maintains its own L2 books per (symbol, stream) and fuses the
// READY ones into depth, spread and imbalance. Books that lost their feed
// contribute nothing until a fresh snapshot seeds them again.
type Liquidity struct {
	cfg        Config
	log        zerolog.Logger
	b          *bus.Bus
	now        clock.Now
	books      map[liquidityBookKey]*orderbook.Book
	markets    map[liquidityBookKey]schema.MarketType
	lastEmitTs map[liquidityKey]schema.TimeMS
	subs       []bus.Subscription
	started    bool
}

// NewLiquidity builds the aggregator.
func NewLiquidity(b *bus.Bus, cfg Config, now clock.Now, log zerolog.Logger) *Liquidity {
	if now == nil {
		now = clock.System()
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = 10
	}
	return &Liquidity{
		cfg:        cfg,
		log:        log.With().Str("component", "liquidity_agg").Logger(),
		b:          b,
		now:        now,
		books:      make(map[liquidityBookKey]*orderbook.Book),
		markets:    make(map[liquidityBookKey]schema.MarketType),
		lastEmitTs: make(map[liquidityKey]schema.TimeMS),
	}
}

// Start subscribes the aggregator.
func (a *Liquidity) Start() error {
	if a.started {
		return errs.New("liquidity_agg", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	a.started = true
	a.subs = append(a.subs,
		bus.Subscribe(a.b, schema.TopicOrderbookSnapshot, a.onSnapshot),
		bus.Subscribe(a.b, schema.TopicOrderbookDelta, a.onDelta),
		bus.Subscribe(a.b, schema.TopicDisconnected, a.onDisconnected),
	)
	return nil
}

// Stop unsubscribes and drops all books.
func (a *Liquidity) Stop() {
	if !a.started {
		return
	}
	a.started = false
	for _, sub := range a.subs {
		sub.Cancel()
	}
	a.subs = nil
	a.books = make(map[liquidityBookKey]*orderbook.Book)
	a.markets = make(map[liquidityBookKey]schema.MarketType)
	a.lastEmitTs = make(map[liquidityKey]schema.TimeMS)
}

func (a *Liquidity) onSnapshot(e schema.OrderbookSnapshotEvent) {
	if !e.MarketType.Known() || e.StreamID == "" || e.Symbol == "" {
		return
	}
	book := a.book(e.Symbol, e.StreamID, e.MarketType)
	book.ApplySnapshot(e)
	a.emit(liquidityKey{symbol: e.Symbol, market: e.MarketType}, e.Meta)
}

func (a *Liquidity) onDelta(e schema.OrderbookDeltaEvent) {
	if !e.MarketType.Known() || e.StreamID == "" || e.Symbol == "" {
		return
	}
	book := a.book(e.Symbol, e.StreamID, e.MarketType)
	switch book.ApplyDelta(e) {
	case orderbook.DeltaApplied:
		a.emit(liquidityKey{symbol: e.Symbol, market: e.MarketType}, e.Meta)
	case orderbook.DeltaGap:
		// The book engine owns resync requests; here the book just stops
		// contributing until the fresh snapshot lands.
		book.MarkResyncing()
	case orderbook.DeltaStale, orderbook.DeltaIgnored:
	}
}

func (a *Liquidity) onDisconnected(e schema.ConnectionEvent) {
	if len(e.StreamIDs) > 0 {
		for _, streamID := range e.StreamIDs {
			for key, book := range a.books {
				if key.streamID == streamID {
					book.Clear()
				}
			}
		}
		return
	}
	prefix := schema.BuildStreamID(e.Venue, e.MarketType, "")
	for key, book := range a.books {
		if strings.HasPrefix(key.streamID, prefix) {
			book.Clear()
		}
	}
}

// emit fuses every READY book for the key into one liquidity view.
func (a *Liquidity) emit(key liquidityKey, meta schema.Meta) {
	ts := meta.TsEvent
	if ts == 0 {
		ts = schema.TimeFromStd(a.now())
	}
	if last := a.lastEmitTs[key]; a.cfg.MinEmitIntervalMs > 0 && last != 0 &&
		int64(ts)-int64(last) < a.cfg.MinEmitIntervalMs {
		return
	}

	var (
		bestBid, bestAsk   decimal.Decimal
		depthBid, depthAsk decimal.Decimal
		haveBid, haveAsk   bool
		breakdown          = make(map[string]float64)
		weights            = make(map[string]float64)
	)
	for bk, book := range a.books {
		if bk.symbol != key.symbol || a.markets[bk] != key.market ||
			book.State() != orderbook.StateReady {
			continue
		}
		if bid, ok := book.BestBid(); ok {
			if !haveBid || bid.Price.GreaterThan(bestBid) {
				bestBid = bid.Price
				haveBid = true
			}
		}
		if ask, ok := book.BestAsk(); ok {
			if !haveAsk || ask.Price.LessThan(bestAsk) {
				bestAsk = ask.Price
				haveAsk = true
			}
		}
		bd, ad := book.Depth(a.cfg.DepthLevels)
		depthBid = depthBid.Add(bd)
		depthAsk = depthAsk.Add(ad)
		breakdown[bk.streamID] = bd.Add(ad).InexactFloat64()
		weights[bk.streamID] = a.cfg.WeightFor(bk.streamID)
	}
	if !haveBid || !haveAsk {
		return
	}
	a.lastEmitTs[key] = ts

	spread := bestAsk.Sub(bestBid)
	spreadBps := 0.0
	if mid := bestAsk.Add(bestBid).Div(decimal.NewFromInt(2)); !mid.IsZero() {
		spreadBps = spread.Div(mid).Mul(decimal.NewFromInt(10_000)).InexactFloat64()
	}
	imbalance := 0.0
	if total := depthBid.Add(depthAsk); !total.IsZero() {
		imbalance = depthBid.Sub(depthAsk).Div(total).InexactFloat64()
	}

	out := schema.LiquidityAggregate{
		AggregateCore: newCore("liquidity_agg", key.symbol, key.market, meta,
			breakdown, weights, nil, false, baseConfidence(len(breakdown), 0), nil),
		BestBid:     bestBid.InexactFloat64(),
		BestAsk:     bestAsk.InexactFloat64(),
		Spread:      spread.InexactFloat64(),
		SpreadBps:   spreadBps,
		DepthBid:    depthBid.InexactFloat64(),
		DepthAsk:    depthAsk.InexactFloat64(),
		Imbalance:   imbalance,
		DepthLevels: a.cfg.DepthLevels,
	}
	bus.Publish(a.b, schema.TopicLiquidityAgg, out)
	bus.Publish(a.b, schema.TopicLiquidity, out)
}

func (a *Liquidity) book(symbol, streamID string, market schema.MarketType) *orderbook.Book {
	key := liquidityBookKey{symbol: symbol, streamID: streamID}
	book, ok := a.books[key]
	if !ok {
		book = orderbook.NewBook(symbol, streamID)
		a.books[key] = book
		a.markets[key] = market
	}
	return book
}
