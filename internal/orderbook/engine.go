package orderbook

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/schema"
)

const meterName = "weir/orderbook"

type bookKey struct {
	symbol   string
	streamID string
}

// Engine owns every live book and drives the lifecycle from bus events. It
// is the component that requests resyncs on sequence gaps; consumers that
// need their own book view (the liquidity aggregator) embed Book directly.
type Engine struct {
	log     zerolog.Logger
	b       *bus.Bus
	books   map[bookKey]*Book
	subs    []bus.Subscription
	started atomic.Bool

	snapshots metric.Int64Counter
	deltas    metric.Int64Counter
	gaps      metric.Int64Counter
}

// NewEngine builds an engine bound to the bus.
func NewEngine(b *bus.Bus, log zerolog.Logger) *Engine {
	meter := otel.Meter(meterName)
	return &Engine{
		log:       log.With().Str("component", "orderbook").Logger(),
		b:         b,
		books:     make(map[bookKey]*Book),
		snapshots: int64Counter(meter, "weir.orderbook.snapshots", "Snapshots applied"),
		deltas:    int64Counter(meter, "weir.orderbook.deltas", "Deltas applied"),
		gaps:      int64Counter(meter, "weir.orderbook.gaps", "Sequence gaps detected"),
	}
}

// Start subscribes the engine. Handlers run on the dispatcher thread.
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return errs.New("orderbook", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	e.subs = append(e.subs,
		bus.Subscribe(e.b, schema.TopicOrderbookSnapshot, e.onSnapshot),
		bus.Subscribe(e.b, schema.TopicOrderbookDelta, e.onDelta),
		bus.Subscribe(e.b, schema.TopicDisconnected, e.onDisconnected),
	)
	return nil
}

// Stop unsubscribes and drops all books.
func (e *Engine) Stop() {
	if !e.started.CompareAndSwap(true, false) {
		return
	}
	for _, sub := range e.subs {
		sub.Cancel()
	}
	e.subs = nil
	e.books = make(map[bookKey]*Book)
}

// Book returns the live book for (symbol, streamID).
func (e *Engine) Book(symbol, streamID string) (*Book, bool) {
	book, ok := e.books[bookKey{symbol: symbol, streamID: streamID}]
	return book, ok
}

func (e *Engine) onSnapshot(ev schema.OrderbookSnapshotEvent) {
	if !validIdentity(ev.Symbol, ev.StreamID, ev.MarketType) {
		e.log.Warn().Str("symbol", ev.Symbol).Str("stream", ev.StreamID).
			Msg("dropping snapshot with incomplete identity")
		return
	}
	book := e.book(ev.Symbol, ev.StreamID)
	book.ApplySnapshot(ev)
	e.snapshots.Add(context.Background(), 1)
	e.log.Debug().Str("symbol", ev.Symbol).Str("stream", ev.StreamID).
		Uint64("updateId", uint64(ev.UpdateID)).Msg("snapshot applied")
}

func (e *Engine) onDelta(ev schema.OrderbookDeltaEvent) {
	if !validIdentity(ev.Symbol, ev.StreamID, ev.MarketType) {
		e.log.Warn().Str("symbol", ev.Symbol).Str("stream", ev.StreamID).
			Msg("dropping delta with incomplete identity")
		return
	}
	book := e.book(ev.Symbol, ev.StreamID)
	lastSeq := book.UpdateID()

	switch book.ApplyDelta(ev) {
	case DeltaApplied:
		e.deltas.Add(context.Background(), 1)
	case DeltaGap:
		e.gaps.Add(context.Background(), 1)
		book.MarkResyncing()
		e.log.Warn().Str("symbol", ev.Symbol).Str("stream", ev.StreamID).
			Uint64("lastSeq", uint64(lastSeq)).
			Uint64("firstUpdateId", uint64(ev.FirstUpdateID)).
			Uint64("prevUpdateId", uint64(ev.PrevUpdateID)).
			Msg("sequence gap, requesting resync")
		bus.Publish(e.b, schema.TopicResyncRequested, schema.ResyncRequest{
			Meta:       schema.InheritMeta(ev.Meta, "orderbook"),
			Venue:      schema.StreamVenue(ev.StreamID),
			MarketType: ev.MarketType,
			Symbol:     ev.Symbol,
			StreamID:   ev.StreamID,
			Reason:     "gap",
			LastSeq:    lastSeq,
		})
	case DeltaStale, DeltaIgnored:
	}
}

func (e *Engine) onDisconnected(ev schema.ConnectionEvent) {
	cleared := 0
	if len(ev.StreamIDs) > 0 {
		for _, streamID := range ev.StreamIDs {
			for key, book := range e.books {
				if key.streamID == streamID {
					book.Clear()
					cleared++
				}
			}
		}
	} else {
		// Venue-wide disconnect: clear every book on the venue's market.
		prefix := schema.BuildStreamID(ev.Venue, ev.MarketType, "")
		for key, book := range e.books {
			if strings.HasPrefix(key.streamID, prefix) {
				book.Clear()
				cleared++
			}
		}
	}
	if cleared > 0 {
		e.log.Info().Str("venue", ev.Venue).Int("books", cleared).
			Msg("disconnect cleared books")
	}
}

func (e *Engine) book(symbol, streamID string) *Book {
	key := bookKey{symbol: symbol, streamID: streamID}
	book, ok := e.books[key]
	if !ok {
		book = NewBook(symbol, streamID)
		e.books[key] = book
	}
	return book
}

func validIdentity(symbol, streamID string, market schema.MarketType) bool {
	return symbol != "" && streamID != "" && market.Known()
}

func int64Counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		counter, _ = noop.Meter{}.Int64Counter(name)
	}
	return counter
}
