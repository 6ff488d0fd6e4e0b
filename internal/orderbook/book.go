// Package orderbook maintains per-(symbol, stream) L2 books fed by venue
// snapshots and deltas, with a strict lifecycle: books ignore deltas until a
// snapshot seeds them and drop themselves on sequence gaps.
package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/tidemill/weir/internal/schema"
)

// State is the book lifecycle.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateReady         State = "READY"
	StateResyncing     State = "RESYNCING"
)

// DeltaResult reports what ApplyDelta did with an update.
type DeltaResult int

const (
	// DeltaApplied means the update mutated the book.
	DeltaApplied DeltaResult = iota
	// DeltaIgnored means the book is not READY and the update was dropped.
	DeltaIgnored
	// DeltaStale means the update window precedes the book position.
	DeltaStale
	// DeltaGap means the update is not contiguous; the caller must resync.
	DeltaGap
)

// Level is one parsed price level.
type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Book is the L2 state for one (symbol, streamId). Not safe for concurrent
// use; the owning engine serializes access.
type Book struct {
	symbol     string
	streamID   string
	state      State
	updateID   schema.SeqNum
	exchangeTs schema.TimeMS
	bids       map[string]Level
	asks       map[string]Level
}

// NewBook returns an UNINITIALIZED book.
func NewBook(symbol, streamID string) *Book {
	return &Book{
		symbol:   symbol,
		streamID: streamID,
		state:    StateUninitialized,
		bids:     make(map[string]Level),
		asks:     make(map[string]Level),
	}
}

func (b *Book) Symbol() string            { return b.symbol }
func (b *Book) StreamID() string          { return b.streamID }
func (b *Book) State() State              { return b.state }
func (b *Book) UpdateID() schema.SeqNum   { return b.updateID }
func (b *Book) ExchangeTs() schema.TimeMS { return b.exchangeTs }

// Len returns the bid and ask level counts.
func (b *Book) Len() (int, int) { return len(b.bids), len(b.asks) }

// ApplySnapshot replaces the book contents and moves it to READY from any
// state.
func (b *Book) ApplySnapshot(e schema.OrderbookSnapshotEvent) {
	b.bids = make(map[string]Level, len(e.Bids))
	b.asks = make(map[string]Level, len(e.Asks))
	for _, lvl := range e.Bids {
		setLevel(b.bids, lvl)
	}
	for _, lvl := range e.Asks {
		setLevel(b.asks, lvl)
	}
	b.updateID = e.UpdateID
	b.exchangeTs = e.ExchangeTs
	b.state = StateReady
}

// ApplyDelta applies an incremental update when the book is READY and the
// update is contiguous with the current position.
func (b *Book) ApplyDelta(e schema.OrderbookDeltaEvent) DeltaResult {
	if b.state != StateReady {
		return DeltaIgnored
	}

	switch {
	case e.PrevUpdateID != 0:
		// Chained convention: the delta names the update it follows.
		if e.PrevUpdateID < b.updateID {
			return DeltaStale
		}
		if e.PrevUpdateID > b.updateID {
			return DeltaGap
		}
	case e.FirstUpdateID != 0:
		// Windowed convention: [first, final] must cover position+1.
		if e.FinalUpdateID <= b.updateID {
			return DeltaStale
		}
		if e.FirstUpdateID > b.updateID+1 {
			return DeltaGap
		}
	}

	for _, lvl := range e.Bids {
		applyLevel(b.bids, lvl)
	}
	for _, lvl := range e.Asks {
		applyLevel(b.asks, lvl)
	}
	if e.FinalUpdateID != 0 {
		b.updateID = e.FinalUpdateID
	}
	if e.ExchangeTs != 0 {
		b.exchangeTs = e.ExchangeTs
	}
	return DeltaApplied
}

// MarkResyncing drops the book contents until a fresh snapshot arrives.
func (b *Book) MarkResyncing() {
	b.bids = make(map[string]Level)
	b.asks = make(map[string]Level)
	b.updateID = 0
	b.state = StateResyncing
}

// Clear returns the book to UNINITIALIZED, as on stream disconnect.
func (b *Book) Clear() {
	b.bids = make(map[string]Level)
	b.asks = make(map[string]Level)
	b.updateID = 0
	b.exchangeTs = 0
	b.state = StateUninitialized
}

// BestBid returns the highest bid.
func (b *Book) BestBid() (Level, bool) { return best(b.bids, true) }

// BestAsk returns the lowest ask.
func (b *Book) BestAsk() (Level, bool) { return best(b.asks, false) }

// Levels returns up to n levels per side, bids descending and asks
// ascending by price.
func (b *Book) Levels(n int) (bids, asks []Level) {
	bids = sorted(b.bids, true)
	asks = sorted(b.asks, false)
	if n > 0 && len(bids) > n {
		bids = bids[:n]
	}
	if n > 0 && len(asks) > n {
		asks = asks[:n]
	}
	return bids, asks
}

// Depth sums quantities over the top n levels of each side.
func (b *Book) Depth(n int) (bidDepth, askDepth decimal.Decimal) {
	bids, asks := b.Levels(n)
	for _, lvl := range bids {
		bidDepth = bidDepth.Add(lvl.Qty)
	}
	for _, lvl := range asks {
		askDepth = askDepth.Add(lvl.Qty)
	}
	return bidDepth, askDepth
}

func setLevel(side map[string]Level, lvl schema.PriceLevel) {
	price, err := decimal.NewFromString(lvl.Price)
	if err != nil {
		return
	}
	qty, err := decimal.NewFromString(lvl.Quantity)
	if err != nil || qty.IsZero() {
		return
	}
	side[lvl.Price] = Level{Price: price, Qty: qty}
}

func applyLevel(side map[string]Level, lvl schema.PriceLevel) {
	qty, err := decimal.NewFromString(lvl.Quantity)
	if err != nil {
		return
	}
	if qty.IsZero() {
		delete(side, lvl.Price)
		return
	}
	price, err := decimal.NewFromString(lvl.Price)
	if err != nil {
		return
	}
	side[lvl.Price] = Level{Price: price, Qty: qty}
}

func best(side map[string]Level, highest bool) (Level, bool) {
	var out Level
	found := false
	for _, lvl := range side {
		if !found {
			out = lvl
			found = true
			continue
		}
		if highest {
			if lvl.Price.GreaterThan(out.Price) {
				out = lvl
			}
		} else if lvl.Price.LessThan(out.Price) {
			out = lvl
		}
	}
	return out, found
}

func sorted(side map[string]Level, desc bool) []Level {
	out := make([]Level, 0, len(side))
	for _, lvl := range side {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
