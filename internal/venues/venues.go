// Package venues holds the pieces shared by every venue integration: the
// transport contract the gateway binds, the reconnecting WebSocket manager,
// and the symbol / sequence normalization helpers the per-venue packages
// build on.
package venues

import (
	"context"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tidemill/weir/internal/schema"
)

// Transport is what the gateway drives for one (venue, marketType). Concrete
// implementations live in the per-venue packages.
type Transport interface {
	Venue() string
	Market() schema.MarketType
	// Connect establishes the transport and blocks until the first
	// connection is up or ctx expires.
	Connect(ctx context.Context) error
	// Subscribe issues venue subscriptions for the given symbols and
	// channels. Implementations deduplicate against active subscriptions and
	// reissue the full set after a reconnect.
	Subscribe(ctx context.Context, symbols []string, channels []schema.Channel) error
	// Resync recovers the orderbook stream for one symbol after a sequence
	// gap, typically by re-requesting a snapshot.
	Resync(ctx context.Context, symbol string) error
	// Disconnect tears the transport down.
	Disconnect(reason string)
	// StreamIDs lists the stream identities this transport feeds, for
	// connection events.
	StreamIDs() []string
}

// KlineFetcher is the optional REST capability a transport exposes for
// historical candle bootstrap. Candles return oldest first, all closed.
type KlineFetcher interface {
	FetchKlines(ctx context.Context, symbol, tf string, limit int) ([]schema.KlineEvent, error)
}

// CanonicalSymbol collapses a venue instrument identifier to the canonical
// dash-free uppercase form: "BTC-USDT-SWAP" and "btcusdt" both read
// "BTCUSDT".
func CanonicalSymbol(instrument string) string {
	s := strings.ToUpper(strings.TrimSpace(instrument))
	s = strings.TrimSuffix(s, "-SWAP")
	return strings.ReplaceAll(s, "-", "")
}

// SeqFromNumber coerces a venue sequence field to SeqNum. Venues disagree on
// numeric vs string encoding; json.Number covers both.
func SeqFromNumber(n json.Number) schema.SeqNum {
	if n == "" {
		return 0
	}
	v, err := n.Int64()
	if err != nil || v < 0 {
		return 0
	}
	return schema.SeqNum(v)
}

// FirstSeq returns the first non-zero sequence among the given alternative
// field spellings.
func FirstSeq(ns ...json.Number) schema.SeqNum {
	for _, n := range ns {
		if seq := SeqFromNumber(n); seq != 0 {
			return seq
		}
	}
	return 0
}

// ParseSide normalizes a venue side string to the canonical Buy/Sell.
func ParseSide(s string) schema.Side {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "bid", "long":
		return schema.SideBuy
	case "sell", "ask", "short":
		return schema.SideSell
	}
	return ""
}

// Levels converts venue [price, qty] string pairs to PriceLevels, skipping
// malformed entries.
func Levels(raw [][]string) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		out = append(out, schema.PriceLevel{Price: pair[0], Quantity: pair[1]})
	}
	return out
}
