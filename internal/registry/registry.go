// Package registry tracks which source streams feed each (symbol, market)
// and resolves the configured expectations confidence blocks are scored
// against. Reads are concurrent; writes funnel through the readiness engine.
package registry

import (
	"sort"
	"sync"

	"github.com/tidemill/weir/internal/schema"
)

// Key identifies a tracked market.
type Key struct {
	Symbol string
	Market schema.MarketType
}

// SourceInfo is the registry's view of one source stream.
type SourceInfo struct {
	StreamID   string
	LastSeen   schema.TimeMS
	Samples    int
	Aggregated bool
	Degraded   bool
}

// Registry is the shared source table.
type Registry struct {
	mu       sync.RWMutex
	expected map[schema.Block][]string
	seen     map[Key]map[string]*SourceInfo
}

// New builds a registry from the configured block expectations, keyed by
// block name with venue lists as values.
func New(expected map[string][]string) *Registry {
	exp := make(map[schema.Block][]string, len(expected))
	for block, venues := range expected {
		exp[schema.Block(block)] = append([]string(nil), venues...)
	}
	return &Registry{
		expected: exp,
		seen:     make(map[Key]map[string]*SourceInfo),
	}
}

// BlockOf maps a channel to the confidence block it feeds. Klines feed the
// analytics path and belong to no block.
func BlockOf(ch schema.Channel) (schema.Block, bool) {
	switch ch {
	case schema.ChannelTicker:
		return schema.BlockPrice, true
	case schema.ChannelTrade:
		return schema.BlockFlow, true
	case schema.ChannelBook:
		return schema.BlockLiquidity, true
	case schema.ChannelOI, schema.ChannelFunding, schema.ChannelLiquidation:
		return schema.BlockDerivatives, true
	}
	return "", false
}

// blockChannel is the representative channel used when resolving a block's
// expected stream identities.
func blockChannel(block schema.Block) (schema.Channel, bool) {
	switch block {
	case schema.BlockPrice:
		return schema.ChannelTicker, true
	case schema.BlockFlow:
		return schema.ChannelTrade, true
	case schema.BlockLiquidity:
		return schema.ChannelBook, true
	case schema.BlockDerivatives:
		return schema.ChannelOI, true
	}
	return "", false
}

// Observe records a sighting of streamID feeding (symbol, market).
func (r *Registry) Observe(symbol string, market schema.MarketType, streamID string, ts schema.TimeMS, aggregated bool) {
	if symbol == "" || streamID == "" {
		return
	}
	key := Key{Symbol: symbol, Market: market}

	r.mu.Lock()
	defer r.mu.Unlock()
	byStream, ok := r.seen[key]
	if !ok {
		byStream = make(map[string]*SourceInfo)
		r.seen[key] = byStream
	}
	info, ok := byStream[streamID]
	if !ok {
		info = &SourceInfo{StreamID: streamID, Aggregated: aggregated}
		byStream[streamID] = info
	}
	if ts > info.LastSeen {
		info.LastSeen = ts
	}
	info.Samples++
}

// MarkDegraded flips a source's degraded flag. Returns true when the flag
// actually changed, so callers can emit transitions exactly once.
func (r *Registry) MarkDegraded(symbol string, market schema.MarketType, streamID string, degraded bool) bool {
	key := Key{Symbol: symbol, Market: market}

	r.mu.Lock()
	defer r.mu.Unlock()
	byStream, ok := r.seen[key]
	if !ok {
		return false
	}
	info, ok := byStream[streamID]
	if !ok || info.Degraded == degraded {
		return false
	}
	info.Degraded = degraded
	return true
}

// Counts returns how many aggregated and raw sources have been seen for the
// market, for the status report.
func (r *Registry) Counts(symbol string, market schema.MarketType) schema.SourceCounts {
	key := Key{Symbol: symbol, Market: market}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var counts schema.SourceCounts
	for _, info := range r.seen[key] {
		if info.Aggregated {
			counts.Agg++
		} else {
			counts.Raw++
		}
	}
	return counts
}

// Sources snapshots the tracked sources for a market, sorted by stream
// identity.
func (r *Registry) Sources(symbol string, market schema.MarketType) []SourceInfo {
	key := Key{Symbol: symbol, Market: market}

	r.mu.RLock()
	out := make([]SourceInfo, 0, len(r.seen[key]))
	for _, info := range r.seen[key] {
		out = append(out, *info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// LastSeen reports the newest event time recorded for streamID on the
// market, with false when the stream has never been observed.
func (r *Registry) LastSeen(symbol string, market schema.MarketType, streamID string) (schema.TimeMS, bool) {
	key := Key{Symbol: symbol, Market: market}

	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.seen[key][streamID]
	if !ok {
		return 0, false
	}
	return info.LastSeen, true
}

// ExpectedStreams resolves a block's configured venues into concrete stream
// identities for the market. Derivatives channels do not exist on spot, so
// that combination resolves empty.
func (r *Registry) ExpectedStreams(block schema.Block, market schema.MarketType) []string {
	if block == schema.BlockDerivatives && market == schema.MarketSpot {
		return nil
	}
	ch, ok := blockChannel(block)
	if !ok {
		return nil
	}

	r.mu.RLock()
	venues := r.expected[block]
	r.mu.RUnlock()

	out := make([]string, 0, len(venues))
	for _, venue := range venues {
		out = append(out, schema.BuildStreamID(venue, market, ch))
	}
	return out
}

// ExpectedCount is the number of sources configured for the block on the
// market. Zero means "no expectation": confidence falls back to
// fresh/(fresh+staleDropped).
func (r *Registry) ExpectedCount(block schema.Block, market schema.MarketType) int {
	return len(r.ExpectedStreams(block, market))
}

// MissingStreams lists expected streams never observed, or not observed
// since the given cutoff, for degraded-reason reporting.
func (r *Registry) MissingStreams(symbol string, market schema.MarketType, block schema.Block, cutoff schema.TimeMS) []string {
	expected := r.ExpectedStreams(block, market)
	if len(expected) == 0 {
		return nil
	}
	key := Key{Symbol: symbol, Market: market}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, streamID := range expected {
		info, ok := r.seen[key][streamID]
		if !ok || info.LastSeen < cutoff {
			missing = append(missing, streamID)
		}
	}
	return missing
}
