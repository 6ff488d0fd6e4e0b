// Package aggregate fuses per-venue normalized events into cross-venue
// canonical metrics: canonical price, CVD, open interest, funding,
// liquidations and liquidity. Every aggregator shares the same freshness,
// weighting and unit-comparability semantics.
package aggregate

import (
	"math"
	"sort"

	"github.com/tidemill/weir/internal/schema"
)

// Config tunes the fusion layer. Weights, SignOverrides and UnitMultipliers
// are keyed by full stream identity or by venue; the more specific key wins.
type Config struct {
	PriceTTLMs           int64
	OITTLMs              int64
	FundingTTLMs         int64
	LiquidityTTLMs       int64
	CVDBucketMs          int64
	VolumeBucketMs       int64
	LiquidationsWindowMs int64
	MinEmitIntervalMs    int64
	DepthLevels          int
	Weights              map[string]float64
	SignOverrides        map[string]float64
	UnitMultipliers      map[string]float64
	OIBaseline           string
	MismatchThresholdPct float64
	MismatchWindowMs     int64
	MismatchMinSources   int
	CVDDebug             bool
}

// lookup resolves a per-source tunable: exact stream identity first, then
// the venue, then the default.
func lookup(m map[string]float64, streamID string, def float64) float64 {
	if m == nil {
		return def
	}
	if v, ok := m[streamID]; ok {
		return v
	}
	if v, ok := m[schema.StreamVenue(streamID)]; ok {
		return v
	}
	return def
}

// WeightFor resolves the fusion weight for a source.
func (c Config) WeightFor(streamID string) float64 {
	return lookup(c.Weights, streamID, 1)
}

// SignFor resolves the CVD sign override for a source.
func (c Config) SignFor(streamID string) float64 {
	sign := lookup(c.SignOverrides, streamID, 1)
	if sign == 0 {
		return 1
	}
	return sign
}

// MultiplierFor resolves the unit multiplier applied before fusion.
func (c Config) MultiplierFor(streamID string) float64 {
	mult := lookup(c.UnitMultipliers, streamID, 1)
	if mult == 0 {
		return 1
	}
	return mult
}

// sourceEntry is one venue-stream's latest reading.
type sourceEntry struct {
	value float64
	ts    schema.TimeMS
}

// sourceSet is the TTL window per source every aggregator keeps. Entries
// older than ttlMs at evaluation time are excluded from fusion and reported
// as stale; they stay in the set so a source that went quiet keeps reading
// as stale rather than absent. One entry per stream identity bounds the set.
type sourceSet struct {
	ttlMs   int64
	entries map[string]sourceEntry
}

func newSourceSet(ttlMs int64) *sourceSet {
	return &sourceSet{ttlMs: ttlMs, entries: make(map[string]sourceEntry)}
}

func (s *sourceSet) put(source string, value float64, ts schema.TimeMS) {
	if source == "" {
		return
	}
	s.entries[source] = sourceEntry{value: value, ts: ts}
}

func (s *sourceSet) drop(source string) {
	delete(s.entries, source)
}

func (s *sourceSet) len() int { return len(s.entries) }

// fresh partitions the window at now: fresh values keyed by source, and the
// sorted identities currently past their TTL.
func (s *sourceSet) fresh(now schema.TimeMS) (map[string]float64, []string) {
	fresh := make(map[string]float64, len(s.entries))
	var stale []string
	for source, entry := range s.entries {
		if s.ttlMs > 0 && int64(now)-int64(entry.ts) > s.ttlMs {
			stale = append(stale, source)
			continue
		}
		fresh[source] = entry.value
	}
	sort.Strings(stale)
	return fresh, stale
}

// fuse computes the weighted mean Σ(weight·value)/Σ(weight) and returns the
// weights actually used.
func fuse(values map[string]float64, weightFor func(string) float64) (float64, map[string]float64) {
	if len(values) == 0 {
		return 0, nil
	}
	weights := make(map[string]float64, len(values))
	var num, den float64
	for source, v := range values {
		w := weightFor(source)
		weights[source] = w
		num += w * v
		den += w
	}
	if den == 0 {
		return 0, weights
	}
	return num / den, weights
}

// sortedKeys returns the map's keys in ascending order; every aggregate's
// SourcesUsed is this over its VenueBreakdown.
func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// clamp01 bounds a confidence score to [0,1].
func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// baseConfidence is the freshness ratio fresh/(fresh+staleDropped), the
// starting point before penalty factors.
func baseConfidence(freshCount, staleDropped int) float64 {
	total := freshCount + staleDropped
	if total == 0 {
		return 0
	}
	return clamp01(float64(freshCount) / float64(total))
}

// newCore assembles the shared aggregate envelope.
func newCore(source, symbol string, market schema.MarketType, meta schema.Meta,
	breakdown map[string]float64, weights map[string]float64, stale []string,
	mismatch bool, confidence float64, explain []string) schema.AggregateCore {
	return schema.AggregateCore{
		Meta:                schema.InheritMeta(meta, source),
		Symbol:              symbol,
		MarketType:          market,
		SourcesUsed:         sortedKeys(breakdown),
		VenueBreakdown:      breakdown,
		WeightsUsed:         weights,
		FreshSourcesCount:   len(breakdown),
		StaleSourcesDropped: stale,
		MismatchDetected:    mismatch,
		ConfidenceScore:     clamp01(confidence),
		ConfidenceExplain:   explain,
	}
}
