package schema

// AggregateCore is the envelope every cross-venue aggregate carries.
// SourcesUsed is sorted and always equals the key set of VenueBreakdown.
type AggregateCore struct {
	Meta                Meta               `json:"meta"`
	Symbol              string             `json:"symbol"`
	MarketType          MarketType         `json:"marketType"`
	SourcesUsed         []string           `json:"sourcesUsed"`
	VenueBreakdown      map[string]float64 `json:"venueBreakdown"`
	WeightsUsed         map[string]float64 `json:"weightsUsed,omitempty"`
	FreshSourcesCount   int                `json:"freshSourcesCount"`
	StaleSourcesDropped []string           `json:"staleSourcesDropped,omitempty"`
	MismatchDetected    bool               `json:"mismatchDetected"`
	ConfidenceScore     float64            `json:"confidenceScore"`
	ConfidenceExplain   []string           `json:"confidenceExplain,omitempty"`
}

// PriceType names the price source class used by the canonical price.
type PriceType string

const (
	PriceIndex PriceType = "index"
	PriceMark  PriceType = "mark"
	PriceLast  PriceType = "last"
)

// FallbackReason explains a canonical price downgrade.
type FallbackReason string

const (
	FallbackNoIndex    FallbackReason = "NO_INDEX"
	FallbackIndexStale FallbackReason = "INDEX_STALE"
	FallbackNoMark     FallbackReason = "NO_MARK"
	FallbackMarkStale  FallbackReason = "MARK_STALE"
)

// CanonicalPriceEvent is the single cross-venue USD reference per symbol.
type CanonicalPriceEvent struct {
	AggregateCore
	Price          float64        `json:"price"`
	PriceTypeUsed  PriceType      `json:"priceTypeUsed"`
	FallbackReason FallbackReason `json:"fallbackReason,omitempty"`
}

// CVDAggregate is the fused cumulative volume delta for one market type.
type CVDAggregate struct {
	AggregateCore
	BucketTs    TimeMS  `json:"bucketTs"`
	BucketEndTs TimeMS  `json:"bucketEndTs"`
	Delta       float64 `json:"delta"`
	Cumulative  float64 `json:"cvd"`
}

// SuppressedSource records a source excluded from fusion and why.
type SuppressedSource struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// OIAggregate is the fused open interest. Sources whose units could not be
// made comparable are listed in Suppressed with a NON_COMPARABLE reason;
// MismatchSuppressed marks a whole-aggregate mismatch check skip.
type OIAggregate struct {
	AggregateCore
	Value              float64            `json:"value"`
	Unit               OIUnit             `json:"unit"`
	Baseline           string             `json:"baseline,omitempty"`
	Suppressed         []SuppressedSource `json:"suppressed,omitempty"`
	MismatchSuppressed bool               `json:"mismatchSuppressed,omitempty"`
	SuppressionReason  string             `json:"suppressionReason,omitempty"`
}

// FundingAggregate is the weighted mean funding rate across fresh sources.
type FundingAggregate struct {
	AggregateCore
	Rate float64 `json:"rate"`
}

// LiquidationsAggregate is the bucketed liquidation tally with side split.
type LiquidationsAggregate struct {
	AggregateCore
	BucketTs     TimeMS  `json:"bucketTs"`
	BucketEndTs  TimeMS  `json:"bucketEndTs"`
	Count        int     `json:"count"`
	Notional     float64 `json:"notional"`
	BuyCount     int     `json:"buyCount"`
	SellCount    int     `json:"sellCount"`
	BuyNotional  float64 `json:"buyNotional"`
	SellNotional float64 `json:"sellNotional"`
}

// LiquidityAggregate is the depth/spread/imbalance view of a READY book.
type LiquidityAggregate struct {
	AggregateCore
	BestBid     float64 `json:"bestBid"`
	BestAsk     float64 `json:"bestAsk"`
	Spread      float64 `json:"spread"`
	SpreadBps   float64 `json:"spreadBps"`
	DepthBid    float64 `json:"depthBid"`
	DepthAsk    float64 `json:"depthAsk"`
	Imbalance   float64 `json:"imbalance"`
	DepthLevels int     `json:"depthLevels"`
}

// VolumeAggregate is the per-bucket traded volume across venues.
type VolumeAggregate struct {
	AggregateCore
	BucketTs    TimeMS  `json:"bucketTs"`
	BucketEndTs TimeMS  `json:"bucketEndTs"`
	Volume      float64 `json:"volume"`
	Notional    float64 `json:"notional"`
}

// FlowSnapshot is the per-bucket flow view consumed by the readiness flow
// block and published on analytics:flow.
type FlowSnapshot struct {
	Meta           Meta       `json:"meta"`
	Symbol         string     `json:"symbol"`
	MarketType     MarketType `json:"marketType"`
	BucketTs       TimeMS     `json:"bucketTs"`
	BucketEndTs    TimeMS     `json:"bucketEndTs"`
	CVDDelta       float64    `json:"cvdDelta"`
	BuyVolume      float64    `json:"buyVolume"`
	SellVolume     float64    `json:"sellVolume"`
	TradeImbalance float64    `json:"tradeImbalance"`
	Confidence     float64    `json:"confidence"`
}

// BucketLabel returns the bucket label floor(ts/bucketMs)*bucketMs.
func BucketLabel(ts TimeMS, bucketMs int64) TimeMS {
	if bucketMs <= 0 {
		return ts
	}
	v := int64(ts)
	label := v - (v % bucketMs)
	if v < 0 && v%bucketMs != 0 {
		label -= bucketMs
	}
	return TimeMS(label)
}

// BucketEnd returns ceil(ts/bucketMs)*bucketMs, the close timestamp of the
// bucket ts falls into. A ts already on a boundary is its own close.
func BucketEnd(ts TimeMS, bucketMs int64) TimeMS {
	if bucketMs <= 0 {
		return ts
	}
	v := int64(ts)
	if v%bucketMs == 0 {
		return ts
	}
	return BucketLabel(ts, bucketMs) + TimeMS(bucketMs)
}

// InBucket reports whether ts belongs to the bucket labelled bucketTs,
// inclusive of the bucket end so boundary prices match the closing flow.
func InBucket(ts, bucketTs TimeMS, bucketMs int64) bool {
	return ts >= bucketTs && int64(ts) <= int64(bucketTs)+bucketMs
}
