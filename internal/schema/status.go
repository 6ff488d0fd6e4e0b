package schema

// Block names one of the four readiness dimensions.
type Block string

const (
	BlockPrice       Block = "price"
	BlockFlow        Block = "flow"
	BlockLiquidity   Block = "liquidity"
	BlockDerivatives Block = "derivatives"
)

// Blocks lists the readiness dimensions in canonical order.
var Blocks = []Block{BlockPrice, BlockFlow, BlockLiquidity, BlockDerivatives}

// Degradation reasons surfaced in MarketDataStatus.DegradedReasons.
const (
	DegradedWSDisconnected   = "WS_DISCONNECTED"
	DegradedPriceStale       = "PRICE_STALE"
	DegradedMismatchDetected = "MISMATCH_DETECTED"
	DegradedSourcesMissing   = "SOURCES_MISSING"
	DegradedFlowLowConf      = "FLOW_LOW_CONF"
	DegradedSeqBroken        = "SEQ_BROKEN"
)

// Warning labels surfaced in MarketDataStatus.Warnings.
const (
	WarningPriceBucketMismatch = "PRICE_BUCKET_MISMATCH"
)

// BlockScores holds the per-block confidence values.
type BlockScores struct {
	Price       float64 `json:"price"`
	Flow        float64 `json:"flow"`
	Liquidity   float64 `json:"liquidity"`
	Derivatives float64 `json:"derivatives"`
}

// Get returns the score for a block.
func (b BlockScores) Get(block Block) float64 {
	switch block {
	case BlockPrice:
		return b.Price
	case BlockFlow:
		return b.Flow
	case BlockLiquidity:
		return b.Liquidity
	case BlockDerivatives:
		return b.Derivatives
	}
	return 0
}

// Set assigns the score for a block.
func (b *BlockScores) Set(block Block, score float64) {
	switch block {
	case BlockPrice:
		b.Price = score
	case BlockFlow:
		b.Flow = score
	case BlockLiquidity:
		b.Liquidity = score
	case BlockDerivatives:
		b.Derivatives = score
	}
}

// Min returns the smallest block score.
func (b BlockScores) Min() float64 {
	min := b.Price
	for _, v := range []float64{b.Flow, b.Liquidity, b.Derivatives} {
		if v < min {
			min = v
		}
	}
	return min
}

// SourceCounts splits source tallies into aggregated and raw feeds.
type SourceCounts struct {
	Agg int `json:"agg"`
	Raw int `json:"raw"`
}

// MarketDataStatus is the uniform readiness signal published on
// system:market_data_status and consumed by downstream gating.
type MarketDataStatus struct {
	Meta              Meta         `json:"meta"`
	Symbol            string       `json:"symbol"`
	MarketType        MarketType   `json:"marketType"`
	OverallConfidence float64      `json:"overallConfidence"`
	BlockConfidence   BlockScores  `json:"blockConfidence"`
	Degraded          bool         `json:"degraded"`
	DegradedReasons   []string     `json:"degradedReasons,omitempty"`
	Warnings          []string     `json:"warnings,omitempty"`
	WarmingUp         bool         `json:"warmingUp"`
	WarmingProgress   float64      `json:"warmingProgress"`
	WarmingWindowMs   int64        `json:"warmingWindowMs"`
	ActiveSources     SourceCounts `json:"activeSources"`
	ExpectedSources   SourceCounts `json:"expectedSources"`
	LastBucketTs      TimeMS       `json:"lastBucketTs,omitempty"`
}
