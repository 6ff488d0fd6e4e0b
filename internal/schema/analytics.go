package schema

// Readiness reasons carried by analytics:ready.
const (
	ReadyTickerWarmup = "tickerWarmup"
	ReadyKlineWarmup  = "klineWarmup"
	ReadyMacroWarmup  = "macroWarmup"
)

// ReadyEvent announces a one-shot readiness milestone.
type ReadyEvent struct {
	Meta       Meta       `json:"meta"`
	Symbol     string     `json:"symbol"`
	MarketType MarketType `json:"marketType,omitempty"`
	Reason     string     `json:"reason"`
	Timeframe  string     `json:"tf,omitempty"`
	ReadyTfs   []string   `json:"readyTfs,omitempty"`
}

// FeatureSet is the rolling per-symbol ticker feature vector published on
// analytics:features. Derived values are nil until enough samples exist.
type FeatureSet struct {
	Meta          Meta       `json:"meta"`
	Symbol        string     `json:"symbol"`
	MarketType    MarketType `json:"marketType"`
	Price         float64    `json:"price"`
	Return1       *float64   `json:"return1,omitempty"`
	SMA           *float64   `json:"sma,omitempty"`
	Volatility    *float64   `json:"volatility,omitempty"`
	Momentum      *float64   `json:"momentum,omitempty"`
	SMAPeriod     int        `json:"smaPeriod"`
	SampleCount   int        `json:"sampleCount"`
	FeaturesReady bool       `json:"featuresReady"`
}

// KlineFeatures is the per-(symbol, tf) indicator vector published on
// analytics:kline_features once per closed candle.
type KlineFeatures struct {
	Meta         Meta       `json:"meta"`
	Symbol       string     `json:"symbol"`
	MarketType   MarketType `json:"marketType"`
	Timeframe    string     `json:"tf"`
	Close        float64    `json:"close"`
	EMAFast      *float64   `json:"emaFast,omitempty"`
	EMASlow      *float64   `json:"emaSlow,omitempty"`
	EMASlowSlope *float64   `json:"emaSlowSlope,omitempty"`
	RSI          *float64   `json:"rsi,omitempty"`
	ATR          *float64   `json:"atr,omitempty"`
	ATRPct       *float64   `json:"atrPct,omitempty"`
	WarmedUp     bool       `json:"warmedUp"`
	SampleCount  int        `json:"sampleCount"`
	ClosedTs     TimeMS     `json:"closedTs"`
}

// Regime is the coarse market regime.
type Regime string

const (
	RegimeCalm     Regime = "calm"
	RegimeVolatile Regime = "volatile"
	RegimeUnknown  Regime = "unknown"
)

// RegimeV2 is the refined market regime.
type RegimeV2 string

const (
	RegimeCalmRange RegimeV2 = "calm_range"
	RegimeTrendBull RegimeV2 = "trend_bull"
	RegimeTrendBear RegimeV2 = "trend_bear"
	RegimeStorm     RegimeV2 = "storm"
)

// TfRegime is the per-timeframe regime input used by the macro join.
type TfRegime struct {
	Timeframe string   `json:"tf"`
	Regime    RegimeV2 `json:"regime"`
	ATRPct    float64  `json:"atrPct"`
	EMAFast   float64  `json:"emaFast"`
	EMASlow   float64  `json:"emaSlow"`
	Slope     float64  `json:"slope"`
}

// MarketContext is the composed per-symbol market context published on
// analytics:context.
type MarketContext struct {
	Meta       Meta       `json:"meta"`
	Symbol     string     `json:"symbol"`
	MarketType MarketType `json:"marketType"`
	Regime     Regime     `json:"regime"`
	RegimeV2   RegimeV2   `json:"regimeV2"`
	PerTf      []TfRegime `json:"perTf,omitempty"`
	ReadyTfs   []string   `json:"readyTfs,omitempty"`
	MacroReady bool       `json:"macroReady"`
}

// RegimeEvent carries the current regime on analytics:regime.
type RegimeEvent struct {
	Meta       Meta       `json:"meta"`
	Symbol     string     `json:"symbol"`
	MarketType MarketType `json:"marketType"`
	Regime     Regime     `json:"regime"`
	RegimeV2   RegimeV2   `json:"regimeV2"`
}

// RegimeExplain carries the per-timeframe inputs behind a regime decision.
type RegimeExplain struct {
	Meta       Meta       `json:"meta"`
	Symbol     string     `json:"symbol"`
	MarketType MarketType `json:"marketType"`
	RegimeV2   RegimeV2   `json:"regimeV2"`
	Reasons    []string   `json:"reasons,omitempty"`
	PerTf      []TfRegime `json:"perTf,omitempty"`
}

// MarketView composes the latest aggregates for a symbol into one readout
// published on analytics:market_view. Fields are nil until first observed.
type MarketView struct {
	Meta         Meta                   `json:"meta"`
	Symbol       string                 `json:"symbol"`
	MarketType   MarketType             `json:"marketType"`
	Price        *CanonicalPriceEvent   `json:"price,omitempty"`
	Liquidity    *LiquidityAggregate    `json:"liquidity,omitempty"`
	Flow         *FlowSnapshot          `json:"flow,omitempty"`
	OpenInterest *OIAggregate           `json:"openInterest,omitempty"`
	Funding      *FundingAggregate      `json:"funding,omitempty"`
	Liquidations *LiquidationsAggregate `json:"liquidations,omitempty"`
	Context      *MarketContext         `json:"context,omitempty"`
}
