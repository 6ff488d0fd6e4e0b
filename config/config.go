// Package config carries the weir runtime configuration tree: defaults,
// YAML overrides, and environment overlays.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidemill/weir/internal/schema"
)

// Config is the full runtime configuration. Zero values are filled from
// Default by LoadOrDefault; durations are millisecond integers so YAML and
// environment values stay in the same unit the pipeline reasons in.
type Config struct {
	Mode             string           `yaml:"mode"`
	Symbols          []string         `yaml:"symbols"`
	TargetMarketType string           `yaml:"targetMarketType"`
	Features         Features         `yaml:"features"`
	Venues           VenueSet         `yaml:"venues"`
	Gateway          GatewayConfig    `yaml:"gateway"`
	Klines           KlineConfig      `yaml:"klines"`
	Journal          JournalConfig    `yaml:"journal"`
	Replay           ReplayConfig     `yaml:"replay"`
	Aggregates       AggregatesConfig `yaml:"aggregates"`
	Readiness        ReadinessConfig  `yaml:"readiness"`
	Engines          EngineConfig     `yaml:"engines"`
	Context          ContextConfig    `yaml:"context"`
	State            StateConfig      `yaml:"state"`
	Control          ControlConfig    `yaml:"control"`
	Redis            RedisConfig      `yaml:"redis"`
	Telemetry        TelemetryConfig  `yaml:"telemetry"`
	Log              LogConfig        `yaml:"log"`
	Debug            DebugFlags       `yaml:"debug"`
	Shutdown         ShutdownConfig   `yaml:"shutdown"`
}

// Features toggles ingestion paths per channel family.
type Features struct {
	Trades       bool `yaml:"trades"`
	Orderbook    bool `yaml:"orderbook"`
	OI           bool `yaml:"oi"`
	Funding      bool `yaml:"funding"`
	Liquidations bool `yaml:"liquidations"`
	Klines       bool `yaml:"klines"`
	Spot         bool `yaml:"spot"`
}

// VenueSet holds per-venue transport configuration.
type VenueSet struct {
	Binance VenueConfig `yaml:"binance"`
	Bybit   VenueConfig `yaml:"bybit"`
	OKX     VenueConfig `yaml:"okx"`
}

// Endpoints pairs the spot and futures URL for one surface.
type Endpoints struct {
	Spot    string `yaml:"spot"`
	Futures string `yaml:"futures"`
}

// VenueConfig declares one venue's connectivity and pacing.
type VenueConfig struct {
	Enabled             bool      `yaml:"enabled"`
	WS                  Endpoints `yaml:"ws"`
	REST                Endpoints `yaml:"rest"`
	HandshakeTimeoutMs  int64     `yaml:"handshakeTimeoutMs"`
	HTTPTimeoutMs       int64     `yaml:"httpTimeoutMs"`
	OrderbookDepth      int       `yaml:"orderbookDepth"`
	SubscribeRatePerSec float64   `yaml:"subscribeRatePerSec"`
	SubscribeBurst      int       `yaml:"subscribeBurst"`
}

// GatewayConfig tunes reconnection and resync pacing.
type GatewayConfig struct {
	ResyncCooldownMs       int64 `yaml:"resyncCooldownMs"`
	ResyncReasonCooldownMs int64 `yaml:"resyncReasonCooldownMs"`
	ReconnectMinMs         int64 `yaml:"reconnectMinMs"`
	ReconnectMaxMs         int64 `yaml:"reconnectMaxMs"`
	DispatchQueueSize      int   `yaml:"dispatchQueueSize"`
}

// KlineConfig declares the candle timeframes the pipeline consumes and the
// REST bootstrap depth used to seed indicator state.
type KlineConfig struct {
	Timeframes     []string `yaml:"timeframes"`
	BootstrapLimit int      `yaml:"bootstrapLimit"`
}

// JournalConfig controls the append-only JSONL sinks.
type JournalConfig struct {
	Enabled           bool     `yaml:"enabled"`
	BaseDir           string   `yaml:"baseDir"`
	Topics            []string `yaml:"topics"`
	AggregatedEnabled bool     `yaml:"aggregatedEnabled"`
	AggregatedTopics  []string `yaml:"aggregatedTopics"`
	FlushIntervalMs   int64    `yaml:"flushIntervalMs"`
	BatchSize         int      `yaml:"batchSize"`
	MaxRetries        int      `yaml:"maxRetries"`
	RetryBackoffMs    int64    `yaml:"retryBackoffMs"`
}

// ReplayConfig supplies defaults for replay runs. Dates use the journal's
// YYYY-MM-DD file granularity.
type ReplayConfig struct {
	Dir         string   `yaml:"dir"`
	Mode        string   `yaml:"mode"`
	SpeedFactor float64  `yaml:"speedFactor"`
	RunID       string   `yaml:"runId"`
	DateFrom    string   `yaml:"dateFrom"`
	DateTo      string   `yaml:"dateTo"`
	Topics      []string `yaml:"topics"`
	Symbols     []string `yaml:"symbols"`
}

// AggregatesConfig tunes the multi-venue fusion layer. Weights,
// signOverrides and unitMultipliers are keyed by venue or by full stream
// identity; the more specific key wins.
type AggregatesConfig struct {
	PriceTTLMs           int64              `yaml:"priceTtlMs"`
	OITTLMs              int64              `yaml:"oiTtlMs"`
	FundingTTLMs         int64              `yaml:"fundingTtlMs"`
	LiquidityTTLMs       int64              `yaml:"liquidityTtlMs"`
	CVDBucketMs          int64              `yaml:"cvdBucketMs"`
	VolumeBucketMs       int64              `yaml:"volumeBucketMs"`
	LiquidationsWindowMs int64              `yaml:"liquidationsWindowMs"`
	MinEmitIntervalMs    int64              `yaml:"minEmitIntervalMs"`
	DepthLevels          int                `yaml:"depthLevels"`
	Weights              map[string]float64 `yaml:"weights"`
	SignOverrides        map[string]float64 `yaml:"signOverrides"`
	UnitMultipliers      map[string]float64 `yaml:"unitMultipliers"`
	OIBaseline           string             `yaml:"oiBaseline"`
	MismatchThresholdPct float64            `yaml:"mismatchThresholdPct"`
	MismatchWindowMs     int64              `yaml:"mismatchWindowMs"`
	MismatchMinSources   int                `yaml:"mismatchMinSources"`
}

// StalenessRule bounds the acceptable event age for a topic, optionally
// narrowed by symbol and market type. Empty symbol or marketType matches
// everything; the most specific matching rule wins
// (topic+symbol+market > topic+symbol > topic+market > topic).
type StalenessRule struct {
	Topic              string `yaml:"topic"`
	Symbol             string `yaml:"symbol"`
	MarketType         string `yaml:"marketType"`
	ExpectedIntervalMs int64  `yaml:"expectedIntervalMs"`
	StaleThresholdMs   int64  `yaml:"staleThresholdMs"`
	StartupGraceMs     int64  `yaml:"startupGraceMs"`
	MinSamples         int    `yaml:"minSamples"`
}

// ReadinessConfig drives warmup, staleness, and confidence evaluation.
type ReadinessConfig struct {
	WarmupMs            int64               `yaml:"warmupMs"`
	BucketMs            int64               `yaml:"bucketMs"`
	WSRecoveryWindowMs  int64               `yaml:"wsRecoveryWindowMs"`
	EvalIntervalMs      int64               `yaml:"evalIntervalMs"`
	LagThresholdMs      int64               `yaml:"lagThresholdMs"`
	OutlierThresholdPct float64             `yaml:"outlierThresholdPct"`
	SourceCaps          map[string]float64  `yaml:"sourceCaps"`
	ExpectedSources     map[string][]string `yaml:"expectedSources"`
	Staleness           []StalenessRule     `yaml:"staleness"`
}

// EngineConfig groups the per-path feature engine tunables.
type EngineConfig struct {
	Ticker TickerEngineConfig `yaml:"ticker"`
	Kline  KlineEngineConfig  `yaml:"kline"`
}

// TickerEngineConfig tunes the tick-path rolling features and emit throttle.
type TickerEngineConfig struct {
	SMAPeriod          int   `yaml:"smaPeriod"`
	WindowSize         int   `yaml:"windowSize"`
	VolatilityWindow   int   `yaml:"volatilityWindow"`
	MomentumPeriod     int   `yaml:"momentumPeriod"`
	MinEmitIntervalMs  int64 `yaml:"minEmitIntervalMs"`
	MaxTicksBeforeEmit int   `yaml:"maxTicksBeforeEmit"`
}

// KlineEngineConfig tunes the candle-path indicators.
type KlineEngineConfig struct {
	EMAFast     int `yaml:"emaFast"`
	EMASlow     int `yaml:"emaSlow"`
	RSIPeriod   int `yaml:"rsiPeriod"`
	ATRPeriod   int `yaml:"atrPeriod"`
	SlopeWindow int `yaml:"slopeWindow"`
}

// ContextConfig tunes regime classification and macro readiness.
// HighVolThreshold is the atrPct at or above which a timeframe reads storm.
type ContextConfig struct {
	MacroTfs         []string `yaml:"macroTfs"`
	HighVolThreshold float64  `yaml:"highVolThreshold"`
}

// StateConfig controls analytics snapshots and recovery.
type StateConfig struct {
	Dir      string `yaml:"dir"`
	Store    string `yaml:"store"`
	Schedule string `yaml:"schedule"`
	KeepLast int    `yaml:"keepLast"`
	PgDSN    string `yaml:"pgDsn"`
}

// ControlConfig configures the local control listener.
type ControlConfig struct {
	Listen string `yaml:"listen"`
}

// RedisConfig configures the optional market-view mirror.
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channelPrefix"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// LogConfig selects the log level and console formatting.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DebugFlags enable verbose per-component traces. All off by default.
type DebugFlags struct {
	CVD       bool `yaml:"cvd"`
	Flow      bool `yaml:"flow"`
	Readiness bool `yaml:"readiness"`
	Gap       bool `yaml:"gap"`
}

// ShutdownConfig bounds individual cleanup steps during stop.
type ShutdownConfig struct {
	CleanupTimeoutMs int64 `yaml:"cleanupTimeoutMs"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Mode:             string(schema.ModePaper),
		Symbols:          []string{"BTCUSDT"},
		TargetMarketType: "",
		Features: Features{
			Trades:       true,
			Orderbook:    true,
			OI:           true,
			Funding:      true,
			Liquidations: true,
			Klines:       true,
			Spot:         true,
		},
		Venues: VenueSet{
			Binance: VenueConfig{
				Enabled: true,
				WS: Endpoints{
					Spot:    "wss://stream.binance.com:9443/stream",
					Futures: "wss://fstream.binance.com/stream",
				},
				REST: Endpoints{
					Spot:    "https://api.binance.com",
					Futures: "https://fapi.binance.com",
				},
				HandshakeTimeoutMs:  10_000,
				HTTPTimeoutMs:       10_000,
				OrderbookDepth:      50,
				SubscribeRatePerSec: 4,
				SubscribeBurst:      8,
			},
			Bybit: VenueConfig{
				Enabled: true,
				WS: Endpoints{
					Spot:    "wss://stream.bybit.com/v5/public/spot",
					Futures: "wss://stream.bybit.com/v5/public/linear",
				},
				REST: Endpoints{
					Spot:    "https://api.bybit.com",
					Futures: "https://api.bybit.com",
				},
				HandshakeTimeoutMs:  10_000,
				HTTPTimeoutMs:       10_000,
				OrderbookDepth:      50,
				SubscribeRatePerSec: 4,
				SubscribeBurst:      8,
			},
			OKX: VenueConfig{
				Enabled: true,
				WS: Endpoints{
					Spot:    "wss://ws.okx.com:8443/ws/v5/public",
					Futures: "wss://ws.okx.com:8443/ws/v5/public",
				},
				REST: Endpoints{
					Spot:    "https://www.okx.com",
					Futures: "https://www.okx.com",
				},
				HandshakeTimeoutMs:  10_000,
				HTTPTimeoutMs:       10_000,
				OrderbookDepth:      50,
				SubscribeRatePerSec: 2,
				SubscribeBurst:      4,
			},
		},
		Gateway: GatewayConfig{
			ResyncCooldownMs:       5_000,
			ResyncReasonCooldownMs: 10_000,
			ReconnectMinMs:         500,
			ReconnectMaxMs:         30_000,
			DispatchQueueSize:      1024,
		},
		Klines: KlineConfig{
			Timeframes:     []string{"1m", "5m", "15m", "1h", "4h", "1d"},
			BootstrapLimit: 200,
		},
		Journal: JournalConfig{
			Enabled:           true,
			BaseDir:           "data/journal",
			Topics:            schema.JournalableTopics(),
			AggregatedEnabled: true,
			AggregatedTopics: []string{
				schema.TopicPriceCanonical.Name(),
				schema.TopicCVDAgg.Name(),
				schema.TopicOIAgg.Name(),
				schema.TopicFundingAgg.Name(),
				schema.TopicLiquidationsAgg.Name(),
				schema.TopicLiquidityAgg.Name(),
			},
			FlushIntervalMs: 1_000,
			BatchSize:       256,
			MaxRetries:      5,
			RetryBackoffMs:  250,
		},
		Replay: ReplayConfig{
			Dir:         "data/journal",
			Mode:        "max",
			SpeedFactor: 10,
		},
		Aggregates: AggregatesConfig{
			PriceTTLMs:           10_000,
			OITTLMs:              180_000,
			FundingTTLMs:         600_000,
			LiquidityTTLMs:       5_000,
			CVDBucketMs:          60_000,
			VolumeBucketMs:       60_000,
			LiquidationsWindowMs: 60_000,
			DepthLevels:          10,
			Weights:              map[string]float64{},
			SignOverrides:        map[string]float64{},
			UnitMultipliers:      map[string]float64{},
			OIBaseline:           "binance",
			MismatchThresholdPct: 5,
			MismatchWindowMs:     30_000,
			MismatchMinSources:   2,
		},
		Readiness: ReadinessConfig{
			WarmupMs:            120_000,
			BucketMs:            60_000,
			WSRecoveryWindowMs:  10_000,
			EvalIntervalMs:      1_000,
			LagThresholdMs:      3_000,
			OutlierThresholdPct: 3,
			SourceCaps: map[string]float64{
				"okx:futures:liquidation": 0.7,
			},
			ExpectedSources: map[string][]string{
				string(schema.BlockPrice):       {"binance", "bybit", "okx"},
				string(schema.BlockFlow):        {"binance", "bybit"},
				string(schema.BlockLiquidity):   {"binance", "bybit"},
				string(schema.BlockDerivatives): {"binance", "bybit", "okx"},
			},
			Staleness: []StalenessRule{
				{Topic: schema.TopicTicker.Name(), ExpectedIntervalMs: 1_000, StaleThresholdMs: 10_000, StartupGraceMs: 30_000, MinSamples: 3},
				{Topic: schema.TopicTrade.Name(), ExpectedIntervalMs: 2_000, StaleThresholdMs: 30_000, StartupGraceMs: 30_000, MinSamples: 1},
				{Topic: schema.TopicOrderbookDelta.Name(), ExpectedIntervalMs: 1_000, StaleThresholdMs: 10_000, StartupGraceMs: 30_000, MinSamples: 1},
				{Topic: schema.TopicOI.Name(), ExpectedIntervalMs: 15_000, StaleThresholdMs: 180_000, StartupGraceMs: 60_000, MinSamples: 1},
				{Topic: schema.TopicFunding.Name(), ExpectedIntervalMs: 60_000, StaleThresholdMs: 600_000, StartupGraceMs: 60_000, MinSamples: 1},
			},
		},
		Engines: EngineConfig{
			Ticker: TickerEngineConfig{
				SMAPeriod:          20,
				WindowSize:         25,
				VolatilityWindow:   20,
				MomentumPeriod:     10,
				MinEmitIntervalMs:  1_000,
				MaxTicksBeforeEmit: 5,
			},
			Kline: KlineEngineConfig{
				EMAFast:     12,
				EMASlow:     26,
				RSIPeriod:   14,
				ATRPeriod:   14,
				SlopeWindow: 5,
			},
		},
		Context: ContextConfig{
			MacroTfs:         []string{"1h", "4h", "1d"},
			HighVolThreshold: 2.0,
		},
		State: StateConfig{
			Dir:      "data/state",
			Store:    "fs",
			Schedule: "@every 15m",
			KeepLast: 5,
		},
		Control: ControlConfig{
			Listen: "127.0.0.1:8883",
		},
		Redis: RedisConfig{
			Enabled:       false,
			Addr:          "127.0.0.1:6379",
			ChannelPrefix: "weir",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "weir",
		},
		Log: LogConfig{
			Level: "info",
		},
		Shutdown: ShutdownConfig{
			CleanupTimeoutMs: 5_000,
		},
	}
}

// TargetMarkets resolves the configured market filter into the concrete
// market types the pipeline subscribes. Unset means both, subject to the
// spot feature toggle.
func (c Config) TargetMarkets() []schema.MarketType {
	switch strings.ToLower(strings.TrimSpace(c.TargetMarketType)) {
	case "spot":
		return []schema.MarketType{schema.MarketSpot}
	case "futures":
		return []schema.MarketType{schema.MarketFutures}
	default:
		if c.Features.Spot {
			return []schema.MarketType{schema.MarketSpot, schema.MarketFutures}
		}
		return []schema.MarketType{schema.MarketFutures}
	}
}

// EnabledVenues lists the venue names switched on in configuration order.
func (c Config) EnabledVenues() []string {
	var out []string
	if c.Venues.Binance.Enabled {
		out = append(out, "binance")
	}
	if c.Venues.Bybit.Enabled {
		out = append(out, "bybit")
	}
	if c.Venues.OKX.Enabled {
		out = append(out, "okx")
	}
	return out
}

// Venue returns the named venue's configuration.
func (c Config) Venue(name string) (VenueConfig, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "binance":
		return c.Venues.Binance, true
	case "bybit":
		return c.Venues.Bybit, true
	case "okx":
		return c.Venues.OKX, true
	}
	return VenueConfig{}, false
}

// normalize trims and canonicalizes user input and enforces pacing floors.
// Resync cooldowns below the floor would let a venue hammer its own REST
// snapshot endpoint during churn.
func (c *Config) normalize() {
	c.Mode = strings.ToUpper(strings.TrimSpace(c.Mode))
	c.TargetMarketType = strings.ToLower(strings.TrimSpace(c.TargetMarketType))

	seen := make(map[string]struct{}, len(c.Symbols))
	symbols := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	c.Symbols = symbols

	if c.Gateway.ResyncCooldownMs < 1_000 {
		c.Gateway.ResyncCooldownMs = 1_000
	}
	if c.Gateway.ResyncReasonCooldownMs < 2_000 {
		c.Gateway.ResyncReasonCooldownMs = 2_000
	}
	if c.Gateway.ReconnectMinMs <= 0 {
		c.Gateway.ReconnectMinMs = 500
	}
	if c.Gateway.ReconnectMaxMs < c.Gateway.ReconnectMinMs {
		c.Gateway.ReconnectMaxMs = c.Gateway.ReconnectMinMs
	}
	if c.Gateway.DispatchQueueSize <= 0 {
		c.Gateway.DispatchQueueSize = 1024
	}

	tfs := make([]string, 0, len(c.Klines.Timeframes))
	for _, tf := range c.Klines.Timeframes {
		tf = strings.ToLower(strings.TrimSpace(tf))
		if tf != "" {
			tfs = append(tfs, tf)
		}
	}
	c.Klines.Timeframes = tfs

	if c.Replay.Mode != "" {
		c.Replay.Mode = strings.ToLower(strings.TrimSpace(c.Replay.Mode))
	}
	if c.Replay.SpeedFactor <= 0 {
		c.Replay.SpeedFactor = 10
	}
	if c.State.Store != "" {
		c.State.Store = strings.ToLower(strings.TrimSpace(c.State.Store))
	}
	if c.Shutdown.CleanupTimeoutMs <= 0 {
		c.Shutdown.CleanupTimeoutMs = 5_000
	}
}

// Validate performs semantic validation on the configuration tree.
func (c Config) Validate() error {
	if !schema.Mode(c.Mode).Valid() {
		return fmt.Errorf("mode must be LIVE|PAPER|BACKTEST, got %q", c.Mode)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols required")
	}
	switch c.TargetMarketType {
	case "", "spot", "futures":
	default:
		return fmt.Errorf("targetMarketType must be spot|futures or unset, got %q", c.TargetMarketType)
	}
	if len(c.EnabledVenues()) == 0 {
		return fmt.Errorf("at least one venue must be enabled")
	}
	for _, tf := range c.Klines.Timeframes {
		if _, ok := schema.TimeframeMS(tf); !ok {
			return fmt.Errorf("klines: unknown timeframe %q", tf)
		}
	}
	if c.Klines.BootstrapLimit <= 0 {
		return fmt.Errorf("klines bootstrapLimit must be >0")
	}
	if c.Journal.Enabled {
		if strings.TrimSpace(c.Journal.BaseDir) == "" {
			return fmt.Errorf("journal baseDir required when journal enabled")
		}
		if c.Journal.FlushIntervalMs <= 0 {
			return fmt.Errorf("journal flushIntervalMs must be >0")
		}
		if c.Journal.BatchSize <= 0 {
			return fmt.Errorf("journal batchSize must be >0")
		}
		for _, topic := range c.Journal.Topics {
			if schema.AggregatedTopic(topic) || schema.RawTopic(topic) {
				return fmt.Errorf("journal topic %s is not journalable", topic)
			}
		}
	}
	switch c.Replay.Mode {
	case "", "max", "accelerated", "realtime":
	default:
		return fmt.Errorf("replay mode must be max|accelerated|realtime, got %q", c.Replay.Mode)
	}
	for _, d := range []string{c.Replay.DateFrom, c.Replay.DateTo} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("replay date %q must be YYYY-MM-DD", d)
		}
	}
	if c.Aggregates.CVDBucketMs <= 0 {
		return fmt.Errorf("aggregates cvdBucketMs must be >0")
	}
	if c.Aggregates.VolumeBucketMs <= 0 {
		return fmt.Errorf("aggregates volumeBucketMs must be >0")
	}
	if c.Aggregates.DepthLevels <= 0 {
		return fmt.Errorf("aggregates depthLevels must be >0")
	}
	for key, w := range c.Aggregates.Weights {
		if w < 0 {
			return fmt.Errorf("aggregates weight for %s must be >=0", key)
		}
	}
	for key, capVal := range c.Readiness.SourceCaps {
		if capVal <= 0 || capVal > 1 {
			return fmt.Errorf("readiness sourceCap for %s must be in (0,1]", key)
		}
	}
	if c.Readiness.BucketMs <= 0 {
		return fmt.Errorf("readiness bucketMs must be >0")
	}
	if c.Readiness.WarmupMs < 0 {
		return fmt.Errorf("readiness warmupMs must be >=0")
	}
	for i, rule := range c.Readiness.Staleness {
		if strings.TrimSpace(rule.Topic) == "" {
			return fmt.Errorf("readiness staleness[%d]: topic required", i)
		}
		if rule.StaleThresholdMs <= 0 {
			return fmt.Errorf("readiness staleness[%d]: staleThresholdMs must be >0", i)
		}
		if rule.ExpectedIntervalMs < 0 || rule.StartupGraceMs < 0 || rule.MinSamples < 0 {
			return fmt.Errorf("readiness staleness[%d]: negative tunables", i)
		}
	}
	if c.Engines.Ticker.SMAPeriod <= 1 {
		return fmt.Errorf("ticker smaPeriod must be >1")
	}
	if c.Engines.Ticker.WindowSize < c.Engines.Ticker.SMAPeriod {
		return fmt.Errorf("ticker windowSize must be >= smaPeriod")
	}
	if c.Engines.Kline.EMAFast <= 0 || c.Engines.Kline.EMASlow <= c.Engines.Kline.EMAFast {
		return fmt.Errorf("kline emaSlow must be > emaFast > 0")
	}
	if c.Engines.Kline.RSIPeriod <= 1 || c.Engines.Kline.ATRPeriod <= 1 {
		return fmt.Errorf("kline rsiPeriod and atrPeriod must be >1")
	}
	if len(c.Context.MacroTfs) == 0 {
		return fmt.Errorf("context macroTfs required")
	}
	for _, tf := range c.Context.MacroTfs {
		if _, ok := schema.TimeframeMS(tf); !ok {
			return fmt.Errorf("context: unknown macro timeframe %q", tf)
		}
	}
	switch c.State.Store {
	case "", "fs":
	case "postgres":
		if strings.TrimSpace(c.State.PgDSN) == "" {
			return fmt.Errorf("state pgDsn required when store is postgres")
		}
	default:
		return fmt.Errorf("state store must be fs|postgres, got %q", c.State.Store)
	}
	return nil
}
