// Command weir runs the multi-venue market data ingestion and analytics
// daemon: venue transports, normalization, journal, quality monitors,
// aggregation, readiness scoring, and the local control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tidemill/weir/config"
	"github.com/tidemill/weir/internal/aggregate"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/control"
	"github.com/tidemill/weir/internal/egress"
	"github.com/tidemill/weir/internal/features"
	"github.com/tidemill/weir/internal/gateway"
	"github.com/tidemill/weir/internal/journal"
	"github.com/tidemill/weir/internal/marketctx"
	"github.com/tidemill/weir/internal/observability"
	"github.com/tidemill/weir/internal/orchestrator"
	"github.com/tidemill/weir/internal/orderbook"
	"github.com/tidemill/weir/internal/quality"
	"github.com/tidemill/weir/internal/readiness"
	"github.com/tidemill/weir/internal/registry"
	"github.com/tidemill/weir/internal/schema"
	"github.com/tidemill/weir/internal/state"
	"github.com/tidemill/weir/internal/telemetry"
	"github.com/tidemill/weir/internal/venues"
	"github.com/tidemill/weir/internal/venues/binance"
	"github.com/tidemill/weir/internal/venues/bybit"
	"github.com/tidemill/weir/internal/venues/okx"
)

const (
	// shutdownWait bounds the wait on the orchestrator's cleanup chain; the
	// chain itself bounds each step with cfg.Shutdown.CleanupTimeoutMs.
	shutdownWait             = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	configPath := parseFlags()
	// A missing .env is the normal case outside dev.
	_ = godotenv.Load()

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "weir: load config: %v\n", err)
		os.Exit(1)
	}

	log := observability.NewLogger(observability.LogConfig{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	log.Info().Str("mode", cfg.Mode).
		Strs("venues", cfg.EnabledVenues()).
		Strs("symbols", cfg.Symbols).
		Msg("weir starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("weir failed")
	}
}

func parseFlags() string {
	configPath := flag.String("config", "", fmt.Sprintf("path to the configuration file (default: %s)", config.DefaultPath))
	flag.Parse()
	return *configPath
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	telemetryProvider, err := initTelemetry(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	b := bus.New(log)
	disp := bus.NewDispatcher(b, cfg.Gateway.DispatchQueueSize, log)
	if err := disp.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	now := clock.System()

	orch := orchestrator.New(orchestrator.Config{
		Mode:             schema.Mode(cfg.Mode),
		Venues:           cfg.EnabledVenues(),
		Markets:          cfg.TargetMarkets(),
		Symbols:          cfg.Symbols,
		Channels:         enabledChannels(cfg.Features),
		Timeframes:       klineTimeframes(cfg),
		BootstrapLimit:   cfg.Klines.BootstrapLimit,
		CleanupTimeoutMs: cfg.Shutdown.CleanupTimeoutMs,
	}, disp, now, log)

	// Cleanups run in reverse registration order: transports first in the
	// list, the control surface last in the list and first to stop.
	if err := startTransports(ctx, cfg, disp, now, log, orch); err != nil {
		return err
	}

	bookEngine := orderbook.NewEngine(b, log)
	if err := bookEngine.Start(); err != nil {
		return fmt.Errorf("start orderbook engine: %w", err)
	}
	orch.RegisterCleanup("orderbook", func(context.Context) error { bookEngine.Stop(); return nil })

	if cfg.Journal.Enabled {
		jnl := journal.New(disp, journalConfig(cfg), log)
		if err := jnl.Start(ctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		orch.RegisterCleanup("journal", func(context.Context) error { jnl.Stop(); return nil })
	}

	if err := startAggregates(cfg, b, now, log, orch); err != nil {
		return err
	}

	tickerEngine := features.NewTickerEngine(b, tickerConfig(cfg.Engines.Ticker), now, log)
	if err := tickerEngine.Start(); err != nil {
		return fmt.Errorf("start ticker features: %w", err)
	}
	orch.RegisterCleanup("ticker_features", func(context.Context) error { tickerEngine.Stop(); return nil })

	klineEngine := features.NewKlineEngine(b, klineConfig(cfg.Engines.Kline), log)
	if err := klineEngine.Start(); err != nil {
		return fmt.Errorf("start kline features: %w", err)
	}
	orch.RegisterCleanup("kline_features", func(context.Context) error { klineEngine.Stop(); return nil })

	ctxBuilder := marketctx.NewContextBuilder(b, marketctx.Config{
		MacroTfs:         cfg.Context.MacroTfs,
		HighVolThreshold: cfg.Context.HighVolThreshold,
	}, log)
	if err := ctxBuilder.Start(); err != nil {
		return fmt.Errorf("start context builder: %w", err)
	}
	orch.RegisterCleanup("context", func(context.Context) error { ctxBuilder.Stop(); return nil })

	viewBuilder := marketctx.NewViewBuilder(b, log)
	if err := viewBuilder.Start(); err != nil {
		return fmt.Errorf("start view builder: %w", err)
	}
	orch.RegisterCleanup("market_view", func(context.Context) error { viewBuilder.Stop(); return nil })

	reg := registry.New(cfg.Readiness.ExpectedSources)
	ready := readiness.NewEngine(b, readinessConfig(cfg), reg,
		quality.NewStalenessPolicy(stalenessRules(cfg.Readiness.Staleness)), now, log)
	if err := ready.Start(); err != nil {
		return fmt.Errorf("start readiness: %w", err)
	}
	orch.RegisterCleanup("readiness", func(context.Context) error { ready.Stop(); return nil })

	if err := startStateCoordinator(ctx, cfg.State, disp, now, log, orch,
		klineEngine, tickerEngine, reg, ready); err != nil {
		return err
	}

	if cfg.Redis.Enabled {
		if err := startEgressMirror(ctx, cfg.Redis, b, now, log, orch); err != nil {
			return err
		}
	}

	ctl := control.NewServer(control.Config{Listen: cfg.Control.Listen}, disp, now, log)
	if err := ctl.Start(ctx); err != nil {
		return fmt.Errorf("start control server: %w", err)
	}
	orch.RegisterCleanup("control", func(context.Context) error { ctl.Stop(); return nil })

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	log.Info().Msg("weir started; awaiting shutdown signal")
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		orch.Shutdown()
	case <-orch.Done():
		// Shutdown command arrived over the control surface.
	}

	select {
	case <-orch.Done():
	case <-time.After(shutdownWait):
		log.Warn().Msg("cleanup chain overran its budget")
	}
	disp.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown failed")
	}
	log.Info().Msg("weir stopped")
	return nil
}

func initTelemetry(ctx context.Context, cfg config.TelemetryConfig, log zerolog.Logger) (*telemetry.Provider, error) {
	tcfg := telemetry.DefaultConfig()
	if cfg.Enabled {
		tcfg.Enabled = true
	}
	if cfg.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		tcfg.ServiceName = cfg.ServiceName
	}
	provider, err := telemetry.NewProvider(ctx, tcfg)
	if err != nil {
		return nil, err
	}
	if tcfg.Enabled {
		log.Info().Str("endpoint", tcfg.OTLPEndpoint).Str("service", tcfg.ServiceName).Msg("telemetry up")
	}
	return provider, nil
}

// startTransports builds one venue client per (enabled venue, target market)
// and binds each to its gateway.
func startTransports(ctx context.Context, cfg config.Config, disp *bus.Dispatcher, now clock.Now, log zerolog.Logger, orch *orchestrator.Orchestrator) error {
	gwCfg := gateway.Config{
		ResyncCooldownMs:       cfg.Gateway.ResyncCooldownMs,
		ResyncReasonCooldownMs: cfg.Gateway.ResyncReasonCooldownMs,
	}
	for _, name := range cfg.EnabledVenues() {
		vcfg, ok := cfg.Venue(name)
		if !ok {
			return fmt.Errorf("unknown venue %q", name)
		}
		for _, market := range cfg.TargetMarkets() {
			transport := buildTransport(name, vcfg, market, cfg, disp, now, log)
			if transport == nil {
				return fmt.Errorf("no transport for venue %q", name)
			}
			gw := gateway.New(gwCfg, transport, disp, now, log)
			if err := gw.Start(ctx); err != nil {
				return fmt.Errorf("start %s %s gateway: %w", name, market, err)
			}
			cleanupName := "gateway_" + name + "_" + string(market)
			orch.RegisterCleanup(cleanupName, func(context.Context) error { gw.Stop(); return nil })
		}
	}
	return nil
}

func buildTransport(name string, vcfg config.VenueConfig, market schema.MarketType, cfg config.Config, disp *bus.Dispatcher, now clock.Now, log zerolog.Logger) venues.Transport {
	wsURL, restURL := endpointsFor(vcfg, market)
	tfs := klineTimeframes(cfg)
	switch name {
	case binance.Venue:
		return binance.NewClient(binance.Config{
			Market:              market,
			WSURL:               wsURL,
			RESTURL:             restURL,
			HandshakeTimeoutMs:  vcfg.HandshakeTimeoutMs,
			HTTPTimeoutMs:       vcfg.HTTPTimeoutMs,
			ReconnectMaxMs:      cfg.Gateway.ReconnectMaxMs,
			SubscribeRatePerSec: vcfg.SubscribeRatePerSec,
			SubscribeBurst:      vcfg.SubscribeBurst,
			OrderbookDepth:      vcfg.OrderbookDepth,
			Timeframes:          tfs,
		}, disp, now, log)
	case bybit.Venue:
		return bybit.NewClient(bybit.Config{
			Market:              market,
			WSURL:               wsURL,
			RESTURL:             restURL,
			HandshakeTimeoutMs:  vcfg.HandshakeTimeoutMs,
			HTTPTimeoutMs:       vcfg.HTTPTimeoutMs,
			ReconnectMaxMs:      cfg.Gateway.ReconnectMaxMs,
			SubscribeRatePerSec: vcfg.SubscribeRatePerSec,
			SubscribeBurst:      vcfg.SubscribeBurst,
			OrderbookDepth:      vcfg.OrderbookDepth,
			Timeframes:          tfs,
		}, disp, now, log)
	case okx.Venue:
		return okx.NewClient(okx.Config{
			Market:              market,
			WSURL:               wsURL,
			RESTURL:             restURL,
			HandshakeTimeoutMs:  vcfg.HandshakeTimeoutMs,
			HTTPTimeoutMs:       vcfg.HTTPTimeoutMs,
			ReconnectMaxMs:      cfg.Gateway.ReconnectMaxMs,
			SubscribeRatePerSec: vcfg.SubscribeRatePerSec,
			SubscribeBurst:      vcfg.SubscribeBurst,
			OrderbookDepth:      vcfg.OrderbookDepth,
			Timeframes:          tfs,
		}, disp, now, log)
	}
	return nil
}

func endpointsFor(vcfg config.VenueConfig, market schema.MarketType) (wsURL, restURL string) {
	if market == schema.MarketSpot {
		return vcfg.WS.Spot, vcfg.REST.Spot
	}
	return vcfg.WS.Futures, vcfg.REST.Futures
}

func startAggregates(cfg config.Config, b *bus.Bus, now clock.Now, log zerolog.Logger, orch *orchestrator.Orchestrator) error {
	acfg := aggregateConfig(cfg)
	start := func(name string, component interface {
		Start() error
		Stop()
	}) error {
		if err := component.Start(); err != nil {
			return fmt.Errorf("start %s aggregate: %w", name, err)
		}
		orch.RegisterCleanup("aggregate_"+name, func(context.Context) error { component.Stop(); return nil })
		return nil
	}
	if err := start("price", aggregate.NewCanonicalPrice(b, acfg, now, log)); err != nil {
		return err
	}
	if err := start("cvd", aggregate.NewCVD(b, acfg, now, log)); err != nil {
		return err
	}
	if err := start("oi", aggregate.NewOpenInterest(b, acfg, now, log)); err != nil {
		return err
	}
	if err := start("funding", aggregate.NewFunding(b, acfg, now, log)); err != nil {
		return err
	}
	if err := start("liquidations", aggregate.NewLiquidations(b, acfg, now, log)); err != nil {
		return err
	}
	return start("liquidity", aggregate.NewLiquidity(b, acfg, now, log))
}

func startStateCoordinator(ctx context.Context, cfg config.StateConfig, disp *bus.Dispatcher, now clock.Now, log zerolog.Logger, orch *orchestrator.Orchestrator, collectors ...state.Collector) error {
	store, err := buildStateStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	coord := state.New(state.Config{Schedule: cfg.Schedule}, store, disp, now, log)
	for _, col := range collectors {
		coord.Register(col)
	}
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start state coordinator: %w", err)
	}
	orch.RegisterCleanup("state", func(context.Context) error { coord.Stop(); return nil })

	// Recover the newest snapshot before live flow rebuilds state from zero.
	return disp.Enqueue(ctx, func() {
		bus.Publish(disp.Bus(), schema.TopicRecoveryRequested, schema.RecoveryRequest{
			Meta: schema.NewMeta("weir", schema.WithTsIngest(schema.TimeFromStd(now()))),
		})
	})
}

func buildStateStore(ctx context.Context, cfg config.StateConfig) (state.Store, error) {
	if strings.EqualFold(cfg.Store, "postgres") {
		return state.NewPGStore(ctx, cfg.PgDSN)
	}
	return state.NewFSStore(cfg.Dir, cfg.KeepLast)
}

func startEgressMirror(ctx context.Context, cfg config.RedisConfig, b *bus.Bus, now clock.Now, log zerolog.Logger, orch *orchestrator.Orchestrator) error {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	mirror := egress.NewMirror(egress.Config{ChannelPrefix: cfg.ChannelPrefix}, client, b, now, log)
	if err := mirror.Start(ctx); err != nil {
		return fmt.Errorf("start redis mirror: %w", err)
	}
	orch.RegisterCleanup("egress", func(context.Context) error {
		mirror.Stop()
		return client.Close()
	})
	return nil
}

func journalConfig(cfg config.Config) journal.Config {
	return journal.Config{
		BaseDir:            cfg.Journal.BaseDir,
		Topics:             cfg.Journal.Topics,
		AggregatedEnabled:  cfg.Journal.AggregatedEnabled,
		AggregatedTopics:   cfg.Journal.AggregatedTopics,
		BatchSize:          cfg.Journal.BatchSize,
		FlushInterval:      time.Duration(cfg.Journal.FlushIntervalMs) * time.Millisecond,
		RetryBackoff:       time.Duration(cfg.Journal.RetryBackoffMs) * time.Millisecond,
		MaxRetries:         cfg.Journal.MaxRetries,
		LatencyThresholdMs: cfg.Readiness.LagThresholdMs,
		GapDebug:           cfg.Debug.Gap,
	}
}

func aggregateConfig(cfg config.Config) aggregate.Config {
	return aggregate.Config{
		PriceTTLMs:           cfg.Aggregates.PriceTTLMs,
		OITTLMs:              cfg.Aggregates.OITTLMs,
		FundingTTLMs:         cfg.Aggregates.FundingTTLMs,
		LiquidityTTLMs:       cfg.Aggregates.LiquidityTTLMs,
		CVDBucketMs:          cfg.Aggregates.CVDBucketMs,
		VolumeBucketMs:       cfg.Aggregates.VolumeBucketMs,
		LiquidationsWindowMs: cfg.Aggregates.LiquidationsWindowMs,
		MinEmitIntervalMs:    cfg.Aggregates.MinEmitIntervalMs,
		DepthLevels:          cfg.Aggregates.DepthLevels,
		Weights:              cfg.Aggregates.Weights,
		SignOverrides:        cfg.Aggregates.SignOverrides,
		UnitMultipliers:      cfg.Aggregates.UnitMultipliers,
		OIBaseline:           cfg.Aggregates.OIBaseline,
		MismatchThresholdPct: cfg.Aggregates.MismatchThresholdPct,
		MismatchWindowMs:     cfg.Aggregates.MismatchWindowMs,
		MismatchMinSources:   cfg.Aggregates.MismatchMinSources,
		CVDDebug:             cfg.Debug.CVD,
	}
}

func tickerConfig(cfg config.TickerEngineConfig) features.TickerConfig {
	return features.TickerConfig{
		SMAPeriod:          cfg.SMAPeriod,
		WindowSize:         cfg.WindowSize,
		VolatilityWindow:   cfg.VolatilityWindow,
		MomentumPeriod:     cfg.MomentumPeriod,
		MinEmitIntervalMs:  cfg.MinEmitIntervalMs,
		MaxTicksBeforeEmit: cfg.MaxTicksBeforeEmit,
	}
}

func klineConfig(cfg config.KlineEngineConfig) features.KlineConfig {
	return features.KlineConfig{
		EMAFast:     cfg.EMAFast,
		EMASlow:     cfg.EMASlow,
		RSIPeriod:   cfg.RSIPeriod,
		ATRPeriod:   cfg.ATRPeriod,
		SlopeWindow: cfg.SlopeWindow,
	}
}

func readinessConfig(cfg config.Config) readiness.Config {
	rcfg := readiness.Config{
		WarmupMs:            cfg.Readiness.WarmupMs,
		BucketMs:            cfg.Readiness.BucketMs,
		WSRecoveryWindowMs:  cfg.Readiness.WSRecoveryWindowMs,
		OutlierThresholdPct: cfg.Readiness.OutlierThresholdPct,
		SourceCaps:          cfg.Readiness.SourceCaps,
	}
	// With a single target market the readiness target is known up front;
	// otherwise the first ticker seeds it.
	if markets := cfg.TargetMarkets(); len(markets) == 1 && len(cfg.Symbols) > 0 {
		rcfg.Symbol = cfg.Symbols[0]
		rcfg.Market = markets[0]
	}
	return rcfg
}

func stalenessRules(rules []config.StalenessRule) []quality.StalenessRule {
	out := make([]quality.StalenessRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, quality.StalenessRule{
			Topic:              r.Topic,
			Symbol:             r.Symbol,
			Market:             schema.MarketType(r.MarketType),
			ExpectedIntervalMs: r.ExpectedIntervalMs,
			StaleThresholdMs:   r.StaleThresholdMs,
			StartupGraceMs:     r.StartupGraceMs,
			MinSamples:         r.MinSamples,
		})
	}
	return out
}

func enabledChannels(f config.Features) []schema.Channel {
	out := []schema.Channel{schema.ChannelTicker}
	if f.Trades {
		out = append(out, schema.ChannelTrade)
	}
	if f.Orderbook {
		out = append(out, schema.ChannelBook)
	}
	if f.Klines {
		out = append(out, schema.ChannelKline)
	}
	if f.OI {
		out = append(out, schema.ChannelOI)
	}
	if f.Funding {
		out = append(out, schema.ChannelFunding)
	}
	if f.Liquidations {
		out = append(out, schema.ChannelLiquidation)
	}
	return out
}

func klineTimeframes(cfg config.Config) []string {
	if !cfg.Features.Klines {
		return nil
	}
	return cfg.Klines.Timeframes
}
