// Package readiness scores the four data blocks (price, flow, liquidity,
// derivatives) from raw-source freshness and quality signals, and publishes
// the uniform system:market_data_status readiness signal downstream gating
// consumes. One engine instance tracks one target (symbol, marketType);
// events for other markets are ignored.
package readiness

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/quality"
	"github.com/tidemill/weir/internal/registry"
	"github.com/tidemill/weir/internal/schema"
)

const meterName = "weir/readiness"

// defaultStaleMs bounds source freshness for blocks without a matching
// staleness rule.
const defaultStaleMs = 10_000

// expectedAggFeeds is the number of aggregated feeds the engine itself
// consumes: canonical price and the flow snapshot.
const expectedAggFeeds = 2

// Config tunes warmup, bucketing and penalty evaluation.
type Config struct {
	// Symbol and Market pin the target up front. Empty means the first
	// ticker seeds the target instead.
	Symbol string
	Market schema.MarketType

	WarmupMs           int64
	BucketMs           int64
	WSRecoveryWindowMs int64
	// OutlierThresholdPct flags a venue whose contribution deviates from the
	// fused value by more than this percentage.
	OutlierThresholdPct float64
	// FlowLowConfThreshold marks the flow path degraded below this score.
	FlowLowConfThreshold float64
	// SourceCaps are venue trust ceilings keyed by stream identity.
	SourceCaps map[string]float64
}

func (c *Config) normalize() {
	if c.WarmupMs <= 0 {
		c.WarmupMs = 120_000
	}
	if c.BucketMs <= 0 {
		c.BucketMs = 60_000
	}
	if c.WSRecoveryWindowMs <= 0 {
		c.WSRecoveryWindowMs = 10_000
	}
	if c.OutlierThresholdPct <= 0 {
		c.OutlierThresholdPct = 3
	}
	if c.FlowLowConfThreshold <= 0 {
		c.FlowLowConfThreshold = 0.5
	}
}

// blockFlags latches quality signals for one block within the current
// bucket. Cleared after the bucket-close evaluation.
type blockFlags struct {
	mismatch  bool
	gap       bool
	seqBroken bool
	lag       bool
	outlier   bool
}

// Engine is the confidence and readiness evaluator.
type Engine struct {
	cfg    Config
	log    zerolog.Logger
	b      *bus.Bus
	now    clock.Now
	reg    *registry.Registry
	stale  *quality.StaleChecker
	policy *quality.StalenessPolicy

	symbol       string
	market       schema.MarketType
	seeded       bool
	firstEventTs schema.TimeMS
	bucketTs     schema.TimeMS
	flags        map[schema.Block]*blockFlags
	staleFlagged map[string]bool
	wsDownSince  map[string]schema.TimeMS
	wsReconnect  map[string]schema.TimeMS
	join         *priceFlowJoin
	flowLowConf  bool

	lastStatus schema.MarketDataStatus
	haveStatus bool

	subs    []bus.Subscription
	started bool

	statusEmitted metric.Int64Counter
	overallHist   metric.Float64Histogram
}

// NewEngine builds the engine. The registry is shared with other components;
// the staleness policy drives both freshness cutoffs and the PRICE_STALE
// check.
func NewEngine(b *bus.Bus, cfg Config, reg *registry.Registry, policy *quality.StalenessPolicy, now clock.Now, log zerolog.Logger) *Engine {
	cfg.normalize()
	if now == nil {
		now = clock.System()
	}
	meter := otel.Meter(meterName)
	e := &Engine{
		cfg:          cfg,
		log:          log.With().Str("component", "readiness").Logger(),
		b:            b,
		now:          now,
		reg:          reg,
		stale:        quality.NewStaleChecker(policy),
		policy:       policy,
		flags:        make(map[schema.Block]*blockFlags),
		staleFlagged: make(map[string]bool),
		wsDownSince:  make(map[string]schema.TimeMS),
		wsReconnect:  make(map[string]schema.TimeMS),
		join:         newPriceFlowJoin(cfg.BucketMs),
	}
	for _, block := range schema.Blocks {
		e.flags[block] = &blockFlags{}
	}
	if cfg.Symbol != "" && cfg.Market.Known() {
		e.symbol = cfg.Symbol
		e.market = cfg.Market
		e.seeded = true
	}
	var err error
	e.statusEmitted, err = meter.Int64Counter("weir.readiness.status_emitted",
		metric.WithDescription("Market data status emissions"))
	if err != nil {
		e.statusEmitted, _ = noop.Meter{}.Int64Counter("weir.readiness.status_emitted")
	}
	e.overallHist, err = meter.Float64Histogram("weir.readiness.overall",
		metric.WithDescription("Overall confidence at emission"))
	if err != nil {
		e.overallHist, _ = noop.Meter{}.Float64Histogram("weir.readiness.overall")
	}
	return e
}

// Start subscribes the engine.
func (e *Engine) Start() error {
	if e.started {
		return errs.New("readiness", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	e.started = true
	e.subs = append(e.subs,
		bus.Subscribe(e.b, schema.TopicTicker, e.onTicker),
		bus.Subscribe(e.b, schema.TopicTrade, e.onTrade),
		bus.Subscribe(e.b, schema.TopicOrderbookSnapshot, e.onBookSnapshot),
		bus.Subscribe(e.b, schema.TopicOrderbookDelta, e.onBookDelta),
		bus.Subscribe(e.b, schema.TopicOI, e.onOI),
		bus.Subscribe(e.b, schema.TopicFunding, e.onFunding),
		bus.Subscribe(e.b, schema.TopicLiquidation, e.onLiquidation),
		bus.Subscribe(e.b, schema.TopicPriceCanonical, e.onPrice),
		bus.Subscribe(e.b, schema.TopicFlow, e.onFlow),
		bus.Subscribe(e.b, schema.TopicMismatch, e.onMismatch),
		bus.Subscribe(e.b, schema.TopicGapDetected, e.onGap),
		bus.Subscribe(e.b, schema.TopicSeqGapOrOutOfOrder, e.onSeqBroken),
		bus.Subscribe(e.b, schema.TopicLatencySpike, e.onLag),
		bus.Subscribe(e.b, schema.TopicConnected, e.onConnected),
		bus.Subscribe(e.b, schema.TopicDisconnected, e.onDisconnected),
	)
	return nil
}

// Stop unsubscribes the engine.
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	e.started = false
	for _, sub := range e.subs {
		sub.Cancel()
	}
	e.subs = nil
}

func (e *Engine) onTicker(ev schema.TickerEvent) {
	if !e.seeded {
		if !ev.MarketType.Known() {
			return
		}
		e.symbol = ev.Symbol
		e.market = ev.MarketType
		e.seeded = true
		e.log.Info().Str("symbol", e.symbol).Str("market", string(e.market)).Msg("readiness target seeded")
	}
	if !e.target(ev.Symbol, ev.MarketType) {
		return
	}
	ts := e.eventTs(ev.Meta)
	if e.firstEventTs == 0 {
		e.firstEventTs = ts
	}
	e.observeRaw(schema.TopicTicker.Name(), ev.StreamID, ts)
	e.rollBucket(ts, ev.Meta)
}

func (e *Engine) onTrade(ev schema.TradeEvent) {
	if !e.target(ev.Symbol, ev.MarketType) {
		return
	}
	ts := ev.TradeTs
	if ts == 0 {
		ts = e.eventTs(ev.Meta)
	}
	e.observeRaw(schema.TopicTrade.Name(), ev.StreamID, ts)
}

func (e *Engine) onBookSnapshot(ev schema.OrderbookSnapshotEvent) {
	if !e.target(ev.Symbol, ev.MarketType) {
		return
	}
	e.observeRaw(schema.TopicOrderbookDelta.Name(), ev.StreamID, e.eventTs(ev.Meta))
}

func (e *Engine) onBookDelta(ev schema.OrderbookDeltaEvent) {
	if !e.target(ev.Symbol, ev.MarketType) {
		return
	}
	e.observeRaw(schema.TopicOrderbookDelta.Name(), ev.StreamID, e.eventTs(ev.Meta))
}

func (e *Engine) onOI(ev schema.OpenInterestEvent) {
	if !e.target(ev.Symbol, ev.MarketType) {
		return
	}
	e.observeRaw(schema.TopicOI.Name(), ev.StreamID, e.eventTs(ev.Meta))
}

func (e *Engine) onFunding(ev schema.FundingRateEvent) {
	if !e.target(ev.Symbol, ev.MarketType) {
		return
	}
	e.observeRaw(schema.TopicFunding.Name(), ev.StreamID, e.eventTs(ev.Meta))
}

func (e *Engine) onLiquidation(ev schema.LiquidationEvent) {
	if !e.target(ev.Symbol, ev.MarketType) {
		return
	}
	e.observeRaw(schema.TopicLiquidation.Name(), ev.StreamID, e.eventTs(ev.Meta))
}

func (e *Engine) onPrice(ev schema.CanonicalPriceEvent) {
	if !e.target(ev.Symbol, ev.MarketType) {
		return
	}
	ts := e.eventTs(ev.Meta)
	e.join.priceSeen(ts)
	topic := schema.TopicPriceCanonical.Name()
	e.reg.Observe(e.symbol, e.market, topic, ts, true)
	e.stale.Observe(topic, topic, ts)
	if hasOutlier(ev.VenueBreakdown, ev.Price, e.cfg.OutlierThresholdPct) {
		if !e.flags[schema.BlockPrice].outlier {
			e.flags[schema.BlockPrice].outlier = true
			e.evaluate(ts, ev.Meta, false)
		}
	}
}

func (e *Engine) onFlow(ev schema.FlowSnapshot) {
	if !e.target(ev.Symbol, ev.MarketType) {
		return
	}
	ts := ev.BucketEndTs
	if ts == 0 {
		ts = e.eventTs(ev.Meta)
	}
	e.join.flowSeen(ev.BucketTs)
	topic := schema.TopicFlow.Name()
	e.reg.Observe(e.symbol, e.market, topic, ts, true)
	e.stale.Observe(topic, topic, ts)

	lowConf := ev.Confidence < e.cfg.FlowLowConfThreshold
	if lowConf != e.flowLowConf {
		e.flowLowConf = lowConf
		e.evaluate(ts, ev.Meta, false)
	}
}

func (e *Engine) onMismatch(ev schema.MismatchEvent) {
	if ev.Symbol != e.symbol || ev.Suppressed {
		return
	}
	block := schema.BlockDerivatives
	if ev.Metric == "price" {
		block = schema.BlockPrice
	}
	if e.flags[block].mismatch {
		return
	}
	e.flags[block].mismatch = true
	e.evaluate(e.eventTs(ev.Meta), ev.Meta, false)
}

func (e *Engine) onGap(ev schema.GapEvent) {
	e.latch(ev.Topic, ev.Meta, func(f *blockFlags) bool {
		changed := !f.gap
		f.gap = true
		return changed
	})
}

func (e *Engine) onSeqBroken(ev schema.OutOfOrderEvent) {
	e.latch(ev.Topic, ev.Meta, func(f *blockFlags) bool {
		changed := !f.seqBroken
		f.seqBroken = true
		return changed
	})
}

func (e *Engine) onLag(ev schema.LatencySpikeEvent) {
	e.latch(ev.Topic, ev.Meta, func(f *blockFlags) bool {
		changed := !f.lag
		f.lag = true
		return changed
	})
}

// latch flips a quality flag on the block owning the topic and re-evaluates
// on the first transition.
func (e *Engine) latch(topic string, meta schema.Meta, set func(*blockFlags) bool) {
	block, ok := blockOfTopic(topic)
	if !ok {
		return
	}
	if set(e.flags[block]) {
		e.evaluate(e.eventTs(meta), meta, false)
	}
}

func (e *Engine) onDisconnected(ev schema.ConnectionEvent) {
	ts := e.eventTs(ev.Meta)
	e.wsDownSince[ev.Venue] = ts
	for _, streamID := range ev.StreamIDs {
		if e.reg.MarkDegraded(e.symbol, e.market, streamID, true) {
			bus.Publish(e.b, schema.TopicSourceDegraded, schema.SourceStateEvent{
				Meta:     schema.InheritMeta(ev.Meta, "readiness"),
				StreamID: streamID,
				Symbol:   e.symbol,
				Reason:   schema.DegradedWSDisconnected,
			})
		}
	}
	e.evaluate(ts, ev.Meta, false)
}

func (e *Engine) onConnected(ev schema.ConnectionEvent) {
	ts := e.eventTs(ev.Meta)
	if _, down := e.wsDownSince[ev.Venue]; down {
		delete(e.wsDownSince, ev.Venue)
		e.wsReconnect[ev.Venue] = ts
	}
	for _, streamID := range ev.StreamIDs {
		e.stale.Reset(streamID)
		delete(e.staleFlagged, streamID)
		if e.reg.MarkDegraded(e.symbol, e.market, streamID, false) {
			bus.Publish(e.b, schema.TopicSourceRecovered, schema.SourceStateEvent{
				Meta:     schema.InheritMeta(ev.Meta, "readiness"),
				StreamID: streamID,
				Symbol:   e.symbol,
			})
		}
	}
	e.evaluate(ts, ev.Meta, false)
}

func (e *Engine) target(symbol string, market schema.MarketType) bool {
	return e.seeded && symbol == e.symbol && market == e.market
}

func (e *Engine) observeRaw(topic, streamID string, ts schema.TimeMS) {
	e.reg.Observe(e.symbol, e.market, streamID, ts, false)
	e.stale.Observe(topic, streamID, ts)
}

func (e *Engine) eventTs(meta schema.Meta) schema.TimeMS {
	if meta.TsEvent != 0 {
		return meta.TsEvent
	}
	return schema.TimeFromStd(e.now())
}

// rollBucket closes the readiness bucket when the ticker heartbeat crosses a
// label boundary, then clears the per-bucket quality flags.
func (e *Engine) rollBucket(ts schema.TimeMS, meta schema.Meta) {
	label := schema.BucketLabel(ts, e.cfg.BucketMs)
	if e.bucketTs == 0 {
		e.bucketTs = label
		return
	}
	if label <= e.bucketTs {
		return
	}
	e.evaluate(ts, meta, true)
	for _, f := range e.flags {
		*f = blockFlags{}
	}
	e.bucketTs = label
}

// wsDegraded reports whether any venue is down, or reconnected too recently
// for the reflow to be trusted.
func (e *Engine) wsDegraded(ts schema.TimeMS) bool {
	if len(e.wsDownSince) > 0 {
		return true
	}
	for venue, reconnectTs := range e.wsReconnect {
		if int64(ts)-int64(reconnectTs) < e.cfg.WSRecoveryWindowMs {
			return true
		}
		delete(e.wsReconnect, venue)
	}
	return false
}

// blockFreshness resolves fresh and stale-dropped source counts for a block
// at ts, using the block's staleness rule for the cutoff. Sources crossing
// the cutoff raise a single data:stale event until they recover.
func (e *Engine) blockFreshness(block schema.Block, ts schema.TimeMS, meta schema.Meta) (fresh, staleDropped, expected, missing int) {
	topic := blockTopic(block)
	threshold := int64(defaultStaleMs)
	if rule, ok := e.policy.Match(topic, e.symbol, e.market); ok && rule.StaleThresholdMs > 0 {
		threshold = rule.StaleThresholdMs
	}
	cutoff := schema.TimeMS(int64(ts) - threshold)
	e.flagStaleSources(block, topic, threshold, cutoff, ts, meta)

	expected = e.reg.ExpectedCount(block, e.market)
	if expected > 0 {
		missing = len(e.reg.MissingStreams(e.symbol, e.market, block, cutoff))
		fresh = expected - missing
		return fresh, staleDropped, expected, missing
	}
	for _, info := range e.reg.Sources(e.symbol, e.market) {
		if info.Aggregated {
			continue
		}
		ch := streamChannel(info.StreamID)
		b, ok := registry.BlockOf(ch)
		if !ok || b != block {
			continue
		}
		if info.LastSeen >= cutoff {
			fresh++
		} else {
			staleDropped++
		}
	}
	return fresh, staleDropped, expected, missing
}

func (e *Engine) flagStaleSources(block schema.Block, topic string, threshold int64, cutoff, ts schema.TimeMS, meta schema.Meta) {
	for _, info := range e.reg.Sources(e.symbol, e.market) {
		if info.Aggregated {
			continue
		}
		ch := streamChannel(info.StreamID)
		if b, ok := registry.BlockOf(ch); !ok || b != block {
			continue
		}
		if info.LastSeen >= cutoff {
			delete(e.staleFlagged, info.StreamID)
			continue
		}
		if e.staleFlagged[info.StreamID] {
			continue
		}
		e.staleFlagged[info.StreamID] = true
		bus.Publish(e.b, schema.TopicStale, schema.StaleEvent{
			Meta:        schema.InheritMeta(meta, "readiness"),
			Topic:       topic,
			Symbol:      e.symbol,
			MarketType:  e.market,
			StreamID:    info.StreamID,
			AgeMs:       int64(ts) - int64(info.LastSeen),
			ThresholdMs: threshold,
		})
	}
}

// evaluate scores every block, derives the status, and emits it when the
// bucket closed or the status materially changed.
func (e *Engine) evaluate(ts schema.TimeMS, meta schema.Meta, bucketClose bool) {
	if !e.seeded {
		return
	}

	elapsed := int64(ts) - int64(e.firstEventTs)
	if e.firstEventTs == 0 {
		elapsed = 0
	}
	warmingUp := elapsed < e.cfg.WarmupMs
	progress := clamp01(float64(elapsed) / float64(e.cfg.WarmupMs))

	var scores schema.BlockScores
	sourcesMissing := false
	mismatch := false
	seqBroken := false
	for _, block := range schema.Blocks {
		fresh, staleDropped, expected, missing := e.blockFreshness(block, ts, meta)
		if expected > 0 && missing > 0 {
			sourcesMissing = true
		}
		flags := e.flags[block]
		mismatch = mismatch || flags.mismatch
		seqBroken = seqBroken || flags.seqBroken

		score, penalties := scoreBlock(blockInputs{
			fresh:        fresh,
			staleDropped: staleDropped,
			expected:     expected,
			mismatch:     flags.mismatch,
			gap:          flags.gap,
			seqBroken:    flags.seqBroken,
			lag:          flags.lag,
			outlier:      flags.outlier,
		}, capsFor(e.cfg.SourceCaps, block, e.market))
		scores.Set(block, score)

		bus.Publish(e.b, schema.TopicConfidence, schema.ConfidenceEvent{
			Meta:       schema.InheritMeta(meta, "readiness"),
			Symbol:     e.symbol,
			MarketType: e.market,
			Block:      block,
			Score:      score,
			Penalties:  penalties,
		})
	}

	priceTopic := schema.TopicPriceCanonical.Name()
	priceStale, _, _ := e.stale.Check(priceTopic, e.symbol, priceTopic, e.market, ts)

	var reasons []string
	if e.wsDegraded(ts) {
		reasons = append(reasons, schema.DegradedWSDisconnected)
	}
	if priceStale {
		reasons = append(reasons, schema.DegradedPriceStale)
	}
	if mismatch {
		reasons = append(reasons, schema.DegradedMismatchDetected)
	}
	if sourcesMissing && !warmingUp {
		reasons = append(reasons, schema.DegradedSourcesMissing)
	}
	if e.flowLowConf {
		reasons = append(reasons, schema.DegradedFlowLowConf)
	}
	if seqBroken {
		reasons = append(reasons, schema.DegradedSeqBroken)
	}
	var warnings []string
	if e.join.misaligned() {
		warnings = append(warnings, schema.WarningPriceBucketMismatch)
	}

	expectedRaw := 0
	for _, block := range schema.Blocks {
		expectedRaw += e.reg.ExpectedCount(block, e.market)
	}

	status := schema.MarketDataStatus{
		Meta:              schema.InheritMeta(meta, "readiness"),
		Symbol:            e.symbol,
		MarketType:        e.market,
		OverallConfidence: scores.Min(),
		BlockConfidence:   scores,
		Degraded:          len(reasons) > 0,
		DegradedReasons:   reasons,
		Warnings:          warnings,
		WarmingUp:         warmingUp,
		WarmingProgress:   progress,
		WarmingWindowMs:   e.cfg.WarmupMs,
		ActiveSources:     e.reg.Counts(e.symbol, e.market),
		ExpectedSources:   schema.SourceCounts{Agg: expectedAggFeeds, Raw: expectedRaw},
		LastBucketTs:      e.bucketTs,
	}

	if !bucketClose && e.haveStatus && !statusChanged(e.lastStatus, status) {
		return
	}
	e.lastStatus = status
	e.haveStatus = true
	e.statusEmitted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("degraded", status.Degraded)))
	e.overallHist.Record(context.Background(), status.OverallConfidence)
	bus.Publish(e.b, schema.TopicMarketDataStatus, status)
}

// statusChanged compares the fields that gate downstream behavior. Pure
// confidence drift inside a bucket does not re-emit.
func statusChanged(prev, next schema.MarketDataStatus) bool {
	if prev.Degraded != next.Degraded || prev.WarmingUp != next.WarmingUp {
		return true
	}
	if !equalStrings(prev.DegradedReasons, next.DegradedReasons) {
		return true
	}
	return !equalStrings(prev.Warnings, next.Warnings)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// hasOutlier reports whether any venue contribution deviates from the fused
// value by more than thresholdPct.
func hasOutlier(breakdown map[string]float64, fused, thresholdPct float64) bool {
	if fused == 0 || len(breakdown) < 2 {
		return false
	}
	for _, v := range breakdown {
		dev := (v - fused) / fused * 100
		if dev < 0 {
			dev = -dev
		}
		if dev > thresholdPct {
			return true
		}
	}
	return false
}

// blockTopic is the representative topic a block's staleness rule is keyed
// by.
func blockTopic(block schema.Block) string {
	switch block {
	case schema.BlockPrice:
		return schema.TopicTicker.Name()
	case schema.BlockFlow:
		return schema.TopicTrade.Name()
	case schema.BlockLiquidity:
		return schema.TopicOrderbookDelta.Name()
	default:
		return schema.TopicOI.Name()
	}
}

// blockOfTopic maps a quality event's topic to the block it degrades.
func blockOfTopic(topic string) (schema.Block, bool) {
	switch topic {
	case schema.TopicTicker.Name():
		return schema.BlockPrice, true
	case schema.TopicTrade.Name():
		return schema.BlockFlow, true
	case schema.TopicOrderbookDelta.Name(), schema.TopicOrderbookSnapshot.Name():
		return schema.BlockLiquidity, true
	case schema.TopicOI.Name(), schema.TopicFunding.Name(), schema.TopicLiquidation.Name():
		return schema.BlockDerivatives, true
	}
	return "", false
}

// streamChannel extracts the channel segment of <venue>:<market>:<channel>.
func streamChannel(streamID string) schema.Channel {
	for i := len(streamID) - 1; i >= 0; i-- {
		if streamID[i] == ':' {
			return schema.Channel(streamID[i+1:])
		}
	}
	return ""
}
