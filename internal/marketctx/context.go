// Package marketctx classifies market regime from the kline feature chain
// and composes the per-symbol analytics view.
package marketctx

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/schema"
)

// Config tunes regime classification and the macro readiness join.
type Config struct {
	// MacroTfs are the timeframes that must all be warmed before the macro
	// view is trusted.
	MacroTfs []string
	// HighVolThreshold is the atrPct at or above which a timeframe reads
	// storm.
	HighVolThreshold float64
}

func (c *Config) normalize() {
	if len(c.MacroTfs) == 0 {
		c.MacroTfs = []string{"1h", "4h", "1d"}
	}
	if c.HighVolThreshold <= 0 {
		c.HighVolThreshold = 2
	}
}

type ctxState struct {
	tickerReady  bool
	readyTfs     map[string]bool
	perTf        map[string]schema.TfRegime
	macroEmitted bool
}

// ContextBuilder joins ticker-path and kline-path readiness and derives the
// per-symbol regime from the macro timeframes.
type ContextBuilder struct {
	cfg     Config
	log     zerolog.Logger
	b       *bus.Bus
	states  map[string]*ctxState
	subs    []bus.Subscription
	started bool
}

// NewContextBuilder builds the component.
func NewContextBuilder(b *bus.Bus, cfg Config, log zerolog.Logger) *ContextBuilder {
	cfg.normalize()
	return &ContextBuilder{
		cfg:    cfg,
		log:    log.With().Str("component", "marketctx").Logger(),
		b:      b,
		states: make(map[string]*ctxState),
	}
}

// Start subscribes the builder.
func (c *ContextBuilder) Start() error {
	if c.started {
		return errs.New("marketctx", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	c.started = true
	c.subs = append(c.subs,
		bus.Subscribe(c.b, schema.TopicReady, c.onReady),
		bus.Subscribe(c.b, schema.TopicKlineFeatures, c.onKlineFeatures),
	)
	return nil
}

// Stop unsubscribes and drops all state.
func (c *ContextBuilder) Stop() {
	if !c.started {
		return
	}
	c.started = false
	for _, sub := range c.subs {
		sub.Cancel()
	}
	c.subs = nil
	c.states = make(map[string]*ctxState)
}

func (c *ContextBuilder) onReady(ev schema.ReadyEvent) {
	st := c.state(ev.Symbol)
	switch ev.Reason {
	case schema.ReadyTickerWarmup:
		st.tickerReady = true
	case schema.ReadyKlineWarmup:
		if ev.Timeframe != "" {
			st.readyTfs[ev.Timeframe] = true
		}
	default:
		return
	}
	c.maybeMacroReady(ev.Symbol, st, ev.Meta, ev.MarketType)
}

func (c *ContextBuilder) onKlineFeatures(ev schema.KlineFeatures) {
	if !ev.WarmedUp || ev.EMAFast == nil || ev.EMASlow == nil {
		return
	}
	st := c.state(ev.Symbol)

	tf := schema.TfRegime{
		Timeframe: ev.Timeframe,
		EMAFast:   *ev.EMAFast,
		EMASlow:   *ev.EMASlow,
	}
	if ev.EMASlowSlope != nil {
		tf.Slope = *ev.EMASlowSlope
	}
	if ev.ATRPct != nil {
		tf.ATRPct = *ev.ATRPct
	}
	tf.Regime = c.classify(tf)
	st.perTf[ev.Timeframe] = tf

	c.emitContext(ev.Symbol, st, ev.Meta, ev.MarketType)
}

// classify applies the per-timeframe regime rules.
func (c *ContextBuilder) classify(tf schema.TfRegime) schema.RegimeV2 {
	switch {
	case tf.ATRPct >= c.cfg.HighVolThreshold:
		return schema.RegimeStorm
	case tf.EMAFast > tf.EMASlow && tf.Slope > 0:
		return schema.RegimeTrendBull
	case tf.EMAFast < tf.EMASlow && tf.Slope < 0:
		return schema.RegimeTrendBear
	default:
		return schema.RegimeCalmRange
	}
}

// macroRegime fuses the macro timeframes: storm dominates, trends must be
// unanimous, anything mixed reads calm_range.
func (c *ContextBuilder) macroRegime(st *ctxState) (schema.RegimeV2, bool) {
	bulls, bears, seen := 0, 0, 0
	for _, tfName := range c.cfg.MacroTfs {
		tf, ok := st.perTf[tfName]
		if !ok {
			continue
		}
		seen++
		switch tf.Regime {
		case schema.RegimeStorm:
			return schema.RegimeStorm, true
		case schema.RegimeTrendBull:
			bulls++
		case schema.RegimeTrendBear:
			bears++
		}
	}
	if seen == 0 {
		return schema.RegimeCalmRange, false
	}
	switch {
	case bulls == seen:
		return schema.RegimeTrendBull, true
	case bears == seen:
		return schema.RegimeTrendBear, true
	default:
		return schema.RegimeCalmRange, true
	}
}

func (c *ContextBuilder) emitContext(symbol string, st *ctxState, meta schema.Meta, market schema.MarketType) {
	regimeV2, known := c.macroRegime(st)
	regime := schema.RegimeUnknown
	if known {
		regime = schema.RegimeCalm
		if regimeV2 == schema.RegimeStorm {
			regime = schema.RegimeVolatile
		}
	}
	bus.Publish(c.b, schema.TopicContext, schema.MarketContext{
		Meta:       schema.InheritMeta(meta, "marketctx"),
		Symbol:     symbol,
		MarketType: market,
		Regime:     regime,
		RegimeV2:   regimeV2,
		PerTf:      st.perTfSorted(),
		ReadyTfs:   st.sortedReadyTfs(),
		MacroReady: st.macroEmitted,
	})
}

// maybeMacroReady fires the one-shot macro milestone once the ticker path
// and every macro timeframe are warmed.
func (c *ContextBuilder) maybeMacroReady(symbol string, st *ctxState, meta schema.Meta, market schema.MarketType) {
	if st.macroEmitted || !st.tickerReady {
		return
	}
	for _, tf := range c.cfg.MacroTfs {
		if !st.readyTfs[tf] {
			return
		}
	}
	st.macroEmitted = true
	bus.Publish(c.b, schema.TopicReady, schema.ReadyEvent{
		Meta:       schema.InheritMeta(meta, "marketctx"),
		Symbol:     symbol,
		MarketType: market,
		Reason:     schema.ReadyMacroWarmup,
		ReadyTfs:   st.sortedReadyTfs(),
	})
}

func (c *ContextBuilder) state(symbol string) *ctxState {
	st, ok := c.states[symbol]
	if !ok {
		st = &ctxState{
			readyTfs: make(map[string]bool),
			perTf:    make(map[string]schema.TfRegime),
		}
		c.states[symbol] = st
	}
	return st
}

func (st *ctxState) sortedReadyTfs() []string {
	if len(st.readyTfs) == 0 {
		return nil
	}
	out := make([]string, 0, len(st.readyTfs))
	for tf := range st.readyTfs {
		out = append(out, tf)
	}
	sort.Strings(out)
	return out
}

func (st *ctxState) perTfSorted() []schema.TfRegime {
	if len(st.perTf) == 0 {
		return nil
	}
	out := make([]schema.TfRegime, 0, len(st.perTf))
	for _, tf := range st.perTf {
		out = append(out, tf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timeframe < out[j].Timeframe })
	return out
}
