// Package features derives per-symbol analytics from the normalized market
// flow: a tick-path rolling feature vector and a candle-path indicator chain.
package features

import (
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
)

// TickerConfig tunes the tick-path engine.
type TickerConfig struct {
	SMAPeriod          int
	WindowSize         int
	VolatilityWindow   int
	MomentumPeriod     int
	MinEmitIntervalMs  int64
	MaxTicksBeforeEmit int
}

func (c *TickerConfig) normalize() {
	if c.SMAPeriod <= 1 {
		c.SMAPeriod = 20
	}
	if c.WindowSize < c.SMAPeriod {
		c.WindowSize = c.SMAPeriod
	}
	if c.VolatilityWindow <= 1 {
		c.VolatilityWindow = c.SMAPeriod
	}
}

type tickerState struct {
	prices       []float64
	returns      []float64
	lastPrice    float64
	sampleCount  int
	ticksSince   int
	lastEmitTs   schema.TimeMS
	readyEmitted bool
}

// TickerEngine computes rolling features per symbol from the ticker stream
// and emits them on analytics:features under a dual throttle: a minimum
// interval or a maximum tick count, whichever fires first.
type TickerEngine struct {
	cfg     TickerConfig
	log     zerolog.Logger
	b       *bus.Bus
	now     clock.Now
	states  map[string]*tickerState
	subs    []bus.Subscription
	started bool
}

// NewTickerEngine builds the engine.
func NewTickerEngine(b *bus.Bus, cfg TickerConfig, now clock.Now, log zerolog.Logger) *TickerEngine {
	cfg.normalize()
	if now == nil {
		now = clock.System()
	}
	return &TickerEngine{
		cfg:    cfg,
		log:    log.With().Str("component", "ticker_features").Logger(),
		b:      b,
		now:    now,
		states: make(map[string]*tickerState),
	}
}

// Start subscribes the engine.
func (e *TickerEngine) Start() error {
	if e.started {
		return errs.New("ticker_features", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	e.started = true
	e.subs = append(e.subs, bus.Subscribe(e.b, schema.TopicTicker, e.onTicker))
	return nil
}

// Stop unsubscribes and drops all state.
func (e *TickerEngine) Stop() {
	if !e.started {
		return
	}
	e.started = false
	for _, sub := range e.subs {
		sub.Cancel()
	}
	e.subs = nil
	e.states = make(map[string]*tickerState)
}

func (e *TickerEngine) onTicker(ev schema.TickerEvent) {
	if !ev.MarketType.Known() {
		return
	}
	price := ev.Last
	if price <= 0 {
		price = ev.Mark
	}
	if price <= 0 {
		price = ev.Index
	}
	if price <= 0 {
		return
	}
	ts := ev.Meta.TsEvent
	if ts == 0 {
		ts = schema.TimeFromStd(e.now())
	}

	st, ok := e.states[ev.Symbol]
	if !ok {
		st = &tickerState{}
		e.states[ev.Symbol] = st
	}

	var return1 *float64
	if st.lastPrice > 0 {
		r := (price - st.lastPrice) / st.lastPrice
		return1 = &r
		st.returns = appendBounded(st.returns, r, e.cfg.VolatilityWindow)
	}
	st.lastPrice = price
	st.prices = appendBounded(st.prices, price, e.cfg.WindowSize)
	st.sampleCount++
	st.ticksSince++

	ready := st.sampleCount >= e.cfg.SMAPeriod
	if ready && !st.readyEmitted {
		st.readyEmitted = true
		bus.Publish(e.b, schema.TopicReady, schema.ReadyEvent{
			Meta:       schema.InheritMeta(ev.Meta, "ticker_features"),
			Symbol:     ev.Symbol,
			MarketType: ev.MarketType,
			Reason:     schema.ReadyTickerWarmup,
		})
	}

	if !e.shouldEmit(st, ts) {
		return
	}
	st.lastEmitTs = ts
	st.ticksSince = 0

	out := schema.FeatureSet{
		Meta:          schema.InheritMeta(ev.Meta, "ticker_features"),
		Symbol:        ev.Symbol,
		MarketType:    ev.MarketType,
		Price:         price,
		Return1:       return1,
		SMAPeriod:     e.cfg.SMAPeriod,
		SampleCount:   st.sampleCount,
		FeaturesReady: ready,
	}
	if ready {
		sma := stat.Mean(st.prices[len(st.prices)-e.cfg.SMAPeriod:], nil)
		out.SMA = &sma
		if sma != 0 {
			momentum := (price - sma) / sma
			out.Momentum = &momentum
		}
	}
	if len(st.returns) >= 2 {
		vol := stat.StdDev(st.returns, nil)
		out.Volatility = &vol
	}
	bus.Publish(e.b, schema.TopicFeatures, out)
}

// shouldEmit applies the dual throttle. The first tick for a symbol always
// emits.
func (e *TickerEngine) shouldEmit(st *tickerState, ts schema.TimeMS) bool {
	if st.lastEmitTs == 0 {
		return true
	}
	if e.cfg.MaxTicksBeforeEmit > 0 && st.ticksSince >= e.cfg.MaxTicksBeforeEmit {
		return true
	}
	return int64(ts)-int64(st.lastEmitTs) >= e.cfg.MinEmitIntervalMs
}

func appendBounded(window []float64, v float64, max int) []float64 {
	window = append(window, v)
	if max > 0 && len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}
