package features

import (
	"math"

	talib "github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/schema"
)

// KlineConfig tunes the candle-path indicator chain.
type KlineConfig struct {
	EMAFast     int
	EMASlow     int
	RSIPeriod   int
	ATRPeriod   int
	SlopeWindow int
}

func (c *KlineConfig) normalize() {
	if c.EMAFast <= 0 {
		c.EMAFast = 12
	}
	if c.EMASlow <= c.EMAFast {
		c.EMASlow = c.EMAFast * 2
	}
	if c.RSIPeriod <= 1 {
		c.RSIPeriod = 14
	}
	if c.ATRPeriod <= 1 {
		c.ATRPeriod = 14
	}
	if c.SlopeWindow <= 1 {
		c.SlopeWindow = 5
	}
}

// warmupCandles is the closed-candle count after which every indicator in
// the chain carries a defined value.
func (c KlineConfig) warmupCandles() int {
	n := c.EMASlow
	if v := c.RSIPeriod + 1; v > n {
		n = v
	}
	if v := c.ATRPeriod + 1; v > n {
		n = v
	}
	return n
}

type klineKey struct {
	symbol string
	tf     string
}

type klineState struct {
	emaFast      emaChain
	emaSlow      emaChain
	rsi          rsiChain
	atr          atrChain
	slowHistory  []float64
	prevClose    float64
	sampleCount  int
	seeded       bool
	readyEmitted bool
}

// KlineEngine maintains the incremental EMA/RSI/ATR chain per (symbol, tf)
// from closed candles, optionally seeded from a REST bootstrap so warmup
// does not wait for a full live window.
type KlineEngine struct {
	cfg     KlineConfig
	log     zerolog.Logger
	b       *bus.Bus
	states  map[klineKey]*klineState
	subs    []bus.Subscription
	started bool
}

// NewKlineEngine builds the engine.
func NewKlineEngine(b *bus.Bus, cfg KlineConfig, log zerolog.Logger) *KlineEngine {
	cfg.normalize()
	return &KlineEngine{
		cfg:    cfg,
		log:    log.With().Str("component", "kline_features").Logger(),
		b:      b,
		states: make(map[klineKey]*klineState),
	}
}

// Start subscribes the engine.
func (e *KlineEngine) Start() error {
	if e.started {
		return errs.New("kline_features", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	e.started = true
	e.subs = append(e.subs,
		bus.Subscribe(e.b, schema.TopicKline, e.onKline),
		bus.Subscribe(e.b, schema.TopicKlineBootstrap, e.onBootstrap),
	)
	return nil
}

// Stop unsubscribes and drops all state.
func (e *KlineEngine) Stop() {
	if !e.started {
		return
	}
	e.started = false
	for _, sub := range e.subs {
		sub.Cancel()
	}
	e.subs = nil
	e.states = make(map[klineKey]*klineState)
}

// onBootstrap seeds the smoothing chains from a historical candle array.
// Live candles that already advanced the chain win over a late bootstrap.
func (e *KlineEngine) onBootstrap(ev schema.KlineBootstrap) {
	if len(ev.Klines) == 0 {
		return
	}
	key := klineKey{symbol: ev.Symbol, tf: ev.Timeframe}
	st, ok := e.states[key]
	if !ok {
		st = e.newState()
		e.states[key] = st
	}
	if st.seeded || st.sampleCount > 0 {
		e.log.Debug().Str("symbol", ev.Symbol).Str("tf", ev.Timeframe).
			Msg("bootstrap ignored, chain already live")
		return
	}

	highs := make([]float64, len(ev.Klines))
	lows := make([]float64, len(ev.Klines))
	closes := make([]float64, len(ev.Klines))
	for i, k := range ev.Klines {
		highs[i] = k.High
		lows[i] = k.Low
		closes[i] = k.Close
	}

	// talib produces the whole series; the tail values seed the incremental
	// chains so live updates continue the same smoothing lineage.
	if len(closes) >= e.cfg.EMAFast {
		st.emaFast.seed(tail(talib.Ema(closes, e.cfg.EMAFast)))
	}
	if len(closes) >= e.cfg.EMASlow {
		slow := talib.Ema(closes, e.cfg.EMASlow)
		st.emaSlow.seed(tail(slow))
		from := len(slow) - e.cfg.SlopeWindow
		if from < e.cfg.EMASlow-1 {
			from = e.cfg.EMASlow - 1
		}
		st.slowHistory = append(st.slowHistory[:0], slow[from:]...)
	}
	if len(closes) > e.cfg.RSIPeriod {
		st.rsi.seedFromSeries(closes)
	}
	if len(closes) > e.cfg.ATRPeriod {
		st.atr.seed(tail(talib.Atr(highs, lows, closes, e.cfg.ATRPeriod)))
	}
	st.prevClose = closes[len(closes)-1]
	st.sampleCount = len(closes)
	st.seeded = true
	e.log.Info().Str("symbol", ev.Symbol).Str("tf", ev.Timeframe).
		Int("candles", len(closes)).Msg("indicator chain seeded from bootstrap")

	e.maybeReady(key, st, ev.Meta, ev.MarketType)
}

func (e *KlineEngine) onKline(ev schema.KlineEvent) {
	if !ev.MarketType.Known() || !ev.Closed {
		return
	}
	key := klineKey{symbol: ev.Symbol, tf: ev.Timeframe}
	st, ok := e.states[key]
	if !ok {
		st = e.newState()
		e.states[key] = st
	}

	st.emaFast.update(ev.Close)
	st.emaSlow.update(ev.Close)
	st.rsi.update(ev.Close)
	st.atr.update(ev.High, ev.Low, st.prevClose)
	if slow, ok := st.emaSlow.value(); ok {
		st.slowHistory = appendBounded(st.slowHistory, slow, e.cfg.SlopeWindow)
	}
	st.prevClose = ev.Close
	st.sampleCount++

	warmed := st.sampleCount >= e.cfg.warmupCandles()
	out := schema.KlineFeatures{
		Meta:        schema.InheritMeta(ev.Meta, "kline_features"),
		Symbol:      ev.Symbol,
		MarketType:  ev.MarketType,
		Timeframe:   ev.Timeframe,
		Close:       ev.Close,
		WarmedUp:    warmed,
		SampleCount: st.sampleCount,
		ClosedTs:    ev.EndTs,
	}
	if v, ok := st.emaFast.value(); ok {
		out.EMAFast = &v
	}
	if v, ok := st.emaSlow.value(); ok {
		out.EMASlow = &v
	}
	if slope, ok := st.slope(); ok {
		out.EMASlowSlope = &slope
	}
	if v, ok := st.rsi.value(); ok {
		out.RSI = &v
	}
	if v, ok := st.atr.value(); ok {
		out.ATR = &v
		if ev.Close != 0 {
			pct := v / ev.Close * 100
			out.ATRPct = &pct
		}
	}
	bus.Publish(e.b, schema.TopicKlineFeatures, out)

	e.maybeReady(key, st, ev.Meta, ev.MarketType)
}

func (e *KlineEngine) maybeReady(key klineKey, st *klineState, meta schema.Meta, market schema.MarketType) {
	if st.readyEmitted || st.sampleCount < e.cfg.warmupCandles() {
		return
	}
	st.readyEmitted = true
	bus.Publish(e.b, schema.TopicReady, schema.ReadyEvent{
		Meta:       schema.InheritMeta(meta, "kline_features"),
		Symbol:     key.symbol,
		MarketType: market,
		Reason:     schema.ReadyKlineWarmup,
		Timeframe:  key.tf,
	})
}

func (e *KlineEngine) newState() *klineState {
	return &klineState{
		emaFast: emaChain{period: e.cfg.EMAFast},
		emaSlow: emaChain{period: e.cfg.EMASlow},
		rsi:     rsiChain{period: e.cfg.RSIPeriod},
		atr:     atrChain{period: e.cfg.ATRPeriod},
	}
}

// slope is the average per-candle change of the slow EMA over the window.
func (st *klineState) slope() (float64, bool) {
	n := len(st.slowHistory)
	if n < 2 {
		return 0, false
	}
	return (st.slowHistory[n-1] - st.slowHistory[0]) / float64(n-1), true
}

func tail(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// emaChain is an incremental EMA: SMA over the first period closes, then
// the standard recursive form.
type emaChain struct {
	period  int
	samples int
	sum     float64
	ema     float64
	live    bool
}

func (c *emaChain) seed(v float64) {
	c.ema = v
	c.live = true
	c.samples = c.period
}

func (c *emaChain) update(close float64) {
	c.samples++
	if !c.live {
		c.sum += close
		if c.samples < c.period {
			return
		}
		c.ema = c.sum / float64(c.period)
		c.live = true
		return
	}
	k := 2.0 / float64(c.period+1)
	c.ema += k * (close - c.ema)
}

func (c *emaChain) value() (float64, bool) { return c.ema, c.live }

// rsiChain is an incremental Wilder RSI.
type rsiChain struct {
	period    int
	samples   int
	prevClose float64
	gainSum   float64
	lossSum   float64
	avgGain   float64
	avgLoss   float64
	live      bool
}

// seedFromSeries replays a close series through the Wilder recurrence, which
// is equivalent to talib.Rsi's smoothing for the same inputs.
func (c *rsiChain) seedFromSeries(closes []float64) {
	for _, close := range closes {
		c.update(close)
	}
}

func (c *rsiChain) update(close float64) {
	if c.samples == 0 {
		c.prevClose = close
		c.samples = 1
		return
	}
	change := close - c.prevClose
	c.prevClose = close
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}
	c.samples++

	if !c.live {
		c.gainSum += gain
		c.lossSum += loss
		if c.samples < c.period+1 {
			return
		}
		c.avgGain = c.gainSum / float64(c.period)
		c.avgLoss = c.lossSum / float64(c.period)
		c.live = true
		return
	}
	n := float64(c.period)
	c.avgGain = (c.avgGain*(n-1) + gain) / n
	c.avgLoss = (c.avgLoss*(n-1) + loss) / n
}

func (c *rsiChain) value() (float64, bool) {
	if !c.live {
		return 0, false
	}
	if c.avgLoss == 0 {
		return 100, true
	}
	rs := c.avgGain / c.avgLoss
	return 100 - 100/(1+rs), true
}

// atrChain is an incremental Wilder ATR over true ranges.
type atrChain struct {
	period  int
	samples int
	trSum   float64
	atr     float64
	live    bool
}

func (c *atrChain) seed(v float64) {
	c.atr = v
	c.live = true
	c.samples = c.period + 1
}

func (c *atrChain) update(high, low, prevClose float64) {
	// The first candle has no previous close and no true range.
	if c.samples == 0 && prevClose == 0 {
		c.samples = 1
		return
	}
	tr := high - low
	if prevClose != 0 {
		if v := math.Abs(high - prevClose); v > tr {
			tr = v
		}
		if v := math.Abs(low - prevClose); v > tr {
			tr = v
		}
	}
	c.samples++

	if !c.live {
		c.trSum += tr
		if c.samples < c.period+1 {
			return
		}
		c.atr = c.trSum / float64(c.period)
		c.live = true
		return
	}
	n := float64(c.period)
	c.atr = (c.atr*(n-1) + tr) / n
}

func (c *atrChain) value() (float64, bool) { return c.atr, c.live }
