package aggregate

import (
	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
)

type liqKey struct {
	symbol string
	market schema.MarketType
}

// liqBucket tallies one open bucket of forced liquidations.
type liqBucket struct {
	label        schema.TimeMS
	count        int
	notional     float64
	buyCount     int
	sellCount    int
	buyNotional  float64
	sellNotional float64
	// notional contribution per stream, for the breakdown.
	byStream map[string]float64
}

type liqState struct {
	bucket   liqBucket
	lastMeta schema.Meta
}

// Liquidations tallies forced liquidations per bucket with a taker-side
// split. Venue sizes are normalized to notional where the venue does not
// report it directly.
type Liquidations struct {
	cfg     Config
	log     zerolog.Logger
	b       *bus.Bus
	now     clock.Now
	states  map[liqKey]*liqState
	subs    []bus.Subscription
	started bool
}

// NewLiquidations builds the aggregator.
func NewLiquidations(b *bus.Bus, cfg Config, now clock.Now, log zerolog.Logger) *Liquidations {
	if now == nil {
		now = clock.System()
	}
	if cfg.LiquidationsWindowMs <= 0 {
		cfg.LiquidationsWindowMs = 60_000
	}
	return &Liquidations{
		cfg:    cfg,
		log:    log.With().Str("component", "liquidations_agg").Logger(),
		b:      b,
		now:    now,
		states: make(map[liqKey]*liqState),
	}
}

// Start subscribes the aggregator.
func (a *Liquidations) Start() error {
	if a.started {
		return errs.New("liquidations_agg", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	a.started = true
	a.subs = append(a.subs, bus.Subscribe(a.b, schema.TopicLiquidation, a.onLiquidation))
	return nil
}

// Stop unsubscribes and drops all state.
func (a *Liquidations) Stop() {
	if !a.started {
		return
	}
	a.started = false
	for _, sub := range a.subs {
		sub.Cancel()
	}
	a.subs = nil
	a.states = make(map[liqKey]*liqState)
}

func (a *Liquidations) onLiquidation(e schema.LiquidationEvent) {
	if !e.MarketType.Known() || e.StreamID == "" {
		return
	}
	ts := e.Meta.TsEvent
	if ts == 0 {
		ts = schema.TimeFromStd(a.now())
	}

	key := liqKey{symbol: e.Symbol, market: e.MarketType}
	st, ok := a.states[key]
	if !ok {
		st = &liqState{bucket: newLiqBucket(schema.BucketLabel(ts, a.cfg.LiquidationsWindowMs))}
		a.states[key] = st
	}

	label := schema.BucketLabel(ts, a.cfg.LiquidationsWindowMs)
	if label > st.bucket.label {
		a.closeBucket(key, st)
		st.bucket = newLiqBucket(label)
	}

	notional := a.notional(e)
	st.bucket.count++
	st.bucket.notional += notional
	st.bucket.byStream[e.StreamID] += notional
	if e.Side == schema.SideSell {
		st.bucket.sellCount++
		st.bucket.sellNotional += notional
	} else {
		st.bucket.buyCount++
		st.bucket.buyNotional += notional
	}
	st.lastMeta = e.Meta
}

func newLiqBucket(label schema.TimeMS) liqBucket {
	return liqBucket{label: label, byStream: make(map[string]float64)}
}

// notional resolves the USD size of a liquidation: venue-reported notional
// first, then price×size for base units, then contract conversion through
// the per-stream unit multiplier.
func (a *Liquidations) notional(e schema.LiquidationEvent) float64 {
	if e.Notional > 0 {
		return e.Notional
	}
	size := e.Size * a.cfg.MultiplierFor(e.StreamID)
	switch e.Unit {
	case schema.OIUnitUSD:
		return size
	default:
		return e.Price * size
	}
}

func (a *Liquidations) closeBucket(key liqKey, st *liqState) {
	closed := st.bucket
	if closed.count == 0 {
		return
	}
	weights := make(map[string]float64, len(closed.byStream))
	for stream := range closed.byStream {
		weights[stream] = a.cfg.WeightFor(stream)
	}
	bus.Publish(a.b, schema.TopicLiquidationsAgg, schema.LiquidationsAggregate{
		AggregateCore: newCore("liquidations_agg", key.symbol, key.market, st.lastMeta,
			closed.byStream, weights, nil, false, baseConfidence(len(closed.byStream), 0), nil),
		BucketTs:     closed.label,
		BucketEndTs:  closed.label + schema.TimeMS(a.cfg.LiquidationsWindowMs),
		Count:        closed.count,
		Notional:     closed.notional,
		BuyCount:     closed.buyCount,
		SellCount:    closed.sellCount,
		BuyNotional:  closed.buyNotional,
		SellNotional: closed.sellNotional,
	})
}
