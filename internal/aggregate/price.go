package aggregate

import (
	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/quality"
	"github.com/tidemill/weir/internal/schema"
)

// priceKey scopes canonical price state per traded market.
type priceKey struct {
	symbol string
	market schema.MarketType
}

type priceState struct {
	index      *sourceSet
	mark       *sourceSet
	last       *sourceSet
	lastEmitTs schema.TimeMS
}

// CanonicalPrice fuses per-venue tickers into the single cross-venue USD
// reference per symbol, preferring index over mark over last. Each
// downgrade reduces confidence and is recorded in the explain trail.
type CanonicalPrice struct {
	cfg      Config
	log      zerolog.Logger
	b        *bus.Bus
	now      clock.Now
	mismatch *quality.MismatchDetector
	states   map[priceKey]*priceState
	subs     []bus.Subscription
	started  bool
}

// NewCanonicalPrice builds the aggregator.
func NewCanonicalPrice(b *bus.Bus, cfg Config, now clock.Now, log zerolog.Logger) *CanonicalPrice {
	if now == nil {
		now = clock.System()
	}
	return &CanonicalPrice{
		cfg: cfg,
		log: log.With().Str("component", "price_agg").Logger(),
		b:   b,
		now: now,
		mismatch: quality.NewMismatchDetector(quality.MismatchConfig{
			Baseline:     "median",
			ThresholdPct: cfg.MismatchThresholdPct,
			MinSources:   cfg.MismatchMinSources,
		}),
		states: make(map[priceKey]*priceState),
	}
}

// Start subscribes the aggregator.
func (a *CanonicalPrice) Start() error {
	if a.started {
		return errs.New("price_agg", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	a.started = true
	a.subs = append(a.subs, bus.Subscribe(a.b, schema.TopicTicker, a.onTicker))
	return nil
}

// Stop unsubscribes and drops all state.
func (a *CanonicalPrice) Stop() {
	if !a.started {
		return
	}
	a.started = false
	for _, sub := range a.subs {
		sub.Cancel()
	}
	a.subs = nil
	a.states = make(map[priceKey]*priceState)
}

func (a *CanonicalPrice) onTicker(e schema.TickerEvent) {
	if !e.MarketType.Known() || e.StreamID == "" {
		return
	}
	st := a.state(priceKey{symbol: e.Symbol, market: e.MarketType})
	ts := e.Meta.TsEvent
	if ts == 0 {
		ts = schema.TimeFromStd(a.now())
	}
	if e.Index > 0 {
		st.index.put(e.StreamID, e.Index, ts)
	}
	if e.Mark > 0 {
		st.mark.put(e.StreamID, e.Mark, ts)
	}
	if e.Last > 0 {
		st.last.put(e.StreamID, e.Last, ts)
	}
	a.emit(e, st, ts)
}

// emit evaluates the fallback chain at ts and publishes the canonical
// price, throttled per symbol by the configured minimum interval.
func (a *CanonicalPrice) emit(e schema.TickerEvent, st *priceState, ts schema.TimeMS) {
	if a.cfg.MinEmitIntervalMs > 0 && st.lastEmitTs != 0 &&
		int64(ts)-int64(st.lastEmitTs) < a.cfg.MinEmitIntervalMs {
		return
	}

	priceType := schema.PriceIndex
	var fallback schema.FallbackReason
	var explain []string
	confidence := 1.0

	values, stale := st.index.fresh(ts)
	if len(values) == 0 {
		if len(stale) > 0 {
			fallback = schema.FallbackIndexStale
		} else {
			fallback = schema.FallbackNoIndex
		}
		explain = append(explain, "fallback:"+string(fallback))
		confidence *= 0.85
		priceType = schema.PriceMark

		var markStale []string
		values, markStale = st.mark.fresh(ts)
		stale = append(stale, markStale...)
		if len(values) == 0 {
			if len(markStale) > 0 {
				fallback = schema.FallbackMarkStale
			} else {
				fallback = schema.FallbackNoMark
			}
			explain = append(explain, "fallback:"+string(fallback))
			confidence *= 0.85
			priceType = schema.PriceLast

			var lastStale []string
			values, lastStale = st.last.fresh(ts)
			stale = append(stale, lastStale...)
			if len(values) == 0 {
				return
			}
		}
	}

	confidence *= baseConfidence(len(values), len(stale))

	result := a.mismatch.Compare(values, "")
	if result.Detected() {
		confidence *= 0.7
		explain = append(explain, "mismatch")
		bus.Publish(a.b, schema.TopicMismatch, schema.MismatchEvent{
			Meta:          schema.InheritMeta(e.Meta, "price_agg"),
			Symbol:        e.Symbol,
			MarketType:    e.MarketType,
			Metric:        "price",
			Baseline:      result.Baseline,
			BaselineValue: result.BaselineValue,
			Values:        result.Outliers,
			DeviationPct:  result.DeviationPct,
			MismatchCount: len(result.Outliers),
		})
	}

	price, weights := fuse(values, a.cfg.WeightFor)
	out := schema.CanonicalPriceEvent{
		AggregateCore: newCore("price_agg", e.Symbol, e.MarketType, e.Meta,
			values, weights, stale, result.Detected(), confidence, explain),
		Price:          price,
		PriceTypeUsed:  priceType,
		FallbackReason: fallback,
	}
	st.lastEmitTs = ts

	if priceType == schema.PriceIndex {
		bus.Publish(a.b, schema.TopicPriceIndex, out)
	}
	bus.Publish(a.b, schema.TopicPriceCanonical, out)
}

func (a *CanonicalPrice) state(key priceKey) *priceState {
	st, ok := a.states[key]
	if !ok {
		st = &priceState{
			index: newSourceSet(a.cfg.PriceTTLMs),
			mark:  newSourceSet(a.cfg.PriceTTLMs),
			last:  newSourceSet(a.cfg.PriceTTLMs),
		}
		a.states[key] = st
	}
	return st
}
