package aggregate

import (
	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
)

type cvdKey struct {
	symbol string
	market schema.MarketType
}

// cvdBucket accumulates one open bucket of signed flow.
type cvdBucket struct {
	label      schema.TimeMS
	delta      float64
	buyVolume  float64
	sellVolume float64
	volume     float64
	notional   float64
}

type cvdState struct {
	// cumulative signed total per venue stream, after sign override and
	// unit multiplier.
	cums       map[string]float64
	bucket     cvdBucket
	lastEmitTs schema.TimeMS
	lastMeta   schema.Meta
}

// CVD maintains the cumulative volume delta per (symbol, marketType): trades
// are signed by taker side, adjusted per stream, summed per bucket and
// across the run. Continuous updates flow per trade; bucket closes produce
// the *_agg series, the traded-volume aggregate and the flow snapshot.
type CVD struct {
	cfg     Config
	log     zerolog.Logger
	b       *bus.Bus
	now     clock.Now
	states  map[cvdKey]*cvdState
	subs    []bus.Subscription
	started bool
}

// NewCVD builds the aggregator.
func NewCVD(b *bus.Bus, cfg Config, now clock.Now, log zerolog.Logger) *CVD {
	if now == nil {
		now = clock.System()
	}
	if cfg.CVDBucketMs <= 0 {
		cfg.CVDBucketMs = 60_000
	}
	return &CVD{
		cfg:    cfg,
		log:    log.With().Str("component", "cvd_agg").Logger(),
		b:      b,
		now:    now,
		states: make(map[cvdKey]*cvdState),
	}
}

// Start subscribes the aggregator.
func (a *CVD) Start() error {
	if a.started {
		return errs.New("cvd_agg", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	a.started = true
	a.subs = append(a.subs, bus.Subscribe(a.b, schema.TopicTrade, a.onTrade))
	return nil
}

// Stop unsubscribes and drops all state.
func (a *CVD) Stop() {
	if !a.started {
		return
	}
	a.started = false
	for _, sub := range a.subs {
		sub.Cancel()
	}
	a.subs = nil
	a.states = make(map[cvdKey]*cvdState)
}

func (a *CVD) onTrade(e schema.TradeEvent) {
	if !e.MarketType.Known() || e.StreamID == "" || e.Size <= 0 {
		return
	}
	ts := e.TradeTs
	if ts == 0 {
		ts = e.Meta.TsEvent
	}
	if ts == 0 {
		ts = schema.TimeFromStd(a.now())
	}

	signed := e.Size * a.cfg.MultiplierFor(e.StreamID) * a.cfg.SignFor(e.StreamID)
	if e.Side == schema.SideSell {
		signed = -signed
	}

	key := cvdKey{symbol: e.Symbol, market: e.MarketType}
	st, ok := a.states[key]
	if !ok {
		st = &cvdState{
			cums:   make(map[string]float64),
			bucket: cvdBucket{label: schema.BucketLabel(ts, a.cfg.CVDBucketMs)},
		}
		a.states[key] = st
	}

	label := schema.BucketLabel(ts, a.cfg.CVDBucketMs)
	if label > st.bucket.label {
		a.closeBucket(key, st)
		st.bucket = cvdBucket{label: label}
	}

	st.cums[e.StreamID] += signed
	st.bucket.delta += signed
	st.bucket.volume += e.Size
	st.bucket.notional += e.Price * e.Size
	if e.Side == schema.SideSell {
		st.bucket.sellVolume += e.Size
	} else {
		st.bucket.buyVolume += e.Size
	}
	st.lastMeta = e.Meta

	if a.cfg.CVDDebug {
		a.log.Debug().Str("stream", e.StreamID).Str("symbol", e.Symbol).
			Float64("signed", signed).Float64("cum", st.cums[e.StreamID]).
			Msg("cvd update")
	}

	if a.cfg.MinEmitIntervalMs > 0 && st.lastEmitTs != 0 &&
		int64(ts)-int64(st.lastEmitTs) < a.cfg.MinEmitIntervalMs {
		return
	}
	st.lastEmitTs = ts
	a.emitContinuous(key, st)
}

// emitContinuous publishes the live per-market CVD stream.
func (a *CVD) emitContinuous(key cvdKey, st *cvdState) {
	out := a.snapshot(key, st, st.bucket)
	switch key.market {
	case schema.MarketSpot:
		bus.Publish(a.b, schema.TopicCVDSpot, out)
	case schema.MarketFutures:
		bus.Publish(a.b, schema.TopicCVDFutures, out)
	}
}

// closeBucket publishes the bucketed aggregates for the bucket just ended:
// the per-market *_agg series, the combined cvd_agg, the traded-volume
// aggregate, and the flow snapshot readiness consumes.
func (a *CVD) closeBucket(key cvdKey, st *cvdState) {
	closed := st.bucket
	out := a.snapshot(key, st, closed)
	switch key.market {
	case schema.MarketSpot:
		bus.Publish(a.b, schema.TopicCVDSpotAgg, out)
	case schema.MarketFutures:
		bus.Publish(a.b, schema.TopicCVDFuturesAgg, out)
	}
	bus.Publish(a.b, schema.TopicCVDAgg, a.combined(key, st, closed))

	bus.Publish(a.b, schema.TopicVolumeAgg, schema.VolumeAggregate{
		AggregateCore: out.AggregateCore,
		BucketTs:      closed.label,
		BucketEndTs:   closed.label + schema.TimeMS(a.cfg.CVDBucketMs),
		Volume:        closed.volume,
		Notional:      closed.notional,
	})

	imbalance := 0.0
	if total := closed.buyVolume + closed.sellVolume; total > 0 {
		imbalance = (closed.buyVolume - closed.sellVolume) / total
	}
	bus.Publish(a.b, schema.TopicFlow, schema.FlowSnapshot{
		Meta:           schema.InheritMeta(st.lastMeta, "cvd_agg"),
		Symbol:         key.symbol,
		MarketType:     key.market,
		BucketTs:       closed.label,
		BucketEndTs:    closed.label + schema.TimeMS(a.cfg.CVDBucketMs),
		CVDDelta:       closed.delta,
		BuyVolume:      closed.buyVolume,
		SellVolume:     closed.sellVolume,
		TradeImbalance: imbalance,
		Confidence:     out.ConfidenceScore,
	})
}

// snapshot renders the current state as a CVD aggregate. The fused value is
// the SUM of per-stream cumulative totals: with sign overrides in play the
// venues deliberately cancel, so a weighted mean would hide the net flow.
func (a *CVD) snapshot(key cvdKey, st *cvdState, bucket cvdBucket) schema.CVDAggregate {
	breakdown := make(map[string]float64, len(st.cums))
	weights := make(map[string]float64, len(st.cums))
	total := 0.0
	for stream, cum := range st.cums {
		breakdown[stream] = cum
		weights[stream] = a.cfg.WeightFor(stream)
		total += cum
	}
	return schema.CVDAggregate{
		AggregateCore: newCore("cvd_agg", key.symbol, key.market, st.lastMeta,
			breakdown, weights, nil, false, baseConfidence(len(breakdown), 0), nil),
		BucketTs:    bucket.label,
		BucketEndTs: bucket.label + schema.TimeMS(a.cfg.CVDBucketMs),
		Delta:       bucket.delta,
		Cumulative:  total,
	}
}

// combined merges spot and futures cumulative flow for the symbol into one
// cross-market view, labelled with the closing market's bucket.
func (a *CVD) combined(key cvdKey, st *cvdState, bucket cvdBucket) schema.CVDAggregate {
	breakdown := make(map[string]float64)
	weights := make(map[string]float64)
	total := 0.0
	for k, other := range a.states {
		if k.symbol != key.symbol {
			continue
		}
		for stream, cum := range other.cums {
			breakdown[stream] = cum
			weights[stream] = a.cfg.WeightFor(stream)
			total += cum
		}
	}
	return schema.CVDAggregate{
		AggregateCore: newCore("cvd_agg", key.symbol, key.market, st.lastMeta,
			breakdown, weights, nil, false, baseConfidence(len(breakdown), 0), nil),
		BucketTs:    bucket.label,
		BucketEndTs: bucket.label + schema.TimeMS(a.cfg.CVDBucketMs),
		Delta:       bucket.delta,
		Cumulative:  total,
	}
}
