package aggregate

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/quality"
	"github.com/tidemill/weir/internal/schema"
)

type oiKey struct {
	symbol string
	market schema.MarketType
}

type oiState struct {
	values *sourceSet
	// streams whose latest reading could not be converted to base units,
	// keyed by stream with the recorded exclusion reason.
	suppressed map[string]string
	// last emitted mismatch posture, so the data:mismatch snapshot fires on
	// transitions rather than on every reading.
	lastSuppressed bool
	lastDetected   bool
	lastEmitTs     schema.TimeMS
}

type cachedPrice struct {
	price float64
	ts    schema.TimeMS
}

// OpenInterest fuses per-venue open interest into base units. Contract
// readings convert through the venue contract size, USD readings through the
// fresh canonical price; anything else is excluded as non-comparable rather
// than guessed at.
type OpenInterest struct {
	cfg      Config
	log      zerolog.Logger
	b        *bus.Bus
	now      clock.Now
	mismatch *quality.MismatchDetector
	states   map[oiKey]*oiState
	prices   map[oiKey]cachedPrice
	subs     []bus.Subscription
	started  bool
}

// NewOpenInterest builds the aggregator.
func NewOpenInterest(b *bus.Bus, cfg Config, now clock.Now, log zerolog.Logger) *OpenInterest {
	if now == nil {
		now = clock.System()
	}
	return &OpenInterest{
		cfg: cfg,
		log: log.With().Str("component", "oi_agg").Logger(),
		b:   b,
		now: now,
		mismatch: quality.NewMismatchDetector(quality.MismatchConfig{
			Baseline:     cfg.OIBaseline,
			ThresholdPct: cfg.MismatchThresholdPct,
			MinSources:   cfg.MismatchMinSources,
		}),
		states: make(map[oiKey]*oiState),
		prices: make(map[oiKey]cachedPrice),
	}
}

// Start subscribes the aggregator.
func (a *OpenInterest) Start() error {
	if a.started {
		return errs.New("oi_agg", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	a.started = true
	a.subs = append(a.subs,
		bus.Subscribe(a.b, schema.TopicOI, a.onOI),
		bus.Subscribe(a.b, schema.TopicPriceCanonical, a.onPrice),
	)
	return nil
}

// Stop unsubscribes and drops all state.
func (a *OpenInterest) Stop() {
	if !a.started {
		return
	}
	a.started = false
	for _, sub := range a.subs {
		sub.Cancel()
	}
	a.subs = nil
	a.states = make(map[oiKey]*oiState)
	a.prices = make(map[oiKey]cachedPrice)
}

func (a *OpenInterest) onPrice(e schema.CanonicalPriceEvent) {
	if e.Price <= 0 {
		return
	}
	a.prices[oiKey{symbol: e.Symbol, market: e.MarketType}] = cachedPrice{
		price: e.Price,
		ts:    e.Meta.TsEvent,
	}
}

func (a *OpenInterest) onOI(e schema.OpenInterestEvent) {
	if !e.MarketType.Known() || e.StreamID == "" {
		return
	}
	key := oiKey{symbol: e.Symbol, market: e.MarketType}
	st, ok := a.states[key]
	if !ok {
		st = &oiState{
			values:     newSourceSet(a.cfg.OITTLMs),
			suppressed: make(map[string]string),
		}
		a.states[key] = st
	}
	ts := e.Meta.TsEvent
	if ts == 0 {
		ts = schema.TimeFromStd(a.now())
	}

	base, reason := a.toBase(key, e, ts)
	if reason != "" {
		st.values.drop(e.StreamID)
		st.suppressed[e.StreamID] = reason
	} else {
		delete(st.suppressed, e.StreamID)
		st.values.put(e.StreamID, base*a.cfg.MultiplierFor(e.StreamID), ts)
	}

	a.emit(key, st, e.Meta, ts)
}

// toBase converts a reading to base units, or names why it cannot be.
func (a *OpenInterest) toBase(key oiKey, e schema.OpenInterestEvent, ts schema.TimeMS) (float64, string) {
	switch e.Unit {
	case schema.OIUnitBase:
		return e.Value, ""
	case schema.OIUnitContracts:
		if e.ContractSize > 0 {
			return e.Value * e.ContractSize, ""
		}
		return 0, "NON_COMPARABLE(contracts)"
	case schema.OIUnitUSD:
		cached, ok := a.prices[key]
		if ok && cached.price > 0 &&
			(a.cfg.PriceTTLMs <= 0 || int64(ts)-int64(cached.ts) <= a.cfg.PriceTTLMs) {
			return e.Value / cached.price, ""
		}
		return 0, "NON_COMPARABLE(usd)"
	default:
		return 0, "NON_COMPARABLE(" + string(e.Unit) + ")"
	}
}

func (a *OpenInterest) emit(key oiKey, st *oiState, meta schema.Meta, ts schema.TimeMS) {
	if a.cfg.MinEmitIntervalMs > 0 && st.lastEmitTs != 0 &&
		int64(ts)-int64(st.lastEmitTs) < a.cfg.MinEmitIntervalMs {
		return
	}
	values, stale := st.values.fresh(ts)
	if len(values) == 0 && len(st.suppressed) == 0 {
		return
	}
	st.lastEmitTs = ts

	suppressReason := ""
	if len(st.suppressed) > 0 {
		suppressReason = "NO_COMPARABLE_UNIT"
	}
	result := a.mismatch.Compare(values, suppressReason)
	a.publishMismatch(key, st, meta, result)

	confidence := baseConfidence(len(values), len(stale))
	var explain []string
	if result.Detected() {
		confidence *= 0.7
		explain = append(explain, "mismatch")
	}
	if len(st.suppressed) > 0 {
		explain = append(explain, "suppressed:"+suppressReason)
	}

	value, weights := fuse(values, a.cfg.WeightFor)
	bus.Publish(a.b, schema.TopicOIAgg, schema.OIAggregate{
		AggregateCore: newCore("oi_agg", key.symbol, key.market, meta,
			values, weights, stale, result.Detected(), confidence, explain),
		Value:              value,
		Unit:               schema.OIUnitBase,
		Baseline:           result.Baseline,
		Suppressed:         st.suppressedList(),
		MismatchSuppressed: result.Suppressed,
		SuppressionReason:  result.Reason,
	})
}

// publishMismatch emits the data:mismatch snapshot only when the posture
// changes, so a persistently incomparable source set produces one entry.
func (a *OpenInterest) publishMismatch(key oiKey, st *oiState, meta schema.Meta,
	result quality.MismatchResult) {
	detected := result.Detected()
	if result.Suppressed == st.lastSuppressed && detected == st.lastDetected && !detected {
		return
	}
	st.lastSuppressed = result.Suppressed
	st.lastDetected = detected

	count := len(result.Outliers)
	outliers := result.Outliers
	if result.Suppressed {
		count = 0
		outliers = nil
	}
	bus.Publish(a.b, schema.TopicMismatch, schema.MismatchEvent{
		Meta:              schema.InheritMeta(meta, "oi_agg"),
		Symbol:            key.symbol,
		MarketType:        key.market,
		Metric:            "oi",
		Baseline:          result.Baseline,
		BaselineValue:     result.BaselineValue,
		Values:            outliers,
		DeviationPct:      result.DeviationPct,
		MismatchCount:     count,
		Suppressed:        result.Suppressed,
		SuppressionReason: result.Reason,
	})
}

func (st *oiState) suppressedList() []schema.SuppressedSource {
	if len(st.suppressed) == 0 {
		return nil
	}
	streams := make([]string, 0, len(st.suppressed))
	for stream := range st.suppressed {
		streams = append(streams, stream)
	}
	sort.Strings(streams)
	out := make([]schema.SuppressedSource, 0, len(streams))
	for _, stream := range streams {
		out = append(out, schema.SuppressedSource{Source: stream, Reason: st.suppressed[stream]})
	}
	return out
}
