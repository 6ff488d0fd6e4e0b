package aggregate

import (
	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
)

type fundingKey struct {
	symbol string
	market schema.MarketType
}

type fundingState struct {
	rates      *sourceSet
	lastEmitTs schema.TimeMS
}

// Funding fuses per-venue funding rates into the weighted mean across fresh
// sources.
type Funding struct {
	cfg     Config
	log     zerolog.Logger
	b       *bus.Bus
	now     clock.Now
	states  map[fundingKey]*fundingState
	subs    []bus.Subscription
	started bool
}

// NewFunding builds the aggregator.
func NewFunding(b *bus.Bus, cfg Config, now clock.Now, log zerolog.Logger) *Funding {
	if now == nil {
		now = clock.System()
	}
	return &Funding{
		cfg:    cfg,
		log:    log.With().Str("component", "funding_agg").Logger(),
		b:      b,
		now:    now,
		states: make(map[fundingKey]*fundingState),
	}
}

// Start subscribes the aggregator.
func (a *Funding) Start() error {
	if a.started {
		return errs.New("funding_agg", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	a.started = true
	a.subs = append(a.subs, bus.Subscribe(a.b, schema.TopicFunding, a.onFunding))
	return nil
}

// Stop unsubscribes and drops all state.
func (a *Funding) Stop() {
	if !a.started {
		return
	}
	a.started = false
	for _, sub := range a.subs {
		sub.Cancel()
	}
	a.subs = nil
	a.states = make(map[fundingKey]*fundingState)
}

func (a *Funding) onFunding(e schema.FundingRateEvent) {
	if !e.MarketType.Known() || e.StreamID == "" {
		return
	}
	key := fundingKey{symbol: e.Symbol, market: e.MarketType}
	st, ok := a.states[key]
	if !ok {
		st = &fundingState{rates: newSourceSet(a.cfg.FundingTTLMs)}
		a.states[key] = st
	}

	// Funding events from REST polls can arrive without venue timestamps;
	// local ingest time stands in so freshness still works.
	ts := e.Meta.TsEvent
	if ts == 0 {
		ts = e.Meta.TsIngest
	}
	if ts == 0 {
		ts = schema.TimeFromStd(a.now())
	}
	st.rates.put(e.StreamID, e.Rate*a.cfg.MultiplierFor(e.StreamID), ts)

	if a.cfg.MinEmitIntervalMs > 0 && st.lastEmitTs != 0 &&
		int64(ts)-int64(st.lastEmitTs) < a.cfg.MinEmitIntervalMs {
		return
	}

	values, stale := st.rates.fresh(ts)
	if len(values) == 0 {
		return
	}
	st.lastEmitTs = ts

	rate, weights := fuse(values, a.cfg.WeightFor)
	bus.Publish(a.b, schema.TopicFundingAgg, schema.FundingAggregate{
		AggregateCore: newCore("funding_agg", key.symbol, key.market, e.Meta,
			values, weights, stale, false, baseConfidence(len(values), len(stale)), nil),
		Rate: rate,
	})
}
