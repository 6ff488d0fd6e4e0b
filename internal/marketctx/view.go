package marketctx

import (
	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/schema"
)

type viewKey struct {
	symbol string
	market schema.MarketType
}

// ViewBuilder composes the latest aggregates and context per market into
// analytics:market_view, and mirrors regime decisions onto their own topics
// whenever the context moves.
type ViewBuilder struct {
	log     zerolog.Logger
	b       *bus.Bus
	views   map[viewKey]*schema.MarketView
	subs    []bus.Subscription
	started bool
}

// NewViewBuilder builds the component.
func NewViewBuilder(b *bus.Bus, log zerolog.Logger) *ViewBuilder {
	return &ViewBuilder{
		log:   log.With().Str("component", "market_view").Logger(),
		b:     b,
		views: make(map[viewKey]*schema.MarketView),
	}
}

// Start subscribes the builder.
func (v *ViewBuilder) Start() error {
	if v.started {
		return errs.New("market_view", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	v.started = true
	v.subs = append(v.subs,
		bus.Subscribe(v.b, schema.TopicPriceCanonical, v.onPrice),
		bus.Subscribe(v.b, schema.TopicLiquidityAgg, v.onLiquidity),
		bus.Subscribe(v.b, schema.TopicFlow, v.onFlow),
		bus.Subscribe(v.b, schema.TopicOIAgg, v.onOI),
		bus.Subscribe(v.b, schema.TopicFundingAgg, v.onFunding),
		bus.Subscribe(v.b, schema.TopicLiquidationsAgg, v.onLiquidations),
		bus.Subscribe(v.b, schema.TopicContext, v.onContext),
	)
	return nil
}

// Stop unsubscribes and drops all views.
func (v *ViewBuilder) Stop() {
	if !v.started {
		return
	}
	v.started = false
	for _, sub := range v.subs {
		sub.Cancel()
	}
	v.subs = nil
	v.views = make(map[viewKey]*schema.MarketView)
}

func (v *ViewBuilder) onPrice(e schema.CanonicalPriceEvent) {
	view := v.view(e.Symbol, e.MarketType)
	price := e
	view.Price = &price
	v.emit(view, e.Meta)
}

func (v *ViewBuilder) onLiquidity(e schema.LiquidityAggregate) {
	view := v.view(e.Symbol, e.MarketType)
	liq := e
	view.Liquidity = &liq
	v.emit(view, e.Meta)
}

func (v *ViewBuilder) onFlow(e schema.FlowSnapshot) {
	view := v.view(e.Symbol, e.MarketType)
	flow := e
	view.Flow = &flow
	v.emit(view, e.Meta)
}

func (v *ViewBuilder) onOI(e schema.OIAggregate) {
	view := v.view(e.Symbol, e.MarketType)
	oi := e
	view.OpenInterest = &oi
	v.emit(view, e.Meta)
}

func (v *ViewBuilder) onFunding(e schema.FundingAggregate) {
	view := v.view(e.Symbol, e.MarketType)
	funding := e
	view.Funding = &funding
	v.emit(view, e.Meta)
}

func (v *ViewBuilder) onLiquidations(e schema.LiquidationsAggregate) {
	view := v.view(e.Symbol, e.MarketType)
	liq := e
	view.Liquidations = &liq
	v.emit(view, e.Meta)
}

func (v *ViewBuilder) onContext(e schema.MarketContext) {
	view := v.view(e.Symbol, e.MarketType)
	ctx := e
	view.Context = &ctx
	v.emit(view, e.Meta)

	bus.Publish(v.b, schema.TopicRegime, schema.RegimeEvent{
		Meta:       schema.InheritMeta(e.Meta, "market_view"),
		Symbol:     e.Symbol,
		MarketType: e.MarketType,
		Regime:     e.Regime,
		RegimeV2:   e.RegimeV2,
	})
	bus.Publish(v.b, schema.TopicRegimeExplain, schema.RegimeExplain{
		Meta:       schema.InheritMeta(e.Meta, "market_view"),
		Symbol:     e.Symbol,
		MarketType: e.MarketType,
		RegimeV2:   e.RegimeV2,
		Reasons:    regimeReasons(e),
		PerTf:      e.PerTf,
	})
}

func (v *ViewBuilder) emit(view *schema.MarketView, meta schema.Meta) {
	out := *view
	out.Meta = schema.InheritMeta(meta, "market_view")
	bus.Publish(v.b, schema.TopicMarketView, out)
}

func (v *ViewBuilder) view(symbol string, market schema.MarketType) *schema.MarketView {
	key := viewKey{symbol: symbol, market: market}
	view, ok := v.views[key]
	if !ok {
		view = &schema.MarketView{Symbol: symbol, MarketType: market}
		v.views[key] = view
	}
	return view
}

// regimeReasons renders the per-timeframe evidence behind a regime call.
func regimeReasons(e schema.MarketContext) []string {
	var out []string
	for _, tf := range e.PerTf {
		out = append(out, tf.Timeframe+":"+string(tf.Regime))
	}
	return out
}
