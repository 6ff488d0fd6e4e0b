// Package gateway binds one venue transport to the bus: it answers connect,
// subscribe and disconnect requests addressed to its (venue, marketType),
// coalesces resync requests, and serves kline bootstrap fetches.
package gateway

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
	"github.com/tidemill/weir/internal/venues"
)

const (
	minResyncCooldownMs       = 1_000
	minResyncReasonCooldownMs = 2_000
)

// Config tunes resync coalescing. Floors keep a misconfigured cooldown from
// turning a gap storm into a snapshot storm.
type Config struct {
	ResyncCooldownMs       int64
	ResyncReasonCooldownMs int64
}

func (c *Config) normalize() {
	if c.ResyncCooldownMs < minResyncCooldownMs {
		c.ResyncCooldownMs = minResyncCooldownMs
	}
	if c.ResyncReasonCooldownMs < minResyncReasonCooldownMs {
		c.ResyncReasonCooldownMs = minResyncReasonCooldownMs
	}
}

// Gateway drives one transport. Bus handlers run on the dispatch goroutine;
// transport I/O runs on worker goroutines that report back through the
// dispatcher.
type Gateway struct {
	cfg       Config
	log       zerolog.Logger
	disp      *bus.Dispatcher
	now       clock.Now
	transport venues.Transport

	subs    []bus.Subscription
	started bool
	wg      conc.WaitGroup
	runCtx  context.Context
	cancel  context.CancelFunc

	lastResync       map[string]schema.TimeMS
	lastReasonResync map[string]schema.TimeMS
}

// New builds a gateway for one transport.
func New(cfg Config, transport venues.Transport, disp *bus.Dispatcher, now clock.Now, log zerolog.Logger) *Gateway {
	cfg.normalize()
	if now == nil {
		now = clock.System()
	}
	return &Gateway{
		cfg:  cfg,
		log:  log.With().Str("component", "gateway").Str("venue", transport.Venue()).Str("market", string(transport.Market())).Logger(),
		disp: disp,
		now:  now,
		transport:        transport,
		lastResync:       make(map[string]schema.TimeMS),
		lastReasonResync: make(map[string]schema.TimeMS),
	}
}

// Start subscribes the gateway's request topics. Calling Start twice is an
// error.
func (g *Gateway) Start(ctx context.Context) error {
	if g.started {
		return errs.New("gateway", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	g.started = true
	g.runCtx, g.cancel = context.WithCancel(ctx)
	b := g.disp.Bus()
	g.subs = append(g.subs,
		bus.Subscribe(b, schema.TopicConnect, g.onConnect),
		bus.Subscribe(b, schema.TopicDisconnect, g.onDisconnect),
		bus.Subscribe(b, schema.TopicSubscribe, g.onSubscribe),
		bus.Subscribe(b, schema.TopicResyncRequested, g.onResync),
		bus.Subscribe(b, schema.TopicKlineBootstrapRequested, g.onKlineBootstrap),
	)
	return nil
}

// Stop unsubscribes, waits for in-flight transport calls, and drops the
// connection.
func (g *Gateway) Stop() {
	if !g.started {
		return
	}
	g.started = false
	for _, sub := range g.subs {
		sub.Cancel()
	}
	g.subs = nil
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	g.transport.Disconnect("shutdown")
}

func (g *Gateway) mine(venue string, market schema.MarketType) bool {
	return venue == g.transport.Venue() && market == g.transport.Market()
}

func (g *Gateway) onConnect(req schema.ConnectRequest) {
	if !g.mine(req.Venue, req.MarketType) {
		return
	}
	g.wg.Go(func() {
		if err := g.transport.Connect(g.runCtx); err != nil {
			g.reportError("connect", err)
		}
	})
}

func (g *Gateway) onDisconnect(req schema.DisconnectRequest) {
	if !g.mine(req.Venue, req.MarketType) {
		return
	}
	reason := req.Reason
	g.wg.Go(func() {
		g.transport.Disconnect(reason)
	})
}

func (g *Gateway) onSubscribe(req schema.SubscribeRequest) {
	if !g.mine(req.Venue, req.MarketType) {
		return
	}
	symbols, channels := req.Symbols, req.Channels
	g.wg.Go(func() {
		if err := g.transport.Subscribe(g.runCtx, symbols, channels); err != nil {
			g.reportError("subscribe", err)
		}
	})
}

// onResync coalesces recovery: one resync per symbol per cooldown, and one
// per (symbol, reason) per reason cooldown. Requests landing inside either
// window are dropped.
func (g *Gateway) onResync(req schema.ResyncRequest) {
	if !g.mine(req.Venue, req.MarketType) {
		return
	}
	ts := schema.TimeFromStd(g.now())
	if last, ok := g.lastResync[req.Symbol]; ok && int64(ts-last) < g.cfg.ResyncCooldownMs {
		g.log.Debug().Str("symbol", req.Symbol).Str("reason", req.Reason).Msg("resync coalesced")
		return
	}
	reasonKey := req.Symbol + "|" + req.Reason
	if last, ok := g.lastReasonResync[reasonKey]; ok && int64(ts-last) < g.cfg.ResyncReasonCooldownMs {
		g.log.Debug().Str("symbol", req.Symbol).Str("reason", req.Reason).Msg("resync coalesced by reason")
		return
	}
	g.lastResync[req.Symbol] = ts
	g.lastReasonResync[reasonKey] = ts

	symbol := req.Symbol
	g.log.Info().Str("symbol", symbol).Str("reason", req.Reason).Uint64("lastSeq", uint64(req.LastSeq)).Msg("resyncing")
	g.wg.Go(func() {
		if err := g.transport.Resync(g.runCtx, symbol); err != nil {
			g.reportError("resync", err)
		}
	})
}

func (g *Gateway) onKlineBootstrap(req schema.KlineBootstrapRequest) {
	if !g.mine(req.Venue, req.MarketType) {
		return
	}
	fetcher, ok := g.transport.(venues.KlineFetcher)
	if !ok {
		return
	}
	symbol, tf, limit := req.Symbol, req.Timeframe, req.Limit
	g.wg.Go(func() {
		klines, err := fetcher.FetchKlines(g.runCtx, symbol, tf, limit)
		if err != nil {
			g.reportError("kline_bootstrap", err)
			return
		}
		ev := schema.KlineBootstrap{
			Meta:       schema.NewMeta(g.transport.Venue(), schema.WithTsIngest(schema.TimeFromStd(g.now()))),
			Venue:      g.transport.Venue(),
			MarketType: g.transport.Market(),
			StreamID:   schema.BuildStreamID(g.transport.Venue(), g.transport.Market(), schema.ChannelKline),
			Symbol:     venues.CanonicalSymbol(symbol),
			Timeframe:  tf,
			Klines:     klines,
		}
		_ = g.disp.Enqueue(g.runCtx, func() {
			bus.Publish(g.disp.Bus(), schema.TopicKlineBootstrap, ev)
		})
	})
}

// reportError runs on worker goroutines and hands the error event to the
// dispatcher.
func (g *Gateway) reportError(phase string, err error) {
	g.log.Warn().Err(err).Str("phase", phase).Msg("transport call failed")
	ev := schema.MarketError{
		Meta:       schema.NewMeta(g.transport.Venue(), schema.WithTsIngest(schema.TimeFromStd(g.now()))),
		Venue:      g.transport.Venue(),
		MarketType: g.transport.Market(),
		Phase:      phase,
		Err:        err.Error(),
	}
	_ = g.disp.Enqueue(g.runCtx, func() {
		bus.Publish(g.disp.Bus(), schema.TopicMarketError, ev)
	})
}
