package okx

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
	"github.com/tidemill/weir/internal/venues"
)

const (
	subscribeChunk   = 10
	pingInterval     = 20 * time.Second
	defaultBookDepth = 400
	keySep           = "|"
)

// Config wires one OKX client to a market surface.
type Config struct {
	Market              schema.MarketType
	WSURL               string
	RESTURL             string
	HandshakeTimeoutMs  int64
	HTTPTimeoutMs       int64
	ReconnectMaxMs      int64
	SubscribeRatePerSec float64
	SubscribeBurst      int
	OrderbookDepth      int
	Timeframes          []string
}

func (c *Config) normalize() {
	if c.OrderbookDepth <= 0 {
		c.OrderbookDepth = defaultBookDepth
	}
	if len(c.Timeframes) == 0 {
		c.Timeframes = []string{"1m"}
	}
}

// Client is the OKX v5 transport for one market type. Pushes are decoded and
// normalized on the dispatcher goroutine. Book recovery re-subscribes the
// books channel; the venue replies with a fresh snapshot push.
type Client struct {
	cfg  Config
	log  zerolog.Logger
	disp *bus.Dispatcher
	now  clock.Now
	ws   *venues.WSManager
	rest *venues.RESTClient
	norm *Normalizer

	mu          sync.Mutex
	channels    map[schema.Channel]struct{}
	bookSymbols map[string]struct{}

	runCtx context.Context
}

// NewClient builds an OKX transport. Connect dials; nothing runs before.
func NewClient(cfg Config, disp *bus.Dispatcher, now clock.Now, log zerolog.Logger) *Client {
	cfg.normalize()
	if now == nil {
		now = clock.System()
	}
	logger := log.With().Str("component", "okx_client").Str("market", string(cfg.Market)).Logger()
	c := &Client{
		cfg:         cfg,
		log:         logger,
		disp:        disp,
		now:         now,
		rest:        venues.NewRESTClient(Venue, cfg.RESTURL, cfg.HTTPTimeoutMs),
		norm:        NewNormalizer(cfg.Market, now, logger),
		channels:    make(map[schema.Channel]struct{}),
		bookSymbols: make(map[string]struct{}),
	}
	c.ws = venues.NewWSManager(venues.WSConfig{
		URL:                 cfg.WSURL,
		HandshakeTimeoutMs:  cfg.HandshakeTimeoutMs,
		ReconnectMaxMs:      cfg.ReconnectMaxMs,
		SubscribeRatePerSec: cfg.SubscribeRatePerSec,
		SubscribeBurst:      cfg.SubscribeBurst,
		PingInterval:        pingInterval,
		PingPayload:         []byte("ping"),
	}, venues.WSHandlers{
		OnFrame:         c.onFrame,
		OnUp:            c.onUp,
		OnDown:          c.onDown,
		EncodeSubscribe: c.encodeSubscribe,
	}, logger)
	return c
}

func (c *Client) Venue() string             { return Venue }
func (c *Client) Market() schema.MarketType { return c.cfg.Market }

// Connect dials the public endpoint and blocks until it is up.
func (c *Client) Connect(ctx context.Context) error {
	c.runCtx = ctx
	return c.ws.Start(ctx)
}

// Disconnect tears the socket down.
func (c *Client) Disconnect(reason string) {
	c.ws.Stop()
	c.log.Info().Str("reason", reason).Msg("disconnected")
}

// Subscribe maps channels to v5 args and issues the subscriptions.
// Liquidations are published per instType, not per instrument.
func (c *Client) Subscribe(ctx context.Context, symbols []string, chans []schema.Channel) error {
	keys := make([]string, 0, len(symbols)*len(chans))
	for _, raw := range symbols {
		id := instID(raw, c.cfg.Market)
		for _, ch := range chans {
			c.mu.Lock()
			c.channels[ch] = struct{}{}
			c.mu.Unlock()
			switch ch {
			case schema.ChannelTrade:
				keys = append(keys, "trades"+keySep+id)
			case schema.ChannelBook:
				keys = append(keys, "books"+keySep+id)
				c.mu.Lock()
				c.bookSymbols[venues.CanonicalSymbol(raw)] = struct{}{}
				c.mu.Unlock()
			case schema.ChannelTicker:
				keys = append(keys, "tickers"+keySep+id)
				if c.cfg.Market == schema.MarketFutures {
					keys = append(keys,
						"mark-price"+keySep+id,
						"index-tickers"+keySep+indexInstID(raw))
				}
			case schema.ChannelKline:
				for _, tf := range c.cfg.Timeframes {
					keys = append(keys, "candle"+bar(tf)+keySep+id)
				}
			case schema.ChannelFunding:
				if c.cfg.Market == schema.MarketFutures {
					keys = append(keys, "funding-rate"+keySep+id)
				}
			case schema.ChannelOI:
				if c.cfg.Market == schema.MarketFutures {
					keys = append(keys, "open-interest"+keySep+id)
				}
			case schema.ChannelLiquidation:
				if c.cfg.Market == schema.MarketFutures {
					keys = append(keys, "liquidation-orders"+keySep+"SWAP")
				}
			}
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return c.ws.Subscribe(ctx, keys)
}

// indexInstID maps a canonical symbol to its index instrument ("BTC-USDT").
func indexInstID(symbol string) string {
	return strings.TrimSuffix(instID(symbol, schema.MarketSpot), "-SWAP")
}

// Resync recovers the books stream for one symbol by re-subscribing the
// channel; the venue answers with a fresh snapshot push. REST books carry no
// sequence ids, so they cannot re-anchor the chain.
func (c *Client) Resync(ctx context.Context, symbol string) error {
	id := instID(symbol, c.cfg.Market)
	arg := map[string]string{"channel": "books", "instId": id}
	unsub, err := json.Marshal(map[string]any{"op": "unsubscribe", "args": []any{arg}})
	if err != nil {
		return err
	}
	sub, err := json.Marshal(map[string]any{"op": "subscribe", "args": []any{arg}})
	if err != nil {
		return err
	}
	if err := c.ws.Send(ctx, unsub); err != nil {
		return err
	}
	if err := c.ws.Send(ctx, sub); err != nil {
		return err
	}
	canonical := venues.CanonicalSymbol(symbol)
	return c.disp.Enqueue(ctx, func() { c.norm.ResetBook(canonical) })
}

// FetchKlines pulls historical candles for one (symbol, tf), oldest first.
func (c *Client) FetchKlines(ctx context.Context, symbol, tf string, limit int) ([]schema.KlineEvent, error) {
	id := instID(symbol, c.cfg.Market)
	query := url.Values{
		"instId": {id},
		"bar":    {bar(tf)},
		"limit":  {strconv.Itoa(limit)},
	}
	data, err := c.restData(ctx, "/api/v5/market/candles", query)
	if err != nil {
		return nil, err
	}
	return c.norm.Candles(id, tf, data, false)
}

// StreamIDs lists the stream identities for the channels subscribed so far.
func (c *Client) StreamIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, schema.BuildStreamID(Venue, c.cfg.Market, ch))
	}
	return out
}

// restData unwraps the v5 REST envelope, surfacing code failures.
func (c *Client) restData(ctx context.Context, path string, query url.Values) ([]byte, error) {
	body, err := c.rest.Get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	var resp wireRESTResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errs.New("okx", errs.CodeTransport, errs.WithMessage("decode rest envelope"), errs.WithCause(err))
	}
	if resp.Code != "0" {
		return nil, errs.New("okx", errs.CodeTransport, errs.WithMessage("rest code "+resp.Code+": "+resp.Msg))
	}
	return resp.Data, nil
}

func (c *Client) encodeSubscribe(keys []string) ([][]byte, error) {
	frames := make([][]byte, 0, (len(keys)+subscribeChunk-1)/subscribeChunk)
	for start := 0; start < len(keys); start += subscribeChunk {
		end := start + subscribeChunk
		if end > len(keys) {
			end = len(keys)
		}
		args := make([]map[string]string, 0, end-start)
		for _, key := range keys[start:end] {
			channel, target, found := strings.Cut(key, keySep)
			if !found {
				continue
			}
			if channel == "liquidation-orders" {
				args = append(args, map[string]string{"channel": channel, "instType": target})
			} else {
				args = append(args, map[string]string{"channel": channel, "instId": target})
			}
		}
		frame, err := json.Marshal(map[string]any{"op": "subscribe", "args": args})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// onFrame routes one push frame. Runs on the read goroutine; decode and
// publish happen on the dispatcher.
func (c *Client) onFrame(data []byte) {
	if len(data) == 4 && string(data) == "pong" {
		return
	}
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	if env.Event != "" {
		if env.Event == "error" {
			c.log.Warn().Str("msg", env.Msg).Msg("subscribe rejected")
		}
		return
	}
	if env.Arg.Channel == "" || len(env.Data) == 0 {
		return
	}
	if err := c.disp.Enqueue(c.runCtx, func() { c.route(env) }); err != nil {
		c.log.Warn().Err(err).Str("channel", env.Arg.Channel).Msg("frame dropped")
	}
}

func (c *Client) route(env wireEnvelope) {
	b := c.disp.Bus()
	channel := env.Arg.Channel
	switch {
	case channel == "trades":
		bus.Publish(b, schema.TopicTradeRaw, c.rawEvent(schema.ChannelTrade, env.Data))
		trades, err := c.norm.Trades(env.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("trades rejected")
			return
		}
		for _, trade := range trades {
			bus.Publish(b, schema.TopicTrade, trade)
		}
	case channel == "books":
		if env.Action == "snapshot" {
			bus.Publish(b, schema.TopicOrderbookSnapshotRaw, c.rawEvent(schema.ChannelBook, env.Data))
			snap, err := c.norm.BookSnapshot(env.Arg.InstID, env.Data)
			if err != nil {
				c.log.Warn().Err(err).Msg("book snapshot rejected")
				return
			}
			bus.Publish(b, schema.TopicOrderbookSnapshot, snap)
			return
		}
		bus.Publish(b, schema.TopicOrderbookDeltaRaw, c.rawEvent(schema.ChannelBook, env.Data))
		delta, resync, err := c.norm.BookDelta(env.Arg.InstID, env.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("book delta rejected")
			return
		}
		bus.Publish(b, schema.TopicOrderbookDelta, delta)
		if resync != nil {
			bus.Publish(b, schema.TopicResyncRequested, *resync)
		}
	case channel == "tickers":
		bus.Publish(b, schema.TopicWSEventRaw, c.rawEvent(schema.ChannelTicker, env.Data))
		ev, err := c.norm.Ticker(env.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("ticker rejected")
			return
		}
		bus.Publish(b, schema.TopicTicker, ev)
	case channel == "mark-price":
		bus.Publish(b, schema.TopicMarkPriceRaw, c.rawEvent(schema.ChannelTicker, env.Data))
		ev, err := c.norm.MarkPrice(env.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("mark price rejected")
			return
		}
		bus.Publish(b, schema.TopicTicker, ev)
	case channel == "index-tickers":
		bus.Publish(b, schema.TopicIndexPriceRaw, c.rawEvent(schema.ChannelTicker, env.Data))
		ev, err := c.norm.IndexTicker(env.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("index ticker rejected")
			return
		}
		bus.Publish(b, schema.TopicTicker, ev)
	case channel == "funding-rate":
		bus.Publish(b, schema.TopicFundingRaw, c.rawEvent(schema.ChannelFunding, env.Data))
		ev, err := c.norm.FundingRate(env.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("funding rate rejected")
			return
		}
		bus.Publish(b, schema.TopicFunding, ev)
	case channel == "open-interest":
		bus.Publish(b, schema.TopicOpenInterestRaw, c.rawEvent(schema.ChannelOI, env.Data))
		ev, err := c.norm.OpenInterest(env.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("open interest rejected")
			return
		}
		bus.Publish(b, schema.TopicOI, ev)
	case channel == "liquidation-orders":
		bus.Publish(b, schema.TopicLiquidationRaw, c.rawEvent(schema.ChannelLiquidation, env.Data))
		events, err := c.norm.Liquidations(env.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("liquidations rejected")
			return
		}
		for _, ev := range events {
			bus.Publish(b, schema.TopicLiquidation, ev)
		}
	case strings.HasPrefix(channel, "candle"):
		bus.Publish(b, schema.TopicCandleRaw, c.rawEvent(schema.ChannelKline, env.Data))
		tf := strings.ToLower(strings.TrimPrefix(channel, "candle"))
		klines, err := c.norm.Candles(env.Arg.InstID, tf, env.Data, true)
		if err != nil {
			c.log.Warn().Err(err).Msg("candles rejected")
			return
		}
		for _, kline := range klines {
			bus.Publish(b, schema.TopicKline, kline)
		}
	}
}

func (c *Client) onUp() {
	c.enqueueConnection(schema.TopicConnected, "")
	// Books snapshots replay automatically after resubscribe; clear stale
	// chains so they anchor cleanly.
	_ = c.disp.Enqueue(c.runCtx, c.norm.ResetAll)
}

func (c *Client) onDown(err error) {
	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	c.enqueueConnection(schema.TopicDisconnected, reason)
}

func (c *Client) enqueueConnection(topic bus.Topic[schema.ConnectionEvent], reason string) {
	ev := schema.ConnectionEvent{
		Meta:       schema.NewMeta(Venue, schema.WithTsIngest(schema.TimeFromStd(c.now()))),
		Venue:      Venue,
		MarketType: c.cfg.Market,
		StreamIDs:  c.StreamIDs(),
		Reason:     reason,
	}
	if err := c.disp.Enqueue(c.runCtx, func() {
		bus.Publish(c.disp.Bus(), topic, ev)
	}); err != nil {
		c.log.Warn().Err(err).Msg("connection event dropped")
	}
}

func (c *Client) rawEvent(ch schema.Channel, payload []byte) schema.RawEvent {
	return schema.RawEvent{
		Meta:       schema.NewMeta(Venue, schema.WithTsIngest(schema.TimeFromStd(c.now())), schema.WithStream(schema.BuildStreamID(Venue, c.cfg.Market, ch))),
		Venue:      Venue,
		Channel:    ch,
		MarketType: c.cfg.Market,
		Payload:    json.RawMessage(payload),
	}
}
