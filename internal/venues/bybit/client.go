package bybit

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
	defaultBookDepth = 50
)

// Config wires one Bybit client to a market surface.
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

// Client is the Bybit v5 transport for one market type. Pushes are decoded
// and normalized on the dispatcher goroutine.
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

// NewClient builds a Bybit transport. Connect dials; nothing runs before.
func NewClient(cfg Config, disp *bus.Dispatcher, now clock.Now, log zerolog.Logger) *Client {
	cfg.normalize()
	if now == nil {
		now = clock.System()
	}
	logger := log.With().Str("component", "bybit_client").Str("market", string(cfg.Market)).Logger()
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
		PingPayload:         []byte(`{"op":"ping"}`),
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

// Connect dials the public stream and blocks until it is up.
func (c *Client) Connect(ctx context.Context) error {
	c.runCtx = ctx
	return c.ws.Start(ctx)
}

// Disconnect tears the socket down.
func (c *Client) Disconnect(reason string) {
	c.ws.Stop()
	c.log.Info().Str("reason", reason).Msg("disconnected")
}

// Subscribe maps channels to v5 topics and issues the subscriptions. Funding
// and open interest ride the tickers topic on linear; there is no separate
// stream to subscribe.
func (c *Client) Subscribe(ctx context.Context, symbols []string, chans []schema.Channel) error {
	keys := make([]string, 0, len(symbols)*len(chans))
	for _, raw := range symbols {
		sym := venues.CanonicalSymbol(raw)
		for _, ch := range chans {
			c.mu.Lock()
			c.channels[ch] = struct{}{}
			c.mu.Unlock()
			switch ch {
			case schema.ChannelTrade:
				keys = append(keys, "publicTrade."+sym)
			case schema.ChannelBook:
				keys = append(keys, "orderbook."+strconv.Itoa(c.cfg.OrderbookDepth)+"."+sym)
				c.mu.Lock()
				c.bookSymbols[sym] = struct{}{}
				c.mu.Unlock()
			case schema.ChannelTicker, schema.ChannelFunding, schema.ChannelOI:
				keys = append(keys, "tickers."+sym)
			case schema.ChannelKline:
				for _, tf := range c.cfg.Timeframes {
					iv, ok := tfToInterval[tf]
					if !ok {
						c.log.Warn().Str("tf", tf).Msg("timeframe not supported")
						continue
					}
					keys = append(keys, "kline."+iv+"."+sym)
				}
			case schema.ChannelLiquidation:
				if c.cfg.Market == schema.MarketFutures {
					keys = append(keys, "liquidation."+sym)
				}
			}
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return c.ws.Subscribe(ctx, keys)
}

// Resync re-anchors the orderbook for one symbol from the REST book.
func (c *Client) Resync(ctx context.Context, symbol string) error {
	symbol = venues.CanonicalSymbol(symbol)
	query := url.Values{
		"category": {c.category()},
		"symbol":   {symbol},
		"limit":    {strconv.Itoa(c.cfg.OrderbookDepth)},
	}
	result, err := c.restResult(ctx, "/v5/market/orderbook", query)
	if err != nil {
		return err
	}
	return c.disp.Enqueue(ctx, func() {
		snap, err := c.norm.RestBook(result)
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("rest book rejected")
			return
		}
		bus.Publish(c.disp.Bus(), schema.TopicOrderbookSnapshotRaw, c.rawEvent(schema.ChannelBook, result))
		bus.Publish(c.disp.Bus(), schema.TopicOrderbookSnapshot, snap)
	})
}

// FetchKlines pulls historical candles for one (symbol, tf), oldest first.
func (c *Client) FetchKlines(ctx context.Context, symbol, tf string, limit int) ([]schema.KlineEvent, error) {
	iv, ok := tfToInterval[tf]
	if !ok {
		return nil, errs.New("bybit", errs.CodeConfig, errs.WithMessage("timeframe not supported: "+tf))
	}
	query := url.Values{
		"category": {c.category()},
		"symbol":   {venues.CanonicalSymbol(symbol)},
		"interval": {iv},
		"limit":    {strconv.Itoa(limit)},
	}
	result, err := c.restResult(ctx, "/v5/market/kline", query)
	if err != nil {
		return nil, err
	}
	return c.norm.RestKlines(symbol, tf, result)
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

func (c *Client) category() string {
	if c.cfg.Market == schema.MarketFutures {
		return "linear"
	}
	return "spot"
}

// restResult unwraps the v5 REST envelope, surfacing retCode failures.
func (c *Client) restResult(ctx context.Context, path string, query url.Values) ([]byte, error) {
	body, err := c.rest.Get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	var resp wireRESTResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errs.New("bybit", errs.CodeTransport, errs.WithMessage("decode rest envelope"), errs.WithCause(err))
	}
	if resp.RetCode != 0 {
		return nil, errs.New("bybit", errs.CodeTransport, errs.WithMessage("rest retCode "+strconv.Itoa(resp.RetCode)+": "+resp.RetMsg))
	}
	return resp.Result, nil
}

func (c *Client) encodeSubscribe(keys []string) ([][]byte, error) {
	frames := make([][]byte, 0, (len(keys)+subscribeChunk-1)/subscribeChunk)
	for start := 0; start < len(keys); start += subscribeChunk {
		end := start + subscribeChunk
		if end > len(keys) {
			end = len(keys)
		}
		frame, err := json.Marshal(map[string]any{
			"op":   "subscribe",
			"args": keys[start:end],
		})
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
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	if env.Topic == "" {
		var ack wireAck
		if err := json.Unmarshal(data, &ack); err == nil && ack.Op == "subscribe" && !ack.Success {
			c.log.Warn().Str("ret_msg", ack.RetMsg).Msg("subscribe rejected")
		}
		return
	}
	if err := c.disp.Enqueue(c.runCtx, func() { c.route(env) }); err != nil {
		c.log.Warn().Err(err).Str("topic", env.Topic).Msg("frame dropped")
	}
}

func (c *Client) route(env wireEnvelope) {
	b := c.disp.Bus()
	envTs := schema.TimeMS(numToInt(env.Ts))
	parts := strings.SplitN(env.Topic, ".", 3)
	switch parts[0] {
	case "publicTrade":
		bus.Publish(b, schema.TopicTradeRaw, c.rawEvent(schema.ChannelTrade, env.Data))
		trades, err := c.norm.Trades(envTs, env.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("trades rejected")
			return
		}
		for _, trade := range trades {
			bus.Publish(b, schema.TopicTrade, trade)
		}
	case "orderbook":
		// u==1 marks a venue-side snapshot after a service restart.
		if env.Type == "snapshot" || bookResetFrame(env.Data) {
			bus.Publish(b, schema.TopicOrderbookSnapshotRaw, c.rawEvent(schema.ChannelBook, env.Data))
			snap, err := c.norm.BookSnapshot(envTs, env.Data)
			if err != nil {
				c.log.Warn().Err(err).Msg("book snapshot rejected")
				return
			}
			bus.Publish(b, schema.TopicOrderbookSnapshot, snap)
			return
		}
		bus.Publish(b, schema.TopicOrderbookDeltaRaw, c.rawEvent(schema.ChannelBook, env.Data))
		delta, resync, err := c.norm.BookDelta(envTs, env.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("book delta rejected")
			return
		}
		bus.Publish(b, schema.TopicOrderbookDelta, delta)
		if resync != nil {
			bus.Publish(b, schema.TopicResyncRequested, *resync)
		}
	case "tickers":
		bus.Publish(b, schema.TopicWSEventRaw, c.rawEvent(schema.ChannelTicker, env.Data))
		ticker, funding, oi, err := c.norm.Ticker(envTs, env.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("ticker rejected")
			return
		}
		bus.Publish(b, schema.TopicTicker, ticker)
		if funding != nil {
			bus.Publish(b, schema.TopicFundingRaw, c.rawEvent(schema.ChannelFunding, env.Data))
			bus.Publish(b, schema.TopicFunding, *funding)
		}
		if oi != nil {
			bus.Publish(b, schema.TopicOpenInterestRaw, c.rawEvent(schema.ChannelOI, env.Data))
			bus.Publish(b, schema.TopicOI, *oi)
		}
	case "kline":
		if len(parts) < 3 {
			return
		}
		bus.Publish(b, schema.TopicCandleRaw, c.rawEvent(schema.ChannelKline, env.Data))
		klines, err := c.norm.Klines(parts[2], env.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("klines rejected")
			return
		}
		for _, kline := range klines {
			bus.Publish(b, schema.TopicKline, kline)
		}
	case "liquidation":
		bus.Publish(b, schema.TopicLiquidationRaw, c.rawEvent(schema.ChannelLiquidation, env.Data))
		ev, err := c.norm.Liquidation(env.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("liquidation rejected")
			return
		}
		bus.Publish(b, schema.TopicLiquidation, ev)
	}
}

// bookResetFrame reports whether a delta carries u==1, the venue's in-band
// snapshot marker.
func bookResetFrame(data []byte) bool {
	var probe struct {
		UpdateID json.Number `json:"u"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.UpdateID.String() == "1"
}

func (c *Client) onUp() {
	c.enqueueConnection(schema.TopicConnected, "")
	c.mu.Lock()
	books := make([]string, 0, len(c.bookSymbols))
	for sym := range c.bookSymbols {
		books = append(books, sym)
	}
	c.mu.Unlock()
	// The venue replays a book snapshot after resubscribe, but request one
	// anyway so recovery does not depend on it.
	for _, sym := range books {
		symbol := sym
		streamID := schema.BuildStreamID(Venue, c.cfg.Market, schema.ChannelBook)
		_ = c.disp.Enqueue(c.runCtx, func() {
			bus.Publish(c.disp.Bus(), schema.TopicResyncRequested, schema.ResyncRequest{
				Meta:       schema.NewMeta(Venue, schema.WithTsIngest(schema.TimeFromStd(c.now())), schema.WithStream(streamID)),
				Venue:      Venue,
				MarketType: c.cfg.Market,
				Symbol:     symbol,
				StreamID:   streamID,
				Reason:     "reconnect",
			})
		})
	}
}

func (c *Client) onDown(err error) {
	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	c.enqueueConnection(schema.TopicDisconnected, reason)
	_ = c.disp.Enqueue(c.runCtx, c.norm.ResetAll)
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
