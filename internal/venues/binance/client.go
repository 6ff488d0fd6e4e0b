package binance

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
	"github.com/tidemill/weir/internal/venues"
)

const (
	subscribeChunk        = 50
	defaultOIPollInterval = 30_000
	defaultDepthLimit     = 100
)

// Config wires one Binance client to a market surface.
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
	// Timeframes expand a kline subscription into one stream per interval.
	Timeframes []string
	// OIPollIntervalMs paces the REST open-interest poll on futures.
	OIPollIntervalMs int64
}

func (c *Config) normalize() {
	if c.OrderbookDepth <= 0 {
		c.OrderbookDepth = defaultDepthLimit
	}
	if c.OIPollIntervalMs <= 0 {
		c.OIPollIntervalMs = defaultOIPollInterval
	}
	if len(c.Timeframes) == 0 {
		c.Timeframes = []string{"1m"}
	}
}

// Client is the Binance transport for one market type. WebSocket frames are
// decoded and normalized on the dispatcher goroutine; REST calls feed resync
// and open-interest polling.
type Client struct {
	cfg  Config
	log  zerolog.Logger
	disp *bus.Dispatcher
	now  clock.Now
	ws   *venues.WSManager
	rest *venues.RESTClient
	norm *Normalizer

	msgID atomic.Int64

	mu          sync.Mutex
	channels    map[schema.Channel]struct{}
	bookSymbols map[string]struct{}
	oiSymbols   map[string]struct{}

	runCtx   context.Context
	oiCancel context.CancelFunc
	oiOnce   sync.Once
}

// NewClient builds a Binance transport. Connect dials; nothing runs before.
func NewClient(cfg Config, disp *bus.Dispatcher, now clock.Now, log zerolog.Logger) *Client {
	cfg.normalize()
	if now == nil {
		now = clock.System()
	}
	logger := log.With().Str("component", "binance_client").Str("market", string(cfg.Market)).Logger()
	c := &Client{
		cfg:         cfg,
		log:         logger,
		disp:        disp,
		now:         now,
		rest:        venues.NewRESTClient(Venue, cfg.RESTURL, cfg.HTTPTimeoutMs),
		norm:        NewNormalizer(cfg.Market, now, logger),
		channels:    make(map[schema.Channel]struct{}),
		bookSymbols: make(map[string]struct{}),
		oiSymbols:   make(map[string]struct{}),
	}
	c.ws = venues.NewWSManager(venues.WSConfig{
		URL:                 cfg.WSURL,
		HandshakeTimeoutMs:  cfg.HandshakeTimeoutMs,
		ReconnectMaxMs:      cfg.ReconnectMaxMs,
		SubscribeRatePerSec: cfg.SubscribeRatePerSec,
		SubscribeBurst:      cfg.SubscribeBurst,
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

// Connect dials the combined-stream endpoint and blocks until it is up.
func (c *Client) Connect(ctx context.Context) error {
	c.runCtx = ctx
	return c.ws.Start(ctx)
}

// Disconnect tears the socket down and stops the open-interest poll.
func (c *Client) Disconnect(reason string) {
	if c.oiCancel != nil {
		c.oiCancel()
	}
	c.ws.Stop()
	c.log.Info().Str("reason", reason).Msg("disconnected")
}

// Subscribe maps channels to Binance stream names and issues the
// subscriptions. Kline channels expand across the configured timeframes; the
// open-interest channel starts a REST poll instead of a stream.
func (c *Client) Subscribe(ctx context.Context, symbols []string, chans []schema.Channel) error {
	keys := make([]string, 0, len(symbols)*len(chans))
	for _, raw := range symbols {
		sym := strings.ToLower(venues.CanonicalSymbol(raw))
		for _, ch := range chans {
			c.mu.Lock()
			c.channels[ch] = struct{}{}
			c.mu.Unlock()
			switch ch {
			case schema.ChannelTrade:
				keys = append(keys, sym+"@aggTrade")
			case schema.ChannelBook:
				keys = append(keys, sym+"@depth@100ms")
				c.mu.Lock()
				c.bookSymbols[venues.CanonicalSymbol(raw)] = struct{}{}
				c.mu.Unlock()
			case schema.ChannelKline:
				for _, tf := range c.cfg.Timeframes {
					keys = append(keys, sym+"@kline_"+tf)
				}
			case schema.ChannelTicker:
				keys = append(keys, sym+"@ticker")
			case schema.ChannelFunding:
				if c.cfg.Market == schema.MarketFutures {
					keys = append(keys, sym+"@markPrice@1s")
				}
			case schema.ChannelLiquidation:
				if c.cfg.Market == schema.MarketFutures {
					keys = append(keys, sym+"@forceOrder")
				}
			case schema.ChannelOI:
				if c.cfg.Market == schema.MarketFutures {
					c.mu.Lock()
					c.oiSymbols[venues.CanonicalSymbol(raw)] = struct{}{}
					c.mu.Unlock()
					c.startOIPoll()
				}
			}
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return c.ws.Subscribe(ctx, keys)
}

// Resync re-anchors the orderbook for one symbol from the REST depth
// snapshot.
func (c *Client) Resync(ctx context.Context, symbol string) error {
	symbol = venues.CanonicalSymbol(symbol)
	query := url.Values{
		"symbol": {symbol},
		"limit":  {strconv.Itoa(c.cfg.OrderbookDepth)},
	}
	body, err := c.rest.Get(ctx, c.depthPath(), query)
	if err != nil {
		return err
	}
	return c.disp.Enqueue(ctx, func() {
		snap, err := c.norm.DepthSnapshot(symbol, body)
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("depth snapshot rejected")
			return
		}
		bus.Publish(c.disp.Bus(), schema.TopicOrderbookSnapshotRaw, c.rawEvent(schema.ChannelBook, body))
		bus.Publish(c.disp.Bus(), schema.TopicOrderbookSnapshot, snap)
	})
}

// FetchKlines pulls historical candles for one (symbol, tf), oldest first.
func (c *Client) FetchKlines(ctx context.Context, symbol, tf string, limit int) ([]schema.KlineEvent, error) {
	query := url.Values{
		"symbol":   {venues.CanonicalSymbol(symbol)},
		"interval": {tf},
		"limit":    {strconv.Itoa(limit)},
	}
	body, err := c.rest.Get(ctx, c.klinesPath(), query)
	if err != nil {
		return nil, err
	}
	return c.norm.RestKlines(symbol, tf, body)
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

func (c *Client) encodeSubscribe(keys []string) ([][]byte, error) {
	frames := make([][]byte, 0, (len(keys)+subscribeChunk-1)/subscribeChunk)
	for start := 0; start < len(keys); start += subscribeChunk {
		end := start + subscribeChunk
		if end > len(keys) {
			end = len(keys)
		}
		frame, err := json.Marshal(map[string]any{
			"method": "SUBSCRIBE",
			"params": keys[start:end],
			"id":     c.msgID.Add(1),
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// onFrame routes one combined-stream frame. It runs on the read goroutine
// and hands decode plus publish to the dispatcher.
func (c *Client) onFrame(data []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Stream == "" {
		// Subscription acks arrive as {"result":null,"id":n}.
		return
	}
	payload := env.Data
	at := strings.Index(env.Stream, "@")
	if at < 0 {
		return
	}
	suffix := env.Stream[at+1:]
	if err := c.disp.Enqueue(c.runCtx, func() { c.route(suffix, payload) }); err != nil {
		c.log.Warn().Err(err).Str("stream", env.Stream).Msg("frame dropped")
	}
}

func (c *Client) route(suffix string, payload []byte) {
	b := c.disp.Bus()
	switch {
	case suffix == "aggTrade" || suffix == "trade":
		bus.Publish(b, schema.TopicTradeRaw, c.rawEvent(schema.ChannelTrade, payload))
		ev, err := c.norm.Trade(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("trade rejected")
			return
		}
		bus.Publish(b, schema.TopicTrade, ev)
	case strings.HasPrefix(suffix, "depth"):
		bus.Publish(b, schema.TopicOrderbookDeltaRaw, c.rawEvent(schema.ChannelBook, payload))
		ev, resync, err := c.norm.DepthDelta(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("depth rejected")
			return
		}
		bus.Publish(b, schema.TopicOrderbookDelta, ev)
		if resync != nil {
			bus.Publish(b, schema.TopicResyncRequested, *resync)
		}
	case strings.HasPrefix(suffix, "kline_"):
		bus.Publish(b, schema.TopicCandleRaw, c.rawEvent(schema.ChannelKline, payload))
		ev, err := c.norm.Kline(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("kline rejected")
			return
		}
		bus.Publish(b, schema.TopicKline, ev)
	case suffix == "ticker":
		bus.Publish(b, schema.TopicWSEventRaw, c.rawEvent(schema.ChannelTicker, payload))
		ev, err := c.norm.Ticker(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("ticker rejected")
			return
		}
		bus.Publish(b, schema.TopicTicker, ev)
	case strings.HasPrefix(suffix, "markPrice"):
		bus.Publish(b, schema.TopicMarkPriceRaw, c.rawEvent(schema.ChannelFunding, payload))
		ticker, funding, err := c.norm.MarkPrice(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("mark price rejected")
			return
		}
		bus.Publish(b, schema.TopicTicker, ticker)
		bus.Publish(b, schema.TopicFunding, funding)
	case suffix == "forceOrder":
		bus.Publish(b, schema.TopicLiquidationRaw, c.rawEvent(schema.ChannelLiquidation, payload))
		ev, err := c.norm.ForceOrder(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("force order rejected")
			return
		}
		bus.Publish(b, schema.TopicLiquidation, ev)
	}
}

func (c *Client) onUp() {
	c.enqueueConnection(schema.TopicConnected, "")
	// The delta chain cannot bridge a reconnect; re-anchor every book.
	c.mu.Lock()
	books := make([]string, 0, len(c.bookSymbols))
	for sym := range c.bookSymbols {
		books = append(books, sym)
	}
	c.mu.Unlock()
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
	streams := c.StreamIDs()
	ev := schema.ConnectionEvent{
		Meta:       schema.NewMeta(Venue, schema.WithTsIngest(schema.TimeFromStd(c.now()))),
		Venue:      Venue,
		MarketType: c.cfg.Market,
		StreamIDs:  streams,
		Reason:     reason,
	}
	if err := c.disp.Enqueue(c.runCtx, func() {
		bus.Publish(c.disp.Bus(), topic, ev)
	}); err != nil {
		c.log.Warn().Err(err).Msg("connection event dropped")
	}
}

func (c *Client) startOIPoll() {
	c.oiOnce.Do(func() {
		pollCtx, cancel := context.WithCancel(c.runCtx)
		c.oiCancel = cancel
		go c.oiPoll(pollCtx)
	})
}

func (c *Client) oiPoll(ctx context.Context) {
	interval := time.Duration(c.cfg.OIPollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		symbols := make([]string, 0, len(c.oiSymbols))
		for sym := range c.oiSymbols {
			symbols = append(symbols, sym)
		}
		c.mu.Unlock()
		for _, sym := range symbols {
			body, err := c.rest.Get(ctx, "/fapi/v1/openInterest", url.Values{"symbol": {sym}})
			if err != nil {
				c.log.Warn().Err(err).Str("symbol", sym).Msg("open interest poll failed")
				continue
			}
			_ = c.disp.Enqueue(ctx, func() {
				bus.Publish(c.disp.Bus(), schema.TopicOpenInterestRaw, c.rawEvent(schema.ChannelOI, body))
				ev, err := c.norm.OpenInterest(body)
				if err != nil {
					c.log.Warn().Err(err).Msg("open interest rejected")
					return
				}
				bus.Publish(c.disp.Bus(), schema.TopicOI, ev)
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
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

func (c *Client) depthPath() string {
	if c.cfg.Market == schema.MarketFutures {
		return "/fapi/v1/depth"
	}
	return "/api/v3/depth"
}

func (c *Client) klinesPath() string {
	if c.cfg.Market == schema.MarketFutures {
		return "/fapi/v1/klines"
	}
	return "/api/v3/klines"
}
