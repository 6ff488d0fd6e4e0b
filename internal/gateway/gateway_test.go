package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
)

type fakeTransport struct {
	mu         sync.Mutex
	resyncs    []string
	subscribes [][]string
	connects   int
	klines     []schema.KlineEvent
	klineErr   error
}

func (f *fakeTransport) Venue() string             { return "binance" }
func (f *fakeTransport) Market() schema.MarketType { return schema.MarketFutures }

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, symbols []string, _ []schema.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, symbols)
	return nil
}

func (f *fakeTransport) Resync(_ context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resyncs = append(f.resyncs, symbol)
	return nil
}

func (f *fakeTransport) Disconnect(string) {}

func (f *fakeTransport) StreamIDs() []string { return []string{"binance:futures:book"} }

func (f *fakeTransport) FetchKlines(_ context.Context, _, _ string, _ int) ([]schema.KlineEvent, error) {
	return f.klines, f.klineErr
}

func (f *fakeTransport) resyncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resyncs)
}

func newGateway(t *testing.T, transport *fakeTransport, manual *clock.Manual) (*Gateway, *bus.Dispatcher) {
	t.Helper()
	disp := bus.NewDispatcher(bus.New(zerolog.Nop()), 64, zerolog.Nop())
	require.NoError(t, disp.Start(context.Background()))
	t.Cleanup(disp.Stop)

	g := New(Config{ResyncCooldownMs: 1_000, ResyncReasonCooldownMs: 2_000}, transport, disp, manual.Now, zerolog.Nop())
	require.NoError(t, g.Start(context.Background()))
	return g, disp
}

func resyncReq(symbol, reason string) schema.ResyncRequest {
	return schema.ResyncRequest{
		Venue:      "binance",
		MarketType: schema.MarketFutures,
		Symbol:     symbol,
		Reason:     reason,
	}
}

func TestResyncCoalescesWithinCooldown(t *testing.T) {
	transport := &fakeTransport{}
	manual := clock.NewManual(time.UnixMilli(0))
	g, disp := newGateway(t, transport, manual)

	b := disp.Bus()
	bus.Publish(b, schema.TopicResyncRequested, resyncReq("BTCUSDT", "gap"))
	// Inside the symbol cooldown.
	manual.Advance(500 * time.Millisecond)
	bus.Publish(b, schema.TopicResyncRequested, resyncReq("BTCUSDT", "gap"))
	// Past the symbol cooldown but inside the per-reason cooldown.
	manual.Advance(1 * time.Second)
	bus.Publish(b, schema.TopicResyncRequested, resyncReq("BTCUSDT", "gap"))
	// Past both.
	manual.Advance(1 * time.Second)
	bus.Publish(b, schema.TopicResyncRequested, resyncReq("BTCUSDT", "gap"))

	g.Stop()
	require.Equal(t, 2, transport.resyncCount())
}

func TestResyncReasonsCoalesceIndependently(t *testing.T) {
	transport := &fakeTransport{}
	manual := clock.NewManual(time.UnixMilli(0))
	g, disp := newGateway(t, transport, manual)

	b := disp.Bus()
	bus.Publish(b, schema.TopicResyncRequested, resyncReq("BTCUSDT", "gap"))
	// Different reason, but the symbol cooldown still applies.
	manual.Advance(500 * time.Millisecond)
	bus.Publish(b, schema.TopicResyncRequested, resyncReq("BTCUSDT", "reconnect"))
	// Symbol cooldown passed; reconnect reason was never admitted, so its
	// reason window is clear.
	manual.Advance(700 * time.Millisecond)
	bus.Publish(b, schema.TopicResyncRequested, resyncReq("BTCUSDT", "reconnect"))

	g.Stop()
	require.Equal(t, 2, transport.resyncCount())
}

func TestResyncPerSymbolWindows(t *testing.T) {
	transport := &fakeTransport{}
	manual := clock.NewManual(time.UnixMilli(0))
	g, disp := newGateway(t, transport, manual)

	b := disp.Bus()
	bus.Publish(b, schema.TopicResyncRequested, resyncReq("BTCUSDT", "gap"))
	// A different symbol is not throttled by the first.
	bus.Publish(b, schema.TopicResyncRequested, resyncReq("ETHUSDT", "gap"))

	g.Stop()
	require.Equal(t, 2, transport.resyncCount())
}

func TestIgnoresOtherVenues(t *testing.T) {
	transport := &fakeTransport{}
	manual := clock.NewManual(time.UnixMilli(0))
	g, disp := newGateway(t, transport, manual)

	b := disp.Bus()
	req := resyncReq("BTCUSDT", "gap")
	req.Venue = "okx"
	bus.Publish(b, schema.TopicResyncRequested, req)

	conn := schema.ConnectRequest{Venue: "binance", MarketType: schema.MarketSpot}
	bus.Publish(b, schema.TopicConnect, conn)

	g.Stop()
	require.Zero(t, transport.resyncCount())
	require.Zero(t, transport.connects)
}

func TestConnectAndSubscribeForwarded(t *testing.T) {
	transport := &fakeTransport{}
	manual := clock.NewManual(time.UnixMilli(0))
	g, disp := newGateway(t, transport, manual)

	b := disp.Bus()
	bus.Publish(b, schema.TopicConnect, schema.ConnectRequest{Venue: "binance", MarketType: schema.MarketFutures})
	bus.Publish(b, schema.TopicSubscribe, schema.SubscribeRequest{
		Venue:      "binance",
		MarketType: schema.MarketFutures,
		Symbols:    []string{"BTCUSDT"},
		Channels:   []schema.Channel{schema.ChannelTrade, schema.ChannelBook},
	})

	g.Stop()
	require.Equal(t, 1, transport.connects)
	require.Equal(t, [][]string{{"BTCUSDT"}}, transport.subscribes)
}

func TestStopResetsLifecycleForRestart(t *testing.T) {
	transport := &fakeTransport{}
	manual := clock.NewManual(time.UnixMilli(0))
	g, disp := newGateway(t, transport, manual)

	require.Error(t, g.Start(context.Background()))
	g.Stop()
	require.NoError(t, g.Start(context.Background()))

	bus.Publish(disp.Bus(), schema.TopicConnect, schema.ConnectRequest{Venue: "binance", MarketType: schema.MarketFutures})
	g.Stop()
	require.Equal(t, 1, transport.connects)
}

func TestKlineBootstrapPublishesFetchedCandles(t *testing.T) {
	transport := &fakeTransport{klines: []schema.KlineEvent{
		{Symbol: "BTCUSDT", Timeframe: "1m", Closed: true},
		{Symbol: "BTCUSDT", Timeframe: "1m", Closed: true},
	}}
	manual := clock.NewManual(time.UnixMilli(0))
	g, disp := newGateway(t, transport, manual)

	var mu sync.Mutex
	var got []schema.KlineBootstrap
	bus.Subscribe(disp.Bus(), schema.TopicKlineBootstrap, func(ev schema.KlineBootstrap) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})

	bus.Publish(disp.Bus(), schema.TopicKlineBootstrapRequested, schema.KlineBootstrapRequest{
		Venue:      "binance",
		MarketType: schema.MarketFutures,
		Symbol:     "btcusdt",
		Timeframe:  "1m",
		Limit:      200,
	})

	g.Stop()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "BTCUSDT", got[0].Symbol)
	require.Equal(t, "1m", got[0].Timeframe)
	require.Len(t, got[0].Klines, 2)
	require.Equal(t, "binance:futures:kline", got[0].StreamID)
}
