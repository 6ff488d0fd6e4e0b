package orchestrator

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

func newOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *bus.Bus, *[]schema.ControlState) {
	t.Helper()
	b := bus.New(zerolog.Nop())
	disp := bus.NewDispatcher(b, 64, zerolog.Nop())
	require.NoError(t, disp.Start(context.Background()))
	t.Cleanup(disp.Stop)

	states := &[]schema.ControlState{}
	var mu sync.Mutex
	bus.Subscribe(b, schema.TopicControlState, func(s schema.ControlState) {
		mu.Lock()
		defer mu.Unlock()
		*states = append(*states, s)
	})

	manual := clock.NewManual(time.UnixMilli(1_000))
	o := New(cfg, disp, manual.Now, zerolog.Nop())
	return o, b, states
}

func TestFirstTickerDrivesStartingToRunning(t *testing.T) {
	o, b, states := newOrchestrator(t, Config{Mode: schema.ModePaper})
	require.NoError(t, o.Start(context.Background()))

	require.Len(t, *states, 1)
	require.Equal(t, schema.LifecycleStarting, (*states)[0].Lifecycle)

	bus.Publish(b, schema.TopicTicker, schema.TickerEvent{Symbol: "BTCUSDT"})
	require.Equal(t, schema.LifecycleRunning, o.State().Lifecycle)

	// A second ticker does not re-emit.
	bus.Publish(b, schema.TopicTicker, schema.TickerEvent{Symbol: "BTCUSDT"})
	require.Len(t, *states, 2)
}

func TestPauseBlocksRunningTransition(t *testing.T) {
	o, b, _ := newOrchestrator(t, Config{Mode: schema.ModePaper})
	require.NoError(t, o.Start(context.Background()))

	bus.Publish(b, schema.TopicControlCommand, schema.ControlCommand{Action: schema.CommandPause})
	require.True(t, o.State().Paused)
	require.Equal(t, schema.LifecycleStarting, o.State().Lifecycle)

	bus.Publish(b, schema.TopicTicker, schema.TickerEvent{})
	require.Equal(t, schema.LifecycleStarting, o.State().Lifecycle)

	bus.Publish(b, schema.TopicControlCommand, schema.ControlCommand{Action: schema.CommandResume})
	require.False(t, o.State().Paused)
	bus.Publish(b, schema.TopicTicker, schema.TickerEvent{})
	require.Equal(t, schema.LifecycleRunning, o.State().Lifecycle)
}

func TestPauseResumeTogglesLifecycle(t *testing.T) {
	o, b, _ := newOrchestrator(t, Config{Mode: schema.ModePaper})
	require.NoError(t, o.Start(context.Background()))
	bus.Publish(b, schema.TopicTicker, schema.TickerEvent{})

	bus.Publish(b, schema.TopicControlCommand, schema.ControlCommand{Action: schema.CommandPause, Reason: "maintenance"})
	require.Equal(t, schema.LifecyclePaused, o.State().Lifecycle)
	require.Equal(t, "maintenance", o.State().LastCommandReason)

	bus.Publish(b, schema.TopicControlCommand, schema.ControlCommand{Action: schema.CommandResume})
	require.Equal(t, schema.LifecycleRunning, o.State().Lifecycle)
}

func TestSetModeValidates(t *testing.T) {
	o, b, _ := newOrchestrator(t, Config{Mode: schema.ModePaper})
	require.NoError(t, o.Start(context.Background()))

	bus.Publish(b, schema.TopicControlCommand, schema.ControlCommand{Action: schema.CommandSetMode, Mode: schema.ModeLive})
	require.Equal(t, schema.ModeLive, o.State().Mode)

	bus.Publish(b, schema.TopicControlCommand, schema.ControlCommand{Action: schema.CommandSetMode, Mode: "TURBO"})
	require.Equal(t, schema.ModeLive, o.State().Mode)
}

func TestBootFanOutPerVenueMarketSymbolTf(t *testing.T) {
	cfg := Config{
		Mode:           schema.ModePaper,
		Venues:         []string{"binance", "bybit"},
		Markets:        []schema.MarketType{schema.MarketSpot, schema.MarketFutures},
		Symbols:        []string{"BTCUSDT"},
		Channels:       []schema.Channel{schema.ChannelTicker, schema.ChannelTrade, schema.ChannelOI},
		Timeframes:     []string{"1m", "1h"},
		BootstrapLimit: 200,
	}
	o, b, _ := newOrchestrator(t, cfg)

	var connects []schema.ConnectRequest
	var subscribes []schema.SubscribeRequest
	var bootstraps []schema.KlineBootstrapRequest
	bus.Subscribe(b, schema.TopicConnect, func(r schema.ConnectRequest) { connects = append(connects, r) })
	bus.Subscribe(b, schema.TopicSubscribe, func(r schema.SubscribeRequest) { subscribes = append(subscribes, r) })
	bus.Subscribe(b, schema.TopicKlineBootstrapRequested, func(r schema.KlineBootstrapRequest) { bootstraps = append(bootstraps, r) })

	require.NoError(t, o.Start(context.Background()))

	require.Len(t, connects, 4)
	require.Len(t, subscribes, 4)
	// 2 venues x 2 markets x 1 symbol x 2 tfs.
	require.Len(t, bootstraps, 8)
	require.Equal(t, 200, bootstraps[0].Limit)

	for _, req := range subscribes {
		if req.MarketType == schema.MarketSpot {
			require.NotContains(t, req.Channels, schema.ChannelOI)
		} else {
			require.Contains(t, req.Channels, schema.ChannelOI)
		}
	}
}

func TestShutdownRunsCleanupsInReverseAndIsIdempotent(t *testing.T) {
	o, b, _ := newOrchestrator(t, Config{Mode: schema.ModePaper, CleanupTimeoutMs: 1_000})

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	o.RegisterCleanup("journal", record("journal"))
	o.RegisterCleanup("gateway", record("gateway"))
	o.RegisterCleanup("control", record("control"))

	require.NoError(t, o.Start(context.Background()))
	bus.Publish(b, schema.TopicControlCommand, schema.ControlCommand{Action: schema.CommandShutdown})
	bus.Publish(b, schema.TopicControlCommand, schema.ControlCommand{Action: schema.CommandShutdown})

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"control", "gateway", "journal"}, order)
	require.Equal(t, schema.LifecycleStopped, o.State().Lifecycle)
}

func TestShutdownFansOutDisconnectPerVenueMarket(t *testing.T) {
	cfg := Config{
		Mode:             schema.ModePaper,
		Venues:           []string{"binance", "okx"},
		Markets:          []schema.MarketType{schema.MarketFutures},
		CleanupTimeoutMs: 1_000,
	}
	o, b, _ := newOrchestrator(t, cfg)

	var mu sync.Mutex
	var disconnects []schema.DisconnectRequest
	bus.Subscribe(b, schema.TopicDisconnect, func(r schema.DisconnectRequest) {
		mu.Lock()
		defer mu.Unlock()
		disconnects = append(disconnects, r)
	})

	require.NoError(t, o.Start(context.Background()))
	o.Shutdown()
	o.Shutdown()

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, disconnects, 2)
	require.Equal(t, "binance", disconnects[0].Venue)
	require.Equal(t, "okx", disconnects[1].Venue)
	for _, req := range disconnects {
		require.Equal(t, schema.MarketFutures, req.MarketType)
		require.Equal(t, "shutdown", req.Reason)
	}
}

func TestShutdownTimeoutSkipsHungCleanup(t *testing.T) {
	o, _, _ := newOrchestrator(t, Config{Mode: schema.ModePaper, CleanupTimeoutMs: 50})

	var mu sync.Mutex
	var order []string
	o.RegisterCleanup("fast", func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "fast")
		return nil
	})
	o.RegisterCleanup("hung", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return ctx.Err()
	})

	require.NoError(t, o.Start(context.Background()))
	o.Shutdown()

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"fast"}, order)
}
