package egress

import (
	"context"
	"testing"
	"time"

	redismock "github.com/go-redis/redismock/v9"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
)

func newMirror(t *testing.T, throttleMs int64) (*Mirror, *bus.Bus, redismock.ClientMock, *clock.Manual) {
	t.Helper()
	b := bus.New(zerolog.Nop())
	client, mock := redismock.NewClientMock()
	manual := clock.NewManual(time.UnixMilli(10_000))
	m := NewMirror(Config{ThrottleMs: throttleMs}, client, b, manual.Now, zerolog.Nop())
	require.NoError(t, m.Start(context.Background()))
	return m, b, mock, manual
}

func price(symbol string, px float64) schema.CanonicalPriceEvent {
	return schema.CanonicalPriceEvent{
		AggregateCore: schema.AggregateCore{Symbol: symbol, MarketType: schema.MarketFutures},
		Price:         px,
		PriceTypeUsed: schema.PriceIndex,
	}
}

func TestMirrorPublishesOnPrefixedChannel(t *testing.T) {
	m, b, mock, _ := newMirror(t, 100)

	ev := price("BTCUSDT", 64_000)
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	mock.ExpectPublish("weir:market:price_canonical", payload).SetVal(1)

	bus.Publish(b, schema.TopicPriceCanonical, ev)
	m.Stop()

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorThrottlesPerChannel(t *testing.T) {
	m, b, mock, manual := newMirror(t, 250)

	first := price("BTCUSDT", 64_000)
	third := price("BTCUSDT", 64_100)
	firstPayload, _ := json.Marshal(first)
	thirdPayload, _ := json.Marshal(third)
	mock.ExpectPublish("weir:market:price_canonical", firstPayload).SetVal(1)
	mock.ExpectPublish("weir:market:price_canonical", thirdPayload).SetVal(1)

	bus.Publish(b, schema.TopicPriceCanonical, first)

	// Inside the window: dropped before it reaches Redis.
	manual.Advance(100 * time.Millisecond)
	bus.Publish(b, schema.TopicPriceCanonical, price("BTCUSDT", 64_050))

	manual.Advance(200 * time.Millisecond)
	bus.Publish(b, schema.TopicPriceCanonical, third)
	m.Stop()

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorChannelsThrottleIndependently(t *testing.T) {
	m, b, mock, _ := newMirror(t, 250)

	ev := price("BTCUSDT", 64_000)
	cvd := schema.CVDAggregate{
		AggregateCore: schema.AggregateCore{Symbol: "BTCUSDT", MarketType: schema.MarketFutures},
		Delta:         12.5,
	}
	evPayload, _ := json.Marshal(ev)
	cvdPayload, _ := json.Marshal(cvd)
	mock.ExpectPublish("weir:market:price_canonical", evPayload).SetVal(1)
	mock.ExpectPublish("weir:market:cvd_agg", cvdPayload).SetVal(1)

	// Same instant on both channels: each channel has its own window.
	bus.Publish(b, schema.TopicPriceCanonical, ev)
	bus.Publish(b, schema.TopicCVDAgg, cvd)
	m.Stop()

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorStatusRidesOwnChannel(t *testing.T) {
	m, b, mock, _ := newMirror(t, 250)

	status := schema.MarketDataStatus{Symbol: "BTCUSDT", Degraded: true}
	payload, _ := json.Marshal(status)
	mock.ExpectPublish("weir:system:market_data_status", payload).SetVal(1)

	bus.Publish(b, schema.TopicMarketDataStatus, status)
	m.Stop()

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorDoubleStartFails(t *testing.T) {
	m, _, _, _ := newMirror(t, 100)
	require.Error(t, m.Start(context.Background()))
	m.Stop()
}
