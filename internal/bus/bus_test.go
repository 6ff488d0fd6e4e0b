package bus_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/weir/internal/bus"
)

type msg struct {
	N int
}

func newBus() *bus.Bus {
	return bus.New(zerolog.Nop())
}

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	b := newBus()
	topic := bus.NewTopic[msg]("t.order")

	var got []string
	bus.Subscribe(b, topic, func(msg) { got = append(got, "first") })
	bus.Subscribe(b, topic, func(msg) { got = append(got, "second") })
	bus.Subscribe(b, topic, func(msg) { got = append(got, "third") })

	bus.Publish(b, topic, msg{N: 1})
	require.Equal(t, []string{"first", "second", "third"}, got)
}

func TestPublishIsSynchronous(t *testing.T) {
	b := newBus()
	topic := bus.NewTopic[msg]("t.sync")

	seen := 0
	bus.Subscribe(b, topic, func(m msg) { seen = m.N })
	bus.Publish(b, topic, msg{N: 7})
	// Handler ran before Publish returned.
	require.Equal(t, 7, seen)
}

func TestReentrantPublishFromHandler(t *testing.T) {
	b := newBus()
	outer := bus.NewTopic[msg]("t.outer")
	inner := bus.NewTopic[msg]("t.inner")

	var order []string
	bus.Subscribe(b, inner, func(msg) { order = append(order, "inner") })
	bus.Subscribe(b, outer, func(m msg) {
		order = append(order, "outer-before")
		bus.Publish(b, inner, msg{N: m.N + 1})
		order = append(order, "outer-after")
	})

	bus.Publish(b, outer, msg{N: 1})
	require.Equal(t, []string{"outer-before", "inner", "outer-after"}, order)
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	b := newBus()
	topic := bus.NewTopic[msg]("t.panic")

	var got []int
	bus.Subscribe(b, topic, func(msg) { panic("boom") })
	bus.Subscribe(b, topic, func(m msg) { got = append(got, m.N) })

	require.NotPanics(t, func() { bus.Publish(b, topic, msg{N: 3}) })
	require.Equal(t, []int{3}, got)

	// The bus stays usable after a panic.
	bus.Publish(b, topic, msg{N: 4})
	require.Equal(t, []int{3, 4}, got)
}

func TestSubscribeDuringDispatchTakesEffectNextPublish(t *testing.T) {
	b := newBus()
	topic := bus.NewTopic[msg]("t.mutate")

	var late []int
	var added bool
	bus.Subscribe(b, topic, func(m msg) {
		if !added {
			added = true
			bus.Subscribe(b, topic, func(m msg) { late = append(late, m.N) })
		}
	})

	bus.Publish(b, topic, msg{N: 1})
	require.Empty(t, late)

	bus.Publish(b, topic, msg{N: 2})
	require.Equal(t, []int{2}, late)
}

func TestCancelStopsDelivery(t *testing.T) {
	b := newBus()
	topic := bus.NewTopic[msg]("t.cancel")

	var got []int
	sub := bus.Subscribe(b, topic, func(m msg) { got = append(got, m.N) })
	bus.Publish(b, topic, msg{N: 1})
	require.True(t, sub.Active())

	sub.Cancel()
	require.False(t, sub.Active())
	bus.Publish(b, topic, msg{N: 2})
	require.Equal(t, []int{1}, got)

	// Second cancel is a no-op.
	sub.Cancel()
}

func TestTopicsAreIsolatedByName(t *testing.T) {
	b := newBus()
	a := bus.NewTopic[msg]("t.a")
	c := bus.NewTopic[msg]("t.b")

	var got []int
	bus.Subscribe(b, a, func(m msg) { got = append(got, m.N) })
	bus.Publish(b, c, msg{N: 9})
	require.Empty(t, got)
}

func TestCloseDropsFurtherPublishes(t *testing.T) {
	b := newBus()
	topic := bus.NewTopic[msg]("t.close")

	var got []int
	bus.Subscribe(b, topic, func(m msg) { got = append(got, m.N) })
	bus.Publish(b, topic, msg{N: 1})
	b.Close()
	bus.Publish(b, topic, msg{N: 2})
	require.Equal(t, []int{1}, got)
	b.Close()
}

func TestDispatcherRunsEnqueuedWorkInOrder(t *testing.T) {
	b := newBus()
	d := bus.NewDispatcher(b, 16, zerolog.Nop())
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)

	done := make(chan []int, 1)
	var got []int
	for i := 1; i <= 3; i++ {
		i := i
		require.NoError(t, d.Enqueue(context.Background(), func() {
			got = append(got, i)
			if i == 3 {
				done <- got
			}
		}))
	}
	require.Equal(t, []int{1, 2, 3}, <-done)
}

func TestDispatcherDoubleStartFails(t *testing.T) {
	b := newBus()
	d := bus.NewDispatcher(b, 4, zerolog.Nop())
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	require.Error(t, d.Start(context.Background()))
}

func TestDispatcherStopDrainsQueue(t *testing.T) {
	b := newBus()
	d := bus.NewDispatcher(b, 16, zerolog.Nop())
	require.NoError(t, d.Start(context.Background()))

	ran := make(chan struct{}, 8)
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue(context.Background(), func() { ran <- struct{}{} }))
	}
	d.Stop()
	require.Len(t, ran, 5)

	require.Error(t, d.Enqueue(context.Background(), func() {}))
}
