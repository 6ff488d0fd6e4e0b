// Package bus provides the synchronous, typed, topic-routed in-process
// event broker every Weir component communicates through, plus the
// dispatcher that serialises I/O-worker submissions onto a single
// dispatch goroutine.
package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "weir/bus"

// Topic is a typed topic handle. Topics are declared once in the schema
// registry; the payload type is fixed at declaration.
type Topic[T any] struct {
	name string
}

// NewTopic declares a typed topic with the given wire name.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the topic's wire name.
func (t Topic[T]) Name() string { return t.name }

type subscriber struct {
	id     uint64
	invoke func(any)
}

// Bus dispatches published payloads to handlers synchronously, in
// registration order, within the publishing call. Handlers may publish;
// the nested publish completes before the outer one resumes. Handler
// panics are recovered and logged, never propagated.
type Bus struct {
	log zerolog.Logger

	mu     sync.Mutex
	closed bool
	nextID uint64
	subs   map[string][]subscriber

	published metric.Int64Counter
	delivered metric.Int64Counter
	panics    metric.Int64Counter
	dropped   metric.Int64Counter
}

// New constructs a Bus logging through the provided logger.
func New(log zerolog.Logger) *Bus {
	b := &Bus{
		log:  log.With().Str("component", "bus").Logger(),
		subs: make(map[string][]subscriber),
	}
	meter := otel.Meter(meterName)
	b.published = int64Counter(meter, b.log, "weir.bus.published", "Events published to the bus.")
	b.delivered = int64Counter(meter, b.log, "weir.bus.delivered", "Handler deliveries performed by the bus.")
	b.panics = int64Counter(meter, b.log, "weir.bus.handler_panics", "Handler panics recovered by the bus.")
	b.dropped = int64Counter(meter, b.log, "weir.bus.dropped", "Publishes dropped after bus close.")
	return b
}

func int64Counter(meter metric.Meter, log zerolog.Logger, name, desc string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		log.Warn().Err(err).Str("instrument", name).Msg("bus instrument unavailable")
		counter, _ = noop.Meter{}.Int64Counter(name)
	}
	return counter
}

// Subscribe registers a typed handler on the topic and returns its
// Subscription. Registrations made during a dispatch take effect on the
// next publish.
func Subscribe[T any](b *Bus, topic Topic[T], fn func(T)) Subscription {
	if b == nil || fn == nil {
		return Subscription{}
	}
	invoke := func(payload any) {
		value, ok := payload.(T)
		if !ok {
			return
		}
		fn(value)
	}
	return b.subscribe(topic.name, invoke)
}

// Publish delivers payload to every handler currently registered on the
// topic, synchronously and in registration order.
func Publish[T any](b *Bus, topic Topic[T], payload T) {
	if b == nil {
		return
	}
	b.publish(topic.name, payload)
}

func (b *Bus) subscribe(topic string, invoke func(any)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Subscription{}
	}
	b.nextID++
	id := b.nextID
	existing := b.subs[topic]
	next := make([]subscriber, len(existing), len(existing)+1)
	copy(next, existing)
	next = append(next, subscriber{id: id, invoke: invoke})
	b.subs[topic] = next
	return Subscription{bus: b, topic: topic, id: id}
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	existing := b.subs[topic]
	if len(existing) == 0 {
		return
	}
	next := make([]subscriber, 0, len(existing))
	for _, sub := range existing {
		if sub.id != id {
			next = append(next, sub)
		}
	}
	if len(next) == 0 {
		delete(b.subs, topic)
		return
	}
	b.subs[topic] = next
}

func (b *Bus) publish(topic string, payload any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", topic)))
		return
	}
	subs := b.subs[topic]
	b.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("topic", topic))
	b.published.Add(context.Background(), 1, attrs)
	if len(subs) == 0 {
		return
	}
	for _, sub := range subs {
		b.deliver(topic, sub, payload)
	}
	b.delivered.Add(context.Background(), int64(len(subs)), attrs)
}

func (b *Bus) deliver(topic string, sub subscriber, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", topic)))
			b.log.Error().Str("topic", topic).Interface("panic", r).Msg("handler panicked; continuing dispatch")
		}
	}()
	sub.invoke(payload)
}

// Close drops all subscriptions. Publishes after Close are counted and
// discarded; Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.subs = nil
}

// Subscription identifies one handler registration.
type Subscription struct {
	bus   *Bus
	topic string
	id    uint64
}

// Cancel removes the handler. Safe to call on the zero value and after
// bus close; cancelling during a dispatch affects the next publish.
func (s Subscription) Cancel() {
	if s.bus == nil || s.id == 0 {
		return
	}
	s.bus.unsubscribe(s.topic, s.id)
}

// Active reports whether the subscription refers to a live registration.
func (s Subscription) Active() bool { return s.bus != nil && s.id != 0 }
