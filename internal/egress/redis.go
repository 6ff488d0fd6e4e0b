// Package egress mirrors the aggregated and status topics to Redis pub/sub
// so sibling processes can consume fused market data without joining the
// in-process bus.
package egress

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
)

const (
	defaultChannelPrefix = "weir"
	defaultThrottleMs    = 250
	defaultQueueSize     = 512
)

// Config tunes the mirror. ThrottleMs is a per-channel floor between
// publishes; status changes are rare enough to ride the same throttle.
type Config struct {
	ChannelPrefix string
	ThrottleMs    int64
	QueueSize     int
}

func (c *Config) normalize() {
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = defaultChannelPrefix
	}
	if c.ThrottleMs <= 0 {
		c.ThrottleMs = defaultThrottleMs
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
}

type outbound struct {
	channel string
	payload []byte
}

// Mirror subscribes the aggregated topics and republishes them on Redis
// channels named <prefix>:<topic>. Bus handlers only marshal and enqueue;
// the Redis round-trip runs on a worker goroutine so the dispatch loop
// never blocks on the network.
type Mirror struct {
	cfg    Config
	log    zerolog.Logger
	b      *bus.Bus
	now    clock.Now
	client redis.UniversalClient

	lastPub map[string]schema.TimeMS
	queue   chan outbound
	dropped int

	subs    []bus.Subscription
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMirror builds a mirror over an existing Redis client.
func NewMirror(cfg Config, client redis.UniversalClient, b *bus.Bus, now clock.Now, log zerolog.Logger) *Mirror {
	cfg.normalize()
	if now == nil {
		now = clock.System()
	}
	return &Mirror{
		cfg:     cfg,
		log:     log.With().Str("component", "egress").Logger(),
		b:       b,
		now:     now,
		client:  client,
		lastPub: make(map[string]schema.TimeMS),
		queue:   make(chan outbound, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Start subscribes the mirrored topics and launches the publish worker.
func (m *Mirror) Start(ctx context.Context) error {
	if m.started {
		return errs.New("egress", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	m.started = true
	m.runCtx, m.cancel = context.WithCancel(ctx)

	m.subs = append(m.subs,
		mirrorTopic(m, schema.TopicPriceCanonical),
		mirrorTopic(m, schema.TopicCVDAgg),
		mirrorTopic(m, schema.TopicOIAgg),
		mirrorTopic(m, schema.TopicFundingAgg),
		mirrorTopic(m, schema.TopicLiquidationsAgg),
		mirrorTopic(m, schema.TopicLiquidityAgg),
		mirrorTopic(m, schema.TopicVolumeAgg),
		mirrorTopic(m, schema.TopicMarketDataStatus),
	)
	go m.worker()
	return nil
}

// Stop unsubscribes, drains the queue, and waits for the worker.
func (m *Mirror) Stop() {
	if !m.started {
		return
	}
	for _, sub := range m.subs {
		sub.Cancel()
	}
	m.subs = nil
	close(m.queue)
	<-m.done
	if m.cancel != nil {
		m.cancel()
	}
}

// mirrorTopic wires one topic into the queue. Runs on the dispatch
// goroutine; per-channel throttle state needs no lock.
func mirrorTopic[T any](m *Mirror, topic bus.Topic[T]) bus.Subscription {
	channel := m.cfg.ChannelPrefix + ":" + topic.Name()
	return bus.Subscribe(m.b, topic, func(payload T) {
		ts := schema.TimeFromStd(m.now())
		if last, ok := m.lastPub[channel]; ok && int64(ts-last) < m.cfg.ThrottleMs {
			return
		}
		data, err := json.Marshal(payload)
		if err != nil {
			m.log.Warn().Err(err).Str("channel", channel).Msg("mirror encode failed")
			return
		}
		select {
		case m.queue <- outbound{channel: channel, payload: data}:
			m.lastPub[channel] = ts
		default:
			m.dropped++
			if m.dropped%100 == 1 {
				m.log.Warn().Int("dropped", m.dropped).Msg("egress queue full")
			}
		}
	})
}

func (m *Mirror) worker() {
	defer close(m.done)
	for out := range m.queue {
		if err := m.client.Publish(m.runCtx, out.channel, out.payload).Err(); err != nil {
			m.log.Warn().Err(err).Str("channel", out.channel).Msg("redis publish failed")
		}
	}
}
