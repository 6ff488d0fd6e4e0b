// Package orchestrator owns the pipeline lifecycle: it is the sole mutator
// of ControlState, answers control commands, fans out the boot requests, and
// runs registered cleanups in reverse order at shutdown.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
)

const defaultCleanupTimeoutMs = 5_000

// Config declares the boot fan-out and shutdown budget.
type Config struct {
	Mode             schema.Mode
	Venues           []string
	Markets          []schema.MarketType
	Symbols          []string
	Channels         []schema.Channel
	Timeframes       []string
	BootstrapLimit   int
	CleanupTimeoutMs int64
}

func (c *Config) normalize() {
	if !c.Mode.Valid() {
		c.Mode = schema.ModePaper
	}
	if c.CleanupTimeoutMs <= 0 {
		c.CleanupTimeoutMs = defaultCleanupTimeoutMs
	}
}

// futuresOnlyChannels never apply to a spot subscription.
var futuresOnlyChannels = map[schema.Channel]struct{}{
	schema.ChannelOI:          {},
	schema.ChannelFunding:     {},
	schema.ChannelLiquidation: {},
}

type cleanup struct {
	name string
	fn   func(context.Context) error
}

// Orchestrator drives lifecycle transitions. Command handling runs on the
// dispatch goroutine; shutdown cleanups run on their own goroutine since
// they stop the components feeding that dispatch loop.
type Orchestrator struct {
	cfg  Config
	log  zerolog.Logger
	disp *bus.Dispatcher
	now  clock.Now

	state    schema.ControlState
	cleanups []cleanup
	subs     []bus.Subscription
	started  bool

	shutdownOnce sync.Once
	done         chan struct{}
}

// New builds an orchestrator.
func New(cfg Config, disp *bus.Dispatcher, now clock.Now, log zerolog.Logger) *Orchestrator {
	cfg.normalize()
	if now == nil {
		now = clock.System()
	}
	return &Orchestrator{
		cfg:  cfg,
		log:  log.With().Str("component", "orchestrator").Logger(),
		disp: disp,
		now:  now,
		done: make(chan struct{}),
	}
}

// RegisterCleanup appends a named shutdown step. Steps run in reverse
// registration order; register in dependency order (producers before
// consumers).
func (o *Orchestrator) RegisterCleanup(name string, fn func(context.Context) error) {
	o.cleanups = append(o.cleanups, cleanup{name: name, fn: fn})
}

// Start publishes the initial state, subscribes the command stream, and fans
// out the boot requests. Calling Start twice is an error.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.started {
		return errs.New("orchestrator", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	o.started = true

	o.state = schema.ControlState{
		Meta:      schema.NewMeta("orchestrator", schema.WithTsIngest(schema.TimeFromStd(o.now()))),
		Mode:      o.cfg.Mode,
		Lifecycle: schema.LifecycleStarting,
		StartedAt: schema.TimeFromStd(o.now()),
	}
	o.publishState()

	b := o.disp.Bus()
	o.subs = append(o.subs,
		bus.Subscribe(b, schema.TopicControlCommand, o.onCommand),
		bus.Subscribe(b, schema.TopicTicker, o.onTicker),
	)
	o.bootFanOut()
	return nil
}

// Done closes once shutdown has completed.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// State returns the current control state.
func (o *Orchestrator) State() schema.ControlState { return o.state }

func (o *Orchestrator) bootFanOut() {
	b := o.disp.Bus()
	ts := schema.TimeFromStd(o.now())
	for _, venue := range o.cfg.Venues {
		for _, market := range o.cfg.Markets {
			bus.Publish(b, schema.TopicConnect, schema.ConnectRequest{
				Meta:       schema.NewMeta("orchestrator", schema.WithTsIngest(ts)),
				Venue:      venue,
				MarketType: market,
			})
			bus.Publish(b, schema.TopicSubscribe, schema.SubscribeRequest{
				Meta:       schema.NewMeta("orchestrator", schema.WithTsIngest(ts)),
				Venue:      venue,
				MarketType: market,
				Symbols:    o.cfg.Symbols,
				Channels:   channelsFor(market, o.cfg.Channels),
			})
			for _, symbol := range o.cfg.Symbols {
				for _, tf := range o.cfg.Timeframes {
					bus.Publish(b, schema.TopicKlineBootstrapRequested, schema.KlineBootstrapRequest{
						Meta:       schema.NewMeta("orchestrator", schema.WithTsIngest(ts)),
						Venue:      venue,
						MarketType: market,
						Symbol:     symbol,
						Timeframe:  tf,
						Limit:      o.cfg.BootstrapLimit,
					})
				}
			}
		}
	}
}

// disconnectFanOut asks every gateway to drop its transport so venue streams
// quiesce before the cleanups tear components down.
func (o *Orchestrator) disconnectFanOut() {
	b := o.disp.Bus()
	ts := schema.TimeFromStd(o.now())
	for _, venue := range o.cfg.Venues {
		for _, market := range o.cfg.Markets {
			bus.Publish(b, schema.TopicDisconnect, schema.DisconnectRequest{
				Meta:       schema.NewMeta("orchestrator", schema.WithTsIngest(ts)),
				Venue:      venue,
				MarketType: market,
				Reason:     "shutdown",
			})
		}
	}
}

func channelsFor(market schema.MarketType, channels []schema.Channel) []schema.Channel {
	if market == schema.MarketFutures {
		return channels
	}
	out := make([]schema.Channel, 0, len(channels))
	for _, ch := range channels {
		if _, futuresOnly := futuresOnlyChannels[ch]; !futuresOnly {
			out = append(out, ch)
		}
	}
	return out
}

// onTicker drives STARTING to RUNNING on the first market data unless the
// pipeline was paused in the meantime.
func (o *Orchestrator) onTicker(schema.TickerEvent) {
	if o.state.Lifecycle != schema.LifecycleStarting || o.state.Paused {
		return
	}
	o.state.Lifecycle = schema.LifecycleRunning
	o.publishState()
}

func (o *Orchestrator) onCommand(cmd schema.ControlCommand) {
	o.state.LastCommand = cmd.Action
	o.state.LastCommandAt = schema.TimeFromStd(o.now())
	o.state.LastCommandReason = cmd.Reason

	switch cmd.Action {
	case schema.CommandPause:
		if !o.state.Paused {
			o.state.Paused = true
			if o.state.Lifecycle == schema.LifecycleRunning {
				o.state.Lifecycle = schema.LifecyclePaused
			}
		}
		o.publishState()
	case schema.CommandResume:
		if o.state.Paused {
			o.state.Paused = false
			if o.state.Lifecycle == schema.LifecyclePaused {
				o.state.Lifecycle = schema.LifecycleRunning
			}
		}
		o.publishState()
	case schema.CommandSetMode:
		if !cmd.Mode.Valid() {
			o.log.Warn().Str("mode", string(cmd.Mode)).Msg("set_mode rejected")
			return
		}
		o.state.Mode = cmd.Mode
		o.publishState()
	case schema.CommandStatus:
		o.publishState()
	case schema.CommandShutdown:
		o.Shutdown()
	default:
		o.log.Warn().Str("action", cmd.Action).Msg("unknown command")
	}
}

// Shutdown runs the registered cleanups in reverse order, each bounded by
// the cleanup timeout. Idempotent; later calls wait on the first.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		o.state.ShuttingDown = true
		o.state.Lifecycle = schema.LifecycleStopping
		o.publishState()
		o.disconnectFanOut()
		go o.runCleanups()
	})
}

func (o *Orchestrator) runCleanups() {
	defer close(o.done)
	timeout := time.Duration(o.cfg.CleanupTimeoutMs) * time.Millisecond
	for i := len(o.cleanups) - 1; i >= 0; i-- {
		step := o.cleanups[i]
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := runStep(ctx, step.fn)
		cancel()
		if err != nil {
			o.log.Warn().Err(err).Str("cleanup", step.name).Msg("cleanup failed")
			continue
		}
		o.log.Debug().Str("cleanup", step.name).Msg("cleanup done")
	}
	for _, sub := range o.subs {
		sub.Cancel()
	}
	o.subs = nil

	o.state.Lifecycle = schema.LifecycleStopped
	state := o.snapshotState()
	// The dispatcher may already be stopping; fall back to a direct publish
	// so the terminal state is never lost.
	if err := o.disp.Enqueue(context.Background(), func() {
		bus.Publish(o.disp.Bus(), schema.TopicControlState, state)
	}); err != nil {
		bus.Publish(o.disp.Bus(), schema.TopicControlState, state)
	}
}

// runStep bounds one cleanup: the step runs on its own goroutine so a hung
// cleanup cannot stall the rest past its budget.
func runStep(ctx context.Context, fn func(context.Context) error) error {
	result := make(chan error, 1)
	go func() { result <- fn(ctx) }()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return errs.New("orchestrator", errs.CodeLifecycle, errs.WithMessage("cleanup timed out"), errs.WithCause(ctx.Err()))
	}
}

func (o *Orchestrator) snapshotState() schema.ControlState {
	state := o.state
	state.Meta = schema.NewMeta("orchestrator", schema.WithTsIngest(schema.TimeFromStd(o.now())))
	return state
}

func (o *Orchestrator) publishState() {
	bus.Publish(o.disp.Bus(), schema.TopicControlState, o.snapshotState())
}
