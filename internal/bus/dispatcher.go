package bus

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/tidemill/weir/errs"
)

// Dispatcher pumps submissions from I/O workers onto a single goroutine so
// every bus dispatch happens on one logical thread. WebSocket readers, the
// journal flusher, replay pacing and cron jobs enqueue closures here instead
// of publishing from their own goroutines.
type Dispatcher struct {
	bus   *Bus
	queue chan func()
	log   zerolog.Logger

	started atomic.Bool
	wg      conc.WaitGroup
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDispatcher constructs a dispatcher feeding the given bus. queueSize
// bounds the number of in-flight submissions; producers block when full.
func NewDispatcher(b *Bus, queueSize int, log zerolog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Dispatcher{
		bus:   b,
		queue: make(chan func(), queueSize),
		log:   log.With().Str("component", "dispatcher").Logger(),
		done:  make(chan struct{}),
	}
}

// Bus returns the bus this dispatcher feeds.
func (d *Dispatcher) Bus() *Bus { return d.bus }

// Start launches the dispatch loop. Calling Start twice is an error.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errs.New("dispatcher", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Go(func() {
		defer close(d.done)
		d.run(runCtx)
	})
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Drain whatever was accepted before cancellation so enqueued
			// events are not silently lost on shutdown.
			for {
				select {
				case fn := <-d.queue:
					fn()
				default:
					return
				}
			}
		case fn := <-d.queue:
			fn()
		}
	}
}

// Enqueue submits fn for execution on the dispatch goroutine, blocking
// while the queue is full. Returns a lifecycle error once ctx is done or
// the dispatcher has stopped.
func (d *Dispatcher) Enqueue(ctx context.Context, fn func()) error {
	if fn == nil {
		return nil
	}
	select {
	case <-d.done:
		return errs.New("dispatcher", errs.CodeLifecycle, errs.WithMessage("dispatcher stopped"))
	default:
	}
	select {
	case d.queue <- fn:
		return nil
	case <-d.done:
		return errs.New("dispatcher", errs.CodeLifecycle, errs.WithMessage("dispatcher stopped"))
	case <-ctx.Done():
		return errs.New("dispatcher", errs.CodeLifecycle, errs.WithMessage("enqueue cancelled"), errs.WithCause(ctx.Err()))
	}
}

// Stop cancels the dispatch loop, waits for it to drain, and returns.
// Idempotent.
func (d *Dispatcher) Stop() {
	if !d.started.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}
