// Package journal persists normalized market events as partitioned
// append-only JSONL, one sink for raw-normalized topics and a separate one
// for aggregates. Records carry a run-scoped monotonically increasing seq;
// files roll at UTC midnight by ingest time.
package journal

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/schema"
)

const meterName = "weir/journal"

// line is one encoded record addressed to its partition file.
type line struct {
	path string
	data []byte
}

// fileWriter batches lines onto disk from a worker goroutine. The enqueue
// path never blocks beyond the channel send; when the buffer is full the
// oldest pending line is dropped and counted.
type fileWriter struct {
	log      zerolog.Logger
	disp     *bus.Dispatcher
	queue    chan line
	flushInt time.Duration
	batch    int
	retryMin time.Duration
	retries  int

	wg     conc.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}

	written   metric.Int64Counter
	dropped   metric.Int64Counter
	failures  metric.Int64Counter
	flushTime metric.Float64Histogram
}

func newFileWriter(disp *bus.Dispatcher, batch int, flushInt, retryMin time.Duration, retries int, log zerolog.Logger) *fileWriter {
	if batch <= 0 {
		batch = 256
	}
	if flushInt <= 0 {
		flushInt = time.Second
	}
	if retryMin <= 0 {
		retryMin = 250 * time.Millisecond
	}
	if retries <= 0 {
		retries = 5
	}
	meter := otel.Meter(meterName)
	w := &fileWriter{
		log:      log,
		disp:     disp,
		queue:    make(chan line, batch*4),
		flushInt: flushInt,
		batch:    batch,
		retryMin: retryMin,
		retries:  retries,
		done:     make(chan struct{}),
	}
	w.written = counter(meter, "weir.journal.records", "Records written")
	w.dropped = counter(meter, "weir.journal.dropped", "Records dropped on backpressure")
	w.failures = counter(meter, "weir.journal.write_failures", "Write failures after retries")
	var err error
	w.flushTime, err = meter.Float64Histogram("weir.journal.flush.duration",
		metric.WithDescription("Flush duration in ms"), metric.WithUnit("ms"))
	if err != nil {
		w.flushTime, _ = noop.Meter{}.Float64Histogram("weir.journal.flush.duration")
	}
	return w
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = noop.Meter{}.Int64Counter(name)
	}
	return c
}

func (w *fileWriter) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Go(func() {
		defer close(w.done)
		w.run(runCtx)
	})
}

func (w *fileWriter) stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// enqueue hands one encoded line to the worker. Drop-oldest keeps the
// dispatcher thread from ever blocking on disk.
func (w *fileWriter) enqueue(l line) {
	for {
		select {
		case w.queue <- l:
			return
		default:
		}
		select {
		case dropped := <-w.queue:
			w.dropped.Add(context.Background(), 1)
			w.log.Warn().Str("path", dropped.path).Msg("journal backpressure, dropping oldest record")
		default:
		}
	}
}

func (w *fileWriter) run(ctx context.Context) {
	ticker := time.NewTicker(w.flushInt)
	defer ticker.Stop()

	pending := make([]line, 0, w.batch)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		w.flush(ctx, pending)
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain accepted records so a clean stop loses nothing.
			for {
				select {
				case l := <-w.queue:
					pending = append(pending, l)
				default:
					flush()
					return
				}
			}
		case l := <-w.queue:
			pending = append(pending, l)
			if len(pending) >= w.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flush groups the batch by partition file and appends each group, retrying
// transient failures with exponential backoff. Unrecoverable groups surface
// as storage:writeFailed and are dropped; the in-memory pipeline continues.
func (w *fileWriter) flush(ctx context.Context, batch []line) {
	start := time.Now()
	groups := make(map[string][][]byte)
	for _, l := range batch {
		groups[l.path] = append(groups[l.path], l.data)
	}
	for path, lines := range groups {
		if err := w.appendWithRetry(ctx, path, lines); err != nil {
			w.failures.Add(context.Background(), 1)
			w.log.Error().Err(err).Str("path", path).Int("records", len(lines)).
				Msg("journal write failed after retries")
			w.publishWriteFailed(path, err, w.retries)
			continue
		}
		w.written.Add(context.Background(), int64(len(lines)))
	}
	w.flushTime.Record(context.Background(), float64(time.Since(start).Milliseconds()))
}

func (w *fileWriter) appendWithRetry(ctx context.Context, path string, lines [][]byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.retryMin

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, appendLines(path, lines)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(w.retries)))
	return err
}

func appendLines(path string, lines [][]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, data := range lines {
		if _, err := f.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return f.Sync()
}

// publishWriteFailed reports the failure on the dispatcher thread so
// subscribers observe it in event order.
func (w *fileWriter) publishWriteFailed(path string, err error, retries int) {
	failure := schema.WriteFailure{
		Meta:    schema.NewMeta("journal"),
		Path:    path,
		Err:     err.Error(),
		Retries: retries,
	}
	b := w.disp.Bus()
	enqueueErr := w.disp.Enqueue(context.Background(), func() {
		bus.Publish(b, schema.TopicWriteFailed, failure)
	})
	if enqueueErr != nil {
		w.log.Warn().Err(enqueueErr).Msg("could not report write failure")
	}
}
