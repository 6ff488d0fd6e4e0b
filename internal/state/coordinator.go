package state

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
)

const defaultSchedule = "@every 15m"

// Collector is implemented by components whose state survives restarts.
// Snapshot and Restore are called on the dispatch goroutine.
type Collector interface {
	// Name keys the collector's blob inside a snapshot document.
	Name() string
	// Snapshot returns the msgpack-marshalable state to persist.
	Snapshot() (any, error)
	// Restore rebuilds state from a blob produced by Snapshot.
	Restore(data []byte) error
}

// Config tunes the coordinator.
type Config struct {
	Schedule string
}

func (c *Config) normalize() {
	if c.Schedule == "" {
		c.Schedule = defaultSchedule
	}
}

// Coordinator collects component state on a schedule and persists it through
// the configured store. Collection runs on the dispatch goroutine so
// collectors need no locking; the store round-trip runs on workers.
type Coordinator struct {
	cfg   Config
	log   zerolog.Logger
	disp  *bus.Dispatcher
	now   clock.Now
	store Store

	collectors []Collector
	cronRunner *cron.Cron
	wg         conc.WaitGroup
	subs       []bus.Subscription
	started    bool
	runCtx     context.Context
	cancel     context.CancelFunc
}

// New builds a coordinator over the given store.
func New(cfg Config, store Store, disp *bus.Dispatcher, now clock.Now, log zerolog.Logger) *Coordinator {
	cfg.normalize()
	if now == nil {
		now = clock.System()
	}
	return &Coordinator{
		cfg:   cfg,
		log:   log.With().Str("component", "state").Logger(),
		disp:  disp,
		now:   now,
		store: store,
	}
}

// Register adds a collector. Call before Start.
func (c *Coordinator) Register(col Collector) {
	c.collectors = append(c.collectors, col)
}

// Start subscribes the snapshot and recovery topics and begins the schedule.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.started {
		return errs.New("state", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	c.cronRunner = cron.New()
	if _, err := c.cronRunner.AddFunc(c.cfg.Schedule, c.requestSnapshot); err != nil {
		return errs.New("state", errs.CodeConfig, errs.WithMessage("bad snapshot schedule "+c.cfg.Schedule), errs.WithCause(err))
	}
	c.started = true
	c.runCtx, c.cancel = context.WithCancel(ctx)

	b := c.disp.Bus()
	c.subs = append(c.subs,
		bus.Subscribe(b, schema.TopicSnapshotRequested, c.onSnapshotRequest),
		bus.Subscribe(b, schema.TopicRecoveryRequested, c.onRecoveryRequest),
	)
	c.cronRunner.Start()
	return nil
}

// Stop halts the schedule, waits for in-flight store work, and closes the
// store.
func (c *Coordinator) Stop() {
	if !c.started {
		return
	}
	if c.cronRunner != nil {
		<-c.cronRunner.Stop().Done()
	}
	for _, sub := range c.subs {
		sub.Cancel()
	}
	c.subs = nil
	c.cancel()
	c.wg.Wait()
	if err := c.store.Close(); err != nil {
		c.log.Warn().Err(err).Msg("store close failed")
	}
}

func (c *Coordinator) requestSnapshot() {
	req := schema.SnapshotRequest{
		Meta:   schema.NewMeta("state", schema.WithTsIngest(schema.TimeFromStd(c.now()))),
		Reason: "schedule",
	}
	if err := c.disp.Enqueue(c.runCtx, func() {
		bus.Publish(c.disp.Bus(), schema.TopicSnapshotRequested, req)
	}); err != nil {
		c.log.Warn().Err(err).Msg("snapshot request dropped")
	}
}

// onSnapshotRequest collects every blob inline, then hands the document to a
// worker for the store write.
func (c *Coordinator) onSnapshotRequest(req schema.SnapshotRequest) {
	doc := &Document{
		RunID:   uuid.NewString(),
		TakenAt: schema.TimeFromStd(c.now()),
		Blobs:   make(map[string][]byte, len(c.collectors)),
	}
	for _, col := range c.collectors {
		payload, err := col.Snapshot()
		if err != nil {
			c.log.Warn().Err(err).Str("collector", col.Name()).Msg("collector snapshot failed")
			continue
		}
		blob, err := msgpack.Marshal(payload)
		if err != nil {
			c.log.Warn().Err(err).Str("collector", col.Name()).Msg("collector encode failed")
			continue
		}
		doc.Blobs[col.Name()] = blob
	}
	c.log.Debug().Str("runId", doc.RunID).Str("reason", req.Reason).Int("collectors", len(doc.Blobs)).Msg("snapshot collected")

	c.wg.Go(func() { c.persist(doc) })
}

func (c *Coordinator) persist(doc *Document) {
	location, size, err := c.store.Write(c.runCtx, doc)
	if err != nil {
		c.log.Error().Err(err).Str("runId", doc.RunID).Msg("snapshot write failed")
		c.publishWriteFailure(err)
		return
	}
	names := doc.Collectors()
	sort.Strings(names)
	written := schema.SnapshotWritten{
		Meta:       schema.NewMeta("state", schema.WithTsIngest(schema.TimeFromStd(c.now()))),
		RunID:      doc.RunID,
		Location:   location,
		Bytes:      size,
		Collectors: names,
	}
	if err := c.disp.Enqueue(c.runCtx, func() {
		bus.Publish(c.disp.Bus(), schema.TopicSnapshotWritten, written)
	}); err != nil {
		c.log.Warn().Err(err).Msg("snapshot_written dropped")
	}
}

// onRecoveryRequest loads the latest document on a worker and restores the
// collectors back on the dispatch goroutine.
func (c *Coordinator) onRecoveryRequest(schema.RecoveryRequest) {
	c.wg.Go(func() {
		doc, err := c.store.LoadLatest(c.runCtx)
		if err != nil {
			c.publishRecoveryFailed(err.Error())
			return
		}
		if err := c.disp.Enqueue(c.runCtx, func() { c.restore(doc) }); err != nil {
			c.log.Warn().Err(err).Msg("recovery dropped")
		}
	})
}

func (c *Coordinator) restore(doc *Document) {
	var restored []string
	for _, col := range c.collectors {
		blob, ok := doc.Blobs[col.Name()]
		if !ok {
			continue
		}
		if err := col.Restore(blob); err != nil {
			c.log.Warn().Err(err).Str("collector", col.Name()).Msg("collector restore failed")
			continue
		}
		restored = append(restored, col.Name())
	}
	sort.Strings(restored)
	bus.Publish(c.disp.Bus(), schema.TopicRecoveryLoaded, schema.RecoveryLoaded{
		Meta:       schema.NewMeta("state", schema.WithTsIngest(schema.TimeFromStd(c.now()))),
		RunID:      doc.RunID,
		TakenAt:    doc.TakenAt,
		Collectors: restored,
	})
	c.log.Info().Str("runId", doc.RunID).Strs("collectors", restored).Msg("state restored")
}

func (c *Coordinator) publishRecoveryFailed(reason string) {
	failed := schema.RecoveryFailed{
		Meta:   schema.NewMeta("state", schema.WithTsIngest(schema.TimeFromStd(c.now()))),
		Reason: reason,
	}
	if err := c.disp.Enqueue(c.runCtx, func() {
		bus.Publish(c.disp.Bus(), schema.TopicRecoveryFailed, failed)
	}); err != nil {
		c.log.Warn().Err(err).Msg("recovery_failed dropped")
	}
}

func (c *Coordinator) publishWriteFailure(cause error) {
	failure := schema.WriteFailure{
		Meta: schema.NewMeta("state", schema.WithTsIngest(schema.TimeFromStd(c.now()))),
		Path: "snapshot",
		Err:  cause.Error(),
	}
	if err := c.disp.Enqueue(c.runCtx, func() {
		bus.Publish(c.disp.Bus(), schema.TopicWriteFailed, failure)
	}); err != nil {
		c.log.Warn().Err(err).Msg("writeFailed dropped")
	}
}
