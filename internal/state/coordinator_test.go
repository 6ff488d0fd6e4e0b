package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
)

// memStore keeps the last written document in memory.
type memStore struct {
	mu  sync.Mutex
	doc *Document
}

func (s *memStore) Write(_ context.Context, doc *Document) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
	return "mem:" + doc.RunID, 1, nil
}

func (s *memStore) LoadLatest(context.Context) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil, ErrNoSnapshot
	}
	return s.doc, nil
}

func (s *memStore) Close() error { return nil }

type counterCollector struct {
	name  string
	count int
}

func (c *counterCollector) Name() string { return c.name }

func (c *counterCollector) Snapshot() (any, error) {
	return map[string]int{"count": c.count}, nil
}

func (c *counterCollector) Restore(data []byte) error {
	var payload map[string]int
	if err := msgpack.Unmarshal(data, &payload); err != nil {
		return err
	}
	c.count = payload["count"]
	return nil
}

func newCoordinator(t *testing.T, store Store) (*Coordinator, *bus.Bus) {
	t.Helper()
	b := bus.New(zerolog.Nop())
	disp := bus.NewDispatcher(b, 64, zerolog.Nop())
	require.NoError(t, disp.Start(context.Background()))
	t.Cleanup(disp.Stop)

	manual := clock.NewManual(time.UnixMilli(50_000))
	c := New(Config{Schedule: "@every 1h"}, store, disp, manual.Now, zerolog.Nop())
	return c, b
}

func TestSnapshotCollectsAndWrites(t *testing.T) {
	store := &memStore{}
	c, b := newCoordinator(t, store)
	c.Register(&counterCollector{name: "features", count: 7})
	c.Register(&counterCollector{name: "registry", count: 3})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	var mu sync.Mutex
	var written []schema.SnapshotWritten
	bus.Subscribe(b, schema.TopicSnapshotWritten, func(w schema.SnapshotWritten) {
		mu.Lock()
		defer mu.Unlock()
		written = append(written, w)
	})

	bus.Publish(b, schema.TopicSnapshotRequested, schema.SnapshotRequest{Reason: "test"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(written) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"features", "registry"}, written[0].Collectors)
	require.NotEmpty(t, written[0].RunID)
	require.Equal(t, "mem:"+written[0].RunID, written[0].Location)
	require.Equal(t, schema.TimeMS(50_000), store.doc.TakenAt)
}

func TestRecoveryRestoresCollectors(t *testing.T) {
	store := &memStore{}

	// First coordinator takes the snapshot.
	writer, wb := newCoordinator(t, store)
	writer.Register(&counterCollector{name: "features", count: 42})
	require.NoError(t, writer.Start(context.Background()))
	bus.Publish(wb, schema.TopicSnapshotRequested, schema.SnapshotRequest{})
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.doc != nil
	}, time.Second, 5*time.Millisecond)
	writer.Stop()

	// Second coordinator restores into a fresh collector.
	restored := &counterCollector{name: "features"}
	reader, rb := newCoordinator(t, store)
	reader.Register(restored)
	require.NoError(t, reader.Start(context.Background()))
	t.Cleanup(reader.Stop)

	var mu sync.Mutex
	var loaded []schema.RecoveryLoaded
	bus.Subscribe(rb, schema.TopicRecoveryLoaded, func(l schema.RecoveryLoaded) {
		mu.Lock()
		defer mu.Unlock()
		loaded = append(loaded, l)
	})

	bus.Publish(rb, schema.TopicRecoveryRequested, schema.RecoveryRequest{})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(loaded) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"features"}, loaded[0].Collectors)
	require.Equal(t, 42, restored.count)
}

func TestRecoveryWithoutSnapshotFails(t *testing.T) {
	c, b := newCoordinator(t, &memStore{})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	var mu sync.Mutex
	var failures []schema.RecoveryFailed
	bus.Subscribe(b, schema.TopicRecoveryFailed, func(f schema.RecoveryFailed) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, f)
	})

	bus.Publish(b, schema.TopicRecoveryRequested, schema.RecoveryRequest{})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinatorRejectsBadSchedule(t *testing.T) {
	b := bus.New(zerolog.Nop())
	disp := bus.NewDispatcher(b, 8, zerolog.Nop())
	require.NoError(t, disp.Start(context.Background()))
	t.Cleanup(disp.Stop)

	c := New(Config{Schedule: "not-a-schedule"}, &memStore{}, disp, nil, zerolog.Nop())
	require.Error(t, c.Start(context.Background()))
}
