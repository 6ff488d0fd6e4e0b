// Package replay re-emits journaled events onto the bus, deterministically
// and in seq order, with optional pacing derived from the recorded ingest
// timestamps.
package replay

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/journal"
	"github.com/tidemill/weir/internal/schema"
)

// Mode selects the pacing applied between records.
type Mode string

const (
	// ModeMax re-emits with no delay.
	ModeMax Mode = "max"
	// ModeAccelerated sleeps the recorded ingest deltas divided by the
	// speed factor.
	ModeAccelerated Mode = "accelerated"
	// ModeRealtime sleeps the full recorded ingest deltas.
	ModeRealtime Mode = "realtime"
)

// Request selects what to replay. Topic, StreamID and Symbol are required;
// Tf only applies to kline partitions. Empty RunID replays the legacy
// layout directly.
type Request struct {
	Dir         string
	StreamID    string
	Symbol      string
	RunID       string
	Topic       string
	Tf          string
	DateFrom    string
	DateTo      string
	Mode        Mode
	SpeedFactor float64
}

// Runner replays one request. Emission happens on the caller's goroutine;
// run it from the dispatcher when mixing with live flow.
type Runner struct {
	log zerolog.Logger
	b   *bus.Bus
}

// NewRunner builds a runner emitting on b.
func NewRunner(b *bus.Bus, log zerolog.Logger) *Runner {
	return &Runner{log: log.With().Str("component", "replay").Logger(), b: b}
}

// Run replays the request to completion. Corrupted lines and
// schema-invalid records are skipped with replay:warning; only layout
// failures abort with replay:error. On finish a replay:finished carries the
// per-topic counts.
func (r *Runner) Run(ctx context.Context, req Request) error {
	start := time.Now()
	if req.Mode == "" {
		req.Mode = ModeMax
	}
	if req.SpeedFactor <= 0 {
		req.SpeedFactor = 10
	}

	files, err := r.enumerate(req)
	if err != nil {
		bus.Publish(r.b, schema.TopicReplayError, schema.ReplayError{
			Meta:   schema.NewMeta(schema.SourceReplay),
			Reason: err.Error(),
		})
		return err
	}

	counts := make(map[string]int)
	skipped := 0
	var prevIngest schema.TimeMS

	for _, file := range files {
		records, fileSkipped := r.load(file)
		skipped += fileSkipped
		// Safety net: files are written in seq order, but a crashed run
		// may interleave flushes.
		sort.SliceStable(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

		for _, record := range records {
			if err := r.pace(ctx, req, prevIngest, record.TsIngest); err != nil {
				return err
			}
			prevIngest = record.TsIngest

			if err := schema.PublishJournaled(r.b, record.Topic, record.Payload); err != nil {
				skipped++
				bus.Publish(r.b, schema.TopicReplayWarning, schema.ReplayWarning{
					Meta:   schema.NewMeta(schema.SourceReplay),
					File:   file,
					Reason: err.Error(),
				})
				continue
			}
			counts[record.Topic]++
		}
	}

	bus.Publish(r.b, schema.TopicReplayFinished, schema.ReplayFinished{
		Meta:       schema.NewMeta(schema.SourceReplay),
		Counts:     counts,
		Skipped:    skipped,
		DurationMs: time.Since(start).Milliseconds(),
	})
	r.log.Info().Interface("counts", counts).Int("skipped", skipped).Msg("replay finished")
	return nil
}

// enumerate resolves the partition directory and lists its files in
// lexicographic (date) order. The runId layout wins when present; a missing
// runId directory falls back to the legacy layout without the segment, so
// historical journals stay replayable.
func (r *Runner) enumerate(req Request) ([]string, error) {
	base := filepath.Join(req.Dir, journal.SanitizeStream(req.StreamID), req.Symbol, schema.TopicDir(req.Topic))
	if req.Tf != "" {
		base = filepath.Join(base, req.Tf)
	}

	dir := base
	if req.RunID != "" {
		withRun := filepath.Join(base, req.RunID)
		if info, err := os.Stat(withRun); err == nil && info.IsDir() {
			dir = withRun
		} else {
			r.log.Warn().Str("runId", req.RunID).Str("dir", base).
				Msg("runId layout missing, falling back to legacy layout")
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.New("replay", errs.CodeReplay,
			errs.WithTopic(req.Topic),
			errs.WithMessage("journal partition unreadable"),
			errs.WithCause(err))
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		date := strings.TrimSuffix(entry.Name(), ".jsonl")
		if req.DateFrom != "" && date < req.DateFrom {
			continue
		}
		if req.DateTo != "" && date > req.DateTo {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, errs.New("replay", errs.CodeNotFound,
			errs.WithTopic(req.Topic),
			errs.WithSymbol(req.Symbol),
			errs.WithMessage("no journal files match the request"))
	}
	return files, nil
}

// load decodes one JSONL file, emitting a replay:warning per bad line.
func (r *Runner) load(file string) ([]schema.JournalRecord, int) {
	f, err := os.Open(file)
	if err != nil {
		bus.Publish(r.b, schema.TopicReplayWarning, schema.ReplayWarning{
			Meta:   schema.NewMeta(schema.SourceReplay),
			File:   file,
			Reason: err.Error(),
		})
		return nil, 1
	}
	defer f.Close()

	var records []schema.JournalRecord
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var record schema.JournalRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil || record.Topic == "" {
			skipped++
			reason := "record missing topic"
			if err != nil {
				reason = err.Error()
			}
			bus.Publish(r.b, schema.TopicReplayWarning, schema.ReplayWarning{
				Meta:   schema.NewMeta(schema.SourceReplay),
				File:   file,
				Line:   lineNo,
				Reason: reason,
			})
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		skipped++
		bus.Publish(r.b, schema.TopicReplayWarning, schema.ReplayWarning{
			Meta:   schema.NewMeta(schema.SourceReplay),
			File:   file,
			Line:   lineNo,
			Reason: err.Error(),
		})
	}
	return records, skipped
}

// pace sleeps the mode-appropriate interval, honouring cancellation.
func (r *Runner) pace(ctx context.Context, req Request, prev, next schema.TimeMS) error {
	if req.Mode == ModeMax || prev == 0 || next <= prev {
		return ctx.Err()
	}
	delta := time.Duration(int64(next)-int64(prev)) * time.Millisecond
	if req.Mode == ModeAccelerated {
		delta = time.Duration(float64(delta) / req.SpeedFactor)
	}
	timer := time.NewTimer(delta)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
