package journal

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/quality"
	"github.com/tidemill/weir/internal/schema"
)

// Config tunes both journal sinks.
type Config struct {
	BaseDir            string
	Topics             []string
	AggregatedEnabled  bool
	AggregatedTopics   []string
	BatchSize          int
	FlushInterval      time.Duration
	RetryBackoff       time.Duration
	MaxRetries         int
	LatencyThresholdMs int64
	GapDebug           bool
}

// Journal subscribes the configured topics, assigns the run-scoped seq, and
// hands encoded records to the batching writer. It also feeds the quality
// monitor from the same input stream, so gap/duplicate/latency findings and
// the journal see identical data.
type Journal struct {
	cfg     Config
	log     zerolog.Logger
	b       *bus.Bus
	writer  *fileWriter
	monitor *quality.Monitor
	runID   string
	seq     uint64
	subs    []bus.Subscription
	started bool
}

// New builds a journal with a freshly minted runId.
func New(disp *bus.Dispatcher, cfg Config, log zerolog.Logger) *Journal {
	log = log.With().Str("component", "journal").Logger()
	return &Journal{
		cfg: cfg,
		log: log,
		b:   disp.Bus(),
		writer: newFileWriter(disp, cfg.BatchSize, cfg.FlushInterval,
			cfg.RetryBackoff, cfg.MaxRetries, log),
		monitor: quality.NewMonitor(disp.Bus(), quality.MonitorConfig{
			LatencyThresholdMs: cfg.LatencyThresholdMs,
			GapDebug:           cfg.GapDebug,
		}, log),
		runID: uuid.NewString(),
	}
}

// RunID is the identifier scoping this journal's seq numbering and layout.
func (j *Journal) RunID() string { return j.runID }

// Start subscribes the sinks and launches the flush worker. Aggregated and
// raw topics in the normalized topic list are rejected outright; mixing the
// journals is an invariant violation, not a configuration preference.
func (j *Journal) Start(ctx context.Context) error {
	if j.started {
		return errs.New("journal", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	for _, topic := range j.cfg.Topics {
		if schema.AggregatedTopic(topic) || schema.RawTopic(topic) {
			return errs.New("journal", errs.CodeInvariant,
				errs.WithTopic(topic),
				errs.WithMessage("topic is not journalable"))
		}
		sub, ok := schema.SubscribeJournal(j.b, topic, j.append)
		if !ok {
			return errs.New("journal", errs.CodeConfig,
				errs.WithTopic(topic),
				errs.WithMessage("unknown journal topic"))
		}
		j.subs = append(j.subs, sub)
	}
	if j.cfg.AggregatedEnabled {
		for _, topic := range j.cfg.AggregatedTopics {
			if !schema.AggregatedTopic(topic) {
				return errs.New("journal", errs.CodeInvariant,
					errs.WithTopic(topic),
					errs.WithMessage("topic is not an aggregated topic"))
			}
			sub, ok := schema.SubscribeAggregatedJournal(j.b, topic, j.appendAggregated)
			if !ok {
				return errs.New("journal", errs.CodeConfig,
					errs.WithTopic(topic),
					errs.WithMessage("unknown aggregated topic"))
			}
			j.subs = append(j.subs, sub)
		}
	}
	j.subs = append(j.subs, bus.Subscribe(j.b, schema.TopicDisconnected, j.onDisconnected))

	j.writer.start(ctx)
	j.started = true
	j.log.Info().Str("runId", j.runID).Str("dir", j.cfg.BaseDir).
		Int("topics", len(j.cfg.Topics)).Msg("journal started")
	return nil
}

// Stop unsubscribes and drains the writer. In-flight batches complete.
func (j *Journal) Stop() {
	if !j.started {
		return
	}
	j.started = false
	for _, sub := range j.subs {
		sub.Cancel()
	}
	j.subs = nil
	j.writer.stop()
}

// append runs on the dispatcher thread: quality tap, seq assignment,
// encode, enqueue.
func (j *Journal) append(entry schema.JournalEntry) {
	j.monitor.Observe(entry)

	data, ok := j.encode(entry)
	if !ok {
		return
	}
	j.writer.enqueue(line{
		path: PartitionPath(j.cfg.BaseDir, entry.StreamID, entry.Symbol,
			entry.Topic, entry.Timeframe, j.runID, entry.TsIngest),
		data: data,
	})
}

func (j *Journal) appendAggregated(entry schema.JournalEntry) {
	data, ok := j.encode(entry)
	if !ok {
		return
	}
	j.writer.enqueue(line{
		path: AggregatedPath(j.cfg.BaseDir, entry.Topic, entry.Symbol, j.runID, entry.TsIngest),
		data: data,
	})
}

func (j *Journal) encode(entry schema.JournalEntry) ([]byte, bool) {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		j.log.Warn().Err(err).Str("topic", entry.Topic).Msg("unencodable journal payload")
		return nil, false
	}
	j.seq++
	record := schema.JournalRecord{
		Seq:      j.seq,
		StreamID: entry.StreamID,
		Topic:    entry.Topic,
		Symbol:   entry.Symbol,
		TsIngest: entry.TsIngest,
		Payload:  payload,
	}
	data, err := json.Marshal(record)
	if err != nil {
		j.log.Warn().Err(err).Str("topic", entry.Topic).Msg("unencodable journal record")
		return nil, false
	}
	return data, true
}

func (j *Journal) onDisconnected(ev schema.ConnectionEvent) {
	for _, streamID := range ev.StreamIDs {
		j.monitor.Reset(streamID)
	}
}

// SanitizeStream maps stream identity colons to underscores for filesystem
// safety.
func SanitizeStream(streamID string) string {
	return strings.ReplaceAll(streamID, ":", "_")
}

// DateName renders the file name for an ingest timestamp: UTC calendar day.
func DateName(ts schema.TimeMS) string {
	return ts.Std().Format("2006-01-02") + ".jsonl"
}

// PartitionPath lays out
// <base>/<streamId>/<symbol>/<topicDir>/[tf/]<runId>/<YYYY-MM-DD>.jsonl.
func PartitionPath(base, streamID, symbol, topic, tf, runID string, tsIngest schema.TimeMS) string {
	parts := []string{base, SanitizeStream(streamID), symbol, schema.TopicDir(topic)}
	if tf != "" {
		parts = append(parts, tf)
	}
	parts = append(parts, runID, DateName(tsIngest))
	return filepath.Join(parts...)
}

// AggregatedPath lays out
// <base>/aggregated/<topicDir>/<symbol>/<runId>/<YYYY-MM-DD>.jsonl.
func AggregatedPath(base, topic, symbol, runID string, tsIngest schema.TimeMS) string {
	return filepath.Join(base, "aggregated", schema.TopicDir(topic), symbol, runID, DateName(tsIngest))
}
