package schema

// GapEvent reports a sequence gap on a stream+topic.
type GapEvent struct {
	Meta      Meta   `json:"meta"`
	StreamID  string `json:"streamId"`
	Topic     string `json:"topic"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"tf,omitempty"`
	Expected  SeqNum `json:"expected"`
	Observed  SeqNum `json:"observed"`
	Missed    uint64 `json:"missed"`
}

// OutOfOrderEvent reports an event whose time or sequence moved backwards.
type OutOfOrderEvent struct {
	Meta       Meta   `json:"meta"`
	StreamID   string `json:"streamId"`
	Topic      string `json:"topic"`
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"tf,omitempty"`
	PrevTs     TimeMS `json:"prevTs,omitempty"`
	ObservedTs TimeMS `json:"observedTs,omitempty"`
	PrevSeq    SeqNum `json:"prevSeq,omitempty"`
	Observed   SeqNum `json:"observedSeq,omitempty"`
	ByTime     bool   `json:"byTime"`
}

// DuplicateEvent reports a repeated sequence or trade identity.
type DuplicateEvent struct {
	Meta     Meta   `json:"meta"`
	StreamID string `json:"streamId"`
	Topic    string `json:"topic"`
	Symbol   string `json:"symbol"`
	Sequence SeqNum `json:"sequence,omitempty"`
	TradeID  string `json:"tradeId,omitempty"`
}

// LatencySpikeEvent reports ingest lag beyond the configured threshold.
type LatencySpikeEvent struct {
	Meta        Meta   `json:"meta"`
	StreamID    string `json:"streamId"`
	Topic       string `json:"topic"`
	Symbol      string `json:"symbol"`
	LagMs       int64  `json:"lagMs"`
	ThresholdMs int64  `json:"thresholdMs"`
}

// StaleEvent reports a source whose feed aged past its staleness rule.
type StaleEvent struct {
	Meta        Meta       `json:"meta"`
	Topic       string     `json:"topic"`
	Symbol      string     `json:"symbol"`
	MarketType  MarketType `json:"marketType,omitempty"`
	StreamID    string     `json:"streamId,omitempty"`
	AgeMs       int64      `json:"ageMs"`
	ThresholdMs int64      `json:"thresholdMs"`
}

// MismatchEvent reports cross-venue divergence beyond threshold, or a
// suppressed comparison when units were not comparable.
type MismatchEvent struct {
	Meta              Meta               `json:"meta"`
	Symbol            string             `json:"symbol"`
	MarketType        MarketType         `json:"marketType,omitempty"`
	Metric            string             `json:"metric"`
	Baseline          string             `json:"baseline,omitempty"`
	BaselineValue     float64            `json:"baselineValue,omitempty"`
	Values            map[string]float64 `json:"values,omitempty"`
	DeviationPct      float64            `json:"deviationPct,omitempty"`
	MismatchCount     int                `json:"mismatchCount"`
	Suppressed        bool               `json:"suppressed,omitempty"`
	SuppressionReason string             `json:"suppressionReason,omitempty"`
}

// SourceStateEvent reports a source entering or leaving degraded state on
// data:sourceDegraded / data:sourceRecovered.
type SourceStateEvent struct {
	Meta     Meta   `json:"meta"`
	StreamID string `json:"streamId"`
	Symbol   string `json:"symbol,omitempty"`
	Block    Block  `json:"block,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ConfidenceEvent carries a block confidence score with its penalty trail.
type ConfidenceEvent struct {
	Meta      Meta       `json:"meta"`
	Symbol    string     `json:"symbol"`
	MarketType MarketType `json:"marketType,omitempty"`
	Block     Block      `json:"block"`
	Score     float64    `json:"score"`
	Penalties []string   `json:"penalties,omitempty"`
}

// WriteFailure reports a journal flush failure on storage:writeFailed.
type WriteFailure struct {
	Meta    Meta   `json:"meta"`
	Path    string `json:"path"`
	Err     string `json:"error"`
	Retries int    `json:"retries"`
}

// ReplayWarning reports a skipped record during replay.
type ReplayWarning struct {
	Meta   Meta   `json:"meta"`
	File   string `json:"file"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// ReplayFinished reports per-topic replay counts for a completed run.
type ReplayFinished struct {
	Meta       Meta           `json:"meta"`
	Counts     map[string]int `json:"counts"`
	Skipped    int            `json:"skipped"`
	DurationMs int64          `json:"durationMs"`
}

// ReplayError reports an unrecoverable replay layout failure.
type ReplayError struct {
	Meta   Meta   `json:"meta"`
	Reason string `json:"reason"`
}
