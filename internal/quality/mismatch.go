package quality

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// MismatchConfig tunes cross-venue divergence detection.
type MismatchConfig struct {
	// Baseline is either a venue name or "median".
	Baseline string
	// ThresholdPct is the allowed deviation from the baseline, in percent.
	ThresholdPct float64
	// MinSources is the smallest comparable set worth checking.
	MinSources int
}

func (c *MismatchConfig) normalize() {
	if c.Baseline == "" {
		c.Baseline = "median"
	}
	if c.ThresholdPct <= 0 {
		c.ThresholdPct = 5
	}
	if c.MinSources < 2 {
		c.MinSources = 2
	}
}

// MismatchResult is the outcome of one comparison round.
type MismatchResult struct {
	Baseline      string
	BaselineValue float64
	Outliers      map[string]float64
	DeviationPct  float64
	Suppressed    bool
	Reason        string
}

// Detected reports whether at least one source diverged beyond threshold.
func (r MismatchResult) Detected() bool { return len(r.Outliers) > 0 }

// MismatchDetector compares comparable venue values against a deterministic
// baseline. Stateless between rounds; the aggregators own windows.
type MismatchDetector struct {
	cfg MismatchConfig
}

// NewMismatchDetector builds a detector.
func NewMismatchDetector(cfg MismatchConfig) *MismatchDetector {
	cfg.normalize()
	return &MismatchDetector{cfg: cfg}
}

// Compare evaluates the comparable values, keyed by source. With fewer than
// MinSources comparable values the check is suppressed, not failed; the
// caller records the suppression reason it knows (for unit exclusions that
// is NO_COMPARABLE_UNIT).
func (d *MismatchDetector) Compare(values map[string]float64, suppressReason string) MismatchResult {
	if len(values) < d.cfg.MinSources {
		reason := suppressReason
		if reason == "" {
			reason = "INSUFFICIENT_SOURCES"
		}
		return MismatchResult{Suppressed: true, Reason: reason}
	}

	baselineName, baselineValue := d.baseline(values)
	if baselineValue == 0 {
		return MismatchResult{Suppressed: true, Reason: "ZERO_BASELINE", Baseline: baselineName}
	}

	result := MismatchResult{Baseline: baselineName, BaselineValue: baselineValue}
	for source, v := range values {
		dev := math.Abs(v-baselineValue) / math.Abs(baselineValue) * 100
		if dev > d.cfg.ThresholdPct {
			if result.Outliers == nil {
				result.Outliers = make(map[string]float64)
			}
			result.Outliers[source] = v
			if dev > result.DeviationPct {
				result.DeviationPct = dev
			}
		}
	}
	return result
}

// baseline resolves the reference value: the configured venue's reading
// when present, otherwise the median over all comparable sources.
func (d *MismatchDetector) baseline(values map[string]float64) (string, float64) {
	if d.cfg.Baseline != "median" {
		for source, v := range values {
			if sourceVenue(source) == d.cfg.Baseline {
				return d.cfg.Baseline, v
			}
		}
	}
	xs := make([]float64, 0, len(values))
	for _, v := range values {
		xs = append(xs, v)
	}
	sort.Float64s(xs)
	return "median", stat.Quantile(0.5, stat.Empirical, xs, nil)
}

// sourceVenue is the venue segment of a stream identity or a bare venue.
func sourceVenue(source string) string {
	for i := 0; i < len(source); i++ {
		if source[i] == ':' {
			return source[:i]
		}
	}
	return source
}
