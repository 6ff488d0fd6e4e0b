package quality

import (
	"sort"

	"github.com/tidemill/weir/internal/schema"
)

// StalenessRule bounds the acceptable event age for a topic. Symbol and
// Market narrow the rule; empty matches everything.
type StalenessRule struct {
	Topic              string
	Symbol             string
	Market             schema.MarketType
	ExpectedIntervalMs int64
	StaleThresholdMs   int64
	StartupGraceMs     int64
	MinSamples         int
}

// specificity orders rules: topic+symbol+market > topic+symbol >
// topic+market > topic.
func (r StalenessRule) specificity() int {
	s := 0
	if r.Symbol != "" {
		s += 2
	}
	if r.Market != "" {
		s++
	}
	return s
}

func (r StalenessRule) matches(topic, symbol string, market schema.MarketType) bool {
	if r.Topic != topic {
		return false
	}
	if r.Symbol != "" && r.Symbol != symbol {
		return false
	}
	if r.Market != "" && r.Market != market {
		return false
	}
	return true
}

// StalenessPolicy resolves the governing rule for a stream observation.
type StalenessPolicy struct {
	rules []StalenessRule
}

// NewStalenessPolicy builds a policy. Rules are pre-sorted most specific
// first so Match returns the winner with one scan.
func NewStalenessPolicy(rules []StalenessRule) *StalenessPolicy {
	sorted := append([]StalenessRule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].specificity() > sorted[j].specificity()
	})
	return &StalenessPolicy{rules: sorted}
}

// Match returns the most specific rule covering (topic, symbol, market).
func (p *StalenessPolicy) Match(topic, symbol string, market schema.MarketType) (StalenessRule, bool) {
	for _, rule := range p.rules {
		if rule.matches(topic, symbol, market) {
			return rule, true
		}
	}
	return StalenessRule{}, false
}

// sourceAge is the staleness checker's view of one observed source.
type sourceAge struct {
	firstSeen schema.TimeMS
	lastSeen  schema.TimeMS
	samples   int
}

// StaleChecker evaluates observed sources against the policy. Single
// goroutine use, like the monitors.
type StaleChecker struct {
	policy *StalenessPolicy
	seen   map[streamKey]*sourceAge
}

// NewStaleChecker builds a checker over the policy.
func NewStaleChecker(policy *StalenessPolicy) *StaleChecker {
	return &StaleChecker{policy: policy, seen: make(map[streamKey]*sourceAge)}
}

// Observe records a sighting used by later Check calls.
func (c *StaleChecker) Observe(topic, streamID string, ts schema.TimeMS) {
	key := streamKey{topic: topic, streamID: streamID}
	age, ok := c.seen[key]
	if !ok {
		age = &sourceAge{firstSeen: ts}
		c.seen[key] = age
	}
	if ts > age.lastSeen {
		age.lastSeen = ts
	}
	age.samples++
}

// Check evaluates one source at now. Stale is true only after the startup
// grace expired and the minimum sample count was met; ageMs is the time
// since the last sighting.
func (c *StaleChecker) Check(topic, symbol, streamID string, market schema.MarketType, now schema.TimeMS) (stale bool, ageMs, thresholdMs int64) {
	rule, ok := c.policy.Match(topic, symbol, market)
	if !ok {
		return false, 0, 0
	}
	age, seen := c.seen[streamKey{topic: topic, streamID: streamID}]
	if !seen {
		return false, 0, rule.StaleThresholdMs
	}
	if age.samples < rule.MinSamples {
		return false, 0, rule.StaleThresholdMs
	}
	if rule.StartupGraceMs > 0 && int64(now)-int64(age.firstSeen) < rule.StartupGraceMs {
		return false, 0, rule.StaleThresholdMs
	}
	ageMs = int64(now) - int64(age.lastSeen)
	return ageMs > rule.StaleThresholdMs, ageMs, rule.StaleThresholdMs
}

// Reset forgets every source on streamID.
func (c *StaleChecker) Reset(streamID string) {
	for key := range c.seen {
		if key.streamID == streamID {
			delete(c.seen, key)
		}
	}
}
