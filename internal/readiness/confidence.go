package readiness

import (
	"fmt"
	"strings"

	"github.com/tidemill/weir/internal/registry"
	"github.com/tidemill/weir/internal/schema"
)

// Penalty factors, applied multiplicatively in declaration order.
const (
	penaltyMismatch = 0.5
	penaltyGap      = 0.7
	penaltySeq      = 0.5
	penaltyLag      = 0.8
	penaltyOutlier  = 0.8
)

// blockInputs is everything the scorer needs about one block at evaluation
// time.
type blockInputs struct {
	fresh        int
	staleDropped int
	expected     int

	mismatch  bool
	gap       bool
	seqBroken bool
	lag       bool
	outlier   bool
}

// scoreBlock derives a block confidence in [0,1] with its penalty trail.
// Base is fresh/expected when the registry has an expectation for the block,
// fresh/(fresh+staleDropped) otherwise. Penalties multiply in a fixed order
// so the trail reads the same across runs; source caps clamp last.
func scoreBlock(in blockInputs, caps []sourceCap) (float64, []string) {
	var base float64
	switch {
	case in.expected > 0:
		base = float64(in.fresh) / float64(in.expected)
	case in.fresh+in.staleDropped > 0:
		base = float64(in.fresh) / float64(in.fresh+in.staleDropped)
	}
	score := clamp01(base)
	var penalties []string

	apply := func(active bool, name string, factor float64) {
		if !active {
			return
		}
		score *= factor
		penalties = append(penalties, fmt.Sprintf("%s x%.2f", name, factor))
	}
	apply(in.mismatch, "MISMATCH", penaltyMismatch)
	apply(in.gap, "GAP", penaltyGap)
	apply(in.seqBroken, "SEQ_BROKEN", penaltySeq)
	apply(in.lag, "LAG", penaltyLag)
	apply(in.outlier, "OUTLIER", penaltyOutlier)

	for _, c := range caps {
		if score > c.value {
			score = c.value
			penalties = append(penalties, fmt.Sprintf("SOURCE_CAP(%s) %.2f", c.streamID, c.value))
		}
	}
	return clamp01(score), penalties
}

// sourceCap is a venue trust ceiling resolved from configuration, keyed by
// the capped stream.
type sourceCap struct {
	streamID string
	value    float64
}

// capsFor resolves the configured caps that bind a block on the target
// market. A cap applies when its stream key belongs to the block's channel.
func capsFor(caps map[string]float64, block schema.Block, market schema.MarketType) []sourceCap {
	var out []sourceCap
	for streamID, value := range caps {
		parts := strings.SplitN(streamID, ":", 3)
		if len(parts) != 3 {
			continue
		}
		if schema.MarketType(parts[1]) != market {
			continue
		}
		capBlock, ok := registry.BlockOf(schema.Channel(parts[2]))
		if !ok || capBlock != block {
			continue
		}
		out = append(out, sourceCap{streamID: streamID, value: value})
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
