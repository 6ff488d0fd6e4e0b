package readiness

import "github.com/tidemill/weir/internal/schema"

// priceFlowJoin matches canonical price emissions against flow buckets.
// Bucket labels are floor-aligned; membership is end-inclusive, so an event
// landing exactly on the boundary still joins the closing bucket rather than
// raising a spurious warning.
type priceFlowJoin struct {
	bucketMs    int64
	lastPriceTs schema.TimeMS
	lastFlowTs  schema.TimeMS
	havePrice   bool
	haveFlow    bool
}

func newPriceFlowJoin(bucketMs int64) *priceFlowJoin {
	return &priceFlowJoin{bucketMs: bucketMs}
}

func (j *priceFlowJoin) priceSeen(ts schema.TimeMS) {
	j.lastPriceTs = ts
	j.havePrice = true
}

func (j *priceFlowJoin) flowSeen(bucketTs schema.TimeMS) {
	j.lastFlowTs = bucketTs
	j.haveFlow = true
}

// misaligned reports whether the latest price fell behind the latest flow
// bucket. A price inside the flow bucket's [start, end] window (end
// inclusive, so boundary jitter matches) or in a later bucket is aligned; a
// price older than the bucket start means the price path stalled relative
// to flow. Only meaningful once both sides reported.
func (j *priceFlowJoin) misaligned() bool {
	if !j.havePrice || !j.haveFlow {
		return false
	}
	if schema.InBucket(j.lastPriceTs, j.lastFlowTs, j.bucketMs) {
		return false
	}
	return j.lastPriceTs < j.lastFlowTs
}
