package readiness

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tidemill/weir/internal/schema"
)

type engineDoc struct {
	Symbol       string            `msgpack:"symbol"`
	Market       schema.MarketType `msgpack:"market"`
	Seeded       bool              `msgpack:"seeded"`
	FirstEventTs schema.TimeMS     `msgpack:"firstEventTs"`
	BucketTs     schema.TimeMS     `msgpack:"bucketTs"`
}

// Name keys the engine's blob inside a snapshot document.
func (e *Engine) Name() string { return "readiness" }

// Snapshot persists the warmup anchor and target so a restart does not
// re-enter the full warming window. Per-bucket flags and connection state
// describe the live session and are not carried over.
func (e *Engine) Snapshot() (any, error) {
	return engineDoc{
		Symbol:       e.symbol,
		Market:       e.market,
		Seeded:       e.seeded,
		FirstEventTs: e.firstEventTs,
		BucketTs:     e.bucketTs,
	}, nil
}

// Restore re-seeds the target and warmup anchor from a snapshot blob. A
// target pinned by config wins over the snapshot.
func (e *Engine) Restore(data []byte) error {
	var doc engineDoc
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return err
	}
	if !doc.Seeded {
		return nil
	}
	if !e.seeded {
		e.symbol = doc.Symbol
		e.market = doc.Market
		e.seeded = true
	}
	if e.symbol == doc.Symbol && e.market == doc.Market {
		e.firstEventTs = doc.FirstEventTs
		e.bucketTs = doc.BucketTs
	}
	return nil
}
