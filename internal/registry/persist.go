package registry

import (
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tidemill/weir/internal/schema"
)

const persistKeySep = "|"

type sourceDoc struct {
	StreamID   string        `msgpack:"streamId"`
	LastSeen   schema.TimeMS `msgpack:"lastSeen"`
	Samples    int           `msgpack:"samples"`
	Aggregated bool          `msgpack:"aggregated"`
}

type registryDoc struct {
	Seen map[string]map[string]sourceDoc `msgpack:"seen"`
}

// Name keys the registry's blob inside a snapshot document.
func (r *Registry) Name() string { return "registry" }

// Snapshot exports the seen-source table. Degraded flags describe live
// connections and do not survive a restart.
func (r *Registry) Snapshot() (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc := registryDoc{Seen: make(map[string]map[string]sourceDoc, len(r.seen))}
	for key, byStream := range r.seen {
		streams := make(map[string]sourceDoc, len(byStream))
		for streamID, info := range byStream {
			streams[streamID] = sourceDoc{
				StreamID:   info.StreamID,
				LastSeen:   info.LastSeen,
				Samples:    info.Samples,
				Aggregated: info.Aggregated,
			}
		}
		doc.Seen[key.Symbol+persistKeySep+string(key.Market)] = streams
	}
	return doc, nil
}

// Restore replaces the seen-source table from a snapshot blob. The expected
// block table stays config-owned.
func (r *Registry) Restore(data []byte) error {
	var doc registryDoc
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return err
	}
	seen := make(map[Key]map[string]*SourceInfo, len(doc.Seen))
	for key, streams := range doc.Seen {
		symbol, market, ok := strings.Cut(key, persistKeySep)
		if !ok || symbol == "" {
			continue
		}
		byStream := make(map[string]*SourceInfo, len(streams))
		for streamID, sd := range streams {
			byStream[streamID] = &SourceInfo{
				StreamID:   sd.StreamID,
				LastSeen:   sd.LastSeen,
				Samples:    sd.Samples,
				Aggregated: sd.Aggregated,
			}
		}
		seen[Key{Symbol: symbol, Market: schema.MarketType(market)}] = byStream
	}

	r.mu.Lock()
	r.seen = seen
	r.mu.Unlock()
	return nil
}
