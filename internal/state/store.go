// Package state persists analytics state across restarts: a coordinator
// collects msgpack blobs from registered components on a cron schedule and a
// pluggable store keeps the last few documents.
package state

import (
	"context"
	"errors"

	"github.com/tidemill/weir/internal/schema"
)

// ErrNoSnapshot is returned by LoadLatest when the store holds nothing.
var ErrNoSnapshot = errors.New("state: no snapshot available")

// Document is one persisted snapshot: an opaque msgpack blob per collector.
type Document struct {
	RunID   string            `msgpack:"runId"`
	TakenAt schema.TimeMS     `msgpack:"takenAt"`
	Blobs   map[string][]byte `msgpack:"blobs"`
}

// Collectors returns the sorted-at-call-site collector names in the document.
func (d *Document) Collectors() []string {
	names := make([]string, 0, len(d.Blobs))
	for name := range d.Blobs {
		names = append(names, name)
	}
	return names
}

// Store is the persistence contract for snapshot documents.
type Store interface {
	// Write persists a document and returns its location and encoded size.
	Write(ctx context.Context, doc *Document) (location string, size int, err error)
	// LoadLatest returns the most recent document or ErrNoSnapshot.
	LoadLatest(ctx context.Context) (*Document, error)
	// Close releases store resources.
	Close() error
}
