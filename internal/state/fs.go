package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tidemill/weir/errs"
)

const snapExt = ".snap"

// FSStore keeps snapshot documents as msgpack files under one directory,
// pruning to the newest keepLast. File names sort chronologically.
type FSStore struct {
	dir      string
	keepLast int
}

// NewFSStore creates the directory if needed. keepLast <= 0 keeps everything.
func NewFSStore(dir string, keepLast int) (*FSStore, error) {
	if dir == "" {
		return nil, errs.New("state", errs.CodeConfig, errs.WithMessage("snapshot dir required"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New("state", errs.CodeConfig, errs.WithMessage("create snapshot dir"), errs.WithCause(err))
	}
	return &FSStore{dir: dir, keepLast: keepLast}, nil
}

func (s *FSStore) Write(_ context.Context, doc *Document) (string, int, error) {
	data, err := msgpack.Marshal(doc)
	if err != nil {
		return "", 0, errs.New("state", errs.CodeStorage, errs.WithMessage("encode snapshot"), errs.WithCause(err))
	}
	short := doc.RunID
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("weir-%013d-%s%s", int64(doc.TakenAt), short, snapExt)
	path := filepath.Join(s.dir, name)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", 0, errs.New("state", errs.CodeStorage, errs.WithMessage("write snapshot"), errs.WithCause(err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", 0, errs.New("state", errs.CodeStorage, errs.WithMessage("finalize snapshot"), errs.WithCause(err))
	}
	s.prune()
	return path, len(data), nil
}

func (s *FSStore) LoadLatest(_ context.Context) (*Document, error) {
	files, err := s.list()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoSnapshot
	}
	latest := files[len(files)-1]
	data, err := os.ReadFile(filepath.Join(s.dir, latest))
	if err != nil {
		return nil, errs.New("state", errs.CodeStorage, errs.WithMessage("read snapshot"), errs.WithCause(err))
	}
	var doc Document
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, errs.New("state", errs.CodeStorage, errs.WithMessage("decode snapshot"), errs.WithCause(err))
	}
	return &doc, nil
}

func (s *FSStore) Close() error { return nil }

// list returns snapshot file names sorted oldest first.
func (s *FSStore) list() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errs.New("state", errs.CodeStorage, errs.WithMessage("list snapshots"), errs.WithCause(err))
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), snapExt) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *FSStore) prune() {
	if s.keepLast <= 0 {
		return
	}
	names, err := s.list()
	if err != nil {
		return
	}
	for len(names) > s.keepLast {
		_ = os.Remove(filepath.Join(s.dir, names[0]))
		names = names[1:]
	}
}
