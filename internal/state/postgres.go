package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vmihailenco/msgpack/v5"

	dbmigrations "github.com/tidemill/weir/db/migrations"
	"github.com/tidemill/weir/errs"
)

// PGStore persists snapshot documents in a weir_snapshots table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects, runs the embedded migrations, and returns the store.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	if dsn == "" {
		return nil, errs.New("state", errs.CodeConfig, errs.WithMessage("postgres dsn required"))
	}
	if err := runMigrations(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.New("state", errs.CodeStorage, errs.WithMessage("connect postgres"), errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New("state", errs.CodeStorage, errs.WithMessage("ping postgres"), errs.WithCause(err))
	}
	return &PGStore{pool: pool}, nil
}

func runMigrations(dsn string) error {
	src, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return errs.New("state", errs.CodeStorage, errs.WithMessage("load migrations"), errs.WithCause(err))
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return errs.New("state", errs.CodeStorage, errs.WithMessage("open migrator"), errs.WithCause(err))
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errs.New("state", errs.CodeStorage, errs.WithMessage("apply migrations"), errs.WithCause(err))
	}
	return nil
}

func (s *PGStore) Write(ctx context.Context, doc *Document) (string, int, error) {
	data, err := msgpack.Marshal(doc)
	if err != nil {
		return "", 0, errs.New("state", errs.CodeStorage, errs.WithMessage("encode snapshot"), errs.WithCause(err))
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO weir_snapshots (run_id, taken_at, doc) VALUES ($1, $2, $3)`,
		doc.RunID, int64(doc.TakenAt), data)
	if err != nil {
		return "", 0, errs.New("state", errs.CodeStorage, errs.WithMessage("insert snapshot"), errs.WithCause(err))
	}
	return fmt.Sprintf("pg:weir_snapshots/%s", doc.RunID), len(data), nil
}

func (s *PGStore) LoadLatest(ctx context.Context) (*Document, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM weir_snapshots ORDER BY taken_at DESC, created_at DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, errs.New("state", errs.CodeStorage, errs.WithMessage("query snapshot"), errs.WithCause(err))
	}
	var doc Document
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, errs.New("state", errs.CodeStorage, errs.WithMessage("decode snapshot"), errs.WithCause(err))
	}
	return &doc, nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
