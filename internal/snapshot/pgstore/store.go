// Package pgstore keeps snapshots in a PostgreSQL table.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"configline/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. The schema must already be migrated.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn and applies the embedded migrations.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	if log == nil {
		log = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %w", domain.ErrStorage, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %w", domain.ErrStorage, err)
	}
	if err := Migrate(ctx, pool, log); err != nil {
		pool.Close()
		return nil, err
	}
	return New(pool), nil
}

// Migrate applies pending snapshot migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	log.Info("applying snapshot migrations")
	if err := goose.UpContext(runCtx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}

func (s *Store) SaveSnapshots(ctx context.Context, snaps []domain.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	const query = `INSERT INTO snapshots (data_type, identifier, version, json_data, saved_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (data_type, identifier) DO UPDATE
		SET version = EXCLUDED.version, json_data = EXCLUDED.json_data, saved_at = EXCLUDED.saved_at
		WHERE snapshots.version <= EXCLUDED.version`
	batch := &pgx.Batch{}
	for _, snap := range snaps {
		var data any
		if !snap.Deleted() {
			data = string(snap.JSONData)
		}
		batch.Queue(query, string(snap.DataType), snap.Identifier, int64(snap.Version), data)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin save", err)
	}
	defer tx.Rollback(ctx)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return storageErr("save snapshots", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit save", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, dt domain.DataType, id string) (domain.Snapshot, error) {
	const query = `SELECT version, json_data FROM snapshots WHERE data_type = $1 AND identifier = $2`
	var (
		version int64
		data    []byte
	)
	if err := s.pool.QueryRow(ctx, query, string(dt), id).Scan(&version, &data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Snapshot{}, fmt.Errorf("%w: snapshot %s %s", domain.ErrNotFound, dt, id)
		}
		return domain.Snapshot{}, storageErr("get snapshot", err)
	}
	return domain.Snapshot{DataType: dt, Identifier: id, Version: domain.Revision(version), JSONData: data}, nil
}

func (s *Store) GetLatestSnapshotRevision(ctx context.Context) (domain.Revision, error) {
	var rev int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM snapshots`).Scan(&rev); err != nil {
		return 0, storageErr("latest revision", err)
	}
	return domain.Revision(rev), nil
}

func (s *Store) ListSnapshots(ctx context.Context) ([]domain.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT data_type, identifier, version, json_data FROM snapshots ORDER BY data_type, identifier`)
	if err != nil {
		return nil, storageErr("list snapshots", err)
	}
	defer rows.Close()
	var res []domain.Snapshot
	for rows.Next() {
		var (
			dt      string
			id      string
			version int64
			data    []byte
		)
		if err := rows.Scan(&dt, &id, &version, &data); err != nil {
			return nil, storageErr("scan snapshot", err)
		}
		res = append(res, domain.Snapshot{DataType: domain.DataType(dt), Identifier: id, Version: domain.Revision(version), JSONData: data})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list snapshots", err)
	}
	return res, nil
}

// Truncate removes every snapshot. Used before saving a full replay.
func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE snapshots`); err != nil {
		return storageErr("truncate snapshots", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
