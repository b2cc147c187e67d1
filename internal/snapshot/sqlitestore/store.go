// Package sqlitestore keeps snapshots in an embedded sqlite file next to the
// cache.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"configline/internal/db"
	"configline/internal/domain"
	"configline/internal/migrate"
)

type Store struct {
	DB *sql.DB
}

// Open opens (and migrates) the workspace snapshot database.
func Open(workspace string) (*Store, error) {
	conn, err := db.Open(db.Config{Workspace: workspace, Name: db.SnapshotsDB})
	if err != nil {
		return nil, fmt.Errorf("%w: open snapshots: %w", domain.ErrStorage, err)
	}
	if err := migrate.Migrate(conn, migrate.Snapshots); err != nil {
		conn.Close()
		return nil, err
	}
	return &Store{DB: conn}, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}

func (s *Store) SaveSnapshots(ctx context.Context, snaps []domain.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin save", err)
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, snap := range snaps {
		var data any
		if !snap.Deleted() {
			data = string(snap.JSONData)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO snapshots(data_type,identifier,version,json_data,saved_at) VALUES (?,?,?,?,?)
ON CONFLICT(data_type,identifier) DO UPDATE SET version=excluded.version, json_data=excluded.json_data, saved_at=excluded.saved_at
WHERE excluded.version >= snapshots.version`,
			string(snap.DataType), snap.Identifier, int64(snap.Version), data, now)
		if err != nil {
			return storageErr("save snapshot", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit save", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, dt domain.DataType, id string) (domain.Snapshot, error) {
	var (
		version int64
		data    sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `SELECT version,json_data FROM snapshots WHERE data_type=? AND identifier=?`, string(dt), id).Scan(&version, &data)
	if err == sql.ErrNoRows {
		return domain.Snapshot{}, fmt.Errorf("%w: snapshot %s %s", domain.ErrNotFound, dt, id)
	}
	if err != nil {
		return domain.Snapshot{}, storageErr("get snapshot", err)
	}
	snap := domain.Snapshot{DataType: dt, Identifier: id, Version: domain.Revision(version)}
	if data.Valid {
		snap.JSONData = []byte(data.String)
	}
	return snap, nil
}

func (s *Store) GetLatestSnapshotRevision(ctx context.Context) (domain.Revision, error) {
	var rev int64
	if err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM snapshots`).Scan(&rev); err != nil {
		return 0, storageErr("latest revision", err)
	}
	return domain.Revision(rev), nil
}

func (s *Store) ListSnapshots(ctx context.Context) ([]domain.Snapshot, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT data_type,identifier,version,json_data FROM snapshots ORDER BY data_type, identifier`)
	if err != nil {
		return nil, storageErr("list snapshots", err)
	}
	defer rows.Close()
	var res []domain.Snapshot
	for rows.Next() {
		var (
			snap    domain.Snapshot
			dt      string
			version int64
			data    sql.NullString
		)
		if err := rows.Scan(&dt, &snap.Identifier, &version, &data); err != nil {
			return nil, storageErr("scan snapshot", err)
		}
		snap.DataType = domain.DataType(dt)
		snap.Version = domain.Revision(version)
		if data.Valid {
			snap.JSONData = []byte(data.String)
		}
		res = append(res, snap)
	}
	return res, rows.Err()
}

func (s *Store) Close() error { return s.DB.Close() }

// Truncate removes every snapshot. Used before saving a full replay.
func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM snapshots`); err != nil {
		return storageErr("truncate snapshots", err)
	}
	return nil
}
