// Package repo is the local versioned object cache: materialized domain
// objects keyed by (data type, identifier), the environment/layer index used
// for fan-out, the projected watermark and the app-version tag.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"configline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound is returned for objects absent from the cache.
var ErrNotFound = domain.ErrNotFound

const appVersionKey = "app_version"

// conn routes statements to the transaction when one is open.
type conn struct {
	db *sql.DB
	tx *sql.Tx
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.tx != nil {
		return c.tx.ExecContext(ctx, query, args...)
	}
	return c.db.ExecContext(ctx, query, args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.tx != nil {
		return c.tx.QueryContext(ctx, query, args...)
	}
	return c.db.QueryContext(ctx, query, args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	if c.tx != nil {
		return c.tx.QueryRowContext(ctx, query, args...)
	}
	return c.db.QueryRowContext(ctx, query, args...)
}

func (r Repo) conn() conn { return conn{db: r.DB} }

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}

func (r Repo) Load(ctx context.Context, dt domain.DataType, id string) (domain.Object, error) {
	return load(ctx, r.conn(), dt, id)
}

func (r Repo) Store(ctx context.Context, o domain.Object) error {
	return store(ctx, r.conn(), o)
}

// Remove deletes the object and records its deletion at rev.
func (r Repo) Remove(ctx context.Context, dt domain.DataType, id string, rev domain.Revision) error {
	return r.InTx(ctx, func(tx Tx) error { return tx.Remove(ctx, dt, id, rev) })
}

// Removal returns how dt/id left the cache, ErrNotFound when it never did.
func (r Repo) Removal(ctx context.Context, dt domain.DataType, id string) (domain.Removal, error) {
	return removal(ctx, r.conn(), dt, id)
}

func (r Repo) EnvironmentsReferencingLayer(ctx context.Context, layer domain.LayerID) ([]domain.EnvironmentID, error) {
	return environmentsReferencingLayer(ctx, r.conn(), layer)
}

func load(ctx context.Context, c conn, dt domain.DataType, id string) (domain.Object, error) {
	var (
		version int64
		payload string
	)
	err := c.queryRow(ctx, `SELECT version,json_data FROM objects WHERE data_type=? AND identifier=?`, string(dt), id).Scan(&version, &payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, dt, id)
	}
	if err != nil {
		return nil, storageErr("load object", err)
	}
	return domain.Snapshot{DataType: dt, Identifier: id, Version: domain.Revision(version), JSONData: []byte(payload)}.Object()
}

// store upserts o. A stored object is never replaced by an older version.
func store(ctx context.Context, c conn, o domain.Object) error {
	snap, err := domain.ToSnapshot(o)
	if err != nil {
		return err
	}
	var expiresAt any
	if pc, ok := o.(*domain.PreparedConfiguration); ok && pc.ValidTo != nil {
		expiresAt = pc.ValidTo.Unix()
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := c.exec(ctx, `INSERT INTO objects(data_type,identifier,version,json_data,expires_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(data_type,identifier) DO UPDATE SET version=excluded.version, json_data=excluded.json_data, expires_at=excluded.expires_at, updated_at=excluded.updated_at
WHERE excluded.version >= objects.version`,
		string(snap.DataType), snap.Identifier, int64(snap.Version), string(snap.JSONData), expiresAt, now)
	if err != nil {
		return storageErr("store object", err)
	}
	env, ok := o.(*domain.ConfigEnvironment)
	if !ok {
		return nil
	}
	// A rejected stale write must not touch the index either.
	if n, err := res.RowsAffected(); err != nil {
		return storageErr("store object", err)
	} else if n == 0 {
		return nil
	}
	return indexEnvironment(ctx, c, env)
}

func indexEnvironment(ctx context.Context, c conn, env *domain.ConfigEnvironment) error {
	id := env.ID.String()
	if _, err := c.exec(ctx, `DELETE FROM environment_layers WHERE environment_id=?`, id); err != nil {
		return storageErr("clear layer index", err)
	}
	for i, l := range env.Layers {
		if _, err := c.exec(ctx, `INSERT OR REPLACE INTO environment_layers(environment_id,layer_id,position) VALUES (?,?,?)`, id, l.String(), i); err != nil {
			return storageErr("index layer", err)
		}
	}
	return nil
}

func remove(ctx context.Context, c conn, dt domain.DataType, id string, rev domain.Revision) error {
	if err := removeObject(ctx, c, dt, id); err != nil {
		return err
	}
	return putRemoval(ctx, c, domain.Removal{DataType: dt, Identifier: id, Version: rev, Deleted: true})
}

func removeObject(ctx context.Context, c conn, dt domain.DataType, id string) error {
	res, err := c.exec(ctx, `DELETE FROM objects WHERE data_type=? AND identifier=?`, string(dt), id)
	if err != nil {
		return storageErr("remove object", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, dt, id)
	}
	if dt == domain.DataEnvironment {
		if _, err := c.exec(ctx, `DELETE FROM environment_layers WHERE environment_id=?`, id); err != nil {
			return storageErr("clear layer index", err)
		}
	}
	return nil
}

// putRemoval upserts r. An older removal never replaces a newer one.
func putRemoval(ctx context.Context, c conn, r domain.Removal) error {
	_, err := c.exec(ctx, `INSERT INTO removals(data_type,identifier,version,deleted,configuration_version) VALUES (?,?,?,?,?)
ON CONFLICT(data_type,identifier) DO UPDATE SET version=excluded.version, deleted=excluded.deleted, configuration_version=excluded.configuration_version
WHERE excluded.version >= removals.version`,
		string(r.DataType), r.Identifier, int64(r.Version), r.Deleted, r.ConfigurationVersion)
	if err != nil {
		return storageErr("record removal", err)
	}
	return nil
}

func removal(ctx context.Context, c conn, dt domain.DataType, id string) (domain.Removal, error) {
	r := domain.Removal{DataType: dt, Identifier: id}
	var version int64
	err := c.queryRow(ctx, `SELECT version,deleted,configuration_version FROM removals WHERE data_type=? AND identifier=?`, string(dt), id).
		Scan(&version, &r.Deleted, &r.ConfigurationVersion)
	if err == sql.ErrNoRows {
		return domain.Removal{}, fmt.Errorf("%w: removal of %s %s", ErrNotFound, dt, id)
	}
	if err != nil {
		return domain.Removal{}, storageErr("read removal", err)
	}
	r.Version = domain.Revision(version)
	return r, nil
}

func environmentsReferencingLayer(ctx context.Context, c conn, layer domain.LayerID) ([]domain.EnvironmentID, error) {
	rows, err := c.query(ctx, `SELECT environment_id FROM environment_layers WHERE layer_id=? ORDER BY environment_id`, layer.String())
	if err != nil {
		return nil, storageErr("query layer index", err)
	}
	defer rows.Close()
	var res []domain.EnvironmentID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storageErr("scan layer index", err)
		}
		id, err := domain.ParseEnvironmentID(raw)
		if err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// ListIdentifiers returns the identifiers of every cached object of dt, sorted.
func (r Repo) ListIdentifiers(ctx context.Context, dt domain.DataType) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT identifier FROM objects WHERE data_type=? ORDER BY identifier`, string(dt))
	if err != nil {
		return nil, storageErr("list identifiers", err)
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan identifier", err)
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// Count returns the number of cached objects per data type.
func (r Repo) Count(ctx context.Context) (map[domain.DataType]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT data_type, COUNT(*) FROM objects GROUP BY data_type`)
	if err != nil {
		return nil, storageErr("count objects", err)
	}
	defer rows.Close()
	res := map[domain.DataType]int{}
	for rows.Next() {
		var (
			dt string
			n  int
		)
		if err := rows.Scan(&dt, &n); err != nil {
			return nil, storageErr("scan count", err)
		}
		res[domain.DataType(dt)] = n
	}
	return res, rows.Err()
}

func (r Repo) LoadLayer(ctx context.Context, id domain.LayerID) (*domain.EnvironmentLayer, error) {
	return loadAs[*domain.EnvironmentLayer](ctx, r, domain.DataLayer, id.String())
}

func (r Repo) LoadEnvironment(ctx context.Context, id domain.EnvironmentID) (*domain.ConfigEnvironment, error) {
	return loadAs[*domain.ConfigEnvironment](ctx, r, domain.DataEnvironment, id.String())
}

func (r Repo) LoadStructure(ctx context.Context, id domain.StructureID) (*domain.ConfigStructure, error) {
	return loadAs[*domain.ConfigStructure](ctx, r, domain.DataStructure, id.String())
}

func (r Repo) LoadConfiguration(ctx context.Context, id domain.ConfigurationID) (*domain.PreparedConfiguration, error) {
	return loadAs[*domain.PreparedConfiguration](ctx, r, domain.DataConfiguration, id.String())
}

func loadAs[T domain.Object](ctx context.Context, r Repo, dt domain.DataType, id string) (T, error) {
	var zero T
	o, err := r.Load(ctx, dt, id)
	if err != nil {
		return zero, err
	}
	t, ok := o.(T)
	if !ok {
		return zero, fmt.Errorf("%s %s: unexpected object %T", dt, id, o)
	}
	return t, nil
}

// GetProjectedVersion returns the watermark, 0 when nothing was projected.
func (r Repo) GetProjectedVersion(ctx context.Context) (domain.Revision, error) {
	return projectedVersion(ctx, r.conn())
}

// SetProjectedVersion advances the watermark; a lower revision is ignored.
func (r Repo) SetProjectedVersion(ctx context.Context, rev domain.Revision) error {
	return setProjectedVersion(ctx, r.conn(), rev)
}

func projectedVersion(ctx context.Context, c conn) (domain.Revision, error) {
	var rev int64
	err := c.queryRow(ctx, `SELECT revision FROM projection_watermark WHERE id=1`).Scan(&rev)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("read watermark", err)
	}
	return domain.Revision(rev), nil
}

func setProjectedVersion(ctx context.Context, c conn, rev domain.Revision) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := c.exec(ctx, `INSERT INTO projection_watermark(id,revision,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET revision=MAX(projection_watermark.revision, excluded.revision), updated_at=excluded.updated_at`, int64(rev), now)
	if err != nil {
		return storageErr("write watermark", err)
	}
	return nil
}

// GetAppVersion returns the version tag that last stamped the cache. The
// boolean is false when the cache was never stamped.
func (r Repo) GetAppVersion(ctx context.Context) (string, bool, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM cache_meta WHERE key=?`, appVersionKey).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("read app version", err)
	}
	return v, true, nil
}

func (r Repo) SetAppVersion(ctx context.Context, version string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO cache_meta(key,value) VALUES (?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, appVersionKey, version)
	if err != nil {
		return storageErr("write app version", err)
	}
	return nil
}

// Clear wipes every object, index row, the watermark and the version tag.
func (r Repo) Clear(ctx context.Context) error {
	return r.InTx(ctx, func(tx Tx) error {
		for _, stmt := range []string{
			`DELETE FROM objects`,
			`DELETE FROM environment_layers`,
			`DELETE FROM removals`,
			`DELETE FROM projection_watermark`,
			`DELETE FROM cache_meta`,
		} {
			if _, err := tx.c.exec(ctx, stmt); err != nil {
				return storageErr("clear cache", err)
			}
		}
		return nil
	})
}

// ExpiredConfigurations lists prepared configurations whose validity window
// closed at or before now.
func (r Repo) ExpiredConfigurations(ctx context.Context, now time.Time) ([]domain.ConfigurationID, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT identifier FROM objects WHERE data_type=? AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY identifier`,
		string(domain.DataConfiguration), now.Unix())
	if err != nil {
		return nil, storageErr("query expired", err)
	}
	defer rows.Close()
	var res []domain.ConfigurationID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storageErr("scan expired", err)
		}
		id, err := domain.ParseConfigurationID(raw)
		if err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// Expire evicts a prepared configuration and remembers its build count. The
// log and the snapshots keep it.
func (r Repo) Expire(ctx context.Context, id domain.ConfigurationID) error {
	return r.InTx(ctx, func(tx Tx) error {
		o, err := tx.Load(ctx, domain.DataConfiguration, id.String())
		if err != nil {
			return err
		}
		cfg, ok := o.(*domain.PreparedConfiguration)
		if !ok {
			return fmt.Errorf("configuration %s: unexpected object %T", id, o)
		}
		if err := removeObject(ctx, tx.c, domain.DataConfiguration, id.String()); err != nil {
			return err
		}
		return putRemoval(ctx, tx.c, domain.Removal{
			DataType:             domain.DataConfiguration,
			Identifier:           id.String(),
			Version:              cfg.Version,
			ConfigurationVersion: cfg.ConfigurationVersion,
		})
	})
}

// Export reads the watermark, every cached object and a tombstone per deleted
// identifier in one transaction, so the result is the state at the watermark.
func (r Repo) Export(ctx context.Context) (domain.Revision, []domain.Snapshot, error) {
	var (
		wm    domain.Revision
		snaps []domain.Snapshot
	)
	err := r.InTx(ctx, func(tx Tx) error {
		var err error
		if wm, err = projectedVersion(ctx, tx.c); err != nil {
			return err
		}
		rows, err := tx.c.query(ctx, `SELECT data_type,identifier,version,json_data FROM objects
UNION ALL SELECT data_type,identifier,version,NULL FROM removals WHERE deleted=1
ORDER BY 1,2`)
		if err != nil {
			return storageErr("export objects", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				snap    domain.Snapshot
				dt      string
				version int64
				data    sql.NullString
			)
			if err := rows.Scan(&dt, &snap.Identifier, &version, &data); err != nil {
				return storageErr("scan export", err)
			}
			snap.DataType = domain.DataType(dt)
			snap.Version = domain.Revision(version)
			if data.Valid {
				snap.JSONData = []byte(data.String)
			}
			snaps = append(snaps, snap)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, nil, err
	}
	return wm, snaps, nil
}

// Tx is a cache transaction. It satisfies the projection's object store so
// a folded event and the watermark commit together.
type Tx struct {
	c conn
}

// InTx runs fn in one transaction, committing when fn returns nil.
func (r Repo) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer sqlTx.Rollback()
	if err := fn(Tx{c: conn{tx: sqlTx}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

func (t Tx) Load(ctx context.Context, dt domain.DataType, id string) (domain.Object, error) {
	return load(ctx, t.c, dt, id)
}

func (t Tx) Store(ctx context.Context, o domain.Object) error {
	return store(ctx, t.c, o)
}

func (t Tx) Remove(ctx context.Context, dt domain.DataType, id string, rev domain.Revision) error {
	return remove(ctx, t.c, dt, id, rev)
}

func (t Tx) Removal(ctx context.Context, dt domain.DataType, id string) (domain.Removal, error) {
	return removal(ctx, t.c, dt, id)
}

// PutRemoval records r without touching objects. Warm start uses it to carry
// deletions over from snapshot tombstones.
func (t Tx) PutRemoval(ctx context.Context, r domain.Removal) error {
	return putRemoval(ctx, t.c, r)
}

func (t Tx) EnvironmentsReferencingLayer(ctx context.Context, layer domain.LayerID) ([]domain.EnvironmentID, error) {
	return environmentsReferencingLayer(ctx, t.c, layer)
}

func (t Tx) GetProjectedVersion(ctx context.Context) (domain.Revision, error) {
	return projectedVersion(ctx, t.c)
}

func (t Tx) SetProjectedVersion(ctx context.Context, rev domain.Revision) error {
	return setProjectedVersion(ctx, t.c, rev)
}

// IsNotFound reports whether err is a cache miss.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
