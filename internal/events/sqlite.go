package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"configline/internal/domain"
)

// SQLiteLog is the local ordered-log store backed by the events schema.
type SQLiteLog struct {
	DB  *sql.DB
	Now func() time.Time
}

var _ Log = SQLiteLog{}

func (l SQLiteLog) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l SQLiteLog) Append(ctx context.Context, stream string, expected domain.Revision, evts []domain.Event) (domain.Revision, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin append", err)
	}
	defer tx.Rollback()

	var tail int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(revision),0) FROM events WHERE stream=?`, stream).Scan(&tail); err != nil {
		return 0, storageErr("read tail", err)
	}
	if domain.Revision(tail) != expected {
		return 0, &ConflictError{Stream: stream, Expected: expected, Actual: domain.Revision(tail)}
	}
	rev := domain.Revision(tail)
	for _, e := range evts {
		rev++
		e = l.stamp(e)
		_, err := tx.ExecContext(ctx, `INSERT INTO events(stream,revision,id,type,ts,payload_json) VALUES (?,?,?,?,?,?)`,
			stream, int64(rev), e.ID, string(e.Type), e.Timestamp.Format(time.RFC3339Nano), string(e.Data))
		if err != nil {
			if isConstraintError(err) {
				return 0, &ConflictError{Stream: stream, Expected: expected, Actual: rev}
			}
			return 0, storageErr("insert event", err)
		}
	}
	if err := tx.Commit(); err != nil {
		if isConstraintError(err) {
			return 0, &ConflictError{Stream: stream, Expected: expected, Actual: rev}
		}
		return 0, storageErr("commit append", err)
	}
	return rev, nil
}

func (l SQLiteLog) stamp(e domain.Event) domain.Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	return e
}

func (l SQLiteLog) ReadRange(ctx context.Context, stream string, from domain.Revision, dir Direction, batchSize int) *Iterator {
	fetch := func(ctx context.Context, pos domain.Revision, unbounded bool, limit int) ([]domain.Event, error) {
		query := `SELECT revision,id,type,ts,payload_json FROM events WHERE stream=? AND revision>? ORDER BY revision ASC LIMIT ?`
		args := []any{stream, int64(pos), limit}
		if dir == Backward {
			query = `SELECT revision,id,type,ts,payload_json FROM events WHERE stream=? AND revision<? ORDER BY revision DESC LIMIT ?`
			if unbounded {
				query = `SELECT revision,id,type,ts,payload_json FROM events WHERE stream=? ORDER BY revision DESC LIMIT ?`
				args = []any{stream, limit}
			}
		}
		return l.query(ctx, query, args...)
	}
	return newIterator(fetch, from, dir, batchSize)
}

func (l SQLiteLog) query(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("read events", err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e       domain.Event
			rev     int64
			evtType string
			ts      string
			payload string
		)
		if err := rows.Scan(&rev, &e.ID, &evtType, &ts, &payload); err != nil {
			return nil, storageErr("scan event", err)
		}
		e.Revision = domain.Revision(rev)
		e.Type = domain.EventType(evtType)
		e.Data = []byte(payload)
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("event %d timestamp: %w", rev, err)
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read events", err)
	}
	return res, nil
}

func (l SQLiteLog) Head(ctx context.Context, stream string) (domain.Revision, error) {
	var tail int64
	if err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(revision),0) FROM events WHERE stream=?`, stream).Scan(&tail); err != nil {
		return 0, storageErr("read head", err)
	}
	return domain.Revision(tail), nil
}

func (l SQLiteLog) Replace(ctx context.Context, stream string, expected domain.Revision, evts []domain.Event) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin replace", err)
	}
	defer tx.Rollback()
	var tail int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(revision),0) FROM events WHERE stream=?`, stream).Scan(&tail); err != nil {
		return storageErr("read tail", err)
	}
	if domain.Revision(tail) != expected {
		return &ConflictError{Stream: stream, Expected: expected, Actual: domain.Revision(tail)}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE stream=?`, stream); err != nil {
		return storageErr("delete stream", err)
	}
	for i, e := range evts {
		e = l.stamp(e)
		if _, err := tx.ExecContext(ctx, `INSERT INTO events(stream,revision,id,type,ts,payload_json) VALUES (?,?,?,?,?,?)`,
			stream, int64(i+1), e.ID, string(e.Type), e.Timestamp.Format(time.RFC3339Nano), string(e.Data)); err != nil {
			return storageErr("rewrite event", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit replace", err)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
