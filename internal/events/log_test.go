package events_test

import (
	"context"
	"errors"
	"testing"

	"configline/internal/db"
	"configline/internal/domain"
	"configline/internal/events"
	"configline/internal/migrate"
)

func logs(t *testing.T) map[string]events.Log {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: db.EventsDB})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, migrate.Events); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return map[string]events.Log{
		"sqlite": events.SQLiteLog{DB: conn},
		"memory": events.NewMemoryLog(),
	}
}

func layerEvents(t *testing.T, names ...string) []domain.Event {
	t.Helper()
	var res []domain.Event
	for _, n := range names {
		e, err := domain.NewEvent(domain.LayerCreated{Layer: domain.LayerID{Name: n}})
		if err != nil {
			t.Fatalf("new event: %v", err)
		}
		res = append(res, e)
	}
	return res
}

func revisions(t *testing.T, it *events.Iterator) []domain.Revision {
	t.Helper()
	ctx := context.Background()
	var revs []domain.Revision
	for it.Next(ctx) {
		revs = append(revs, it.Event().Revision)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	return revs
}

func equalRevs(a []domain.Revision, b ...domain.Revision) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAppendAssignsRevisionsAndRejectsStaleExpectation(t *testing.T) {
	for name, l := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rev, err := l.Append(ctx, "s", 0, layerEvents(t, "a", "b"))
			if err != nil || rev != 2 {
				t.Fatalf("append = %d, %v", rev, err)
			}
			_, err = l.Append(ctx, "s", 1, layerEvents(t, "c"))
			if !errors.Is(err, domain.ErrConcurrencyConflict) {
				t.Fatalf("expected conflict, got %v", err)
			}
			var conflict *events.ConflictError
			if !errors.As(err, &conflict) || conflict.Actual != 2 || conflict.Expected != 1 {
				t.Fatalf("conflict = %+v", conflict)
			}
			if head, _ := l.Head(ctx, "s"); head != 2 {
				t.Fatalf("head after rejected append = %d", head)
			}
			if head, _ := l.Head(ctx, "other"); head != 0 {
				t.Fatalf("other stream head = %d", head)
			}
			it := l.ReadRange(ctx, "s", 0, events.Forward, 10)
			if !it.Next(ctx) {
				t.Fatalf("no events: %v", it.Err())
			}
			if e := it.Event(); e.ID == "" || e.Timestamp.IsZero() || e.Type != domain.EventLayerCreated {
				t.Fatalf("event not stamped: %+v", e)
			}
		})
	}
}

func TestReadRangeBatchesBothDirections(t *testing.T) {
	for name, l := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := l.Append(ctx, "s", 0, layerEvents(t, "a", "b", "c", "d", "e")); err != nil {
				t.Fatalf("append: %v", err)
			}
			if revs := revisions(t, l.ReadRange(ctx, "s", 0, events.Forward, 2)); !equalRevs(revs, 1, 2, 3, 4, 5) {
				t.Fatalf("forward = %v", revs)
			}
			if revs := revisions(t, l.ReadRange(ctx, "s", 3, events.Forward, 2)); !equalRevs(revs, 4, 5) {
				t.Fatalf("forward from 3 = %v", revs)
			}
			if revs := revisions(t, l.ReadRange(ctx, "s", 0, events.Backward, 2)); !equalRevs(revs, 5, 4, 3, 2, 1) {
				t.Fatalf("backward = %v", revs)
			}
			if revs := revisions(t, l.ReadRange(ctx, "s", 4, events.Backward, 2)); !equalRevs(revs, 3, 2, 1) {
				t.Fatalf("backward from 4 = %v", revs)
			}
		})
	}
}

func TestIteratorResumesAfterTail(t *testing.T) {
	for name, l := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := l.Append(ctx, "s", 0, layerEvents(t, "a")); err != nil {
				t.Fatalf("append: %v", err)
			}
			it := l.ReadRange(ctx, "s", 0, events.Forward, 10)
			if batch, err := it.NextBatch(ctx); err != nil || len(batch) != 1 {
				t.Fatalf("first batch = %v, %v", batch, err)
			}
			if batch, err := it.NextBatch(ctx); err != nil || len(batch) != 0 {
				t.Fatalf("tail batch = %v, %v", batch, err)
			}
			if _, err := l.Append(ctx, "s", 1, layerEvents(t, "b")); err != nil {
				t.Fatalf("append: %v", err)
			}
			batch, err := it.NextBatch(ctx)
			if err != nil || len(batch) != 1 || batch[0].Revision != 2 {
				t.Fatalf("resumed batch = %v, %v", batch, err)
			}
			if it.Position() != 2 {
				t.Fatalf("position = %d", it.Position())
			}
		})
	}
}

func TestReplaceRenumbers(t *testing.T) {
	for name, l := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := l.Append(ctx, "s", 0, layerEvents(t, "a", "b", "c")); err != nil {
				t.Fatalf("append: %v", err)
			}
			if err := l.Replace(ctx, "s", 2, layerEvents(t, "x", "y")); !errors.Is(err, domain.ErrConcurrencyConflict) {
				t.Fatalf("replace behind the tail: %v", err)
			}
			if err := l.Replace(ctx, "s", 3, layerEvents(t, "x", "y")); err != nil {
				t.Fatalf("replace: %v", err)
			}
			if head, _ := l.Head(ctx, "s"); head != 2 {
				t.Fatalf("head = %d", head)
			}
			it := l.ReadRange(ctx, "s", 0, events.Forward, 10)
			var names []string
			for it.Next(ctx) {
				p, err := it.Event().Decode()
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				names = append(names, p.(domain.LayerCreated).Layer.Name)
			}
			if len(names) != 2 || names[0] != "x" || names[1] != "y" {
				t.Fatalf("stream = %v", names)
			}
		})
	}
}

func TestBatchSizeIsClamped(t *testing.T) {
	l := events.NewMemoryLog()
	ctx := context.Background()
	var evts []domain.Event
	for i := 0; i < events.MaxBatchSize+10; i++ {
		e, _ := domain.NewEvent(domain.LayerCreated{Layer: domain.LayerID{Name: "l"}})
		evts = append(evts, e)
	}
	if _, err := l.Append(ctx, "s", 0, evts); err != nil {
		t.Fatalf("append: %v", err)
	}
	batch, err := l.ReadRange(ctx, "s", 0, events.Forward, 0).NextBatch(ctx)
	if err != nil || len(batch) != events.MaxBatchSize {
		t.Fatalf("batch = %d, %v", len(batch), err)
	}
}
