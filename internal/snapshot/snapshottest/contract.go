// Package snapshottest holds the behaviour every snapshot backend must share.
package snapshottest

import (
	"context"
	"errors"
	"testing"

	"configline/internal/domain"
)

// Backend is the subset of snapshot.Store exercised by the contract.
type Backend interface {
	SaveSnapshots(ctx context.Context, snaps []domain.Snapshot) error
	GetSnapshot(ctx context.Context, dt domain.DataType, id string) (domain.Snapshot, error)
	GetLatestSnapshotRevision(ctx context.Context) (domain.Revision, error)
	ListSnapshots(ctx context.Context) ([]domain.Snapshot, error)
}

func snapshotOf(t *testing.T, o domain.Object) domain.Snapshot {
	t.Helper()
	s, err := domain.ToSnapshot(o)
	if err != nil {
		t.Fatalf("to snapshot: %v", err)
	}
	return s
}

// canonical re-encodes through the object so backends that normalise JSON
// (e.g. jsonb) compare equal.
func canonical(t *testing.T, s domain.Snapshot) string {
	t.Helper()
	o, err := s.Object()
	if err != nil {
		t.Fatalf("decode %s: %v", s.Key(), err)
	}
	return string(snapshotOf(t, o).JSONData)
}

// Run exercises b, which must start empty.
func Run(t *testing.T, b Backend) {
	ctx := context.Background()

	if rev, err := b.GetLatestSnapshotRevision(ctx); err != nil || rev != 0 {
		t.Fatalf("empty latest revision = %d, %v", rev, err)
	}
	if _, err := b.GetSnapshot(ctx, domain.DataLayer, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	layer := &domain.EnvironmentLayer{
		ID:      domain.LayerID{Name: "base"},
		Keys:    map[string]domain.LayerKey{"a/b": {Key: "a/b", Value: "1", Type: "int"}},
		JSON:    []byte(`{"a":{"b":1}}`),
		Trie:    []domain.PathNode{{Segment: "a", Children: []domain.PathNode{{Segment: "b"}}}},
		Version: 4,
	}
	structure := &domain.ConfigStructure{ID: domain.StructureID{Name: "svc", Version: 1}, Keys: map[string]string{"k": "v"}, Variables: map[string]string{}, Version: 6}
	if err := b.SaveSnapshots(ctx, []domain.Snapshot{snapshotOf(t, layer), snapshotOf(t, structure)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := b.GetSnapshot(ctx, domain.DataLayer, "base")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 4 || canonical(t, got) != canonical(t, snapshotOf(t, layer)) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if rev, _ := b.GetLatestSnapshotRevision(ctx); rev != 6 {
		t.Fatalf("latest revision = %d, want 6", rev)
	}

	stale := *layer
	stale.Version = 2
	stale.Keys = map[string]domain.LayerKey{}
	if err := b.SaveSnapshots(ctx, []domain.Snapshot{snapshotOf(t, &stale)}); err != nil {
		t.Fatalf("save stale: %v", err)
	}
	if got, _ := b.GetSnapshot(ctx, domain.DataLayer, "base"); got.Version != 4 {
		t.Fatalf("stale save replaced version 4 with %d", got.Version)
	}

	if err := b.SaveSnapshots(ctx, []domain.Snapshot{domain.Tombstone(domain.DataStructure, structure.Identifier(), 9)}); err != nil {
		t.Fatalf("save tombstone: %v", err)
	}
	tomb, err := b.GetSnapshot(ctx, domain.DataStructure, structure.Identifier())
	if err != nil {
		t.Fatalf("get tombstone: %v", err)
	}
	if !tomb.Deleted() || tomb.Version != 9 {
		t.Fatalf("tombstone = %+v", tomb)
	}
	if _, err := tomb.Object(); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("tombstone object err = %v", err)
	}

	all, err := b.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].DataType != domain.DataStructure || all[1].DataType != domain.DataLayer {
		t.Fatalf("list = %+v", all)
	}
	if rev, _ := b.GetLatestSnapshotRevision(ctx); rev != 9 {
		t.Fatalf("latest revision = %d, want 9", rev)
	}
}
