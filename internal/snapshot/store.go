// Package snapshot persists materialized objects outside the local cache so a
// fresh process can warm-start, and so full replays have somewhere to land.
package snapshot

import (
	"context"

	"configline/internal/domain"
)

// Store is the backend-agnostic snapshot contract. A snapshot with empty
// JSONData is a tombstone. Saving never replaces a newer version.
type Store interface {
	SaveSnapshots(ctx context.Context, snaps []domain.Snapshot) error
	// GetSnapshot returns domain.ErrNotFound when nothing was ever saved for
	// the key. Tombstones are returned as is.
	GetSnapshot(ctx context.Context, dt domain.DataType, id string) (domain.Snapshot, error)
	// GetLatestSnapshotRevision is the highest version saved, 0 when empty.
	GetLatestSnapshotRevision(ctx context.Context) (domain.Revision, error)
	ListSnapshots(ctx context.Context) ([]domain.Snapshot, error)
	Close() error
}

// Nop discards everything. It backs the "none" backend.
type Nop struct{}

func (Nop) SaveSnapshots(context.Context, []domain.Snapshot) error { return nil }

func (Nop) GetSnapshot(_ context.Context, dt domain.DataType, id string) (domain.Snapshot, error) {
	return domain.Snapshot{}, notFound(dt, id)
}

func (Nop) GetLatestSnapshotRevision(context.Context) (domain.Revision, error) { return 0, nil }

func (Nop) ListSnapshots(context.Context) ([]domain.Snapshot, error) { return nil, nil }

func (Nop) Close() error { return nil }
