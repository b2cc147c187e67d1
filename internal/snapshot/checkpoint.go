package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"configline/internal/domain"
)

// The checkpoint is stored as an ordinary snapshot row. Its version is the
// revision up to which the store holds every change, and it names the build
// whose fold produced the rows.
const (
	checkpointType domain.DataType = "snapshot-checkpoint"
	checkpointID                   = "store"
)

// ErrUnusable means the store cannot seed a cache: it has no checkpoint, was
// written by another build, or holds changes past its checkpoint.
var ErrUnusable = errors.New("snapshot store unusable for warm start")

type Checkpoint struct {
	Revision   domain.Revision `json:"-"`
	AppVersion string          `json:"app_version"`
}

func (c Checkpoint) snapshot() domain.Snapshot {
	data, _ := json.Marshal(c)
	return domain.Snapshot{DataType: checkpointType, Identifier: checkpointID, Version: c.Revision, JSONData: data}
}

func isCheckpoint(s domain.Snapshot) bool { return s.DataType == checkpointType }

// ReadCheckpoint returns the stored checkpoint. The boolean is false when the
// store has none.
func ReadCheckpoint(ctx context.Context, store Store) (Checkpoint, bool, error) {
	s, err := store.GetSnapshot(ctx, checkpointType, checkpointID)
	if errors.Is(err, domain.ErrNotFound) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	if s.Deleted() {
		return Checkpoint{}, false, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(s.JSONData, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("decode snapshot checkpoint: %w", err)
	}
	cp.Revision = s.Version
	return cp, true, nil
}

// SaveCheckpoint records that store holds every change up to rev, folded by
// the given build.
func SaveCheckpoint(ctx context.Context, store Store, rev domain.Revision, version string) error {
	return store.SaveSnapshots(ctx, []domain.Snapshot{Checkpoint{Revision: rev, AppVersion: version}.snapshot()})
}

// usable checks that store is a complete image at its checkpoint written by
// version.
func usable(ctx context.Context, store Store, version string) (Checkpoint, error) {
	cp, ok, err := ReadCheckpoint(ctx, store)
	if err != nil {
		return cp, err
	}
	if !ok {
		return cp, fmt.Errorf("%w: no checkpoint", ErrUnusable)
	}
	if cp.AppVersion != version {
		return cp, fmt.Errorf("%w: written by %q, running %q", ErrUnusable, cp.AppVersion, version)
	}
	latest, err := store.GetLatestSnapshotRevision(ctx)
	if err != nil {
		return cp, err
	}
	if latest > cp.Revision {
		return cp, fmt.Errorf("%w: snapshots up to %d past checkpoint %d", ErrUnusable, latest, cp.Revision)
	}
	return cp, nil
}

// Resync replaces the contents of store with the cache as of its watermark
// and checkpoints it. The checkpoint is written last so an interrupted resync
// leaves the store unusable rather than partial.
func Resync(ctx context.Context, store Store, cache Exporter, version string, batch int) (domain.Revision, error) {
	if err := Reset(ctx, store); err != nil {
		return 0, fmt.Errorf("reset snapshot store: %w", err)
	}
	wm, snaps, err := cache.Export(ctx)
	if err != nil {
		return 0, err
	}
	if err := saveChunked(ctx, store, snaps, batch); err != nil {
		return 0, err
	}
	if err := SaveCheckpoint(ctx, store, wm, version); err != nil {
		return 0, fmt.Errorf("save checkpoint: %w", err)
	}
	return wm, nil
}

// Exporter reads a consistent image of a cache. repo.Repo implements it.
type Exporter interface {
	Export(ctx context.Context) (domain.Revision, []domain.Snapshot, error)
}

func saveChunked(ctx context.Context, store Store, snaps []domain.Snapshot, batch int) error {
	if batch <= 0 {
		batch = len(snaps)
	}
	for start := 0; start < len(snaps); start += batch {
		end := min(start+batch, len(snaps))
		if err := store.SaveSnapshots(ctx, snaps[start:end]); err != nil {
			return fmt.Errorf("save snapshots: %w", err)
		}
	}
	return nil
}
