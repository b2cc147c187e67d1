// Package replay rebuilds materialized state from the whole log and rewrites
// logs written under an older event schema.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"configline/internal/domain"
	"configline/internal/events"
	"configline/internal/projection"
	"configline/internal/snapshot"
)

// Replayer folds a stream once, front to back, into a fresh MemoryStore.
type Replayer struct {
	Log       events.Log
	Stream    string
	Folder    *projection.Folder
	BatchSize int
	// IgnoreErrors skips events that fail with ErrReplayInconsistency.
	IgnoreErrors bool
	Logger       *slog.Logger
	// AppVersion stamps the checkpoint Rebuild writes.
	AppVersion string
}

type Result struct {
	Store   *projection.MemoryStore
	Head    domain.Revision
	Events  int
	Ignored int
	latest  map[string]domain.Snapshot
}

// Snapshots returns the last snapshot of every object the replay touched, in
// key order. Deleted objects come back as tombstones so the highest version
// matches the last folded revision.
func (r Result) Snapshots() []domain.Snapshot {
	out := make([]domain.Snapshot, 0, len(r.latest))
	for _, s := range r.latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (r Replayer) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Full replays every event in the stream. It is synchronous and does not touch
// the cache.
func (r Replayer) Full(ctx context.Context) (Result, error) {
	folder := r.Folder
	if folder == nil {
		f, err := projection.NewFolder(nil)
		if err != nil {
			return Result{}, err
		}
		folder = f
	}
	res := Result{Store: projection.NewMemoryStore(), latest: map[string]domain.Snapshot{}}
	it := r.Log.ReadRange(ctx, r.Stream, 0, events.Forward, r.BatchSize)
	for {
		batch, err := it.NextBatch(ctx)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			res.Events++
			res.Head = e.Revision
			changes, err := folder.Fold(ctx, res.Store, e)
			if err != nil {
				if r.IgnoreErrors && errors.Is(err, domain.ErrReplayInconsistency) {
					res.Ignored++
					r.logger().Warn("replay inconsistency ignored", "revision", e.Revision, "type", e.Type, "err", err)
					continue
				}
				return res, err
			}
			for _, s := range changes {
				res.latest[s.Key()] = s
			}
		}
	}
	r.logger().Info("replay complete", "stream", r.Stream, "events", res.Events, "head", res.Head,
		"objects", res.Store.Len(), "ignored", res.Ignored)
	return res, nil
}

// Rebuild replays the stream and replaces the contents of store with the
// result, saving in chunks of batch snapshots. The store is checkpointed at
// the replayed head once every chunk is saved.
func (r Replayer) Rebuild(ctx context.Context, store snapshot.Store, batch int) (Result, error) {
	res, err := r.Full(ctx)
	if err != nil {
		return res, err
	}
	if err := snapshot.Reset(ctx, store); err != nil {
		return res, fmt.Errorf("reset snapshot store: %w", err)
	}
	snaps := res.Snapshots()
	if batch <= 0 {
		batch = len(snaps)
	}
	for start := 0; start < len(snaps); start += batch {
		end := min(start+batch, len(snaps))
		if err := store.SaveSnapshots(ctx, snaps[start:end]); err != nil {
			return res, fmt.Errorf("save snapshots: %w", err)
		}
	}
	if err := snapshot.SaveCheckpoint(ctx, store, res.Head, r.AppVersion); err != nil {
		return res, fmt.Errorf("save checkpoint: %w", err)
	}
	return res, nil
}
