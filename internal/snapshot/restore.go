package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"configline/internal/domain"
	"configline/internal/repo"
)

// Truncater is implemented by backends that can be emptied before a rebuild.
type Truncater interface {
	Truncate(ctx context.Context) error
}

// Reset empties store when the backend supports it.
func Reset(ctx context.Context, store Store) error {
	if t, ok := store.(Truncater); ok {
		return t.Truncate(ctx)
	}
	return nil
}

// Restore warm-starts an empty cache from store and sets the watermark to the
// store's checkpoint. A cache that already holds a watermark is left alone. It
// returns the restored watermark, 0 when nothing was restored, and
// ErrUnusable when store is not a complete image written by version. Deleted
// identifiers are carried over from tombstones.
func Restore(ctx context.Context, store Store, cache repo.Repo, version string, log *slog.Logger) (domain.Revision, error) {
	if log == nil {
		log = slog.Default()
	}
	wm, err := cache.GetProjectedVersion(ctx)
	if err != nil {
		return 0, err
	}
	if wm > 0 {
		return 0, nil
	}
	cp, err := usable(ctx, store, version)
	if err != nil {
		return 0, err
	}
	if cp.Revision == 0 {
		return 0, nil
	}
	snaps, err := store.ListSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	restored, removed := 0, 0
	err = cache.InTx(ctx, func(tx repo.Tx) error {
		for _, s := range snaps {
			switch {
			case isCheckpoint(s):
				continue
			case s.Deleted():
				removed++
				if err := tx.PutRemoval(ctx, domain.Removal{DataType: s.DataType, Identifier: s.Identifier, Version: s.Version, Deleted: true}); err != nil {
					return err
				}
				continue
			}
			o, err := s.Object()
			if err != nil {
				return fmt.Errorf("restore %s: %w", s.Key(), err)
			}
			if err := tx.Store(ctx, o); err != nil {
				return err
			}
			restored++
		}
		return tx.SetProjectedVersion(ctx, cp.Revision)
	})
	if err != nil {
		return 0, err
	}
	log.Info("cache restored from snapshots", "objects", restored, "deleted", removed, "watermark", cp.Revision)
	return cp.Revision, nil
}
