// Package cachegate invalidates the object cache when the running binary's
// version differs from the version that populated it.
package cachegate

import (
	"context"
	"fmt"
	"log/slog"

	"configline/internal/repo"
)

// Result describes what Check did.
type Result struct {
	Previous string
	Found    bool
	Cleared  bool
}

type Gate struct {
	Repo    repo.Repo
	Version string
	Logger  *slog.Logger
	// OnCleared runs after a wipe and before the new version is stamped.
	OnCleared func(ctx context.Context) error
}

// Check compares the stored tag with the running version. An absent or
// different tag clears the cache and stamps the running version. The stamp is
// written last so a crash mid-clear is retried on the next start.
func (g Gate) Check(ctx context.Context) (Result, error) {
	if g.Version == "" {
		return Result{}, fmt.Errorf("cache gate: running version is required")
	}
	log := g.Logger
	if log == nil {
		log = slog.Default()
	}
	prev, found, err := g.Repo.GetAppVersion(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{Previous: prev, Found: found}
	if found && prev == g.Version {
		log.Debug("cache version matches", "version", g.Version)
		return res, nil
	}
	log.Info("clearing object cache", "cached_version", prev, "running_version", g.Version, "stamped", found)
	if err := g.Repo.Clear(ctx); err != nil {
		return res, fmt.Errorf("clear cache: %w", err)
	}
	if g.OnCleared != nil {
		if err := g.OnCleared(ctx); err != nil {
			return res, err
		}
	}
	if err := g.Repo.SetAppVersion(ctx, g.Version); err != nil {
		return res, fmt.Errorf("stamp cache version: %w", err)
	}
	res.Cleared = true
	return res, nil
}
