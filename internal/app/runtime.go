// Package app assembles the long-running process: it opens the workspace
// stores, runs the startup gate and drives the background duties.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"configline/internal/cachegate"
	"configline/internal/config"
	"configline/internal/db"
	"configline/internal/domain"
	"configline/internal/engine"
	"configline/internal/events"
	"configline/internal/metrics"
	"configline/internal/migrate"
	"configline/internal/projection"
	"configline/internal/repo"
	"configline/internal/snapshot"
)

type Options struct {
	Workspace string
	Config    *config.Config
	// Version is the running build, compared against the cache stamp.
	Version string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Log replaces the workspace event log when set.
	Log events.Log
	// Snapshots replaces the configured snapshot backend when set.
	Snapshots snapshot.Store
}

// Readiness flips once the cache is known to match the running version.
type Readiness struct {
	ready atomic.Bool
}

func (r *Readiness) MarkReady() { r.ready.Store(true) }

func (r *Readiness) Ready() bool { return r.ready.Load() }

// Runtime holds every component of a running process.
type Runtime struct {
	Workspace  string
	Config     *config.Config
	Version    string
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Cache      repo.Repo
	Log        events.Log
	Snapshots  snapshot.Store
	Uploader   *snapshot.Uploader
	Folder     *projection.Folder
	Projection *projection.Engine
	Engine     engine.Engine
	Readiness  *Readiness

	closers []func() error
}

// OpenStores opens and migrates the cache and, unless log is given, the
// workspace event log.
func OpenStores(workspace string, log events.Log) (*sql.DB, events.Log, []func() error, error) {
	var closers []func() error
	cacheDB, err := db.Open(db.Config{Workspace: workspace, Name: db.CacheDB})
	if err != nil {
		return nil, nil, nil, err
	}
	closers = append(closers, cacheDB.Close)
	if err := migrate.Migrate(cacheDB, migrate.Cache); err != nil {
		closeAll(closers)
		return nil, nil, nil, fmt.Errorf("migrate cache: %w", err)
	}
	if log == nil {
		eventsDB, err := db.Open(db.Config{Workspace: workspace, Name: db.EventsDB})
		if err != nil {
			closeAll(closers)
			return nil, nil, nil, err
		}
		closers = append(closers, eventsDB.Close)
		if err := migrate.Migrate(eventsDB, migrate.Events); err != nil {
			closeAll(closers)
			return nil, nil, nil, fmt.Errorf("migrate event log: %w", err)
		}
		log = events.SQLiteLog{DB: eventsDB}
	}
	return cacheDB, log, closers, nil
}

// Open builds a Runtime. Nothing runs until Run is called.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	cacheDB, log, closers, err := OpenStores(opts.Workspace, opts.Log)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		Workspace: opts.Workspace,
		Config:    cfg,
		Version:   opts.Version,
		Logger:    logger,
		Metrics:   m,
		Cache:     repo.Repo{DB: cacheDB},
		Log:       log,
		Readiness: &Readiness{},
		closers:   closers,
	}
	rt.Snapshots = opts.Snapshots
	if rt.Snapshots == nil {
		store, err := snapshot.Open(ctx, opts.Workspace, cfg.Snapshots, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
		rt.Snapshots = store
		rt.closers = append(rt.closers, store.Close)
	}
	rt.Uploader = snapshot.NewUploader(rt.Snapshots, snapshot.UploaderOptions{
		Capacity:  cfg.Snapshots.QueueCapacity,
		BatchSize: cfg.Snapshots.BatchSize,
		Interval:  cfg.Snapshots.Interval,
		Logger:    logger.With("component", "snapshots"),
		Metrics:   m,
		Version:   opts.Version,
	})
	if rt.Folder, err = projection.NewFolder(nil); err != nil {
		rt.Close()
		return nil, err
	}
	rt.Projection = projection.NewEngine(log, rt.Cache, rt.Folder, projection.Options{
		Stream:         cfg.Stream,
		BatchSize:      cfg.Projection.BatchSize,
		PollInterval:   cfg.Projection.PollInterval,
		ReconnectDelay: cfg.Projection.ReconnectDelay,
		Logger:         logger.With("component", "projection"),
		Metrics:        m,
		Sink:           rt.Uploader,
	})
	rt.Engine = engine.New(log, rt.Cache, cfg.Stream)
	rt.Engine.Logger = logger.With("component", "engine")
	rt.Engine.Metrics = m
	rt.Engine.Notify = rt.Projection.Notify
	return rt, nil
}

func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases every store in reverse order of opening.
func (rt *Runtime) Close() error {
	err := closeAll(rt.closers)
	rt.closers = nil
	return err
}

// Start runs the cache compatibility gate, warm-starts an empty cache from
// snapshots when enabled, lines the snapshot store up with the cache and marks
// the runtime ready.
func (rt *Runtime) Start(ctx context.Context) error {
	gate := cachegate.Gate{Repo: rt.Cache, Version: rt.Version, Logger: rt.Logger.With("component", "cachegate")}
	if _, err := gate.Check(ctx); err != nil {
		return err
	}
	log := rt.Logger.With("component", "snapshots")
	if rt.Config.Snapshots.WarmStart {
		_, err := snapshot.Restore(ctx, rt.Snapshots, rt.Cache, rt.Version, log)
		switch {
		case errors.Is(err, snapshot.ErrUnusable):
			log.Info("cold start, snapshots not usable", "reason", err)
		case err != nil:
			log.Warn("warm start failed, folding from the cache watermark", "err", err)
		}
	}
	wm, err := rt.Cache.GetProjectedVersion(ctx)
	if err != nil {
		return err
	}
	if err := rt.Uploader.Resume(ctx, rt.Cache, wm); err != nil {
		log.Warn("snapshot store not resumed, uploads stay unchecked", "err", err)
	}
	rt.Readiness.MarkReady()
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled. A halted
// projection is logged and left halted; reads keep being served.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.Start(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rt.Projection.Run(ctx); err != nil {
			rt.Logger.Error("projection stopped; restart after fixing the log or cache", "err", err)
		}
		return nil
	})
	g.Go(func() error { return rt.Uploader.Run(ctx) })
	g.Go(func() error {
		return every(ctx, rt.Config.Maintenance.SweepInterval, func(ctx context.Context) {
			if _, err := rt.Sweep(ctx, time.Now()); err != nil {
				rt.Logger.Warn("sweep failed", "err", err)
			}
		})
	})
	g.Go(func() error {
		return every(ctx, rt.Config.Maintenance.HeadPollInterval, func(ctx context.Context) {
			if _, _, err := rt.PollHead(ctx); err != nil {
				rt.Logger.Debug("head poll failed", "err", err)
			}
		})
	})
	return g.Wait()
}

func every(ctx context.Context, d time.Duration, fn func(context.Context)) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn(ctx)
		}
	}
}

// Sweep removes prepared configurations whose validity ended by now from the
// cache. The log and snapshots keep them, and a later build of the same
// configuration continues its ConfigurationVersion.
func (rt *Runtime) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := rt.Cache.ExpiredConfigurations(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := rt.Cache.Expire(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return 0, err
		}
	}
	if len(ids) > 0 {
		rt.Metrics.SweptConfigs.Add(float64(len(ids)))
		rt.Logger.Info("expired configurations swept", "count", len(ids))
	}
	return len(ids), nil
}

// PollHead records the log head and the projection lag.
func (rt *Runtime) PollHead(ctx context.Context) (head, watermark domain.Revision, err error) {
	if head, err = rt.Log.Head(ctx, rt.Config.Stream); err != nil {
		return 0, 0, err
	}
	if watermark, err = rt.Cache.GetProjectedVersion(ctx); err != nil {
		return head, 0, err
	}
	rt.Metrics.SetHead(uint64(head), uint64(watermark))
	return head, watermark, nil
}

type ProjectionStatus struct {
	projection.Status
	Head  domain.Revision `json:"head"`
	Lag   uint64          `json:"lag"`
	Ready bool            `json:"ready"`
}

// Status reports the projection state with a fresh head and watermark.
func (rt *Runtime) Status(ctx context.Context) (ProjectionStatus, error) {
	st := ProjectionStatus{Status: rt.Projection.Status(), Ready: rt.Readiness.Ready()}
	head, wm, err := rt.PollHead(ctx)
	if err != nil {
		return st, err
	}
	st.Head, st.Watermark = head, wm
	if head > wm {
		st.Lag = uint64(head - wm)
	}
	return st, nil
}
