package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"configline/internal/app"
	"configline/internal/config"
	"configline/internal/domain"
	"configline/internal/events"
	"configline/internal/repo"
	"configline/internal/snapshot"
	"configline/internal/snapshot/sqlitestore"
)

var l1 = domain.LayerID{Name: "L1"}

func testConfig(backend string) *config.Config {
	cfg := config.Default()
	cfg.Stream = "test"
	cfg.Projection.PollInterval = 10 * time.Millisecond
	cfg.Snapshots.Backend = backend
	cfg.Snapshots.Interval = 10 * time.Millisecond
	cfg.Maintenance.HeadPollInterval = 10 * time.Millisecond
	return cfg
}

func openRuntime(t *testing.T, dir, version string, cfg *config.Config) *app.Runtime {
	t.Helper()
	rt, err := app.Open(context.Background(), app.Options{Workspace: dir, Config: cfg, Version: version})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

func createLayer(t *testing.T, rt *app.Runtime) {
	t.Helper()
	ctx := context.Background()
	if _, err := rt.Engine.CreateLayer(ctx, l1); err != nil {
		t.Fatalf("create layer: %v", err)
	}
	if _, err := rt.Projection.CatchUp(ctx); err != nil {
		t.Fatalf("catch up: %v", err)
	}
}

func TestStartClearsCacheOfOtherVersion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first := openRuntime(t, dir, "1.0.0", testConfig(config.BackendNone))
	if err := first.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	createLayer(t, first)
	first.Close()

	second := openRuntime(t, dir, "1.1.0", testConfig(config.BackendNone))
	if second.Readiness.Ready() {
		t.Fatalf("ready before the gate ran")
	}
	if err := second.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !second.Readiness.Ready() {
		t.Fatalf("not ready after the gate ran")
	}
	if _, err := second.Cache.LoadLayer(ctx, l1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stale cache served: %v", err)
	}
	if v, _, _ := second.Cache.GetAppVersion(ctx); v != "1.1.0" {
		t.Fatalf("stamp = %q", v)
	}
	// The log survives; folding again rebuilds the cache.
	if wm, err := second.Projection.CatchUp(ctx); err != nil || wm != 1 {
		t.Fatalf("catch up = %d, %v", wm, err)
	}
}

// openShared opens a runtime in its own workspace over a shared log and
// snapshot store, the way a replacement process would see them.
func openShared(t *testing.T, version string, cfg *config.Config, log events.Log, store snapshot.Store) *app.Runtime {
	t.Helper()
	rt, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Config: cfg, Version: version, Log: log, Snapshots: store})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

func openStore(t *testing.T) snapshot.Store {
	t.Helper()
	store, err := sqlitestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open snapshot store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStartWarmStartsFromSnapshots(t *testing.T) {
	ctx := context.Background()
	log, store := events.NewMemoryLog(), openStore(t)
	first := openShared(t, "1.0.0", testConfig(config.BackendSQLite), log, store)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	createLayer(t, first)
	if _, err := first.Uploader.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if cp, ok, err := snapshot.ReadCheckpoint(ctx, store); err != nil || !ok || cp.Revision != 1 {
		t.Fatalf("checkpoint = %+v %v %v", cp, ok, err)
	}

	second := openShared(t, "1.0.0", testConfig(config.BackendSQLite), log, store)
	if err := second.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := second.Cache.LoadLayer(ctx, l1); err != nil {
		t.Fatalf("layer not restored: %v", err)
	}
	if wm, _ := second.Cache.GetProjectedVersion(ctx); wm != 1 {
		t.Fatalf("watermark = %d", wm)
	}
	if !second.Uploader.Contiguous() {
		t.Fatalf("restored store was not resumed")
	}
}

func TestStartIgnoresSnapshotsOfOtherVersion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first := openRuntime(t, dir, "1.0.0", testConfig(config.BackendSQLite))
	if err := first.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	createLayer(t, first)
	if _, err := first.Uploader.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	first.Close()

	second := openRuntime(t, dir, "2.0.0", testConfig(config.BackendSQLite))
	if err := second.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := second.Cache.LoadLayer(ctx, l1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cache refilled from the old build's snapshots: %v", err)
	}
	if wm, _ := second.Cache.GetProjectedVersion(ctx); wm != 0 {
		t.Fatalf("watermark = %d", wm)
	}
	snaps, err := second.Snapshots.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("old snapshots kept after resync: %+v", snaps)
	}
	if cp, ok, _ := snapshot.ReadCheckpoint(ctx, second.Snapshots); !ok || cp.AppVersion != "2.0.0" || cp.Revision != 0 {
		t.Fatalf("checkpoint = %+v %v", cp, ok)
	}
	if wm, err := second.Projection.CatchUp(ctx); err != nil || wm != 1 {
		t.Fatalf("catch up = %d, %v", wm, err)
	}
}

func TestStartRefusesStoreWithDroppedSnapshots(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(config.BackendSQLite)
	cfg.Snapshots.QueueCapacity = 1
	log, store := events.NewMemoryLog(), openStore(t)
	first := openShared(t, "1.0.0", cfg, log, store)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	write := func(fn func() (domain.Revision, error)) {
		t.Helper()
		if _, err := fn(); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := first.Projection.CatchUp(ctx); err != nil {
			t.Fatalf("catch up: %v", err)
		}
	}
	write(func() (domain.Revision, error) { return first.Engine.CreateLayer(ctx, l1) })
	// The queue holds one snapshot, so the keys of revision 2 are dropped.
	write(func() (domain.Revision, error) {
		return first.Engine.ModifyLayerKeys(ctx, l1, []domain.KeyAction{{Key: "a/b", Value: "1", Action: domain.ActionSet}})
	})
	if first.Uploader.Contiguous() {
		t.Fatalf("still contiguous after a drop")
	}
	if _, err := first.Uploader.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	write(func() (domain.Revision, error) { return first.Engine.CreateLayer(ctx, domain.LayerID{Name: "L2"}) })
	if _, err := first.Uploader.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	second := openShared(t, "1.0.0", testConfig(config.BackendSQLite), log, store)
	if err := second.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if wm, _ := second.Cache.GetProjectedVersion(ctx); wm != 0 {
		t.Fatalf("restored past a dropped snapshot: watermark = %d", wm)
	}
	if wm, err := second.Projection.CatchUp(ctx); err != nil || wm != 3 {
		t.Fatalf("catch up = %d, %v", wm, err)
	}
	layer, err := second.Cache.LoadLayer(ctx, l1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if layer.Keys["a/b"].Value != "1" {
		t.Fatalf("keys = %+v", layer.Keys)
	}
}

func TestRunFoldsWritesAndFlushesSnapshots(t *testing.T) {
	dir := t.TempDir()
	rt := openRuntime(t, dir, "1.0.0", testConfig(config.BackendSQLite))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	rev, err := rt.Engine.CreateLayer(ctx, l1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := rt.Engine.WaitForVersion(waitCtx, rev, 5*time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}
	st, err := rt.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Head != 1 || st.Watermark != 1 || st.Lag != 0 || !st.Ready {
		t.Fatalf("status = %+v", st)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	snap, err := rt.Snapshots.GetSnapshot(context.Background(), domain.DataLayer, l1.String())
	if err != nil {
		t.Fatalf("snapshot not saved: %v", err)
	}
	if snap.Version != 1 || snap.Deleted() {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSweepDropsExpiredConfigurations(t *testing.T) {
	ctx := context.Background()
	rt := openRuntime(t, t.TempDir(), "1.0.0", testConfig(config.BackendNone))
	env := domain.EnvironmentID{Category: "cat", Name: "env"}
	structure := domain.StructureID{Name: "svc", Version: 1}
	cfgID := domain.ConfigurationID{Environment: env, Structure: structure}
	now := time.Now().UTC()
	validTo := now.Add(time.Hour)

	steps := []func() (domain.Revision, error){
		func() (domain.Revision, error) { return rt.Engine.CreateEnvironment(ctx, env) },
		func() (domain.Revision, error) { return rt.Engine.CreateStructure(ctx, structure, map[string]string{"k": "v"}, nil) },
		func() (domain.Revision, error) { return rt.Engine.BuildConfiguration(ctx, cfgID, nil, &validTo) },
	}
	for _, step := range steps {
		if _, err := step(); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := rt.Projection.CatchUp(ctx); err != nil {
			t.Fatalf("catch up: %v", err)
		}
	}
	if n, err := rt.Sweep(ctx, now); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}
	n, err := rt.Sweep(ctx, now.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
	if _, err := rt.Cache.LoadConfiguration(ctx, cfgID); !repo.IsNotFound(err) {
		t.Fatalf("expired configuration still cached: %v", err)
	}

	// A rebuild after expiry continues the build count.
	if _, err := rt.Engine.BuildConfiguration(ctx, cfgID, nil, nil); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if _, err := rt.Projection.CatchUp(ctx); err != nil {
		t.Fatalf("catch up: %v", err)
	}
	cfg, err := rt.Cache.LoadConfiguration(ctx, cfgID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigurationVersion != 2 {
		t.Fatalf("configuration version = %d, want 2", cfg.ConfigurationVersion)
	}
}
