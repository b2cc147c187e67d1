package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"configline/internal/db"
	"configline/internal/domain"
	"configline/internal/engine"
	"configline/internal/events"
	"configline/internal/metrics"
	"configline/internal/migrate"
	"configline/internal/projection"
	"configline/internal/repo"
)

type testEnv struct {
	Engine    engine.Engine
	Projector *projection.Engine
	Log       *events.MemoryLog
	Metrics   *metrics.Metrics
	Ctx       context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir, Name: db.CacheDB})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, migrate.Cache); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := events.NewMemoryLog()
	cache := repo.Repo{DB: conn}
	m := metrics.New()
	eng := engine.New(log, cache, "test")
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Metrics = m
	folder, err := projection.NewFolder(nil)
	if err != nil {
		t.Fatalf("folder: %v", err)
	}
	proj := projection.NewEngine(log, cache, folder, projection.Options{Stream: "test"})
	return testEnv{Engine: eng, Projector: proj, Log: log, Metrics: m, Ctx: context.Background()}
}

func (te testEnv) project(t *testing.T) domain.Revision {
	t.Helper()
	wm, err := te.Projector.CatchUp(te.Ctx)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	return wm
}

var (
	l1  = domain.LayerID{Name: "L1"}
	env = domain.EnvironmentID{Category: "cat", Name: "env"}
)

func TestEndToEndWritePath(t *testing.T) {
	te := newTestEnv(t)
	steps := []func() (domain.Revision, error){
		func() (domain.Revision, error) { return te.Engine.CreateLayer(te.Ctx, l1) },
		func() (domain.Revision, error) {
			return te.Engine.ModifyLayerKeys(te.Ctx, l1, []domain.KeyAction{{Key: "a/b", Value: "1", Action: domain.ActionSet}})
		},
		func() (domain.Revision, error) { return te.Engine.CreateEnvironment(te.Ctx, env) },
		func() (domain.Revision, error) { return te.Engine.AssignLayers(te.Ctx, env, []domain.LayerID{l1}) },
	}
	for i, step := range steps {
		rev, err := step()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if rev != domain.Revision(i+1) {
			t.Fatalf("step %d revision = %d", i, rev)
		}
		te.project(t)
	}
	got, err := te.Engine.Repo.LoadEnvironment(te.Ctx, env)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ResolvedKeys["a/b"].Value != "1" {
		t.Fatalf("resolved = %+v", got.ResolvedKeys)
	}
	if got.ResolvedKeys["a/b"].StampedAt != time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix() {
		t.Fatalf("key not stamped with event time: %+v", got.ResolvedKeys["a/b"])
	}
	if err := te.Engine.WaitForVersion(te.Ctx, 4, time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	te := newTestEnv(t)
	if _, err := te.Engine.CreateLayer(te.Ctx, l1); err != nil {
		t.Fatalf("create: %v", err)
	}
	te.project(t)
	rev, err := te.Engine.CreateLayer(te.Ctx, l1)
	if err != nil || rev != 1 {
		t.Fatalf("second create = %d, %v", rev, err)
	}
	if head, _ := te.Log.Head(te.Ctx, "test"); head != 1 {
		t.Fatalf("second create appended: head = %d", head)
	}
}

func TestDeletedIdentifierCannotBeRecreated(t *testing.T) {
	te := newTestEnv(t)
	if _, err := te.Engine.CreateLayer(te.Ctx, l1); err != nil {
		t.Fatalf("create: %v", err)
	}
	te.project(t)
	if _, err := te.Engine.DeleteLayer(te.Ctx, l1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	te.project(t)
	_, err := te.Engine.CreateLayer(te.Ctx, l1)
	if !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if head, _ := te.Log.Head(te.Ctx, "test"); head != 2 {
		t.Fatalf("recreate appended: head = %d", head)
	}
}

func TestStaleWatermarkRejectsAppend(t *testing.T) {
	te := newTestEnv(t)
	if _, err := te.Engine.CreateLayer(te.Ctx, l1); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Watermark is still 0 while the tail is 1.
	_, err := te.Engine.CreateLayer(te.Ctx, domain.LayerID{Name: "L2"})
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if head, _ := te.Log.Head(te.Ctx, "test"); head != 1 {
		t.Fatalf("rejected append changed the log: head = %d", head)
	}
	if got := testutil.ToFloat64(te.Metrics.AppendConflicts); got != 1 {
		t.Fatalf("conflicts = %v", got)
	}
	te.project(t)
	if _, err := te.Engine.CreateLayer(te.Ctx, domain.LayerID{Name: "L2"}); err != nil {
		t.Fatalf("create after projecting: %v", err)
	}
}

func TestModifyRequiresExistingObject(t *testing.T) {
	te := newTestEnv(t)
	_, err := te.Engine.ModifyLayerKeys(te.Ctx, l1, []domain.KeyAction{{Key: "k", Value: "v", Action: domain.ActionSet}})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := te.Engine.DeleteEnvironment(te.Ctx, env); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestValidationFailsBeforeAppend(t *testing.T) {
	te := newTestEnv(t)
	if _, err := te.Engine.CreateLayer(te.Ctx, domain.LayerID{Name: "bad/name"}); !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := te.Engine.CreateLayer(te.Ctx, l1); err != nil {
		t.Fatalf("create: %v", err)
	}
	te.project(t)
	_, err := te.Engine.ModifyLayerKeys(te.Ctx, l1, []domain.KeyAction{{Key: "a//b", Value: "v", Action: domain.ActionSet}})
	if !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if head, _ := te.Log.Head(te.Ctx, "test"); head != 1 {
		t.Fatalf("invalid payload appended: head = %d", head)
	}
}

func TestRetryWaitsForPrerequisite(t *testing.T) {
	te := newTestEnv(t)
	if _, err := te.Engine.CreateEnvironment(te.Ctx, env); err != nil {
		t.Fatalf("create env: %v", err)
	}
	te.project(t)
	if _, err := te.Engine.CreateLayer(te.Ctx, l1); err != nil {
		t.Fatalf("create layer: %v", err)
	}
	attempts := 0
	err := engine.Retry(te.Ctx, engine.DefaultRetryAttempts, time.Millisecond, func() error {
		attempts++
		if attempts == 3 {
			te.project(t)
		}
		_, err := te.Engine.AssignLayers(te.Ctx, env, []domain.LayerID{l1})
		return err
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryGivesUpAndSurfacesOtherErrors(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := engine.Retry(ctx, 5, time.Millisecond, func() error {
		calls++
		return domain.ErrNotFound
	})
	if !errors.Is(err, domain.ErrNotFound) || calls != 5 {
		t.Fatalf("retry = %v after %d calls", err, calls)
	}
	calls = 0
	err = engine.Retry(ctx, 5, time.Millisecond, func() error {
		calls++
		return domain.ErrConcurrencyConflict
	})
	if !errors.Is(err, domain.ErrConcurrencyConflict) || calls != 1 {
		t.Fatalf("conflict retried: %v after %d calls", err, calls)
	}
}

func TestBuildConfigurationRequiresPrerequisites(t *testing.T) {
	te := newTestEnv(t)
	structure := domain.StructureID{Name: "svc", Version: 1}
	cfg := domain.ConfigurationID{Environment: env, Structure: structure}
	if _, err := te.Engine.BuildConfiguration(te.Ctx, cfg, nil, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := te.Engine.CreateEnvironment(te.Ctx, env); err != nil {
		t.Fatalf("create env: %v", err)
	}
	te.project(t)
	if _, err := te.Engine.CreateStructure(te.Ctx, structure, map[string]string{"k": "{{v}}"}, map[string]string{"v": "x"}); err != nil {
		t.Fatalf("create structure: %v", err)
	}
	te.project(t)
	rev, err := te.Engine.BuildConfiguration(te.Ctx, cfg, nil, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	te.project(t)
	got, err := te.Engine.Repo.LoadConfiguration(te.Ctx, cfg)
	if err != nil {
		t.Fatalf("load configuration: %v", err)
	}
	if got.Version != rev || got.CompiledKeys["k"] != "x" {
		t.Fatalf("configuration = %+v", got)
	}
}

func TestWaitForVersionHonoursContext(t *testing.T) {
	te := newTestEnv(t)
	ctx, cancel := context.WithTimeout(te.Ctx, 20*time.Millisecond)
	defer cancel()
	if err := te.Engine.WaitForVersion(ctx, 10, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
