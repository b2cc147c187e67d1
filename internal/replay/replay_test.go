package replay_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"configline/internal/domain"
	"configline/internal/events"
	"configline/internal/replay"
	"configline/internal/snapshot"
	"configline/internal/snapshot/sqlitestore"
)

const stream = "test"

var (
	ctx = context.Background()
	ts  = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	env = domain.EnvironmentID{Category: "cat", Name: "env"}
	l1  = domain.LayerID{Name: "L1"}
)

func appendEvents(t *testing.T, log events.Log, evts ...domain.Event) {
	t.Helper()
	for _, e := range evts {
		head, err := log.Head(ctx, stream)
		if err != nil {
			t.Fatalf("head: %v", err)
		}
		e.Timestamp = ts
		if _, err := log.Append(ctx, stream, head, []domain.Event{e}); err != nil {
			t.Fatalf("append %s: %v", e.Type, err)
		}
	}
}

func ev(t *testing.T, p domain.Payload) domain.Event {
	t.Helper()
	e, err := domain.NewEvent(p)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return e
}

func legacy(t *testing.T, typ domain.EventType, p any) domain.Event {
	t.Helper()
	e, err := replay.NewLegacyEvent(typ, p)
	if err != nil {
		t.Fatalf("legacy event: %v", err)
	}
	return e
}

func loadEnvironment(t *testing.T, res replay.Result, id domain.EnvironmentID) *domain.ConfigEnvironment {
	t.Helper()
	o, err := res.Store.Load(ctx, domain.DataEnvironment, id.String())
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return o.(*domain.ConfigEnvironment)
}

func TestFullReplayFoldsEveryEvent(t *testing.T) {
	log := events.NewMemoryLog()
	other := domain.EnvironmentID{Category: "cat", Name: "gone"}
	appendEvents(t, log,
		ev(t, domain.LayerCreated{Layer: l1}),
		ev(t, domain.LayerKeysModified{Layer: l1, Actions: []domain.KeyAction{{Key: "a/b", Value: "1", Action: domain.ActionSet}}}),
		ev(t, domain.EnvironmentCreated{Environment: env}),
		ev(t, domain.EnvironmentLayersAssigned{Environment: env, Layers: []domain.LayerID{l1}}),
		ev(t, domain.EnvironmentCreated{Environment: other}),
		ev(t, domain.EnvironmentDeleted{Environment: other}),
	)

	res, err := replay.Replayer{Log: log, Stream: stream, BatchSize: 2}.Full(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Events != 6 || res.Head != 6 {
		t.Fatalf("result = %+v", res)
	}
	got := loadEnvironment(t, res, env)
	if got.ResolvedKeys["a/b"].Value != "1" {
		t.Fatalf("resolved = %+v", got.ResolvedKeys)
	}
	if _, err := res.Store.Load(ctx, domain.DataEnvironment, other.String()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted environment still loaded: %v", err)
	}

	var tombstone bool
	var latest domain.Revision
	for _, s := range res.Snapshots() {
		if s.Identifier == other.String() && s.Deleted() {
			tombstone = true
		}
		latest = max(latest, s.Version)
	}
	if !tombstone || latest != 6 {
		t.Fatalf("snapshots: tombstone=%v latest=%d", tombstone, latest)
	}
}

func TestFullReplayIgnoreErrors(t *testing.T) {
	log := events.NewMemoryLog()
	appendEvents(t, log,
		ev(t, domain.LayerDeleted{Layer: l1}),
		ev(t, domain.EnvironmentCreated{Environment: env}),
	)
	if _, err := (replay.Replayer{Log: log, Stream: stream}).Full(ctx); !errors.Is(err, domain.ErrReplayInconsistency) {
		t.Fatalf("expected inconsistency, got %v", err)
	}
	res, err := replay.Replayer{Log: log, Stream: stream, IgnoreErrors: true}.Full(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Ignored != 1 || res.Store.Len() != 1 {
		t.Fatalf("ignored=%d objects=%d", res.Ignored, res.Store.Len())
	}
}

func TestRebuildReplacesSnapshotStore(t *testing.T) {
	store, err := sqlitestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	stale := domain.Tombstone(domain.DataLayer, "stale", 99)
	if err := store.SaveSnapshots(ctx, []domain.Snapshot{stale}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	log := events.NewMemoryLog()
	appendEvents(t, log,
		ev(t, domain.LayerCreated{Layer: l1}),
		ev(t, domain.EnvironmentCreated{Environment: env}),
		ev(t, domain.EnvironmentLayersAssigned{Environment: env, Layers: []domain.LayerID{l1}}),
	)
	if _, err := (replay.Replayer{Log: log, Stream: stream, AppVersion: "1.0.0"}).Rebuild(ctx, store, 1); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	snaps, err := store.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// Two objects plus the checkpoint.
	if len(snaps) != 3 {
		t.Fatalf("snapshots = %+v", snaps)
	}
	if cp, ok, err := snapshot.ReadCheckpoint(ctx, store); err != nil || !ok || cp.Revision != 3 || cp.AppVersion != "1.0.0" {
		t.Fatalf("checkpoint = %+v %v %v", cp, ok, err)
	}
	latest, err := store.GetLatestSnapshotRevision(ctx)
	if err != nil || latest != 3 {
		t.Fatalf("latest = %d, %v", latest, err)
	}
}

func seedLegacy(t *testing.T, log events.Log) {
	t.Helper()
	gone := domain.EnvironmentID{Category: "cat", Name: "gone"}
	structure := domain.StructureID{Name: "svc", Version: 1}
	appendEvents(t, log,
		legacy(t, domain.EventEnvironmentCreated, domain.EnvironmentCreated{Environment: env}),
		legacy(t, replay.EventLegacyEnvironmentKeysModified, replay.LegacyEnvironmentKeysModified{
			Environment: env,
			Actions:     []domain.KeyAction{{Key: "a/b", Value: "1", Action: domain.ActionSet}, {Key: "tmp", Value: "x", Action: domain.ActionSet}},
		}),
		legacy(t, replay.EventLegacyEnvironmentKeysModified, replay.LegacyEnvironmentKeysModified{
			Environment: env,
			Actions:     []domain.KeyAction{{Key: "tmp", Action: domain.ActionDelete}},
		}),
		legacy(t, domain.EventEnvironmentCreated, domain.EnvironmentCreated{Environment: gone}),
		legacy(t, domain.EventEnvironmentDeleted, domain.EnvironmentDeleted{Environment: gone}),
		legacy(t, domain.EventStructureCreated, domain.StructureCreated{Structure: structure, Keys: map[string]string{"out": "{{a/b}}"}}),
		legacy(t, domain.EventConfigurationBuilt, domain.ConfigurationBuilt{Configuration: domain.ConfigurationID{Environment: env, Structure: structure}}),
	)
}

func assertMigratedState(t *testing.T, log events.Log) {
	t.Helper()
	res, err := replay.Replayer{Log: log, Stream: stream}.Full(ctx)
	if err != nil {
		t.Fatalf("replay migrated log: %v", err)
	}
	got := loadEnvironment(t, res, env)
	if len(got.Layers) != 1 || got.Layers[0] != replay.LayerName(env) {
		t.Fatalf("layers = %v", got.Layers)
	}
	if got.ResolvedKeys["a/b"].Value != "1" {
		t.Fatalf("resolved = %+v", got.ResolvedKeys)
	}
	if _, ok := got.ResolvedKeys["tmp"]; ok {
		t.Fatalf("deleted key survived migration")
	}
	cfgID := domain.ConfigurationID{Environment: env, Structure: domain.StructureID{Name: "svc", Version: 1}}
	o, err := res.Store.Load(ctx, domain.DataConfiguration, cfgID.String())
	if err != nil {
		t.Fatalf("load configuration: %v", err)
	}
	if cfg := o.(*domain.PreparedConfiguration); cfg.CompiledKeys["out"] != "1" {
		t.Fatalf("configuration = %+v", cfg)
	}
}

func TestMigrateLossyKeepsLatestState(t *testing.T) {
	log := events.NewMemoryLog()
	seedLegacy(t, log)
	res, err := replay.Migrator{Log: log, Stream: stream, From: 1, To: 2, Mode: replay.ModeLossy}.Run(ctx)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// layer, keys, environment, assignment, structure, build
	if res.SourceEvents != 7 || res.Written != 6 {
		t.Fatalf("result = %+v", res)
	}
	if head, _ := log.Head(ctx, stream); head != 6 {
		t.Fatalf("head = %d", head)
	}
	assertMigratedState(t, log)
}

func TestMigrateLosslessKeepsEveryEvent(t *testing.T) {
	log := events.NewMemoryLog()
	seedLegacy(t, log)
	res, err := replay.Migrator{Log: log, Stream: stream, From: 1, To: 2, Mode: replay.ModeLossless}.Run(ctx)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// 3 + 1 + 1 + 3 + 2 + 1 + 1
	if res.Written != 12 {
		t.Fatalf("written = %d", res.Written)
	}
	it := log.ReadRange(ctx, stream, 0, events.Forward, 0)
	for it.Next(ctx) {
		if !it.Event().Timestamp.Equal(ts) {
			t.Fatalf("revision %d lost its timestamp", it.Event().Revision)
		}
	}
	assertMigratedState(t, log)
}

type latestOnly struct{ t replay.Translator }

func (l latestOnly) Versions() (int, int) { return l.t.Versions() }

func (l latestOnly) Translate(s *replay.LegacyState) ([]domain.Payload, error) {
	return l.t.Translate(s)
}

func TestMigrateLosslessUnsupported(t *testing.T) {
	log := events.NewMemoryLog()
	m := replay.Migrator{Log: log, Stream: stream, From: 1, To: 2, Mode: replay.ModeLossless, Translator: latestOnly{replay.V1ToV2{}}}
	if _, err := m.Run(ctx); !errors.Is(err, replay.ErrLosslessUnsupported) {
		t.Fatalf("expected ErrLosslessUnsupported, got %v", err)
	}
	if _, err := (replay.Migrator{Log: log, Stream: stream, From: 2, To: 3}).Run(ctx); !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("expected unknown version pair error, got %v", err)
	}
}

func TestMigrateIgnoreErrors(t *testing.T) {
	log := events.NewMemoryLog()
	appendEvents(t, log,
		legacy(t, replay.EventLegacyEnvironmentKeysModified, replay.LegacyEnvironmentKeysModified{
			Environment: env,
			Actions:     []domain.KeyAction{{Key: "k", Value: "v", Action: domain.ActionSet}},
		}),
		legacy(t, domain.EventEnvironmentCreated, domain.EnvironmentCreated{Environment: env}),
	)
	m := replay.Migrator{Log: log, Stream: stream, From: 1, To: 2}
	if _, err := m.Run(ctx); !errors.Is(err, domain.ErrReplayInconsistency) {
		t.Fatalf("expected inconsistency, got %v", err)
	}
	if head, _ := log.Head(ctx, stream); head != 2 {
		t.Fatalf("failed migration touched the log: head = %d", head)
	}
	m.IgnoreErrors = true
	res, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if res.Ignored != 1 || res.Written != 3 {
		t.Fatalf("result = %+v", res)
	}
}

type failingReplace struct {
	*events.MemoryLog
}

func (failingReplace) Replace(context.Context, string, domain.Revision, []domain.Event) error {
	return errors.New("log unavailable")
}

func TestMigrateResumesFromBackup(t *testing.T) {
	log := events.NewMemoryLog()
	seedLegacy(t, log)
	backup := filepath.Join(t.TempDir(), "migration.json")

	m := replay.Migrator{Log: failingReplace{log}, Stream: stream, From: 1, To: 2, BackupPath: backup}
	if _, err := m.Run(ctx); err == nil {
		t.Fatalf("expected replace failure")
	}
	if _, err := os.Stat(backup); err != nil {
		t.Fatalf("backup not left behind: %v", err)
	}

	// A resumed run must not read the source again.
	counted := &countingLog{MemoryLog: log}
	m.Log = counted
	res, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !res.Resumed || res.Written != 6 {
		t.Fatalf("result = %+v", res)
	}
	if counted.reads != 0 {
		t.Fatalf("resumed run read the source %d times", counted.reads)
	}
	if _, err := os.Stat(backup); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("backup not removed: %v", err)
	}
	assertMigratedState(t, log)
}

type countingLog struct {
	*events.MemoryLog
	reads int
}

func (l *countingLog) ReadRange(ctx context.Context, stream string, from domain.Revision, dir events.Direction, batchSize int) *events.Iterator {
	l.reads++
	return l.MemoryLog.ReadRange(ctx, stream, from, dir, batchSize)
}

// liveWriter appends one more legacy event just before the stream is swapped,
// the way a writer racing the migration would.
type liveWriter struct {
	*events.MemoryLog
	t *testing.T
}

func (l liveWriter) Replace(ctx context.Context, stream string, expected domain.Revision, evts []domain.Event) error {
	head, _ := l.Head(ctx, stream)
	late := legacy(l.t, domain.EventEnvironmentCreated, domain.EnvironmentCreated{Environment: domain.EnvironmentID{Category: "cat", Name: "late"}})
	if _, err := l.Append(ctx, stream, head, []domain.Event{late}); err != nil {
		l.t.Fatalf("append: %v", err)
	}
	return l.MemoryLog.Replace(ctx, stream, expected, evts)
}

func TestMigrateKeepsConcurrentAppend(t *testing.T) {
	log := events.NewMemoryLog()
	seedLegacy(t, log)
	before, _ := log.Head(ctx, stream)
	m := replay.Migrator{Log: liveWriter{MemoryLog: log, t: t}, Stream: stream, From: 1, To: 2}
	if _, err := m.Run(ctx); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	head, _ := log.Head(ctx, stream)
	if head != before+1 {
		t.Fatalf("head = %d, want %d", head, before+1)
	}
	it := log.ReadRange(ctx, stream, head-1, events.Forward, 1)
	if !it.Next(ctx) || it.Event().Type != domain.EventEnvironmentCreated {
		t.Fatalf("concurrent append lost")
	}
}

func TestMigrateRefusesResumeAfterAppend(t *testing.T) {
	log := events.NewMemoryLog()
	seedLegacy(t, log)
	backup := filepath.Join(t.TempDir(), "migration.json")
	m := replay.Migrator{Log: failingReplace{log}, Stream: stream, From: 1, To: 2, BackupPath: backup}
	if _, err := m.Run(ctx); err == nil {
		t.Fatalf("expected replace failure")
	}
	appendEvents(t, log, legacy(t, domain.EventEnvironmentCreated, domain.EnvironmentCreated{Environment: domain.EnvironmentID{Category: "cat", Name: "late"}}))
	head, _ := log.Head(ctx, stream)

	m.Log = log
	if _, err := m.Run(ctx); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if after, _ := log.Head(ctx, stream); after != head {
		t.Fatalf("refused resume touched the log: head %d -> %d", head, after)
	}
	if _, err := os.Stat(backup); err != nil {
		t.Fatalf("backup removed: %v", err)
	}
}

func TestMigrateRejectsForeignBackup(t *testing.T) {
	log := events.NewMemoryLog()
	seedLegacy(t, log)
	backup := filepath.Join(t.TempDir(), "migration.json")
	if err := os.WriteFile(backup, []byte(`{"from":1,"to":2,"mode":"lossless","stream":"other"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := replay.Migrator{Log: log, Stream: stream, From: 1, To: 2, BackupPath: backup}
	if _, err := m.Run(ctx); err == nil {
		t.Fatalf("expected backup mismatch error")
	}
}
