package repo_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"configline/internal/db"
	"configline/internal/domain"
	"configline/internal/migrate"
	"configline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: db.CacheDB})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, migrate.Cache); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func sampleObjects() []domain.Object {
	keys := map[string]domain.LayerKey{
		"db/host": {Key: "db/host", Value: "pg", StampedAt: 1700000000},
		"db/port": {Key: "db/port", Value: "5432", Type: "int", Description: "port"},
	}
	json, _ := domain.DeriveJSON(keys)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	env := domain.EnvironmentID{Category: "prod", Name: "eu"}
	structure := domain.StructureID{Name: "svc", Version: 3}
	return []domain.Object{
		&domain.EnvironmentLayer{ID: domain.LayerID{Name: "base"}, Keys: keys, JSON: json, Trie: domain.BuildTrie(keys), Version: 7},
		&domain.ConfigEnvironment{ID: env, Layers: []domain.LayerID{{Name: "base"}}, ResolvedKeys: keys, JSON: json, Trie: domain.BuildTrie(keys), Version: 9},
		&domain.ConfigStructure{ID: structure, Keys: map[string]string{"a": "{{db/host}}"}, Variables: map[string]string{"v": "1"}, Version: 4},
		&domain.PreparedConfiguration{
			ID:                   domain.ConfigurationID{Environment: env, Structure: structure},
			CompiledKeys:         map[string]string{"a": "pg"},
			CompiledJSON:         []byte(`{"a":"pg"}`),
			UsedEnvironmentKeys:  []string{"db/host"},
			ValidFrom:            &from,
			ValidTo:              &to,
			ConfigurationVersion: 2,
			Version:              11,
		},
	}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for _, o := range sampleObjects() {
		if err := r.Store(ctx, o); err != nil {
			t.Fatalf("store %s: %v", o.Identifier(), err)
		}
		got, err := r.Load(ctx, o.DataType(), o.Identifier())
		if err != nil {
			t.Fatalf("load %s: %v", o.Identifier(), err)
		}
		want, _ := domain.ToSnapshot(o)
		have, _ := domain.ToSnapshot(got)
		if !reflect.DeepEqual(want, have) {
			t.Fatalf("round trip %s:\nwant %s\ngot  %s", o.Identifier(), want.JSONData, have.JSONData)
		}
	}
	ids, err := r.ListIdentifiers(ctx, domain.DataLayer)
	if err != nil || !reflect.DeepEqual(ids, []string{"base"}) {
		t.Fatalf("list identifiers = %v, %v", ids, err)
	}
}

func TestStoreNeverRegressesVersion(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	newer := &domain.ConfigStructure{ID: domain.StructureID{Name: "s", Version: 1}, Keys: map[string]string{"k": "new"}, Version: 5}
	older := &domain.ConfigStructure{ID: newer.ID, Keys: map[string]string{"k": "old"}, Version: 3}
	if err := r.Store(ctx, newer); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := r.Store(ctx, older); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := r.LoadStructure(ctx, newer.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Version != 5 || got.Keys["k"] != "new" {
		t.Fatalf("got %+v", got)
	}
}

func TestEnvironmentLayerIndex(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	a := domain.EnvironmentID{Category: "c", Name: "a"}
	b := domain.EnvironmentID{Category: "c", Name: "b"}
	shared := domain.LayerID{Name: "shared"}
	for _, env := range []*domain.ConfigEnvironment{
		{ID: a, Layers: []domain.LayerID{shared, {Name: "only-a"}}, Version: 1},
		{ID: b, Layers: []domain.LayerID{shared}, Version: 2},
	} {
		if err := r.Store(ctx, env); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	ids, err := r.EnvironmentsReferencingLayer(ctx, shared)
	if err != nil || !reflect.DeepEqual(ids, []domain.EnvironmentID{a, b}) {
		t.Fatalf("referencing shared = %v, %v", ids, err)
	}
	if err := r.Remove(ctx, domain.DataEnvironment, a.String(), 3); err != nil {
		t.Fatalf("remove: %v", err)
	}
	ids, _ = r.EnvironmentsReferencingLayer(ctx, shared)
	if !reflect.DeepEqual(ids, []domain.EnvironmentID{b}) {
		t.Fatalf("after remove = %v", ids)
	}
	if err := r.Remove(ctx, domain.DataEnvironment, a.String(), 4); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second remove: %v", err)
	}
	rm, err := r.Removal(ctx, domain.DataEnvironment, a.String())
	if err != nil || !rm.Deleted || rm.Version != 3 {
		t.Fatalf("removal = %+v, %v", rm, err)
	}
	if _, err := r.Removal(ctx, domain.DataEnvironment, b.String()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("removal of live environment: %v", err)
	}
}

func TestStaleEnvironmentUpsertKeepsIndex(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	id := domain.EnvironmentID{Category: "c", Name: "e"}
	current := domain.LayerID{Name: "current"}
	stale := domain.LayerID{Name: "stale"}
	if err := r.Store(ctx, &domain.ConfigEnvironment{ID: id, Layers: []domain.LayerID{current}, Version: 8}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := r.Store(ctx, &domain.ConfigEnvironment{ID: id, Layers: []domain.LayerID{stale}, Version: 5}); err != nil {
		t.Fatalf("store stale: %v", err)
	}
	if ids, _ := r.EnvironmentsReferencingLayer(ctx, current); !reflect.DeepEqual(ids, []domain.EnvironmentID{id}) {
		t.Fatalf("referencing current = %v", ids)
	}
	if ids, _ := r.EnvironmentsReferencingLayer(ctx, stale); len(ids) != 0 {
		t.Fatalf("stale upsert reindexed: %v", ids)
	}
	env, err := r.LoadEnvironment(ctx, id)
	if err != nil || env.Version != 8 || !reflect.DeepEqual(env.Layers, []domain.LayerID{current}) {
		t.Fatalf("environment = %+v, %v", env, err)
	}
}

func TestExportIncludesTombstones(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for _, o := range sampleObjects() {
		if err := r.Store(ctx, o); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	gone := &domain.EnvironmentLayer{ID: domain.LayerID{Name: "gone"}, Version: 12}
	if err := r.Store(ctx, gone); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := r.Remove(ctx, domain.DataLayer, "gone", 13); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := r.SetProjectedVersion(ctx, 13); err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	wm, snaps, err := r.Export(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if wm != 13 || len(snaps) != 5 {
		t.Fatalf("export = %d, %d snapshots", wm, len(snaps))
	}
	var tomb *domain.Snapshot
	for i := range snaps {
		if snaps[i].Identifier == "gone" {
			tomb = &snaps[i]
		}
	}
	if tomb == nil || !tomb.Deleted() || tomb.Version != 13 {
		t.Fatalf("tombstone = %+v", tomb)
	}
}

func TestWatermarkIsMonotonic(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if wm, err := r.GetProjectedVersion(ctx); err != nil || wm != 0 {
		t.Fatalf("initial watermark = %d, %v", wm, err)
	}
	last := domain.Revision(0)
	for _, rev := range []domain.Revision{3, 1, 8, 8, 5, 10} {
		if err := r.SetProjectedVersion(ctx, rev); err != nil {
			t.Fatalf("set %d: %v", rev, err)
		}
		wm, _ := r.GetProjectedVersion(ctx)
		if wm < last || wm < rev {
			t.Fatalf("watermark %d after setting %d (previous %d)", wm, rev, last)
		}
		last = wm
	}
	if last != 10 {
		t.Fatalf("final watermark = %d", last)
	}
}

func TestInTxRollsBack(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := r.InTx(ctx, func(tx repo.Tx) error {
		if err := tx.Store(ctx, &domain.ConfigStructure{ID: domain.StructureID{Name: "s", Version: 1}, Version: 1}); err != nil {
			return err
		}
		if err := tx.SetProjectedVersion(ctx, 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("in tx: %v", err)
	}
	if _, err := r.LoadStructure(ctx, domain.StructureID{Name: "s", Version: 1}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("object survived rollback: %v", err)
	}
	if wm, _ := r.GetProjectedVersion(ctx); wm != 0 {
		t.Fatalf("watermark survived rollback: %d", wm)
	}
}

func TestClearAndAppVersion(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for _, o := range sampleObjects() {
		if err := r.Store(ctx, o); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	if err := r.SetProjectedVersion(ctx, 11); err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	if err := r.SetAppVersion(ctx, "1.0.0"); err != nil {
		t.Fatalf("set app version: %v", err)
	}
	if v, ok, err := r.GetAppVersion(ctx); err != nil || !ok || v != "1.0.0" {
		t.Fatalf("app version = %q %v %v", v, ok, err)
	}
	if err := r.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	counts, err := r.Count(ctx)
	if err != nil || len(counts) != 0 {
		t.Fatalf("counts after clear = %v, %v", counts, err)
	}
	if _, ok, _ := r.GetAppVersion(ctx); ok {
		t.Fatalf("app version survived clear")
	}
	if wm, _ := r.GetProjectedVersion(ctx); wm != 0 {
		t.Fatalf("watermark survived clear: %d", wm)
	}
}

func TestExpiredConfigurations(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	objs := sampleObjects()
	cfg := objs[3].(*domain.PreparedConfiguration)
	if err := r.Store(ctx, cfg); err != nil {
		t.Fatalf("store: %v", err)
	}
	ids, err := r.ExpiredConfigurations(ctx, cfg.ValidTo.Add(-time.Minute))
	if err != nil || len(ids) != 0 {
		t.Fatalf("expired before window end = %v, %v", ids, err)
	}
	ids, err = r.ExpiredConfigurations(ctx, *cfg.ValidTo)
	if err != nil || len(ids) != 1 || ids[0] != cfg.ID {
		t.Fatalf("expired at window end = %v, %v", ids, err)
	}
	if err := r.Expire(ctx, cfg.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if _, err := r.LoadConfiguration(ctx, cfg.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expired configuration still cached: %v", err)
	}
	rm, err := r.Removal(ctx, domain.DataConfiguration, cfg.ID.String())
	if err != nil || rm.Deleted || rm.ConfigurationVersion != cfg.ConfigurationVersion || rm.Version != cfg.Version {
		t.Fatalf("removal = %+v, %v", rm, err)
	}
}
