package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"configline/internal/compiler"
	"configline/internal/domain"
)

// handler folds one decoded payload. It only sets fields from the payload and
// from objects it loads, so folding the same revision twice is a no-op.
type handler func(ctx context.Context, fc *foldContext, p domain.Payload) error

// foldContext carries one event through its handler and records what changed.
type foldContext struct {
	store    ObjectStore
	compiler compiler.Compiler
	rev      domain.Revision
	at       time.Time
	changes  []domain.Snapshot
}

func (fc *foldContext) load(ctx context.Context, dt domain.DataType, id string) (domain.Object, bool, error) {
	o, err := fc.store.Load(ctx, dt, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return o, true, nil
}

// current reports whether a loaded object already reflects this revision.
func (fc *foldContext) current(ok bool, o domain.Object) bool {
	return ok && o.ObjectVersion() >= fc.rev
}

// deletedSince reports whether dt/id was deleted at or after this revision,
// which means the event was folded before the deletion. reused is set when it
// was deleted earlier.
func (fc *foldContext) deletedSince(ctx context.Context, dt domain.DataType, id string) (since, reused bool, err error) {
	r, err := fc.store.Removal(ctx, dt, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	if !r.Deleted {
		return false, false, nil
	}
	return r.Version >= fc.rev, r.Version < fc.rev, nil
}

// missing handles an event whose target dt/id is not in the store: nil when
// a later deletion already covers it, an inconsistency otherwise.
func (fc *foldContext) missing(ctx context.Context, dt domain.DataType, id, what string) error {
	since, _, err := fc.deletedSince(ctx, dt, id)
	if err != nil {
		return err
	}
	if since {
		return nil
	}
	return inconsistent(fc.rev, "%s", what)
}

// creatable checks that a create of dt/id can be folded. skip is set when a
// later deletion already covers it.
func (fc *foldContext) creatable(ctx context.Context, dt domain.DataType, id string) (skip bool, err error) {
	since, reused, err := fc.deletedSince(ctx, dt, id)
	if err != nil {
		return false, err
	}
	if reused {
		return false, inconsistent(fc.rev, "%s %s was deleted and cannot be created again", dt, id)
	}
	return since, nil
}

func (fc *foldContext) put(ctx context.Context, o domain.Object) error {
	if err := fc.store.Store(ctx, o); err != nil {
		return err
	}
	snap, err := domain.ToSnapshot(o)
	if err != nil {
		return err
	}
	fc.changes = append(fc.changes, snap)
	return nil
}

func (fc *foldContext) drop(ctx context.Context, dt domain.DataType, id string) error {
	if err := fc.store.Remove(ctx, dt, id, fc.rev); err != nil {
		return err
	}
	fc.changes = append(fc.changes, domain.Tombstone(dt, id, fc.rev))
	return nil
}

func inconsistent(rev domain.Revision, format string, args ...any) error {
	return fmt.Errorf("%w: revision %d: %s", domain.ErrReplayInconsistency, rev, fmt.Sprintf(format, args...))
}

func defaultHandlers() map[domain.EventType]handler {
	return map[domain.EventType]handler{
		domain.EventLayerCreated:               foldLayerCreated,
		domain.EventLayerDeleted:               foldLayerDeleted,
		domain.EventLayerKeysModified:          foldLayerKeysModified,
		domain.EventEnvironmentCreated:         foldEnvironmentCreated,
		domain.EventEnvironmentDeleted:         foldEnvironmentDeleted,
		domain.EventEnvironmentLayersAssigned:  foldEnvironmentLayersAssigned,
		domain.EventStructureCreated:           foldStructureCreated,
		domain.EventStructureDeleted:           foldStructureDeleted,
		domain.EventStructureKeysModified:      foldStructureKeysModified,
		domain.EventStructureVariablesModified: foldStructureVariablesModified,
		domain.EventConfigurationBuilt:         foldConfigurationBuilt,
	}
}

func loadLayer(ctx context.Context, fc *foldContext, id domain.LayerID) (*domain.EnvironmentLayer, bool, error) {
	o, ok, err := fc.load(ctx, domain.DataLayer, id.String())
	if err != nil || !ok {
		return nil, ok, err
	}
	l, isLayer := o.(*domain.EnvironmentLayer)
	if !isLayer {
		return nil, false, fmt.Errorf("layer %s: unexpected object %T", id, o)
	}
	return l, true, nil
}

func loadEnvironment(ctx context.Context, fc *foldContext, id domain.EnvironmentID) (*domain.ConfigEnvironment, bool, error) {
	o, ok, err := fc.load(ctx, domain.DataEnvironment, id.String())
	if err != nil || !ok {
		return nil, ok, err
	}
	e, isEnv := o.(*domain.ConfigEnvironment)
	if !isEnv {
		return nil, false, fmt.Errorf("environment %s: unexpected object %T", id, o)
	}
	return e, true, nil
}

func loadStructure(ctx context.Context, fc *foldContext, id domain.StructureID) (*domain.ConfigStructure, bool, error) {
	o, ok, err := fc.load(ctx, domain.DataStructure, id.String())
	if err != nil || !ok {
		return nil, ok, err
	}
	s, isStruct := o.(*domain.ConfigStructure)
	if !isStruct {
		return nil, false, fmt.Errorf("structure %s: unexpected object %T", id, o)
	}
	return s, true, nil
}

func foldLayerCreated(ctx context.Context, fc *foldContext, p domain.Payload) error {
	ev := p.(domain.LayerCreated)
	existing, ok, err := loadLayer(ctx, fc, ev.Layer)
	if err != nil {
		return err
	}
	if fc.current(ok, existing) {
		return nil
	}
	if ok {
		return inconsistent(fc.rev, "layer %s already exists", ev.Layer)
	}
	if skip, err := fc.creatable(ctx, domain.DataLayer, ev.Layer.String()); err != nil || skip {
		return err
	}
	layer := &domain.EnvironmentLayer{ID: ev.Layer, Keys: map[string]domain.LayerKey{}, Version: fc.rev}
	if err := deriveLayer(layer); err != nil {
		return err
	}
	if err := fc.put(ctx, layer); err != nil {
		return err
	}
	// Environments may list a layer before it exists.
	return fanOut(ctx, fc, ev.Layer, false)
}

func foldLayerKeysModified(ctx context.Context, fc *foldContext, p domain.Payload) error {
	ev := p.(domain.LayerKeysModified)
	layer, ok, err := loadLayer(ctx, fc, ev.Layer)
	if err != nil {
		return err
	}
	if !ok {
		return fc.missing(ctx, domain.DataLayer, ev.Layer.String(), fmt.Sprintf("keys modified on unknown layer %s", ev.Layer))
	}
	if fc.current(ok, layer) {
		return nil
	}
	layer.Keys = domain.ApplyKeyActions(layer.Keys, ev.Actions, fc.at.Unix())
	layer.Version = fc.rev
	if err := deriveLayer(layer); err != nil {
		return err
	}
	if err := fc.put(ctx, layer); err != nil {
		return err
	}
	return fanOut(ctx, fc, ev.Layer, false)
}

func foldLayerDeleted(ctx context.Context, fc *foldContext, p domain.Payload) error {
	ev := p.(domain.LayerDeleted)
	layer, ok, err := loadLayer(ctx, fc, ev.Layer)
	if err != nil {
		return err
	}
	if !ok {
		return fc.missing(ctx, domain.DataLayer, ev.Layer.String(), fmt.Sprintf("delete of unknown layer %s", ev.Layer))
	}
	if fc.current(ok, layer) {
		return nil
	}
	if err := fc.drop(ctx, domain.DataLayer, ev.Layer.String()); err != nil {
		return err
	}
	return fanOut(ctx, fc, ev.Layer, true)
}

// fanOut recomputes every environment whose layer list contains layer. With
// detach set the layer is also removed from those lists.
func fanOut(ctx context.Context, fc *foldContext, layer domain.LayerID, detach bool) error {
	envIDs, err := fc.store.EnvironmentsReferencingLayer(ctx, layer)
	if err != nil {
		return err
	}
	for _, id := range envIDs {
		env, ok, err := loadEnvironment(ctx, fc, id)
		if err != nil {
			return err
		}
		if !ok || fc.current(ok, env) {
			continue
		}
		if detach {
			kept := env.Layers[:0]
			for _, l := range env.Layers {
				if l != layer {
					kept = append(kept, l)
				}
			}
			env.Layers = kept
		}
		if err := recomputeEnvironment(ctx, fc, env); err != nil {
			return err
		}
	}
	return nil
}

func recomputeEnvironment(ctx context.Context, fc *foldContext, env *domain.ConfigEnvironment) error {
	layers := make([]*domain.EnvironmentLayer, 0, len(env.Layers))
	for _, id := range env.Layers {
		l, _, err := loadLayer(ctx, fc, id)
		if err != nil {
			return err
		}
		layers = append(layers, l)
	}
	env.ResolvedKeys = domain.ResolveKeys(layers...)
	data, err := domain.DeriveJSON(env.ResolvedKeys)
	if err != nil {
		return fmt.Errorf("environment %s json: %w", env.ID, err)
	}
	env.JSON = data
	env.Trie = domain.BuildTrie(env.ResolvedKeys)
	env.Version = fc.rev
	return fc.put(ctx, env)
}

func deriveLayer(l *domain.EnvironmentLayer) error {
	data, err := domain.DeriveJSON(l.Keys)
	if err != nil {
		return fmt.Errorf("layer %s json: %w", l.ID, err)
	}
	l.JSON = data
	l.Trie = domain.BuildTrie(l.Keys)
	return nil
}

func foldEnvironmentCreated(ctx context.Context, fc *foldContext, p domain.Payload) error {
	ev := p.(domain.EnvironmentCreated)
	existing, ok, err := loadEnvironment(ctx, fc, ev.Environment)
	if err != nil {
		return err
	}
	if fc.current(ok, existing) {
		return nil
	}
	if ok {
		return inconsistent(fc.rev, "environment %s already exists", ev.Environment)
	}
	if skip, err := fc.creatable(ctx, domain.DataEnvironment, ev.Environment.String()); err != nil || skip {
		return err
	}
	env := &domain.ConfigEnvironment{ID: ev.Environment, Layers: []domain.LayerID{}}
	return recomputeEnvironment(ctx, fc, env)
}

func foldEnvironmentDeleted(ctx context.Context, fc *foldContext, p domain.Payload) error {
	ev := p.(domain.EnvironmentDeleted)
	env, ok, err := loadEnvironment(ctx, fc, ev.Environment)
	if err != nil {
		return err
	}
	if !ok {
		return fc.missing(ctx, domain.DataEnvironment, ev.Environment.String(), fmt.Sprintf("delete of unknown environment %s", ev.Environment))
	}
	if fc.current(ok, env) {
		return nil
	}
	return fc.drop(ctx, domain.DataEnvironment, ev.Environment.String())
}

func foldEnvironmentLayersAssigned(ctx context.Context, fc *foldContext, p domain.Payload) error {
	ev := p.(domain.EnvironmentLayersAssigned)
	env, ok, err := loadEnvironment(ctx, fc, ev.Environment)
	if err != nil {
		return err
	}
	if !ok {
		return fc.missing(ctx, domain.DataEnvironment, ev.Environment.String(), fmt.Sprintf("layers assigned to unknown environment %s", ev.Environment))
	}
	if fc.current(ok, env) {
		return nil
	}
	env.Layers = append([]domain.LayerID{}, ev.Layers...)
	return recomputeEnvironment(ctx, fc, env)
}

func foldStructureCreated(ctx context.Context, fc *foldContext, p domain.Payload) error {
	ev := p.(domain.StructureCreated)
	existing, ok, err := loadStructure(ctx, fc, ev.Structure)
	if err != nil {
		return err
	}
	if fc.current(ok, existing) {
		return nil
	}
	if ok {
		return inconsistent(fc.rev, "structure %s already exists", ev.Structure)
	}
	if skip, err := fc.creatable(ctx, domain.DataStructure, ev.Structure.String()); err != nil || skip {
		return err
	}
	return fc.put(ctx, &domain.ConfigStructure{
		ID:        ev.Structure,
		Keys:      copyMap(ev.Keys),
		Variables: copyMap(ev.Variables),
		Version:   fc.rev,
	})
}

func foldStructureDeleted(ctx context.Context, fc *foldContext, p domain.Payload) error {
	ev := p.(domain.StructureDeleted)
	s, ok, err := loadStructure(ctx, fc, ev.Structure)
	if err != nil {
		return err
	}
	if !ok {
		return fc.missing(ctx, domain.DataStructure, ev.Structure.String(), fmt.Sprintf("delete of unknown structure %s", ev.Structure))
	}
	if fc.current(ok, s) {
		return nil
	}
	return fc.drop(ctx, domain.DataStructure, ev.Structure.String())
}

func foldStructureKeysModified(ctx context.Context, fc *foldContext, p domain.Payload) error {
	ev := p.(domain.StructureKeysModified)
	s, ok, err := loadStructure(ctx, fc, ev.Structure)
	if err != nil {
		return err
	}
	if !ok {
		return fc.missing(ctx, domain.DataStructure, ev.Structure.String(), fmt.Sprintf("keys modified on unknown structure %s", ev.Structure))
	}
	if fc.current(ok, s) {
		return nil
	}
	s.Keys = domain.ApplyStructureKeyActions(s.Keys, ev.Actions)
	s.Version = fc.rev
	return fc.put(ctx, s)
}

func foldStructureVariablesModified(ctx context.Context, fc *foldContext, p domain.Payload) error {
	ev := p.(domain.StructureVariablesModified)
	s, ok, err := loadStructure(ctx, fc, ev.Structure)
	if err != nil {
		return err
	}
	if !ok {
		return fc.missing(ctx, domain.DataStructure, ev.Structure.String(), fmt.Sprintf("variables modified on unknown structure %s", ev.Structure))
	}
	if fc.current(ok, s) {
		return nil
	}
	s.Variables = domain.ApplyVariableActions(s.Variables, ev.Actions)
	s.Version = fc.rev
	return fc.put(ctx, s)
}

// foldConfigurationBuilt compiles the structure against the environment. A
// failed compile is stored with CompileError set instead of failing the fold.
func foldConfigurationBuilt(ctx context.Context, fc *foldContext, p domain.Payload) error {
	ev := p.(domain.ConfigurationBuilt)
	id := ev.Configuration
	o, ok, err := fc.load(ctx, domain.DataConfiguration, id.String())
	if err != nil {
		return err
	}
	if fc.current(ok, o) {
		return nil
	}
	cfg := &domain.PreparedConfiguration{
		ID:                   id,
		CompiledKeys:         map[string]string{},
		CompiledJSON:         []byte("{}"),
		UsedEnvironmentKeys:  []string{},
		ValidFrom:            ev.ValidFrom,
		ValidTo:              ev.ValidTo,
		ConfigurationVersion: 1,
		Version:              fc.rev,
	}
	if ok {
		if prev, isCfg := o.(*domain.PreparedConfiguration); isCfg {
			cfg.ConfigurationVersion = prev.ConfigurationVersion + 1
		}
	} else {
		// An expired configuration keeps counting from its last build.
		r, err := fc.store.Removal(ctx, domain.DataConfiguration, id.String())
		switch {
		case err == nil && r.Version >= fc.rev:
			return nil
		case err == nil:
			cfg.ConfigurationVersion = r.ConfigurationVersion + 1
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
	}

	env, envOK, err := loadEnvironment(ctx, fc, id.Environment)
	if err != nil {
		return err
	}
	structure, structOK, err := loadStructure(ctx, fc, id.Structure)
	if err != nil {
		return err
	}
	switch {
	case !envOK:
		cfg.CompileError = fmt.Sprintf("environment %s not found", id.Environment)
	case !structOK:
		cfg.CompileError = fmt.Sprintf("structure %s not found", id.Structure)
	default:
		res, err := fc.compiler.Compile(domain.KeyValues(env.ResolvedKeys), structure.Keys, structure.Variables)
		if err != nil {
			cfg.CompileError = err.Error()
			break
		}
		data, err := domain.DeriveStringJSON(res.CompiledKeys)
		if err != nil {
			cfg.CompileError = err.Error()
			break
		}
		cfg.CompiledKeys = res.CompiledKeys
		cfg.CompiledJSON = data
		if res.UsedKeys != nil {
			cfg.UsedEnvironmentKeys = res.UsedKeys
		}
	}
	return fc.put(ctx, cfg)
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
