package projection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"configline/internal/domain"
)

// ObjectStore is what handlers fold into. repo.Tx implements it for the live
// cache and MemoryStore for replay.
type ObjectStore interface {
	Load(ctx context.Context, dt domain.DataType, id string) (domain.Object, error)
	Store(ctx context.Context, o domain.Object) error
	// Remove deletes dt/id and records the deletion at rev.
	Remove(ctx context.Context, dt domain.DataType, id string, rev domain.Revision) error
	// Removal reports how dt/id left the store, ErrNotFound when it never did.
	Removal(ctx context.Context, dt domain.DataType, id string) (domain.Removal, error)
	EnvironmentsReferencingLayer(ctx context.Context, layer domain.LayerID) ([]domain.EnvironmentID, error)
}

type objectKey struct {
	dt domain.DataType
	id string
}

// MemoryStore is an in-memory ObjectStore. Objects are kept in their snapshot
// form so loads never alias stored state.
type MemoryStore struct {
	mu      sync.RWMutex
	objects  map[objectKey]domain.Snapshot
	layers   map[string][]domain.LayerID
	removals map[objectKey]domain.Removal
}

var _ ObjectStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  map[objectKey]domain.Snapshot{},
		layers:   map[string][]domain.LayerID{},
		removals: map[objectKey]domain.Removal{},
	}
}

func (s *MemoryStore) Load(_ context.Context, dt domain.DataType, id string) (domain.Object, error) {
	s.mu.RLock()
	snap, ok := s.objects[objectKey{dt, id}]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrNotFound, dt, id)
	}
	return snap.Object()
}

func (s *MemoryStore) Store(_ context.Context, o domain.Object) error {
	snap, err := domain.ToSnapshot(o)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := objectKey{snap.DataType, snap.Identifier}
	if prev, ok := s.objects[key]; ok && prev.Version > snap.Version {
		return nil
	}
	s.objects[key] = snap
	if env, ok := o.(*domain.ConfigEnvironment); ok {
		s.layers[snap.Identifier] = append([]domain.LayerID(nil), env.Layers...)
	}
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, dt domain.DataType, id string, rev domain.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := objectKey{dt, id}
	if _, ok := s.objects[key]; !ok {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, dt, id)
	}
	delete(s.objects, key)
	if dt == domain.DataEnvironment {
		delete(s.layers, id)
	}
	if prev, ok := s.removals[key]; !ok || prev.Version <= rev {
		s.removals[key] = domain.Removal{DataType: dt, Identifier: id, Version: rev, Deleted: true}
	}
	return nil
}

func (s *MemoryStore) Removal(_ context.Context, dt domain.DataType, id string) (domain.Removal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.removals[objectKey{dt, id}]
	if !ok {
		return domain.Removal{}, fmt.Errorf("%w: removal of %s %s", domain.ErrNotFound, dt, id)
	}
	return r, nil
}

// Tombstones returns a tombstone per deleted identifier, ordered like
// Snapshots.
func (s *MemoryStore) Tombstones() []domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.Snapshot, 0, len(s.removals))
	for _, r := range s.removals {
		if r.Deleted {
			res = append(res, domain.Tombstone(r.DataType, r.Identifier, r.Version))
		}
	}
	sortSnapshots(res)
	return res
}

func (s *MemoryStore) EnvironmentsReferencingLayer(_ context.Context, layer domain.LayerID) ([]domain.EnvironmentID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.EnvironmentID
	for envID, layers := range s.layers {
		for _, l := range layers {
			if l == layer {
				id, err := domain.ParseEnvironmentID(envID)
				if err != nil {
					return nil, err
				}
				res = append(res, id)
				break
			}
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].String() < res[j].String() })
	return res, nil
}

// Snapshots returns every stored object, ordered by data type then identifier.
func (s *MemoryStore) Snapshots() []domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.Snapshot, 0, len(s.objects))
	for _, snap := range s.objects {
		res = append(res, snap)
	}
	sortSnapshots(res)
	return res
}

func sortSnapshots(res []domain.Snapshot) {
	sort.Slice(res, func(i, j int) bool {
		if res[i].DataType != res[j].DataType {
			return res[i].DataType < res[j].DataType
		}
		return res[i].Identifier < res[j].Identifier
	})
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
