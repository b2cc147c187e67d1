// Package projection folds the event log into materialized objects. The same
// Folder serves the live cache and in-memory replay.
package projection

import (
	"context"
	"fmt"
	"strings"

	"configline/internal/compiler"
	"configline/internal/domain"
)

// Folder dispatches events to their handlers.
type Folder struct {
	handlers map[domain.EventType]handler
	compiler compiler.Compiler
}

// NewFolder builds a Folder with every handler registered. A nil compiler
// defaults to compiler.Template.
func NewFolder(c compiler.Compiler) (*Folder, error) {
	if c == nil {
		c = compiler.Template{}
	}
	f := &Folder{handlers: defaultHandlers(), compiler: c}
	if err := f.CheckHandlers(); err != nil {
		return nil, err
	}
	return f, nil
}

// CheckHandlers fails when any known event type has no handler.
func (f *Folder) CheckHandlers() error {
	var missing []string
	for _, t := range domain.EventTypes() {
		if _, ok := f.handlers[t]; !ok {
			missing = append(missing, string(t))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("projection: no handler for %s", strings.Join(missing, ", "))
	}
	return nil
}

// Fold applies e to store and returns the snapshots of every object it wrote
// or removed, tombstones included.
func (f *Folder) Fold(ctx context.Context, store ObjectStore, e domain.Event) ([]domain.Snapshot, error) {
	h, ok := f.handlers[e.Type]
	if !ok {
		return nil, fmt.Errorf("%w: revision %d: no handler for %q", domain.ErrReplayInconsistency, e.Revision, e.Type)
	}
	p, err := e.Decode()
	if err != nil {
		return nil, err
	}
	fc := &foldContext{store: store, compiler: f.compiler, rev: e.Revision, at: e.Timestamp}
	if err := h(ctx, fc, p); err != nil {
		return nil, fmt.Errorf("fold %s at revision %d: %w", e.Type, e.Revision, err)
	}
	return fc.changes, nil
}
