// Package engine is the write path. Every operation validates against the
// cache, then appends with the projected watermark as the expected revision
// and returns without waiting for the fold.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"configline/internal/domain"
	"configline/internal/events"
	"configline/internal/metrics"
	"configline/internal/repo"
)

const (
	DefaultRetryAttempts = 5
	DefaultRetryDelay    = 200 * time.Millisecond
)

type Engine struct {
	Log     events.Log
	Repo    repo.Repo
	Stream  string
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Notify is called after a successful append, typically to wake the
	// projection.
	Notify func()
}

func New(log events.Log, cache repo.Repo, stream string) Engine {
	return Engine{
		Log:    log,
		Repo:   cache,
		Stream: stream,
		Now:    time.Now,
		Logger: slog.Default(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// append writes p after the projected watermark.
func (e Engine) append(ctx context.Context, p domain.Payload) (domain.Revision, error) {
	ctx, span := otel.Tracer("configline/engine").Start(ctx, "engine.append")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", string(p.EventType())))

	evt, err := domain.NewEvent(p)
	if err != nil {
		return 0, err
	}
	evt.Timestamp = e.now().UTC()
	wm, err := e.Repo.GetProjectedVersion(ctx)
	if err != nil {
		return 0, err
	}
	rev, err := e.Log.Append(ctx, e.Stream, wm, []domain.Event{evt})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		if errors.Is(err, domain.ErrConcurrencyConflict) && e.Metrics != nil {
			e.Metrics.AppendConflicts.Inc()
		}
		return 0, err
	}
	if e.Metrics != nil {
		e.Metrics.Appends.WithLabelValues(string(p.EventType())).Inc()
	}
	e.logger().Debug("event appended", "type", p.EventType(), "revision", rev, "expected", wm)
	if e.Notify != nil {
		e.Notify()
	}
	return rev, nil
}

// created handles the lookup result of an idempotent create. done is true
// when the object already exists. A deleted identifier is never reused.
func (e Engine) created(ctx context.Context, dt domain.DataType, id string, err error) (done bool, rev domain.Revision, _ error) {
	if err == nil {
		wm, err := e.Repo.GetProjectedVersion(ctx)
		return true, wm, err
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return true, 0, err
	}
	r, err := e.Repo.Removal(ctx, dt, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return false, 0, nil
	case err != nil:
		return true, 0, err
	case r.Deleted:
		return true, 0, fmt.Errorf("%w: %s %s was deleted at revision %d and cannot be reused", domain.ErrValidationFailed, dt, id, r.Version)
	}
	return false, 0, nil
}

func (e Engine) CreateLayer(ctx context.Context, id domain.LayerID) (domain.Revision, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}
	_, err := e.Repo.LoadLayer(ctx, id)
	if done, rev, err := e.created(ctx, domain.DataLayer, id.String(), err); done {
		return rev, err
	}
	return e.append(ctx, domain.LayerCreated{Layer: id})
}

func (e Engine) DeleteLayer(ctx context.Context, id domain.LayerID) (domain.Revision, error) {
	if _, err := e.Repo.LoadLayer(ctx, id); err != nil {
		return 0, err
	}
	return e.append(ctx, domain.LayerDeleted{Layer: id})
}

func (e Engine) ModifyLayerKeys(ctx context.Context, id domain.LayerID, actions []domain.KeyAction) (domain.Revision, error) {
	if _, err := e.Repo.LoadLayer(ctx, id); err != nil {
		return 0, err
	}
	return e.append(ctx, domain.LayerKeysModified{Layer: id, Actions: actions})
}

func (e Engine) CreateEnvironment(ctx context.Context, id domain.EnvironmentID) (domain.Revision, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}
	_, err := e.Repo.LoadEnvironment(ctx, id)
	if done, rev, err := e.created(ctx, domain.DataEnvironment, id.String(), err); done {
		return rev, err
	}
	return e.append(ctx, domain.EnvironmentCreated{Environment: id})
}

func (e Engine) DeleteEnvironment(ctx context.Context, id domain.EnvironmentID) (domain.Revision, error) {
	if _, err := e.Repo.LoadEnvironment(ctx, id); err != nil {
		return 0, err
	}
	return e.append(ctx, domain.EnvironmentDeleted{Environment: id})
}

// AssignLayers replaces the environment's ordered layer list. Every layer must
// already be visible in the cache.
func (e Engine) AssignLayers(ctx context.Context, id domain.EnvironmentID, layers []domain.LayerID) (domain.Revision, error) {
	if _, err := e.Repo.LoadEnvironment(ctx, id); err != nil {
		return 0, err
	}
	for _, l := range layers {
		if _, err := e.Repo.LoadLayer(ctx, l); err != nil {
			return 0, err
		}
	}
	return e.append(ctx, domain.EnvironmentLayersAssigned{Environment: id, Layers: layers})
}

func (e Engine) CreateStructure(ctx context.Context, id domain.StructureID, keys, variables map[string]string) (domain.Revision, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}
	_, err := e.Repo.LoadStructure(ctx, id)
	if done, rev, err := e.created(ctx, domain.DataStructure, id.String(), err); done {
		return rev, err
	}
	return e.append(ctx, domain.StructureCreated{Structure: id, Keys: keys, Variables: variables})
}

func (e Engine) DeleteStructure(ctx context.Context, id domain.StructureID) (domain.Revision, error) {
	if _, err := e.Repo.LoadStructure(ctx, id); err != nil {
		return 0, err
	}
	return e.append(ctx, domain.StructureDeleted{Structure: id})
}

func (e Engine) ModifyStructureKeys(ctx context.Context, id domain.StructureID, actions []domain.KeyAction) (domain.Revision, error) {
	if _, err := e.Repo.LoadStructure(ctx, id); err != nil {
		return 0, err
	}
	return e.append(ctx, domain.StructureKeysModified{Structure: id, Actions: actions})
}

func (e Engine) ModifyStructureVariables(ctx context.Context, id domain.StructureID, actions []domain.VariableAction) (domain.Revision, error) {
	if _, err := e.Repo.LoadStructure(ctx, id); err != nil {
		return 0, err
	}
	return e.append(ctx, domain.StructureVariablesModified{Structure: id, Actions: actions})
}

// BuildConfiguration requests a compile of the structure against the
// environment. The result is only visible once the event is folded.
func (e Engine) BuildConfiguration(ctx context.Context, id domain.ConfigurationID, validFrom, validTo *time.Time) (domain.Revision, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}
	if _, err := e.Repo.LoadEnvironment(ctx, id.Environment); err != nil {
		return 0, err
	}
	if _, err := e.Repo.LoadStructure(ctx, id.Structure); err != nil {
		return 0, err
	}
	return e.append(ctx, domain.ConfigurationBuilt{Configuration: id, ValidFrom: validFrom, ValidTo: validTo})
}

// WaitForVersion polls the watermark until it reaches rev.
func (e Engine) WaitForVersion(ctx context.Context, rev domain.Revision, interval time.Duration) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		wm, err := e.Repo.GetProjectedVersion(ctx)
		if err != nil {
			return err
		}
		if wm >= rev {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for revision %d (at %d): %w", rev, wm, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Retry runs fn until it succeeds, fails with anything but ErrNotFound, or
// attempts run out. It covers prerequisites that are appended but not yet
// projected.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
